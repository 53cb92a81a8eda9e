package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/qqclaw/internal/config"
	"github.com/nextlevelbuilder/qqclaw/internal/routing"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg := config.Default()

	if _, err := os.Stat(cfgPath); err == nil {
		if loaded, loadErr := config.Load(cfgPath); loadErr == nil {
			cfg = loaded
		}
		reconfigure := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Reconfigure?", cfgPath)).
			Value(&reconfigure)
		if err := confirm.Run(); err != nil || !reconfigure {
			return
		}
	}

	qq := &cfg.Channels.QQ
	relayEnabled := qq.MediaProxyEnabled

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot socket URL").
				Description("OneBot v11 forward WebSocket, e.g. from NapCat or Lagrange.").
				Placeholder("ws://127.0.0.1:3001").
				Value(&qq.WSURL).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
						return fmt.Errorf("must start with ws:// or wss://")
					}
					return nil
				}),
			huh.NewInput().
				Title("Access token").
				Description("Must match the bot container's token.").
				EchoMode(huh.EchoModePassword).
				Value(&qq.AccessToken),
			huh.NewInput().
				Title("Owner QQ number").
				Description("Messages from this account bypass every gate and bind agent \"main\".").
				Value(&qq.OwnerUserID).
				Validate(func(s string) error {
					if s != "" && !routing.IsValidRoute("user:"+s) {
						return fmt.Errorf("expected a 5-12 digit QQ number")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent command").
				Description("Executable run once per agent turn, prompt on stdin.").
				Placeholder("openclaw").
				Value(&cfg.Agent.Command),
			huh.NewInput().
				Title("Workspace").
				Description("Per-route session directories live here.").
				Value(&cfg.Workspace),
			huh.NewConfirm().
				Title("Enable the signed media relay?").
				Description("Serves outbound files over HTTP behind expiring HMAC links.").
				Value(&relayEnabled),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "onboard:", err)
		os.Exit(1)
	}

	qq.Enabled = true
	qq.MediaProxyEnabled = relayEnabled

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "onboard: save:", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Config written to", cfgPath)
	fmt.Println()
	fmt.Println("Secrets that stay in the environment:")
	fmt.Println("  QQCLAW_ACCESS_TOKEN       overrides channels.qq.access_token")
	if relayEnabled {
		fmt.Println("  QQCLAW_MEDIA_PROXY_TOKEN  signs relay links (required)")
	}
	fmt.Println("  QQCLAW_POSTGRES_DSN       switches sessions to Postgres")
	fmt.Println()
	fmt.Println("Start with: qqclaw gateway")
}
