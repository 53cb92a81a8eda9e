package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/qqclaw/internal/config"
	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
)

// rosterNameWidth bounds printed chat names; CJK names count double-width
// columns.
const rosterNameWidth = 40

func discoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Connect to the bot endpoint and list reachable chats",
		Long: "discover connects to the configured OneBot endpoint, probes send\n" +
			"capabilities and prints every friend, group and guild as a route\n" +
			"ready to paste into automation targets or route metadata.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "connect and probe budget")
	return cmd
}

func runDiscover(timeout time.Duration) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	qq := cfg.Channels.QQ
	if problems := cfg.ValidateAccount(); len(problems) > 0 {
		return fmt.Errorf("account not configured: %s (run: qqclaw onboard)", problems[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := onebot.NewClient(onebot.Options{
		URL:         qq.WSURL,
		AccessToken: qq.AccessToken,
	})
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop()
	if err := client.WaitUntilConnected(ctx, timeout); err != nil {
		return fmt.Errorf("endpoint %s unreachable: %w", qq.WSURL, err)
	}

	fmt.Println("qqclaw discover")
	info, err := client.GetLoginInfo(ctx)
	if err != nil {
		return fmt.Errorf("login info: %w", err)
	}
	fmt.Printf("  Account:  %s (%s)\n", info.Nickname, info.UserID)

	fmt.Println()
	fmt.Println("  Capabilities:")
	printProbe("image:", func() (bool, error) { return client.CanSendImage(ctx) })
	printProbe("voice:", func() (bool, error) { return client.CanSendRecord(ctx) })

	fmt.Println()
	fmt.Println("  Friends:")
	friends, err := client.GetFriendList(ctx)
	switch {
	case err != nil:
		fmt.Printf("    (unavailable: %s)\n", err)
	case len(friends) == 0:
		fmt.Println("    none")
	default:
		for _, f := range friends {
			label := f.Nickname
			if f.Remark != "" {
				label = f.Remark
			}
			fmt.Printf("    %-22s %s\n", "user:"+f.UserID.String(), rosterName(label))
		}
	}

	fmt.Println()
	fmt.Println("  Groups:")
	groups, err := client.GetGroupList(ctx)
	switch {
	case err != nil:
		fmt.Printf("    (unavailable: %s)\n", err)
	case len(groups) == 0:
		fmt.Println("    none")
	default:
		for _, g := range groups {
			fmt.Printf("    %-22s %s\n", "group:"+g.GroupID.String(), rosterName(g.GroupName))
		}
	}

	fmt.Println()
	fmt.Println("  Guilds:")
	guilds, err := client.GetGuildList(ctx)
	switch {
	case err != nil:
		// Most implementations ship without guild support.
		fmt.Printf("    (unavailable: %s)\n", err)
	case len(guilds) == 0:
		fmt.Println("    none")
	default:
		for _, g := range guilds {
			fmt.Printf("    guild:%s:<channel>  %s\n", g.GuildID, rosterName(g.GuildName))
		}
	}

	return nil
}

func rosterName(s string) string {
	return runewidth.Truncate(s, rosterNameWidth, "…")
}

func printProbe(name string, probe func() (bool, error)) {
	ok, err := probe()
	switch {
	case err != nil:
		fmt.Printf("    %-12s unknown (%s)\n", name, err)
	case ok:
		fmt.Printf("    %-12s yes\n", name)
	default:
		fmt.Printf("    %-12s no\n", name)
	}
}
