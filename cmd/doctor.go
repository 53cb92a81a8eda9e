package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/qqclaw/internal/automation"
	"github.com/nextlevelbuilder/qqclaw/internal/config"
	"github.com/nextlevelbuilder/qqclaw/internal/routing"
	"github.com/nextlevelbuilder/qqclaw/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("qqclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: qqclaw onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Account:")
	qq := cfg.Channels.QQ
	if problems := cfg.ValidateAccount(); len(problems) > 0 {
		for _, p := range problems {
			fmt.Printf("    %-12s %s\n", "PROBLEM:", p)
		}
	} else {
		fmt.Printf("    %-12s %s\n", "Socket:", qq.WSURL)
		fmt.Printf("    %-12s array\n", "Format:")
	}
	if qq.OwnerUserID != "" {
		status := "OK"
		if !routing.IsValidRoute("user:" + qq.OwnerUserID) {
			status = "INVALID (5-12 digit QQ number expected)"
		}
		fmt.Printf("    %-12s %s (%s)\n", "Owner:", qq.OwnerUserID, status)
	} else {
		fmt.Printf("    %-12s (not set — no route binds agent \"main\")\n", "Owner:")
	}

	fmt.Println()
	fmt.Println("  Agent:")
	if cfg.Agent.Command == "" {
		fmt.Printf("    %-12s NOT CONFIGURED (agent.command)\n", "Command:")
	} else if path, lookErr := exec.LookPath(cfg.Agent.Command); lookErr != nil {
		fmt.Printf("    %-12s %s (NOT FOUND in PATH)\n", "Command:", cfg.Agent.Command)
	} else {
		fmt.Printf("    %-12s %s\n", "Command:", path)
	}

	fmt.Println()
	fmt.Println("  Session store:")
	kind := storeKind(cfg)
	fmt.Printf("    %-12s %s\n", "Backend:", kind)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	sessions, storeErr := store.Open(ctx, store.Options{
		DataDir:     cfg.DataDirPath(),
		PostgresDSN: cfg.Database.PostgresDSN,
	})
	cancel()
	if storeErr != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", storeErr)
		if kind == "postgres" {
			fmt.Printf("    %-12s schema missing? run: qqclaw migrate up\n", "Hint:")
		}
	} else {
		sessions.Close()
		fmt.Printf("    %-12s OK\n", "Status:")
	}

	fmt.Println()
	fmt.Printf("  Workspace: %s", cfg.WorkspacePath())
	checkWritable(cfg.WorkspacePath())
	fmt.Printf("  Data dir:  %s", cfg.DataDirPath())
	checkWritable(cfg.DataDirPath())

	fmt.Println()
	fmt.Println("  Automation:")
	checkAutomationTargets(cfg)

	fmt.Println()
	fmt.Println("  Media relay:")
	if !qq.MediaProxyEnabled {
		fmt.Printf("    %-12s disabled\n", "Status:")
	} else if qq.MediaProxyToken == "" {
		fmt.Printf("    %-12s enabled, NO SECRET (set QQCLAW_MEDIA_PROXY_TOKEN)\n", "Status:")
	} else {
		fmt.Printf("    %-12s enabled on %s:%d%s\n", "Status:", qq.MediaProxyHost, qq.MediaProxyPort, qq.MediaProxyPath)
	}

	if qq.ProactiveDmEnabled {
		fmt.Println()
		fmt.Println("  Proactive DM:")
		if routing.IsValidRoute(qq.ProactiveDmRoute) {
			fmt.Printf("    %-12s %s\n", "Route:", qq.ProactiveDmRoute)
		} else {
			fmt.Printf("    %-12s %q INVALID (want user:<qq>)\n", "Route:", qq.ProactiveDmRoute)
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkWritable(dir string) {
	if dir == "" {
		fmt.Println(" (NOT CONFIGURED)")
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf(" (CANNOT CREATE: %s)\n", err)
		return
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
		return
	}
	os.Remove(probe)
	fmt.Println(" (OK)")
}

func checkAutomationTargets(cfg *config.Config) {
	path := cfg.AutomationTargetsPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if n := len(cfg.Automation.Targets); n > 0 {
			fmt.Printf("    %-12s %d inline config target(s)\n", "Targets:", n)
		} else {
			fmt.Printf("    %-12s none (%s not present)\n", "Targets:", path)
		}
		return
	}
	if err != nil {
		fmt.Printf("    %-12s READ FAILED (%s)\n", "Targets:", err)
		return
	}

	var env automation.Envelope
	if err := json5.Unmarshal(data, &env); err != nil {
		fmt.Printf("    %-12s PARSE FAILED (%s)\n", "Targets:", err)
		return
	}
	g := gronx.New()
	valid := 0
	for i := range env.Targets {
		t := env.Targets[i]
		t.Normalize()
		if verr := t.Validate(g, env.StrictAgentOnly); verr != nil {
			fmt.Printf("    %-12s %s: %s\n", "INVALID:", t.ID, verr)
			continue
		}
		valid++
	}
	fmt.Printf("    %-12s %d valid / %d total (%s)\n", "Targets:", valid, len(env.Targets), path)
}
