package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/qqclaw/internal/agent"
	"github.com/nextlevelbuilder/qqclaw/internal/config"
	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/gateway"
	"github.com/nextlevelbuilder/qqclaw/internal/logging"
	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
	"github.com/nextlevelbuilder/qqclaw/internal/store"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the QQ gateway (the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

// dispatchObserver is installed by initTelemetry in otel builds; nil keeps
// the gateway's default debug-log callback.
var dispatchObserver func(route, dispatchID, outcome string, start, end time.Time)

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Logging.Level != "" {
		if l, lerr := logging.ParseLevel(cfg.Logging.Level); lerr == nil {
			level = l
		} else {
			fmt.Fprintln(os.Stderr, lerr)
		}
	}
	if verbose {
		level = slog.LevelDebug
	}
	logging.Setup(os.Stdout, level)

	// First run: no config file and nothing from env → wizard.
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) && cfg.Channels.QQ.WSURL == "" {
		fmt.Println("No configuration found. Starting setup wizard...")
		fmt.Println()
		runOnboard()
		return
	}

	problems := cfg.ValidateAccount()
	if cfg.Agent.Command == "" {
		problems = append(problems, "agent.command is required")
	}
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(os.Stderr, "config:", p)
		}
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Run `qqclaw doctor` for a full check, or `qqclaw onboard` to reconfigure.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if shutdown := initTelemetry(ctx, cfg); shutdown != nil {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.WorkspacePath(), 0o755); err != nil {
		slog.Error("workspace unavailable", "path", cfg.WorkspacePath(), "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDirPath(), 0o755); err != nil {
		slog.Error("data dir unavailable", "path", cfg.DataDirPath(), "error", err)
		os.Exit(1)
	}

	sessions, err := store.Open(ctx, store.Options{
		DataDir:     cfg.DataDirPath(),
		PostgresDSN: cfg.Database.PostgresDSN,
	})
	if err != nil {
		slog.Error("session store unavailable", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	qq := cfg.Channels.QQ
	sock := onebot.NewClient(onebot.Options{
		URL:              qq.WSURL,
		AccessToken:      qq.AccessToken,
		WaitForReconnect: time.Duration(qq.SendWaitForReconnectMs) * time.Millisecond,
	})
	runner := agent.NewCommandRunner(cfg.Agent.Command, cfg.Agent.Args...)
	redactor := diag.NewRedactor([]string{qq.AccessToken, qq.MediaProxyToken, cfg.Database.PostgresDSN})
	dlog := diag.NewLogger(cfg.WorkspacePath(), cfg.Logging.RetentionDays, redactor)

	gw, err := gateway.New(gateway.Options{
		Config:     cfg,
		Socket:     sock,
		Runner:     runner,
		Sessions:   sessions,
		Diag:       dlog,
		Observer:   dispatchObserver,
		ConfigPath: cfgPath,
	})
	if err != nil {
		slog.Error("gateway init failed", "error", err)
		os.Exit(1)
	}

	if rl := gw.Relay(); rl != nil {
		if cleanup := initTailscale(ctx, cfg, rl.Handler()); cleanup != nil {
			defer cleanup()
		}
	}

	slog.Info("qqclaw starting",
		"version", Version,
		"config", cfgPath,
		"store", storeKind(cfg),
		"agent", cfg.Agent.Command)

	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
	slog.Info("qqclaw stopped")
}

func storeKind(cfg *config.Config) string {
	if cfg.Database.PostgresDSN != "" {
		return "postgres"
	}
	return "sqlite"
}
