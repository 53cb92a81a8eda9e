//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/qqclaw/internal/config"
)

// initTailscale is a no-op unless the binary is built with -tags tsnet.
func initTailscale(_ context.Context, cfg *config.Config, _ http.Handler) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale hostname configured but binary built without tsnet support; rebuild with -tags tsnet")
	}
	return nil
}
