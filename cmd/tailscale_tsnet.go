//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/qqclaw/internal/config"
)

// initTailscale serves the media relay on the tailnet so signed links
// resolve for peers on the same tailscale network without exposing the
// local listener. Returns a cleanup func, nil when not configured.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	if cfg.Tailscale.Hostname == "" || handler == nil {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       config.ExpandHome(cfg.Tailscale.StateDir),
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Warn("tsnet listener failed", "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: handler}
	go func() {
		if serveErr := httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Warn("tsnet serve stopped", "error", serveErr)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	slog.Info("media relay listening on tailnet", "hostname", cfg.Tailscale.Hostname)
	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
