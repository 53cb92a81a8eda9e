package gateway

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/nextlevelbuilder/qqclaw/internal/config"
)

// watchFiles hot-reloads the automation targets file when it changes on
// disk and logs a notice for config file edits; everything else in the
// config applies on restart.
func (g *Gateway) watchFiles(ctx context.Context) {
	paths := []string{g.targetsPath}
	if g.configPath != "" {
		paths = append(paths, g.configPath)
	}
	targets, _ := filepath.Abs(g.targetsPath)

	w, err := config.NewWatcher(func(path string) {
		if path == targets {
			if err := g.sched.Load(); err != nil {
				slog.Warn("gateway: automation targets reload failed", "error", err)
			}
			return
		}
		slog.Info("gateway: config changed on disk; restart to apply", "path", path)
	}, paths...)
	if err != nil {
		slog.Warn("gateway: file watch unavailable", "error", err)
		return
	}
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
}
