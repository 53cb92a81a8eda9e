//go:build !otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/qqclaw/internal/config"
)

// initTelemetry is a no-op unless the binary is built with -tags otel.
func initTelemetry(_ context.Context, cfg *config.Config) func(context.Context) error {
	if cfg.Telemetry.Enabled {
		slog.Warn("telemetry enabled in config but binary built without otel support; rebuild with -tags otel")
	}
	return nil
}
