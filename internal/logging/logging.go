// Package logging configures the process-wide slog default used by every
// component. Per-route diagnostics files are separate (internal/diag); this
// package only covers operator-facing output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below slog.LevelDebug and is used for wire-level payloads
// (full socket frames, raw action responses). The value -8 follows the
// convention of Go projects that extend slog with a Trace level.
const LevelTrace = slog.Level(-8)

// ParseLevel converts a case-insensitive string to a slog.Level.
// Empty input means Info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// replaceLevelNames renders LevelTrace as "TRACE" instead of slog's
// default "DEBUG-4".
func replaceLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// NewHandler builds the text handler used as the process default.
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelNames,
	})
}

// Setup installs the default logger at the given level.
func Setup(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(NewHandler(w, level)))
}
