// Package store persists conversation sessions behind a small key/value
// interface with SQLite and Postgres backends.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

// SessionStore is the opaque key/value surface the gateway depends on.
type SessionStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Options selects and locates a backend.
type Options struct {
	DataDir     string // SQLite file lives at <DataDir>/sessions.db
	PostgresDSN string // non-empty selects the Postgres backend
}

// Open picks the backend: Postgres when a DSN is configured, SQLite
// otherwise.
func Open(ctx context.Context, opts Options) (SessionStore, error) {
	if opts.PostgresDSN != "" {
		return OpenPG(ctx, opts.PostgresDSN)
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("store: open: data dir not configured")
	}
	return OpenSQLite(filepath.Join(opts.DataDir, "sessions.db"))
}

// EnsureRouteSession migrates a legacy session into the canonical key on
// first touch. When the canonical key is empty and one of the legacy keys
// holds a value, the value is copied to the canonical key, the legacy entry
// is re-written under `<key>.bak-<unix-ts>` and then removed. Returns the
// legacy key that was migrated, "" when nothing moved.
//
// Migration I/O failures are logged and swallowed so the route starts with
// a fresh session rather than blocking inbound traffic.
func EnsureRouteSession(ctx context.Context, s SessionStore, canonicalKey string, legacyKeys ...string) string {
	if canonicalKey == "" {
		return ""
	}
	if _, ok, err := s.Get(ctx, canonicalKey); err != nil {
		logMigrationFailure(canonicalKey, "", err)
		return ""
	} else if ok {
		return ""
	}

	for _, legacy := range legacyKeys {
		value, ok, err := s.Get(ctx, legacy)
		if err != nil {
			logMigrationFailure(canonicalKey, legacy, err)
			return ""
		}
		if !ok {
			continue
		}
		backup := fmt.Sprintf("%s.bak-%d", legacy, time.Now().Unix())
		if err := s.Put(ctx, canonicalKey, value); err != nil {
			logMigrationFailure(canonicalKey, legacy, err)
			return ""
		}
		if err := s.Put(ctx, backup, value); err != nil {
			logMigrationFailure(canonicalKey, legacy, err)
			return ""
		}
		if err := s.Delete(ctx, legacy); err != nil {
			logMigrationFailure(canonicalKey, legacy, err)
			return ""
		}
		slog.Info("store: session migrated",
			"canonical", canonicalKey, "legacy", legacy, "backup", backup)
		return legacy
	}
	return ""
}

func logMigrationFailure(canonical, legacy string, err error) {
	wrapped := qqerr.Wrap(qqerr.CodeMigrationIOFailed, "store: migrate session", err)
	slog.Warn("store: session migration failed, starting fresh",
		"canonical", canonical, "legacy", legacy, "error", wrapped)
}
