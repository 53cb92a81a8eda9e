// Package diag writes the per-route diagnostics files: structured trace
// events and normalized chat lines, one JSON object per line, one file per
// day under <workspace>/qq_sessions/<route-dir>/logs/.
//
// These files are the forensic record for a route: every pipeline stage
// appends here. Lines may interleave across routes but are totally ordered
// within a file.
package diag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/qqclaw/internal/routing"
)

// Source tags which flow produced a trace event.
const (
	SourceChat       = "chat"
	SourceAutomation = "automation"
	SourceInbound    = "inbound"
)

// TraceEvent is one structured diagnostics record.
type TraceEvent struct {
	TS         string `json:"ts,omitempty"`
	Event      string `json:"event"`
	Route      string `json:"route,omitempty"`
	MsgID      string `json:"msg_id,omitempty"`
	DispatchID string `json:"dispatch_id,omitempty"`
	AttemptID  string `json:"attempt_id,omitempty"`
	Source     string `json:"source,omitempty"` // chat | automation | inbound

	ResolveStage  string `json:"resolve_stage,omitempty"` // collect | resolve | fallback_get_msg | materialize
	ResolveAction string `json:"resolve_action,omitempty"`
	ResolveResult string `json:"resolve_result,omitempty"`

	MaterializeErrorCode string `json:"materialize_error_code,omitempty"`
	Materialized         *int   `json:"materialized,omitempty"`

	Phase      string `json:"phase,omitempty"` // prepared | queued | sending | sent | dropped | failed
	DropReason string `json:"drop_reason,omitempty"`
	RetryCount *int   `json:"retry_count,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// ChatLine is one normalized conversation record.
type ChatLine struct {
	TS        string `json:"ts"`
	Direction string `json:"direction"` // in | out
	Route     string `json:"route"`
	MsgID     string `json:"msg_id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content"`
	Media     int    `json:"media,omitempty"`
}

const chatSummaryWidth = 120

// Logger appends trace and chat records for all routes of one workspace.
type Logger struct {
	root          string // <workspace>/qq_sessions
	retentionDays int
	redactor      *Redactor
	now           func() time.Time

	mu        sync.Mutex
	prunedDay map[string]string // route-dir → last day pruned
}

// NewLogger creates a diagnostics logger rooted at the workspace.
func NewLogger(workspace string, retentionDays int, redactor *Redactor) *Logger {
	if retentionDays <= 0 {
		retentionDays = 14
	}
	if redactor == nil {
		redactor = NewRedactor(nil)
	}
	return &Logger{
		root:          filepath.Join(workspace, "qq_sessions"),
		retentionDays: retentionDays,
		redactor:      redactor,
		now:           time.Now,
		prunedDay:     make(map[string]string),
	}
}

// SetClock overrides the time source (tests).
func (l *Logger) SetClock(now func() time.Time) { l.now = now }

// Trace appends a trace event to the route's daily trace file. Failures are
// logged and swallowed: diagnostics must never break the pipeline.
func (l *Logger) Trace(route string, ev TraceEvent) {
	if ev.Route == "" {
		ev.Route = route
	}
	if ev.TS == "" {
		ev.TS = l.now().Format(time.RFC3339Nano)
	}
	ev.Error = l.redactor.Redact(ev.Error)
	l.append(route, "trace", ev)
}

// Chat appends a normalized chat line. Content is redacted and truncated to
// a bounded display width.
func (l *Logger) Chat(route string, line ChatLine) {
	if line.Route == "" {
		line.Route = route
	}
	if line.TS == "" {
		line.TS = l.now().Format(time.RFC3339Nano)
	}
	line.Content = runewidth.Truncate(l.redactor.Redact(oneLine(line.Content)), chatSummaryWidth, "…")
	l.append(route, "chat", line)
}

func (l *Logger) append(route, kind string, v any) {
	dir := routing.RouteDir(route)
	if dir == "" {
		return
	}
	day := l.now().Format("2006-01-02")
	logsDir := filepath.Join(l.root, dir, "logs")
	path := filepath.Join(logsDir, fmt.Sprintf("%s-%s.ndjson", kind, day))

	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("diag: marshal failed", "route", route, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		slog.Warn("diag: mkdir failed", "dir", logsDir, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		slog.Warn("diag: open failed", "path", path, "error", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("diag: write failed", "path", path, "error", err)
	}
	f.Close()

	if l.prunedDay[dir] != day {
		l.prunedDay[dir] = day
		l.pruneLocked(logsDir, day)
	}
}

// pruneLocked removes daily files older than the retention window. Called
// with l.mu held, at most once per route per day.
func (l *Logger) pruneLocked(logsDir, today string) {
	cutoff, err := time.Parse("2006-01-02", today)
	if err != nil {
		return
	}
	cutoff = cutoff.AddDate(0, 0, -l.retentionDays)

	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		var kind, day string
		switch {
		case strings.HasPrefix(name, "trace-") && strings.HasSuffix(name, ".ndjson"):
			kind, day = "trace", strings.TrimSuffix(strings.TrimPrefix(name, "trace-"), ".ndjson")
		case strings.HasPrefix(name, "chat-") && strings.HasSuffix(name, ".ndjson"):
			kind, day = "chat", strings.TrimSuffix(strings.TrimPrefix(name, "chat-"), ".ndjson")
		default:
			continue
		}
		_ = kind
		d, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}
		if d.Before(cutoff) {
			os.Remove(filepath.Join(logsDir, name))
		}
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// IntPtr is a convenience for the optional counter fields.
func IntPtr(v int) *int { return &v }
