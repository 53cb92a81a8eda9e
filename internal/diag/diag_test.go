package diag

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// TestTraceAppend verifies trace events land in the route's daily file one
// JSON object per line.
func TestTraceAppend(t *testing.T) {
	ws := t.TempDir()
	l := NewLogger(ws, 14, nil)
	l.SetClock(fixedClock(time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)))

	l.Trace("user:12345678", TraceEvent{Event: "qq_inbound_received", MsgID: "42", Source: SourceInbound})
	l.Trace("user:12345678", TraceEvent{Event: "qq_dispatch_start", DispatchID: "user:12345678:1:1700000000000", Source: SourceChat})

	path := filepath.Join(ws, "qq_sessions", "user__12345678", "logs", "trace-2026-03-05.ndjson")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var first TraceEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Event != "qq_inbound_received" || first.Route != "user:12345678" || first.MsgID != "42" {
		t.Errorf("first = %+v", first)
	}
	if first.TS == "" {
		t.Error("ts not stamped")
	}
	var second TraceEvent
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
	if second.DispatchID != "user:12345678:1:1700000000000" {
		t.Errorf("dispatch_id = %q", second.DispatchID)
	}
}

// TestChatLineRedactAndTruncate verifies chat content is collapsed to one
// line, scrubbed of secrets, and bounded in width.
func TestChatLineRedactAndTruncate(t *testing.T) {
	ws := t.TempDir()
	l := NewLogger(ws, 14, NewRedactor([]string{"supersecret-token"}))
	l.SetClock(fixedClock(time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)))

	long := "token supersecret-token\n" + strings.Repeat("x", 500)
	l.Chat("group:87654321", ChatLine{Direction: "out", Content: long})

	path := filepath.Join(ws, "qq_sessions", "group__87654321", "logs", "chat-2026-03-05.ndjson")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read chat file: %v", err)
	}
	var line ChatLine
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if strings.Contains(line.Content, "supersecret-token") {
		t.Error("secret not redacted")
	}
	if strings.Contains(line.Content, "\n") {
		t.Error("newline not collapsed")
	}
	if !strings.HasSuffix(line.Content, "…") {
		t.Errorf("content not truncated: %q", line.Content)
	}
	if line.Direction != "out" || line.Route != "group:87654321" {
		t.Errorf("line = %+v", line)
	}
}

// TestRetentionPrune verifies daily files older than the retention window
// are removed on the first write of a new day.
func TestRetentionPrune(t *testing.T) {
	ws := t.TempDir()
	logsDir := filepath.Join(ws, "qq_sessions", "user__12345678", "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(logsDir, "trace-2026-01-01.ndjson")
	fresh := filepath.Join(logsDir, "chat-2026-03-01.ndjson")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	l := NewLogger(ws, 14, nil)
	l.SetClock(fixedClock(time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)))
	l.Trace("user:12345678", TraceEvent{Event: "qq_inbound_received"})

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale file survived prune: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh file pruned: %v", err)
	}
}
