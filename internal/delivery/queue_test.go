package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

func fastOptions() Options {
	return Options{
		BaseDelay:        time.Millisecond,
		Jitter:           0,
		MaxRetries:       3,
		RetryMinDelay:    time.Millisecond,
		RetryMaxDelay:    4 * time.Millisecond,
		WaitForReconnect: time.Millisecond,
	}
}

func startQueue(t *testing.T, opts Options, wait WaitConnectedFunc) *Queue {
	t.Helper()
	q := NewQueue(opts, wait, nil)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Stop()
	})
	return q
}

// TestQueueDeliversInOrder pushes two sends and checks FIFO execution.
func TestQueueDeliversInOrder(t *testing.T) {
	q := startQueue(t, fastOptions(), nil)

	var mu sync.Mutex
	var order []string
	send := func(label string) error {
		return q.Enqueue(context.Background(), SendRequest{
			Label: label,
			Route: "user:100001",
			Do: func(context.Context) error {
				mu.Lock()
				order = append(order, label)
				mu.Unlock()
				return nil
			},
		})
	}

	done := make(chan error, 2)
	go func() { done <- send("first") }()
	time.Sleep(10 * time.Millisecond)
	go func() { done <- send("second") }()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("execution order = %v, want [first second]", order)
	}
}

// TestQueueRetriesWithBackoff verifies the per-send retry loop: two
// failures then success inside one Enqueue, with backoff sleeps between
// attempts.
func TestQueueRetriesWithBackoff(t *testing.T) {
	opts := fastOptions()
	opts.RetryMinDelay = 100 * time.Millisecond
	opts.RetryMaxDelay = 300 * time.Millisecond
	opts.RetryJitterRatio = 0.15
	q := startQueue(t, opts, nil)

	var delays []time.Duration
	var delayMu sync.Mutex
	q.sleep = func(ctx context.Context, d time.Duration) bool {
		delayMu.Lock()
		delays = append(delays, d)
		delayMu.Unlock()
		return true
	}

	var calls atomic.Int32
	err := q.Enqueue(context.Background(), SendRequest{
		Label: "send_msg",
		Route: "user:100001",
		Do: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("retcode 1200: server busy")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue = %v, want nil", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	delayMu.Lock()
	defer delayMu.Unlock()
	if len(delays) < 2 {
		t.Fatalf("backoff sleeps = %d, want >= 2", len(delays))
	}
	// Raw backoff is 100ms then 200ms, each spread by ±15%.
	checkRange(t, "first backoff", delays[0], 85*time.Millisecond, 115*time.Millisecond)
	checkRange(t, "second backoff", delays[1], 170*time.Millisecond, 230*time.Millisecond)
}

func checkRange(t *testing.T, label string, got, lo, hi time.Duration) {
	t.Helper()
	if got < lo || got > hi {
		t.Errorf("%s = %v, want within [%v, %v]", label, got, lo, hi)
	}
}

// TestQueueBackoffClamp checks the ceiling on the retry delay.
func TestQueueBackoffClamp(t *testing.T) {
	opts := fastOptions()
	opts.RetryMinDelay = 500 * time.Millisecond
	opts.RetryMaxDelay = 8 * time.Second
	opts.RetryJitterRatio = 0.15
	q := NewQueue(opts, nil, nil)

	for n := 1; n <= 10; n++ {
		d := q.backoff(n)
		if d < time.Duration(float64(500*time.Millisecond)*0.85) {
			t.Errorf("backoff(%d) = %v, below jittered floor", n, d)
		}
		if d > time.Duration(float64(8*time.Second)*1.15) {
			t.Errorf("backoff(%d) = %v, above jittered ceiling", n, d)
		}
	}
}

// TestQueuePreflightDrop verifies that a dispatch-supersession preflight
// drops the send without ever running the protocol attempt.
func TestQueuePreflightDrop(t *testing.T) {
	q := startQueue(t, fastOptions(), nil)

	var calls atomic.Int32
	err := q.Enqueue(context.Background(), SendRequest{
		Label:      "send_msg",
		Route:      "user:100001",
		DispatchID: "user:100001:3:1700000000000",
		Preflight: func() error {
			return qqerr.New(qqerr.CodeDispatchIDMismatch, "delivery: preflight")
		},
		Do: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	if !qqerr.HasCode(err, qqerr.CodeDispatchIDMismatch) {
		t.Errorf("Enqueue error code = %v, want dispatch_id_mismatch", qqerr.CodeOf(err))
	}
	if calls.Load() != 0 {
		t.Errorf("Do called %d times, want 0", calls.Load())
	}
}

// TestQueueRepeatGuard ensures a failing media send is not retried once
// its dedup key has been attempted.
func TestQueueRepeatGuard(t *testing.T) {
	q := startQueue(t, fastOptions(), nil)

	var calls atomic.Int32
	err := q.Enqueue(context.Background(), SendRequest{
		Label:         "send_msg",
		Route:         "user:100001",
		MediaDedupKey: "user:100001|a.jpg|raw",
		Do: func(context.Context) error {
			calls.Add(1)
			return errors.New("retcode 1200: media rejected")
		},
	})
	if !qqerr.HasCode(err, qqerr.CodeDuplicatePayload) {
		t.Errorf("Enqueue error code = %v, want duplicate_payload", qqerr.CodeOf(err))
	}
	if calls.Load() != 1 {
		t.Errorf("Do called %d times, want 1 (retries suppressed)", calls.Load())
	}
}

// TestQueueRequeuesTransportFailure checks that a transport-level failure
// reports to the caller but the task is redelivered once in the
// background.
func TestQueueRequeuesTransportFailure(t *testing.T) {
	opts := fastOptions()
	opts.MaxRetries = 1
	q := startQueue(t, opts, nil)

	redelivered := make(chan struct{})
	var calls atomic.Int32
	err := q.Enqueue(context.Background(), SendRequest{
		Label: "send_msg",
		Route: "user:100001",
		Do: func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("write tcp: connection reset by peer")
			}
			close(redelivered)
			return nil
		},
	})
	if err == nil {
		t.Fatal("Enqueue = nil, want transport error on first pass")
	}
	select {
	case <-redelivered:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not redelivered after transport failure")
	}
	if calls.Load() != 2 {
		t.Errorf("Do called %d times, want 2", calls.Load())
	}
}

// TestQueueTraceSequence checks that one successful send leaves the full
// prepared → queued → sending → sent record trail, every row carrying the
// same attempt id.
func TestQueueTraceSequence(t *testing.T) {
	root := t.TempDir()
	log := diag.NewLogger(root, 14, nil)
	q := NewQueue(fastOptions(), nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Stop()
	})

	err := q.Enqueue(context.Background(), SendRequest{
		Label: "send_msg",
		Route: "user:100001",
		MsgID: "42",
		Do:    func(context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	day := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(root, "qq_sessions", "user__100001",
		"logs", "trace-"+day+".ndjson"))
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	var phases []string
	var attemptIDs []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var ev diag.TraceEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("bad trace line %q: %v", line, err)
		}
		phases = append(phases, ev.Phase)
		attemptIDs = append(attemptIDs, ev.AttemptID)
	}
	want := []string{"prepared", "queued", "sending", "sent"}
	if len(phases) != len(want) {
		t.Fatalf("trace phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase[%d] = %q, want %q", i, phases[i], want[i])
		}
		if attemptIDs[i] == "" || attemptIDs[i] != attemptIDs[0] {
			t.Errorf("attempt_id[%d] = %q, want the shared id %q", i, attemptIDs[i], attemptIDs[0])
		}
	}
}

// TestQueueWaitsForSocket verifies the per-attempt connectivity gate
// turns a down socket into transport_unavailable.
func TestQueueWaitsForSocket(t *testing.T) {
	wait := func(ctx context.Context, timeout time.Duration) error {
		return errors.New("socket closed")
	}
	q := startQueue(t, fastOptions(), wait)

	var calls atomic.Int32
	err := q.Enqueue(context.Background(), SendRequest{
		Label: "send_msg",
		Route: "user:100001",
		Do: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	if !qqerr.HasCode(err, qqerr.CodeTransportUnavailable) {
		t.Errorf("Enqueue error code = %v, want transport_unavailable", qqerr.CodeOf(err))
	}
	if calls.Load() != 0 {
		t.Errorf("Do called %d times, want 0", calls.Load())
	}
}
