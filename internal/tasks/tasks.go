// Package tasks runs heavy dispatch work as guarded task units:
// per-route FIFO with a bounded concurrency lane, per-attempt runtime
// caps, retries, 24h idempotency, and a persisted lifecycle under the
// route's meta dir.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/timekit"
)

// Status values of a task record.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

const idempotencyWindow = 24 * time.Hour

// Guardrails bound task execution. Zero fields take the defaults;
// out-of-range values are clamped.
type Guardrails struct {
	MaxRuntime     time.Duration // per attempt, 5s–10min (default 2min)
	MaxRetries     int           // 0–5 (default 1)
	MaxConcurrency int           // per route, 1–8 (default 1)
	Idempotency    *bool         // default true
}

func (g Guardrails) normalized() Guardrails {
	if g.MaxRuntime <= 0 {
		g.MaxRuntime = 2 * time.Minute
	}
	if g.MaxRuntime < 5*time.Second {
		g.MaxRuntime = 5 * time.Second
	}
	if g.MaxRuntime > 10*time.Minute {
		g.MaxRuntime = 10 * time.Minute
	}
	if g.MaxRetries < 0 {
		g.MaxRetries = 0
	}
	if g.MaxRetries > 5 {
		g.MaxRetries = 5
	}
	if g.MaxConcurrency < 1 {
		g.MaxConcurrency = 1
	}
	if g.MaxConcurrency > 8 {
		g.MaxConcurrency = 8
	}
	return g
}

func (g Guardrails) idempotencyEnabled() bool {
	return g.Idempotency == nil || *g.Idempotency
}

// Request is one unit of work. Fn returns a short result summary.
type Request struct {
	Route          string
	MsgID          string
	DispatchID     string
	TaskKind       string
	PayloadSummary string
	Fn             func(ctx context.Context) (string, error)
	OnFailed       func(err error, status string)
}

// Outcome reports how a request ended.
type Outcome struct {
	TaskKey       string
	Deduped       bool
	ResultSummary string
}

// Record is the persisted task state.
type Record struct {
	TaskKey        string `json:"taskKey"`
	Route          string `json:"route"`
	MsgID          string `json:"msgId"`
	DispatchID     string `json:"dispatchId,omitempty"`
	TaskKind       string `json:"taskKind"`
	Status         string `json:"status"`
	RetryCount     int    `json:"retryCount"`
	ErrorReason    string `json:"errorReason,omitempty"`
	ResultSummary  string `json:"resultSummary,omitempty"`
	PayloadSummary string `json:"payloadSummary,omitempty"`
	At             string `json:"at"`
}

// TaskKey derives the stable idempotency key for a request.
func TaskKey(route, msgID, taskKind, payloadSummary string) string {
	sum := sha256.Sum256([]byte(route + "|" + msgID + "|" + taskKind + "|" + payloadSummary))
	return hex.EncodeToString(sum[:8])
}

// MetaDirFunc maps a route to its meta directory.
type MetaDirFunc func(route string) (string, error)

// Runner executes task units.
type Runner struct {
	guard   Guardrails
	metaDir MetaDirFunc

	mu        sync.Mutex
	lanes     map[string]chan struct{}
	fileLocks map[string]*sync.Mutex
	completed map[string]time.Time // taskKey → completion time

	now func() time.Time
}

// NewRunner builds a Runner. metaDir is typically routestate's MetaDir.
func NewRunner(guard Guardrails, metaDir MetaDirFunc) *Runner {
	return &Runner{
		guard:     guard.normalized(),
		metaDir:   metaDir,
		lanes:     make(map[string]chan struct{}),
		fileLocks: make(map[string]*sync.Mutex),
		completed: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Runner) SetClock(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// Run executes req in its route's lane and blocks until the task ends.
// Identical requests completed within the last 24h short-circuit with
// Deduped set.
func (r *Runner) Run(ctx context.Context, req Request) (Outcome, error) {
	key := TaskKey(req.Route, req.MsgID, req.TaskKind, req.PayloadSummary)
	rec := Record{
		TaskKey:        key,
		Route:          req.Route,
		MsgID:          req.MsgID,
		DispatchID:     req.DispatchID,
		TaskKind:       req.TaskKind,
		PayloadSummary: req.PayloadSummary,
	}

	if r.guard.idempotencyEnabled() && r.completedWithin(key) {
		rec.Status = StatusSucceeded
		rec.ErrorReason = "idempotent_replay_skipped"
		r.persist(req.Route, rec)
		return Outcome{TaskKey: key, Deduped: true}, nil
	}

	rec.Status = StatusQueued
	r.persist(req.Route, rec)

	lane := r.lane(req.Route)
	select {
	case lane <- struct{}{}:
	case <-ctx.Done():
		rec.Status = StatusFailed
		rec.ErrorReason = ctx.Err().Error()
		r.persist(req.Route, rec)
		return Outcome{TaskKey: key}, qqerr.Wrap(qqerr.CodeDispatchAborted, "tasks: queued", ctx.Err())
	}
	defer func() { <-lane }()

	var lastErr error
	for attempt := 0; attempt <= r.guard.MaxRetries; attempt++ {
		rec.Status = StatusRunning
		rec.RetryCount = attempt
		rec.ErrorReason = ""
		r.persist(req.Route, rec)

		summary, err := timekit.WithTimeout(ctx, r.guard.MaxRuntime, "task "+req.TaskKind, nil, func(tctx context.Context) (string, error) {
			return req.Fn(tctx)
		})
		if err == nil {
			rec.Status = StatusSucceeded
			rec.ResultSummary = summary
			r.persist(req.Route, rec)
			r.markCompleted(key)
			return Outcome{TaskKey: key, ResultSummary: summary}, nil
		}
		lastErr = err
		if timekit.IsTimeout(err) {
			// A blown runtime cap is terminal; the work may still be
			// holding resources and must not run twice.
			return r.fail(req, rec, StatusTimeout, err)
		}
		if ctx.Err() != nil {
			return r.fail(req, rec, StatusFailed, err)
		}
		slog.Warn("tasks: attempt failed", "route", req.Route, "kind", req.TaskKind, "attempt", attempt, "error", err)
	}
	return r.fail(req, rec, StatusFailed, lastErr)
}

func (r *Runner) fail(req Request, rec Record, status string, err error) (Outcome, error) {
	rec.Status = status
	rec.ErrorReason = err.Error()
	r.persist(req.Route, rec)
	if req.OnFailed != nil {
		req.OnFailed(err, status)
	}
	return Outcome{TaskKey: rec.TaskKey}, fmt.Errorf("tasks: %s %s: %w", req.TaskKind, status, err)
}

func (r *Runner) lane(route string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[route]
	if !ok {
		l = make(chan struct{}, r.guard.MaxConcurrency)
		r.lanes[route] = l
	}
	return l
}

func (r *Runner) completedWithin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.completed[key]
	return ok && r.now().Sub(at) < idempotencyWindow
}

func (r *Runner) markCompleted(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for k, at := range r.completed {
		if now.Sub(at) >= idempotencyWindow {
			delete(r.completed, k)
		}
	}
	r.completed[key] = now
}

// persist writes one lifecycle step to the route's three task files.
// Disk trouble is logged, never fatal to the task itself.
func (r *Runner) persist(route string, rec Record) {
	rec.At = r.nowRFC3339()
	dir, err := r.metaDir(route)
	if err != nil {
		slog.Warn("tasks: meta dir", "route", route, "error", err)
		return
	}
	lock := r.fileLock(route)
	lock.Lock()
	defer lock.Unlock()

	if err := writeJSONAtomic(filepath.Join(dir, "task-state.json"), rec); err != nil {
		slog.Warn("tasks: persist state", "route", route, "error", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, "task-"+rec.TaskKey+".json"), rec); err != nil {
		slog.Warn("tasks: persist record", "route", route, "error", err)
	}
	if err := appendNDJSON(filepath.Join(dir, "task-lifecycle.ndjson"), rec); err != nil {
		slog.Warn("tasks: persist lifecycle", "route", route, "error", err)
	}
}

func (r *Runner) fileLock(route string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.fileLocks[route]
	if !ok {
		l = &sync.Mutex{}
		r.fileLocks[route] = l
	}
	return l
}

func (r *Runner) nowRFC3339() string {
	r.mu.Lock()
	now := r.now
	r.mu.Unlock()
	return now().Format(time.RFC3339Nano)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".task-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	keep = true
	return nil
}

func appendNDJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
