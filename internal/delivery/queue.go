// Package delivery serializes every outbound protocol send through one
// paced FIFO with bounded retries, deferred redelivery after transport
// failures, and a repeat guard for media payloads.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/timekit"
)

// Options tunes the queue. Zero fields fall back to the documented
// defaults.
type Options struct {
	BaseDelay        time.Duration // pacing between tasks (default 1s)
	Jitter           time.Duration // ± spread applied to pacing (default 400ms)
	MaxRetries       int           // protocol attempts per send (default 3)
	RetryMinDelay    time.Duration // backoff floor (default 500ms)
	RetryMaxDelay    time.Duration // backoff ceiling (default 8s)
	RetryJitterRatio float64       // ± ratio applied to backoff (default 0.15)
	WaitForReconnect time.Duration // socket wait per attempt, reused as requeue delay (default 5s)
	RepeatGuard      time.Duration // media repeat-guard window (default 45s)
	QueueDepth       int           // pending task capacity (default 256)
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryMinDelay <= 0 {
		o.RetryMinDelay = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 8 * time.Second
	}
	if o.RetryJitterRatio <= 0 {
		o.RetryJitterRatio = 0.15
	}
	if o.WaitForReconnect <= 0 {
		o.WaitForReconnect = 5 * time.Second
	}
	if o.RepeatGuard <= 0 {
		o.RepeatGuard = 45 * time.Second
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
	return o
}

// WaitConnectedFunc blocks until the transport is usable or the timeout
// elapses.
type WaitConnectedFunc func(ctx context.Context, timeout time.Duration) error

// SendRequest is one outbound protocol send. Do performs a single
// attempt; the queue owns pacing, retries and redelivery around it.
type SendRequest struct {
	Label      string // action name for logs ("send_msg", "upload_file")
	Route      string
	MsgID      string
	DispatchID string
	AttemptID  string // shared across every trace row of this send; filled when empty
	Source     string // diag source tag

	// MediaDedupKey enables the repeat guard: once an attempt for the
	// key has gone out, further attempts inside the guard window are
	// dropped rather than risk double-posting media.
	MediaDedupKey string

	// Preflight runs before every attempt. Returning a
	// dispatch_id_mismatch or dispatch_aborted error drops the send
	// without consuming a retry.
	Preflight func() error

	Do func(ctx context.Context) error
}

type task struct {
	req         SendRequest
	requeueLeft int
	done        chan error
	once        sync.Once
}

// report delivers the first terminal outcome to the caller. Later calls
// (after a background redelivery) are no-ops.
func (t *task) report(err error) {
	t.once.Do(func() {
		t.done <- err
		close(t.done)
	})
}

// Queue is the process-wide outbound send queue. Every protocol send
// goes through it so pacing and retry behavior stay uniform across
// text, media and automation flows.
type Queue struct {
	opts    Options
	limiter *rate.Limiter
	tasks   chan *task
	wait    WaitConnectedFunc
	repeat  *Window
	log     *diag.Logger

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) bool // test hook
}

// NewQueue builds a queue. wait is typically the socket client's
// WaitUntilConnected; log may be nil to disable per-attempt traces.
func NewQueue(opts Options, wait WaitConnectedFunc, log *diag.Logger) *Queue {
	opts = opts.withDefaults()
	floor := opts.BaseDelay - opts.Jitter
	if floor < time.Millisecond {
		floor = time.Millisecond
	}
	return &Queue{
		opts: opts,
		// The limiter enforces the pacing floor; jitter widens each gap
		// by a random 0..2*Jitter so spacing lands in base±jitter.
		limiter: rate.NewLimiter(rate.Every(floor), 1),
		tasks:   make(chan *task, opts.QueueDepth),
		wait:    wait,
		repeat:  NewWindow(opts.RepeatGuard),
		log:     log,
		quit:    make(chan struct{}),
		sleep:   timekit.Sleep,
	}
}

// Start launches the worker. ctx bounds the queue's lifetime.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop shuts the worker down and waits for in-flight work to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.quit) })
	q.wg.Wait()
}

// Enqueue queues req and blocks until its first terminal outcome. After
// a transport failure the task may still be redelivered once in the
// background; that late outcome is only logged.
func (q *Queue) Enqueue(ctx context.Context, req SendRequest) error {
	if req.AttemptID == "" {
		req.AttemptID = uuid.NewString()
	}
	t := &task{req: req, requeueLeft: 1, done: make(chan error, 1)}
	q.trace(req, diag.TraceEvent{Event: "send_queue", Phase: "prepared"})
	select {
	case q.tasks <- t:
		q.trace(req, diag.TraceEvent{Event: "send_queue", Phase: "queued"})
	case <-q.quit:
		return qqerr.New(qqerr.CodeTransportUnavailable, "delivery: queue stopped")
	case <-ctx.Done():
		return qqerr.Wrap(qqerr.CodeDispatchAborted, "delivery: enqueue", ctx.Err())
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The task still runs; its preflight drops it if the dispatch
		// is gone by then.
		return qqerr.Wrap(qqerr.CodeDispatchAborted, "delivery: wait", ctx.Err())
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			q.process(ctx, t)
		}
	}
}

func (q *Queue) process(ctx context.Context, t *task) {
	if err := q.limiter.Wait(ctx); err != nil {
		t.report(qqerr.Wrap(qqerr.CodeTransportUnavailable, "delivery: pacing", err))
		return
	}
	err := q.attempt(ctx, t.req)
	if err != nil && t.requeueLeft > 0 && IsRetriable(err) {
		t.requeueLeft--
		t.report(err)
		q.wg.Add(1)
		go q.redeliver(ctx, t)
	} else {
		t.report(err)
	}
	if j := q.opts.Jitter; j > 0 {
		q.sleep(ctx, time.Duration(rand.Int64N(int64(2*j))))
	}
}

// redeliver waits out the reconnect delay and pushes the task back for
// one more pass. Its outcome no longer reaches the original caller.
func (q *Queue) redeliver(ctx context.Context, t *task) {
	defer q.wg.Done()
	if !q.sleep(ctx, q.opts.WaitForReconnect) {
		return
	}
	select {
	case q.tasks <- t:
		slog.Debug("delivery: requeued after transport failure",
			"label", t.req.Label, "route", t.req.Route)
	case <-q.quit:
	case <-ctx.Done():
	}
}

// attempt runs the per-send retry loop: up to MaxRetries protocol
// attempts with clamped exponential backoff between them. Transport
// unavailability returns immediately so the queue-level requeue can
// wait for the socket instead of burning attempts.
func (q *Queue) attempt(ctx context.Context, req SendRequest) error {
	var lastErr error
	for n := 1; n <= q.opts.MaxRetries; n++ {
		retries := n - 1
		if err := q.preflight(ctx, req); err != nil {
			if qqerr.HasCode(err, qqerr.CodeDispatchIDMismatch) ||
				qqerr.HasCode(err, qqerr.CodeDispatchAborted) {
				q.traceDone(req, "dropped", retries, err)
				return err
			}
			lastErr = err
		} else if err := q.ensureConnected(ctx); err != nil {
			q.traceDone(req, "failed", retries, err)
			return err
		} else if req.MediaDedupKey != "" && !q.repeat.Begin(req.MediaDedupKey) {
			err := qqerr.New(qqerr.CodeDuplicatePayload, "delivery: repeat guard")
			q.traceDone(req, "dropped", retries, err)
			return err
		} else {
			q.trace(req, diag.TraceEvent{Event: "send_attempt", Phase: "sending", RetryCount: diag.IntPtr(retries)})
			start := time.Now()
			err := req.Do(ctx)
			if err == nil {
				q.trace(req, diag.TraceEvent{
					Event:      "send_done",
					Phase:      "sent",
					RetryCount: diag.IntPtr(retries),
					DurationMs: time.Since(start).Milliseconds(),
				})
				return nil
			}
			lastErr = err
		}

		if n < q.opts.MaxRetries {
			if !q.sleep(ctx, q.backoff(n)) {
				break
			}
		}
	}
	q.traceDone(req, "failed", q.opts.MaxRetries-1, lastErr)
	return fmt.Errorf("delivery: %s exhausted retries: %w", req.Label, lastErr)
}

func (q *Queue) preflight(ctx context.Context, req SendRequest) error {
	if err := ctx.Err(); err != nil {
		return qqerr.Wrap(qqerr.CodeDispatchAborted, "delivery: preflight", err)
	}
	if req.Preflight == nil {
		return nil
	}
	return req.Preflight()
}

func (q *Queue) ensureConnected(ctx context.Context) error {
	if q.wait == nil {
		return nil
	}
	if err := q.wait(ctx, q.opts.WaitForReconnect); err != nil {
		return qqerr.Wrap(qqerr.CodeTransportUnavailable, "delivery: socket", err)
	}
	return nil
}

// backoff returns the delay before the attempt after n failures:
// RetryMinDelay doubled per failure, clamped to RetryMaxDelay, spread
// by ±RetryJitterRatio.
func (q *Queue) backoff(n int) time.Duration {
	d := q.opts.RetryMinDelay << (n - 1)
	if d < q.opts.RetryMinDelay {
		d = q.opts.RetryMinDelay
	}
	if d > q.opts.RetryMaxDelay {
		d = q.opts.RetryMaxDelay
	}
	spread := 1 + (rand.Float64()*2-1)*q.opts.RetryJitterRatio
	return time.Duration(float64(d) * spread)
}

func (q *Queue) trace(req SendRequest, ev diag.TraceEvent) {
	if q.log == nil {
		return
	}
	ev.MsgID = req.MsgID
	ev.DispatchID = req.DispatchID
	ev.AttemptID = req.AttemptID
	ev.Source = req.Source
	if ev.Extra == nil && req.Label != "" {
		ev.Extra = map[string]any{"action": req.Label}
	}
	q.log.Trace(req.Route, ev)
}

func (q *Queue) traceDone(req SendRequest, phase string, retries int, err error) {
	ev := diag.TraceEvent{Event: "send_done", Phase: phase, RetryCount: diag.IntPtr(retries)}
	if err != nil {
		if phase == "dropped" {
			ev.DropReason = string(qqerr.CodeOf(err))
		} else {
			ev.Error = err.Error()
		}
	}
	q.trace(req, ev)
}
