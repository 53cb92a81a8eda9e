// Package dispatch serializes inbound conversation units per route and
// drives each one through the agent runtime: aggregation, preemption,
// policy gates, heavy-task offload, delivery accounting, and the
// pending-latest slot. At most one dispatch runs per route at any
// instant; newer inbounds either abort or queue behind it depending on
// the interrupt policy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/qqclaw/internal/agent"
	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/policy"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/routestate"
	"github.com/nextlevelbuilder/qqclaw/internal/tasks"
	"github.com/nextlevelbuilder/qqclaw/internal/timekit"
)

// Interrupt policies.
const (
	PolicyPreempt     = "preempt"
	PolicyQueueLatest = "queue-latest"
	PolicyAdaptive    = "adaptive"
)

// One-line user-visible texts for dispatch outcomes.
const (
	AckText      = "收到，处理中…"
	FallbackText = "处理中断，请再发一次。"
	TimeoutText  = "处理中超时，请稍后重试。"
	FailText     = "⚠️ 服务调用失败，请稍后重试。"
)

// heavyTextRunes is the inbound text length beyond which a turn is
// offloaded to a task lane.
const heavyTextRunes = 800

// Outbound kinds the engine emits besides plain agent replies.
const (
	DeliverReply    = "reply"
	DeliverAck      = "ack"
	DeliverFallback = "fallback"
	DeliverNotify   = "notify"
)

// DeliverRequest hands one outbound payload to the sender pipeline.
type DeliverRequest struct {
	Kind       string
	Route      string
	MsgID      string
	DispatchID string
	Source     string
	Payload    agent.Reply
}

// Deliverer pushes payloads into the outbound pipeline. A nil return
// means the transport accepted at least part of the payload; coded
// errors describe drops.
type Deliverer interface {
	Deliver(ctx context.Context, req DeliverRequest) error
}

// Config tunes the engine for one channel account.
type Config struct {
	InterruptPolicy      string // preempt | queue-latest | adaptive
	MediaInterruptPolicy string // override while the active run carries media
	PreemptOldRun        bool
	CoalesceEnabled      bool
	InterruptWindow      func(route string) time.Duration
	DegradeWindow        time.Duration // adaptive: stay on queue-latest this long after a timeout
	FileTaskLock         time.Duration
	ReplyRunTimeout      time.Duration
	AbortOnTimeout       bool
	FallbackOnDrop       bool
	FallbackCooldown     time.Duration
	ErrorNotify          bool
}

func (c Config) withDefaults() Config {
	switch c.InterruptPolicy {
	case PolicyPreempt, PolicyQueueLatest, PolicyAdaptive:
	default:
		c.InterruptPolicy = PolicyAdaptive
	}
	if c.InterruptWindow == nil {
		c.InterruptWindow = func(string) time.Duration { return 900 * time.Millisecond }
	}
	if c.DegradeWindow <= 0 {
		c.DegradeWindow = 2 * time.Minute
	}
	if c.FileTaskLock <= 0 {
		c.FileTaskLock = time.Minute
	}
	if c.ReplyRunTimeout <= 0 {
		c.ReplyRunTimeout = 10 * time.Minute
	}
	if c.FallbackCooldown <= 0 {
		c.FallbackCooldown = 30 * time.Second
	}
	return c
}

// Hooks connects the engine to the surrounding gateway. All hooks are
// optional; nil hooks fall back to conservative defaults.
type Hooks struct {
	// EnsureAgent resolves (creating on first contact) the route's
	// resident agent before the run starts.
	EnsureAgent func(ctx context.Context, route string) (*routestate.Metadata, error)
	// SessionKey derives the agent session identifier for a route.
	SessionKey func(meta *routestate.Metadata) string
	// BuildPrompt renders the aggregated inbound into the agent prompt.
	BuildPrompt func(in *Aggregated, meta *routestate.Metadata) string
	// BumpDispatch increments the route's dispatch counter after a
	// successful, non-deduplicated run.
	BumpDispatch func(route string)
	// Observe receives one callback per finished dispatch.
	Observe func(route, dispatchID, outcome string, start, end time.Time)
}

// Outcome summarizes one Dispatch invocation for callers and tests.
type Outcome struct {
	DispatchID string
	Queued     bool // parked in the pending-latest slot
	Superseded bool // lost the route to a newer dispatch, no user-facing work done
	Deduped    bool
	Delivered  int
	DropCode   qqerr.Code
	Err        error
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Config     Config
	Aggregator *Aggregator
	Runtime    *Runtime
	Runner     agent.Runner
	Tasks      *tasks.Runner
	Sender     Deliverer
	Policy     *policy.Checker
	Diag       *diag.Logger
	Hooks      Hooks
}

// Engine is the per-account dispatch state machine.
type Engine struct {
	cfg    Config
	agg    *Aggregator
	rt     *Runtime
	runner agent.Runner
	tasks  *tasks.Runner
	out    Deliverer
	gate   *policy.Checker
	diag   *diag.Logger
	hooks  Hooks

	mu           sync.Mutex
	lastFallback map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewEngine(o EngineOptions) *Engine {
	return &Engine{
		cfg:          o.Config.withDefaults(),
		agg:          o.Aggregator,
		rt:           o.Runtime,
		runner:       o.Runner,
		tasks:        o.Tasks,
		out:          o.Sender,
		gate:         o.Policy,
		diag:         o.Diag,
		hooks:        o.Hooks,
		lastFallback: make(map[string]time.Time),
		now:          time.Now,
		sleep:        timekit.Sleep,
	}
}

// SetClock replaces the time source for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Dispatch runs the full lifecycle for one aggregated inbound unit and
// blocks until the unit reaches a terminal state (or is parked). The
// gateway calls it on a fresh goroutine per finalized unit.
func (e *Engine) Dispatch(ctx context.Context, in *Aggregated) Outcome {
	route := in.Route

	if e.resolvePolicy(route) == PolicyQueueLatest && e.rt.Active(route) != nil {
		return e.park(ctx, in)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run, prev := e.rt.Begin(route, in.MsgID, in.Stats.Total > 0, cancel)

	if prev != nil {
		prev.Abort()
		slog.Debug("dispatch: preempted previous run",
			"route", route, "prev", prev.DispatchID, "next", run.DispatchID)
		// Brief wait for follow-on fragments after a preempt; if a newer
		// unit lands meanwhile, it wins the route and we stand down.
		if e.cfg.CoalesceEnabled {
			if !e.sleep(rctx, e.cfg.InterruptWindow(route)) {
				e.rt.Clear(route, run.DispatchID)
				return Outcome{DispatchID: run.DispatchID, Superseded: true, DropCode: qqerr.CodeDispatchAborted}
			}
			if e.agg.LatestSeq(route) > in.Seq {
				e.rt.Clear(route, run.DispatchID)
				e.trace(in, run.DispatchID, diag.TraceEvent{
					Phase:      "dropped",
					DropReason: string(qqerr.CodeCoalesceSuperseded),
				})
				return Outcome{DispatchID: run.DispatchID, Superseded: true, DropCode: qqerr.CodeCoalesceSuperseded}
			}
		}
	}

	out := e.runTurn(ctx, rctx, run, in)

	if !out.Superseded {
		if p := e.rt.TakePending(route, e.agg.LatestSeq(route)); p != nil {
			go e.Dispatch(ctx, p.Inbound)
		}
	}
	return out
}

// park stores in as the route's pending-latest unit. The unit it
// replaces is dropped; the running dispatch drains the slot when done.
func (e *Engine) park(ctx context.Context, in *Aggregated) Outcome {
	route := in.Route
	if old := e.rt.SetPending(route, in.Seq, in); old != nil {
		e.trace(old.Inbound, "", diag.TraceEvent{
			Phase:      "dropped",
			DropReason: string(qqerr.CodeQueuedSuperseded),
			Extra:      map[string]any{"superseded_by": in.MsgID},
		})
	}
	e.trace(in, "", diag.TraceEvent{Phase: "queued"})
	slog.Debug("dispatch: parked pending-latest", "route", route, "seq", in.Seq)

	// The active run may have finished between the policy check and the
	// park; reclaim the slot so the unit cannot strand.
	if e.rt.Active(route) == nil {
		if p := e.rt.TakePending(route, in.Seq); p != nil {
			return e.Dispatch(ctx, p.Inbound)
		}
	}
	return Outcome{Queued: true}
}

// runTurn executes the policy gate, agent invocation, delivery
// accounting, and terminal bookkeeping for one dispatch that owns the
// route. rctx is the abortable run context; ctx outlives preemption and
// carries user-facing error work.
func (e *Engine) runTurn(ctx, rctx context.Context, run *InFlight, in *Aggregated) Outcome {
	route := in.Route
	start := e.now()
	st := &turnState{}
	out := Outcome{DispatchID: run.DispatchID}

	finish := func(outcome string) {
		if e.hooks.Observe != nil {
			e.hooks.Observe(route, run.DispatchID, outcome, start, e.now())
		}
	}

	e.trace(in, run.DispatchID, diag.TraceEvent{Event: "qq_dispatch_start", Phase: "prepared"})

	if e.gate != nil {
		if err := e.gate.Check(policy.StageBeforeDispatch, route, policy.ActionText); err != nil {
			code := qqerr.CodeOf(err)
			e.trace(in, run.DispatchID, diag.TraceEvent{Phase: "dropped", DropReason: string(code)})
			e.rt.Clear(route, run.DispatchID)
			finish(string(code))
			out.DropCode, out.Err = code, err
			return out
		}
	}

	meta, err := e.ensureAgent(rctx, route)
	if err != nil {
		e.trace(in, run.DispatchID, diag.TraceEvent{
			Phase: "failed",
			Error: err.Error(),
			Extra: map[string]any{"stage": "ensure_agent"},
		})
		if e.rt.Clear(route, run.DispatchID) {
			e.notify(ctx, run, in, FailText)
		}
		finish("ensure_agent_failed")
		out.Err = fmt.Errorf("dispatch: ensure agent %s: %w", route, err)
		return out
	}

	var rules routestate.DispatcherRules
	if meta != nil {
		rules = meta.DispatcherRules
	}

	// Media inbounds get an immediate one-line ack; the real result
	// arrives asynchronously from the task lane.
	if rules.AckThenAsyncResult && in.Stats.Total > 0 {
		if err := e.deliver(rctx, run, in, DeliverAck, agent.Reply{Text: AckText}); err == nil {
			st.add()
		}
	}

	heavy := in.Stats.Total > 0 || utf8.RuneCountInString(in.Text) >= heavyTextRunes
	if heavy && in.Stats.Total > 0 {
		e.rt.LockFileTask(route, e.cfg.FileTaskLock)
	}

	var deduped bool
	if heavy && rules.HeavyTaskDelegation && e.tasks != nil {
		deduped, err = e.offload(rctx, run, in, meta, st)
	} else {
		err = e.boundedTurn(rctx, run, in, meta, st)
	}

	out.Delivered = st.count()
	out.Deduped = deduped

	// Each dispatch traces its own terminal state exactly once.
	switch {
	case err == nil:
		e.trace(in, run.DispatchID, diag.TraceEvent{
			Phase:      "sent",
			DurationMs: e.now().Sub(start).Milliseconds(),
			Extra:      map[string]any{"delivered": out.Delivered, "deduped": deduped},
		})
	case errors.Is(err, context.Canceled):
		out.DropCode = qqerr.CodeDispatchAborted
		e.trace(in, run.DispatchID, diag.TraceEvent{
			Phase:      "dropped",
			DropReason: string(qqerr.CodeDispatchAborted),
		})
	case timekit.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded):
		out.DropCode = qqerr.CodeDispatchTimeout
		e.rt.NoteTimeout(route)
		e.trace(in, run.DispatchID, diag.TraceEvent{
			Phase:      "failed",
			DropReason: string(qqerr.CodeDispatchTimeout),
			DurationMs: e.now().Sub(start).Milliseconds(),
		})
	default:
		e.trace(in, run.DispatchID, diag.TraceEvent{Phase: "failed", Error: err.Error()})
	}
	out.Err = err

	if !e.rt.Clear(route, run.DispatchID) {
		// A newer dispatch owns the route; all further user-facing work
		// belongs to it.
		out.Superseded = true
		if out.DropCode == "" {
			out.DropCode = qqerr.CodeDispatchIDMismatch
		}
		finish(string(qqerr.CodeDispatchIDMismatch))
		return out
	}

	switch {
	case err == nil:
		if !deduped && e.hooks.BumpDispatch != nil {
			e.hooks.BumpDispatch(route)
		}
		finish("ok")
	case out.DropCode == qqerr.CodeDispatchTimeout:
		e.notify(ctx, run, in, TimeoutText)
		finish(string(out.DropCode))
	case out.DropCode == qqerr.CodeDispatchAborted:
		finish(string(out.DropCode))
	default:
		e.notify(ctx, run, in, FailText)
		finish("error")
	}

	if out.Delivered == 0 && st.fallbackEligible() && e.cfg.FallbackOnDrop && e.allowFallback(route) {
		if err := e.deliver(ctx, run, in, DeliverFallback, agent.Reply{Text: FallbackText}); err != nil {
			slog.Debug("dispatch: fallback dropped", "route", route, "reason", qqerr.CodeOf(err))
		}
	}
	return out
}

// boundedTurn runs one inline agent turn under the reply-run deadline.
func (e *Engine) boundedTurn(rctx context.Context, run *InFlight, in *Aggregated, meta *routestate.Metadata, st *turnState) error {
	timeout := e.cfg.ReplyRunTimeout
	if in.MaxRunTime > 0 {
		timeout = in.MaxRunTime
	}
	onTimeout := func() { e.rt.NoteTimeout(in.Route) }
	turn := e.agentTurn(run, in, meta, st)

	if !e.cfg.AbortOnTimeout {
		// Mark the deadline but let the run play out.
		t := time.AfterFunc(timeout, onTimeout)
		defer t.Stop()
		_, err := turn(rctx)
		return err
	}
	_, err := timekit.WithTimeout(rctx, timeout, "dispatch "+run.DispatchID, onTimeout, turn)
	return err
}

// offload runs the turn through the task runner: per-route lane,
// guardrail timeout, idempotency window, lifecycle persistence.
func (e *Engine) offload(rctx context.Context, run *InFlight, in *Aggregated, meta *routestate.Metadata, st *turnState) (bool, error) {
	kind := "heavy_text_reply"
	if in.Stats.Total > 0 {
		kind = "media_reply"
	}
	res, err := e.tasks.Run(rctx, tasks.Request{
		Route:          in.Route,
		MsgID:          in.MsgID,
		DispatchID:     run.DispatchID,
		TaskKind:       kind,
		PayloadSummary: payloadSummary(in),
		Fn:             e.agentTurn(run, in, meta, st),
	})
	return res.Deduped, err
}

// agentTurn builds the closure that invokes the agent runtime and
// streams reply blocks into the outbound pipeline.
func (e *Engine) agentTurn(run *InFlight, in *Aggregated, meta *routestate.Metadata, st *turnState) func(context.Context) (string, error) {
	agentID := in.Route
	if meta != nil && meta.AgentID != "" {
		agentID = meta.AgentID
	}
	sessionKey := "agent:" + agentID + ":main"
	if e.hooks.SessionKey != nil && meta != nil {
		sessionKey = e.hooks.SessionKey(meta)
	}
	prompt := defaultPrompt(in)
	if e.hooks.BuildPrompt != nil {
		prompt = e.hooks.BuildPrompt(in, meta)
	}

	return func(ctx context.Context) (string, error) {
		res, err := e.runner.DispatchReply(ctx, agent.Request{
			SessionKey: sessionKey,
			AgentID:    agentID,
			Route:      in.Route,
			Prompt:     prompt,
			Thinking:   in.Thinking,
			Model:      in.Model,
			Deliver: func(ctx context.Context, p agent.Reply) error {
				derr := e.deliver(ctx, run, in, DeliverReply, p)
				if derr == nil {
					st.add()
					return nil
				}
				code := qqerr.CodeOf(derr)
				st.noteDrop(code)
				if code == qqerr.CodeDispatchAborted || code == qqerr.CodeDispatchIDMismatch {
					// The route moved on; stop streaming.
					return derr
				}
				// Soft drop: later blocks may still go through.
				return nil
			},
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("blocks=%d delivered=%d", res.Delivered, st.count()), nil
	}
}

func (e *Engine) deliver(ctx context.Context, run *InFlight, in *Aggregated, kind string, p agent.Reply) error {
	return e.out.Deliver(ctx, DeliverRequest{
		Kind:       kind,
		Route:      in.Route,
		MsgID:      in.MsgID,
		DispatchID: run.DispatchID,
		Source:     in.Source,
		Payload:    p,
	})
}

func (e *Engine) ensureAgent(ctx context.Context, route string) (*routestate.Metadata, error) {
	if e.hooks.EnsureAgent == nil {
		return nil, nil
	}
	return e.hooks.EnsureAgent(ctx, route)
}

func (e *Engine) notify(ctx context.Context, run *InFlight, in *Aggregated, text string) {
	if !e.cfg.ErrorNotify {
		return
	}
	if err := e.deliver(ctx, run, in, DeliverNotify, agent.Reply{Text: text}); err != nil {
		slog.Debug("dispatch: error notify dropped", "route", in.Route, "reason", qqerr.CodeOf(err))
	}
}

// resolvePolicy picks the effective interrupt policy for route right
// now. Adaptive degrades to queue-latest after a recent timeout or
// while a file task holds the route.
func (e *Engine) resolvePolicy(route string) string {
	pol := e.cfg.InterruptPolicy
	if active := e.rt.Active(route); active != nil && active.HasMedia && e.cfg.MediaInterruptPolicy != "" {
		pol = e.cfg.MediaInterruptPolicy
	}
	if !e.cfg.PreemptOldRun {
		return PolicyQueueLatest
	}
	if pol == PolicyAdaptive {
		if e.rt.RecentTimeout(route, e.cfg.DegradeWindow) || e.rt.FileTaskLocked(route) {
			return PolicyQueueLatest
		}
		return PolicyPreempt
	}
	return pol
}

// allowFallback enforces the per-route cooldown on the fallback line.
func (e *Engine) allowFallback(route string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.lastFallback[route]; ok && e.now().Sub(t) < e.cfg.FallbackCooldown {
		return false
	}
	e.lastFallback[route] = e.now()
	return true
}

func (e *Engine) trace(in *Aggregated, dispatchID string, ev diag.TraceEvent) {
	if e.diag == nil {
		return
	}
	if ev.Event == "" {
		ev.Event = "qq_dispatch_done"
	}
	ev.MsgID = in.MsgID
	ev.DispatchID = dispatchID
	ev.Source = in.Source
	e.diag.Trace(in.Route, ev)
}

// turnState accumulates delivery accounting across the ack, reply, and
// task paths of one dispatch.
type turnState struct {
	mu       sync.Mutex
	n        int
	eligible bool
}

func (s *turnState) add() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *turnState) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *turnState) noteDrop(code qqerr.Code) {
	if !code.FallbackEligible() {
		return
	}
	s.mu.Lock()
	s.eligible = true
	s.mu.Unlock()
}

func (s *turnState) fallbackEligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eligible
}

func defaultPrompt(in *Aggregated) string {
	if in.SenderName == "" {
		return in.Text
	}
	return fmt.Sprintf("[From: %s]\n%s", in.SenderName, in.Text)
}

// payloadSummary builds the deterministic task-key input for a unit:
// stable across retries of the same message.
func payloadSummary(in *Aggregated) string {
	text := in.Text
	if r := []rune(text); len(r) > 80 {
		text = string(r[:80])
	}
	return fmt.Sprintf("media=%d text=%s", in.Stats.Total, text)
}
