package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/dispatch"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

// MetaStore resolves the per-route meta directory holding automation
// state files.
type MetaStore interface {
	MetaDir(route string) (string, error)
}

// Activity reports conversation recency for the smart throttle.
type Activity interface {
	LastInbound(route string) (time.Time, bool)
	LastOutbound(route string) (time.Time, bool)
}

// Dispatcher runs one agent turn; the engine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, in *dispatch.Aggregated) dispatch.Outcome
}

// Options wire a Manager.
type Options struct {
	TargetsPath  string
	SessionsRoot string    // scanned for orphaned state files when pruning
	Fallback     *Envelope // used when no targets file exists (inline config targets)
	Store        MetaStore
	Activity     Activity
	Dispatcher   Dispatcher
	Diag         *diag.Logger
}

// Manager owns the targets file and the reconcile loop.
type Manager struct {
	opts Options
	gron *gronx.Gronx

	mu       sync.Mutex
	env      Envelope
	states   map[string]*TargetState
	hydrated map[string]bool
	locs     map[string]*time.Location

	now         func() time.Time
	randMinutes func(min, max int) int
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		gron:     gronx.New(),
		states:   make(map[string]*TargetState),
		hydrated: make(map[string]bool),
		locs:     make(map[string]*time.Location),
		now:      time.Now,
		randMinutes: func(min, max int) int {
			if max <= min {
				return min
			}
			return min + rand.IntN(max-min+1)
		},
	}
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Load reads and validates the targets file, replacing the active set.
// A missing file yields an empty, enabled envelope. Invalid targets are
// dropped with a warning; the rest keep running.
func (m *Manager) Load() error {
	var env Envelope
	data, err := os.ReadFile(m.opts.TargetsPath)
	switch {
	case os.IsNotExist(err):
		if m.opts.Fallback != nil {
			env = *m.opts.Fallback
		} else {
			slog.Debug("automation: no targets file", "path", m.opts.TargetsPath)
		}
	case err != nil:
		return fmt.Errorf("automation: read targets: %w", err)
	default:
		if err := json5.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("automation: parse targets: %w", err)
		}
	}

	kept := env.Targets[:0]
	for i := range env.Targets {
		t := env.Targets[i]
		t.Normalize()
		if err := t.Validate(m.gron, env.StrictAgentOnly); err != nil {
			slog.Warn("automation: dropping target", "error", err)
			continue
		}
		kept = append(kept, t)
	}
	env.Targets = kept

	m.mu.Lock()
	m.env = env
	m.mu.Unlock()

	m.hydrate(env)
	slog.Info("automation: targets loaded",
		"path", m.opts.TargetsPath, "targets", len(env.Targets), "enabled", env.enabled())
	return nil
}

// Run executes the reconcile loop until ctx ends. The interval is
// re-read every cycle so a hot reload takes effect without restart.
func (m *Manager) Run(ctx context.Context) error {
	if m.snapshot().reconcileOnStartup() {
		m.Reconcile(ctx)
	}
	for {
		timer := time.NewTimer(m.snapshot().interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile evaluates every target once.
func (m *Manager) Reconcile(ctx context.Context) {
	env := m.snapshot()
	if !env.enabled() {
		return
	}
	now := m.now()
	for _, t := range env.Targets {
		if !t.enabled() {
			continue
		}
		m.reconcileTarget(ctx, now, t)
		if ctx.Err() != nil {
			return
		}
	}
	if env.PruneOrphans {
		m.pruneOrphans(env)
	}
}

func (m *Manager) snapshot() Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.env
}

func (m *Manager) reconcileTarget(ctx context.Context, now time.Time, t Target) {
	st := m.state(t)
	due, bucket := m.due(now, t)
	if !due {
		return
	}

	m.mu.Lock()
	st.LastTriggeredAtMs = now.UnixMilli()
	if bucket != "" {
		st.LastCronBucket = bucket
	}
	if t.Job.Schedule.Kind == ScheduleAt {
		st.AtDone = true
	}
	nextEligible := st.NextEligibleAtMs
	m.mu.Unlock()

	if reason := m.throttle(now, t, nextEligible); reason != "" {
		m.mu.Lock()
		st.LastRunResult = RunSkipped
		st.LastSkipReason = reason
		st.LastError = ""
		m.mu.Unlock()
		slog.Info("automation: target skipped", "target", t.ID, "route", t.Route, "reason", reason)
		m.finish(t, runRecord{
			Triggered: true,
			Skipped:   true,
			Note:      "skip:" + reason,
		})
		return
	}

	out := m.opts.Dispatcher.Dispatch(ctx, &dispatch.Aggregated{
		Route:      t.Route,
		Seq:        math.MaxInt64,
		MsgID:      "automation:" + uuid.NewString(),
		Text:       buildMessage(t),
		Source:     diag.SourceAutomation,
		Thinking:   t.Job.Thinking,
		Model:      t.Job.Model,
		MaxRunTime: time.Duration(t.Job.TimeoutSeconds) * time.Second,
	})

	rec := runRecord{Triggered: true}
	m.mu.Lock()
	st.LastSkipReason = ""
	switch {
	case out.Err != nil:
		st.LastRunResult = RunFailed
		st.LastError = out.Err.Error()
		rec.Note = "error:" + dropNote(out.Err)
	case out.Queued || out.Superseded:
		st.LastRunResult = RunSuperseded
		st.LastError = ""
		rec.Note = "drop:" + supersedeNote(out)
	default:
		st.LastRunResult = RunProduced
		st.LastError = ""
		rec.Produced = true
		if out.Delivered > 0 {
			st.LastSentAtMs = m.now().UnixMilli()
			if next := m.nextEligible(t); next > 0 {
				st.NextEligibleAtMs = next
			}
		}
	}
	result := st.LastRunResult
	m.mu.Unlock()

	slog.Info("automation: target run", "target", t.ID, "route", t.Route,
		"result", result, "delivered", out.Delivered)
	m.finish(t, rec)
}

// state returns the mutable state for a target, creating or hydrating it
// on first touch.
func (m *Manager) state(t Target) *TargetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[t.ID]
	if !ok {
		st = &TargetState{TargetID: t.ID, Route: t.Route}
		m.states[t.ID] = st
	}
	st.Route = t.Route
	return st
}

// due evaluates the schedule. The returned bucket is non-empty only for
// cron targets and pins the matched minute.
func (m *Manager) due(now time.Time, t Target) (bool, string) {
	m.mu.Lock()
	st := m.states[t.ID]
	lastTriggered := st.LastTriggeredAtMs
	lastBucket := st.LastCronBucket
	atDone := st.AtDone
	m.mu.Unlock()

	switch t.Job.Schedule.Kind {
	case ScheduleEvery:
		if lastTriggered == 0 {
			return true, ""
		}
		elapsed := now.Sub(time.UnixMilli(lastTriggered))
		return elapsed >= time.Duration(t.Job.Schedule.EveryMs)*time.Millisecond, ""
	case ScheduleAt:
		if atDone {
			return false, ""
		}
		at, err := parseAt(t.Job.Schedule.At)
		if err != nil {
			return false, ""
		}
		return !now.Before(at), ""
	case ScheduleCron:
		ref := now.In(m.location(t.Job.Schedule.TZ))
		ok, err := m.gron.IsDue(t.Job.Schedule.Expr, ref)
		if err != nil {
			slog.Warn("automation: cron evaluation failed", "target", t.ID, "error", err)
			return false, ""
		}
		if !ok {
			return false, ""
		}
		bucket := ref.Format("200601021504")
		if bucket == lastBucket {
			return false, ""
		}
		return true, bucket
	}
	return false, ""
}

// throttle applies the smart guards in order; an empty reason means go.
func (m *Manager) throttle(now time.Time, t Target, nextEligibleMs int64) string {
	s := t.Job.Smart
	if !s.enabled() || m.opts.Activity == nil {
		return ""
	}

	lastIn, haveIn := m.opts.Activity.LastInbound(t.Route)
	if !haveIn {
		return SkipNoInboundYet
	}
	lastAct := lastIn
	if lastOut, ok := m.opts.Activity.LastOutbound(t.Route); ok && lastOut.After(lastAct) {
		lastAct = lastOut
	}
	if now.Sub(lastAct) < s.activeConversation() {
		return SkipActiveConversation
	}
	if now.Sub(lastIn) < s.minSilence() {
		return SkipSilenceNotReached
	}
	if nextEligibleMs > 0 && now.UnixMilli() < nextEligibleMs {
		return SkipIntervalNotReached
	}
	return ""
}

// nextEligible draws the random resend interval; zero means none
// configured.
func (m *Manager) nextEligible(t Target) int64 {
	s := t.Job.Smart
	if s == nil || s.RandomIntervalMaxMinutes <= 0 {
		return 0
	}
	minutes := m.randMinutes(s.RandomIntervalMinMinutes, s.RandomIntervalMaxMinutes)
	return m.now().Add(time.Duration(minutes) * time.Minute).UnixMilli()
}

func (m *Manager) location(tz string) *time.Location {
	if tz == "" {
		return time.Local
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc, ok := m.locs[tz]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("automation: unknown timezone, using local", "tz", tz, "error", err)
		loc = time.Local
	}
	m.locs[tz] = loc
	return loc
}

func buildMessage(t Target) string {
	msg := t.Job.Message
	if s := t.Job.Smart; s != nil && s.MaxChars > 0 {
		return fmt.Sprintf("%s\n\n（请将回复控制在 %d 字以内，一条消息内完成。）", msg, s.MaxChars)
	}
	return msg + "\n\n（回复请保持简短，一条消息内完成。）"
}

// finish snapshots the route's state file and appends the run record.
func (m *Manager) finish(t Target, rec runRecord) {
	rec.TS = m.now().UTC().Format(time.RFC3339Nano)
	rec.TargetID = t.ID
	rec.Route = t.Route

	dir, err := m.opts.Store.MetaDir(t.Route)
	if err != nil {
		slog.Warn("automation: meta dir unavailable", "route", t.Route, "error", err)
		return
	}
	m.writeLatest(dir, t.Route)
	m.appendRecord(dir, rec)
	m.trace(t, rec)
}

func (m *Manager) writeLatest(dir, route string) {
	snap := make(map[string]TargetState)
	m.mu.Lock()
	for id, st := range m.states {
		if st.Route == route {
			snap[id] = *st
		}
	}
	m.mu.Unlock()

	path := filepath.Join(dir, "automation-latest.json")
	if len(snap) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("automation: remove empty state snapshot", "path", path, "error", err)
		}
		return
	}
	if err := writeJSONAtomic(path, snap); err != nil {
		slog.Warn("automation: persist state snapshot", "path", path, "error", err)
	}
}

func (m *Manager) appendRecord(dir string, rec runRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	path := filepath.Join(dir, "automation-state.ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("automation: append run record", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("automation: append run record", "path", path, "error", err)
	}
}

func (m *Manager) trace(t Target, rec runRecord) {
	if m.opts.Diag == nil {
		return
	}
	phase := "produced"
	switch {
	case rec.Skipped:
		phase = "skipped"
	case !rec.Produced:
		phase = "dropped"
	}
	m.opts.Diag.Trace(t.Route, diag.TraceEvent{
		Event:  "automation",
		Source: diag.SourceAutomation,
		Phase:  phase,
		Extra:  map[string]any{"target_id": t.ID, "note": rec.Note},
	})
}

// hydrate merges persisted snapshots for routes the current targets
// reference, once per route.
func (m *Manager) hydrate(env Envelope) {
	for _, t := range env.Targets {
		m.mu.Lock()
		done := m.hydrated[t.Route]
		m.hydrated[t.Route] = true
		m.mu.Unlock()
		if done {
			continue
		}

		dir, err := m.opts.Store.MetaDir(t.Route)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "automation-latest.json"))
		if err != nil {
			continue
		}
		var snap map[string]TargetState
		if err := json.Unmarshal(data, &snap); err != nil {
			slog.Warn("automation: corrupt state snapshot ignored", "route", t.Route, "error", err)
			continue
		}
		m.mu.Lock()
		for id, st := range snap {
			if _, ok := m.states[id]; ok {
				continue
			}
			c := st
			c.TargetID = id
			c.Route = t.Route
			m.states[id] = &c
		}
		m.mu.Unlock()
	}
}

// pruneOrphans drops state for targets no longer in the file, both in
// memory and in on-disk snapshots.
func (m *Manager) pruneOrphans(env Envelope) {
	keep := make(map[string]bool, len(env.Targets))
	for _, t := range env.Targets {
		keep[t.ID] = true
	}

	m.mu.Lock()
	dirty := make(map[string]bool)
	for id, st := range m.states {
		if !keep[id] {
			dirty[st.Route] = true
			delete(m.states, id)
		}
	}
	m.mu.Unlock()

	for route := range dirty {
		if dir, err := m.opts.Store.MetaDir(route); err == nil {
			m.writeLatest(dir, route)
		}
	}

	if m.opts.SessionsRoot == "" {
		return
	}
	matches, err := filepath.Glob(filepath.Join(m.opts.SessionsRoot, "*", "meta", "automation-latest.json"))
	if err != nil {
		return
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var snap map[string]TargetState
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		changed := false
		for id := range snap {
			if !keep[id] {
				delete(snap, id)
				changed = true
			}
		}
		if !changed {
			continue
		}
		if len(snap) == 0 {
			if err := os.Remove(path); err != nil {
				slog.Warn("automation: prune snapshot", "path", path, "error", err)
			}
			continue
		}
		if err := writeJSONAtomic(path, snap); err != nil {
			slog.Warn("automation: rewrite pruned snapshot", "path", path, "error", err)
		}
	}
}

func dropNote(err error) string {
	if c := qqerr.CodeOf(err); c != qqerr.CodeUnknown {
		return string(c)
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}

func supersedeNote(out dispatch.Outcome) string {
	if out.DropCode != "" {
		return string(out.DropCode)
	}
	if out.Queued {
		return "queued"
	}
	return "superseded"
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
