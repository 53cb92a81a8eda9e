// Package nudge sends a short check-in message on a direct chat that has
// gone quiet. One route per account is watched; silence and interval
// thresholds keep the bot from nagging.
package nudge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/qqclaw/internal/agent"
	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/dispatch"
	"github.com/nextlevelbuilder/qqclaw/internal/policy"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/routing"
)

const (
	defaultMinSilence  = time.Hour
	defaultMinInterval = 6 * time.Hour
	tickPeriod         = time.Minute
	stateFile          = "proactive-state.json"
)

// defaultTexts are the stock check-in lines. One is picked at random so
// repeated nudges do not read like a bot on a timer.
var defaultTexts = []string{
	"在忙什么呢？好久没听到你的消息了。",
	"最近怎么样？想起你了，冒个泡。",
	"好久没动静啦，一切都还好吗？",
	"有什么新鲜事吗？说来听听。",
	"忽然想到你，最近过得如何？",
}

// MetaStore locates the per-route meta directory that holds the nudge
// state file.
type MetaStore interface {
	MetaDir(route string) (string, error)
}

// Options wires one Notifier.
type Options struct {
	Enabled     bool
	Route       string        // direct chat to watch, e.g. user:10001
	MinSilence  time.Duration // quiet time before a nudge is considered
	MinInterval time.Duration // spacing between nudges
	Verbose     bool          // log every skip decision

	Store   MetaStore
	Policy  *policy.Checker
	Deliver dispatch.Deliverer
	Diag    *diag.Logger

	Texts []string // overrides defaultTexts when non-empty
}

// state is the persisted slice of the notifier's memory.
type state struct {
	LastInboundAtMs   int64 `json:"lastInboundAtMs,omitempty"`
	LastProactiveAtMs int64 `json:"lastProactiveAtMs,omitempty"`
}

// Notifier watches one route and speaks up when it has been silent long
// enough. Safe for concurrent use.
type Notifier struct {
	opts Options

	mu       sync.Mutex
	st       state
	hydrated bool

	now    func() time.Time
	pick   func(n int) int
	enable bool
}

// New builds a Notifier. An invalid route disables it with a warning
// rather than failing the whole gateway.
func New(opts Options) *Notifier {
	if opts.MinSilence <= 0 {
		opts.MinSilence = defaultMinSilence
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = defaultMinInterval
	}
	if len(opts.Texts) == 0 {
		opts.Texts = defaultTexts
	}
	n := &Notifier{
		opts:   opts,
		now:    time.Now,
		pick:   rand.IntN,
		enable: opts.Enabled,
	}
	if opts.Enabled && !routing.IsValidRoute(opts.Route) {
		slog.Warn("nudge: invalid route, disabled", "route", opts.Route)
		n.enable = false
	}
	return n
}

// SetClock overrides time for tests.
func (n *Notifier) SetClock(now func() time.Time) { n.now = now }

// RecordInbound notes fresh activity on a route. Only the watched route
// is tracked; everything else is ignored.
func (n *Notifier) RecordInbound(route string, at time.Time) {
	if route != n.opts.Route {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hydrateLocked()
	ms := at.UnixMilli()
	if ms <= n.st.LastInboundAtMs {
		return
	}
	n.st.LastInboundAtMs = ms
	n.persistLocked()
}

// Run ticks until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	if !n.enable {
		return
	}
	t := time.NewTicker(tickPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.Tick(ctx)
		}
	}
}

// Tick runs one check and sends at most one nudge.
func (n *Notifier) Tick(ctx context.Context) {
	if !n.enable {
		return
	}
	now := n.now()

	n.mu.Lock()
	n.hydrateLocked()
	st := n.st
	n.mu.Unlock()

	if reason := n.skipReason(now, st); reason != "" {
		if n.opts.Verbose {
			slog.Debug("nudge: skip", "route", n.opts.Route, "reason", reason)
		}
		return
	}
	if n.opts.Policy != nil {
		if err := n.opts.Policy.Check(policy.StageBeforeOutbound, n.opts.Route, policy.ActionText); err != nil {
			if n.opts.Verbose {
				slog.Debug("nudge: policy skip", "route", n.opts.Route, "error", err)
			}
			return
		}
	}

	text := n.opts.Texts[n.pick(len(n.opts.Texts))]
	msgID := "proactive:" + uuid.NewString()
	err := n.opts.Deliver.Deliver(ctx, dispatch.DeliverRequest{
		Kind:    dispatch.DeliverReply,
		Route:   n.opts.Route,
		MsgID:   msgID,
		Source:  diag.SourceAutomation,
		Payload: agent.Reply{Text: text},
	})
	if err != nil {
		slog.Warn("nudge: deliver failed", "route", n.opts.Route, "error", err)
		n.trace(msgID, "dropped", err)
		return
	}

	n.mu.Lock()
	n.st.LastProactiveAtMs = now.UnixMilli()
	n.persistLocked()
	n.mu.Unlock()

	slog.Info("nudge: sent", "route", n.opts.Route, "msg_id", msgID)
	n.trace(msgID, "sent", nil)
}

// skipReason reports why now is not the moment, or "" to proceed.
func (n *Notifier) skipReason(now time.Time, st state) string {
	if st.LastInboundAtMs == 0 {
		return "no_inbound_yet"
	}
	if now.Sub(time.UnixMilli(st.LastInboundAtMs)) < n.opts.MinSilence {
		return "silence_not_reached"
	}
	if st.LastProactiveAtMs > 0 && now.Sub(time.UnixMilli(st.LastProactiveAtMs)) < n.opts.MinInterval {
		return "interval_not_reached"
	}
	return ""
}

// hydrateLocked loads persisted state once. Callers hold n.mu.
func (n *Notifier) hydrateLocked() {
	if n.hydrated {
		return
	}
	n.hydrated = true
	path, err := n.statePath()
	if err != nil {
		slog.Warn("nudge: state dir", "route", n.opts.Route, "error", err)
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("nudge: read state", "path", path, "error", err)
		}
		return
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		slog.Warn("nudge: parse state", "path", path, "error", err)
		return
	}
	n.st = st
}

// persistLocked writes state via tmp+rename. Callers hold n.mu.
func (n *Notifier) persistLocked() {
	path, err := n.statePath()
	if err != nil {
		slog.Warn("nudge: state dir", "route", n.opts.Route, "error", err)
		return
	}
	raw, err := json.MarshalIndent(n.st, "", "  ")
	if err != nil {
		slog.Warn("nudge: encode state", "error", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		slog.Warn("nudge: write state", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("nudge: rename state", "path", path, "error", err)
	}
}

func (n *Notifier) statePath() (string, error) {
	if n.opts.Store == nil {
		return "", fmt.Errorf("nudge: no meta store")
	}
	dir, err := n.opts.Store.MetaDir(n.opts.Route)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, stateFile), nil
}

func (n *Notifier) trace(msgID, phase string, err error) {
	if n.opts.Diag == nil {
		return
	}
	ev := diag.TraceEvent{
		Event:  "proactive",
		MsgID:  msgID,
		Source: diag.SourceAutomation,
		Phase:  phase,
	}
	if err != nil {
		ev.DropReason = string(qqerr.CodeOf(err))
		ev.Error = err.Error()
	}
	n.opts.Diag.Trace(n.opts.Route, ev)
}
