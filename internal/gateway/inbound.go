package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/qqclaw/internal/config"
	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/dispatch"
	"github.com/nextlevelbuilder/qqclaw/internal/media"
	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/routing"
)

// maxProcessedIDs bounds the replayed-event dedup set. When full the
// set is cleared wholesale; a rare duplicate re-dispatch beats unbounded
// growth.
const maxProcessedIDs = 1000

// memberCacheTTL is how long a group member's display name is reused
// before the roster is asked again.
const memberCacheTTL = time.Hour

// forwardMaxBundles and forwardMaxLines bound how much of a forwarded
// bundle is unrolled into the prompt; anything past the caps stays
// behind the opaque reference.
const (
	forwardMaxBundles = 2
	forwardMaxLines   = 50
)

// handleInbound takes one socket event from reception to dispatch. Every
// rejection before the received-trace is silent apart from a debug line:
// gated traffic is noise, not history.
func (g *Gateway) handleInbound(ctx context.Context, ev *onebot.Event) {
	if !ev.IsMessage() {
		return
	}
	route := ev.Route()
	if route == "" {
		slog.Debug("gateway: unroutable message", "message_type", ev.MessageType)
		return
	}
	target, err := routing.ParseTarget(route)
	if err != nil {
		slog.Debug("gateway: malformed route", "route", route, "error", err)
		return
	}
	if target.Kind == routing.KindGuild && !g.qq.EnableGuilds {
		slog.Debug("gateway: guild traffic disabled", "route", route)
		return
	}

	userID := ev.UserID.String()
	if containsString(g.qq.BlockedUsers, userID) {
		slog.Debug("gateway: blocked sender", "route", route, "user_id", userID)
		return
	}
	if target.Kind == routing.KindGroup && len(g.qq.AllowedGroups) > 0 &&
		!containsString(g.qq.AllowedGroups, target.GroupID) {
		slog.Debug("gateway: group not in allowlist", "route", route)
		return
	}

	msgID := ev.MessageID.String()
	if config.BoolOr(g.qq.EnableDeduplication, true) && msgID != "" {
		if g.seen.Seen(msgID + "|" + route) {
			slog.Debug("gateway: duplicate event replayed", "route", route, "msg_id", msgID)
			return
		}
	}

	text := ev.PlainText()
	sender := g.senderName(ctx, ev, target)
	grouplike := target.Kind != routing.KindUser

	if grouplike && config.BoolOr(g.qq.RequireMention, true) {
		// Admins address the bot without a mention.
		if !g.triggered(ev, text) && !containsString(g.qq.Admins, userID) {
			g.history.Record(route, historyEntry{
				Sender: sender,
				Text:   text,
				At:     g.now(),
			}, g.historyLimit())
			slog.Debug("gateway: group line recorded, no mention", "route", route, "sender", sender)
			return
		}
	}

	now := g.now()
	g.activity.NoteInbound(route, now)
	g.notifier.RecordInbound(route, now)
	if target.Kind == routing.KindUser {
		g.markTyping(ctx, userID)
	}

	segs := ev.Segments()
	refs := countMediaRefs(segs, g.qq.InboundMediaMaxPerMessage)

	g.trace(route, diag.TraceEvent{
		Event:  "qq_inbound_received",
		MsgID:  msgID,
		Source: diag.SourceChat,
		Extra:  map[string]any{"sender": sender, "media_refs": refs},
	})
	g.chat(route, diag.ChatLine{
		Direction: "in",
		MsgID:     msgID,
		Sender:    sender,
		Content:   text,
		Media:     refs,
	})

	frag := dispatch.Fragment{
		MsgID:      msgID,
		SenderName: sender,
		Text:       text,
	}
	if refs > 0 {
		frag.MediaPaths, frag.Stats = g.materialize(ctx, route, msgID, segs)
	}
	if fw := g.expandForwards(ctx, route, msgID, segs); fw != "" {
		frag.Text = strings.TrimSpace(frag.Text + "\n\n" + fw)
	}

	in := g.agg.Collect(ctx, route, frag)
	if in == nil {
		g.trace(route, diag.TraceEvent{
			MsgID:      msgID,
			Phase:      "dropped",
			Source:     diag.SourceChat,
			DropReason: string(qqerr.CodeMergedIntoNewer),
		})
		return
	}
	in.Source = diag.SourceChat

	out := g.engine.Dispatch(ctx, in)
	if out.Err != nil && out.DropCode == "" {
		slog.Warn("gateway: dispatch failed", "route", route, "msg_id", msgID, "error", out.Err)
	}
}

// materialize resolves the message's media refs and writes the fetchable
// ones under the route's in/files directory, shrinking oversized images
// on the way. Failures degrade to text-only dispatch.
func (g *Gateway) materialize(ctx context.Context, route, msgID string, segs []onebot.Segment) ([]string, dispatch.MediaStats) {
	var stats dispatch.MediaStats
	resolved := g.resolver.Resolve(ctx, route, msgID, segs)
	stats.Total = len(resolved)
	if len(resolved) == 0 {
		return nil, stats
	}

	dir, err := g.state.InFilesDir(route)
	if err != nil {
		slog.Warn("gateway: in/files unavailable", "route", route, "error", err)
		stats.Unresolved = stats.Total
		return nil, stats
	}

	var paths []string
	for _, res := range g.mat.MaterializeAll(ctx, dir, resolved) {
		ev := diag.TraceEvent{
			Event:        "qq_media_materialize",
			MsgID:        msgID,
			Source:       diag.SourceInbound,
			ResolveStage: "materialize",
			HTTPStatus:   res.HTTPStatus,
		}
		if res.RetryCount > 0 {
			rc := res.RetryCount
			ev.RetryCount = &rc
		}
		switch {
		case res.Materialized:
			stats.Materialized++
			if shrunk, err := media.ShrinkImage(res.OutputURL, g.qq.InboundImageMaxPixels); err != nil {
				slog.Debug("gateway: image shrink failed", "file", res.FinalFilename, "error", err)
			} else if shrunk {
				slog.Debug("gateway: image re-encoded", "file", res.FinalFilename)
			}
			paths = append(paths, res.OutputURL)
			ev.ResolveResult = "ok"
			ev.Extra = map[string]any{"file": res.FinalFilename, "kind": res.Kind}
		case res.ErrorCode == string(qqerr.CodeDuplicatePayload):
			// Same bytes landed earlier in this message; counted as
			// materialized but not listed twice.
			stats.Materialized++
			ev.ResolveResult = res.ErrorCode
			ev.MaterializeErrorCode = res.ErrorCode
		default:
			stats.Unresolved++
			ev.ResolveResult = res.ErrorCode
			ev.MaterializeErrorCode = res.ErrorCode
		}
		g.trace(route, ev)
	}
	m := stats.Materialized
	g.trace(route, diag.TraceEvent{
		Event:         "qq_media_materialize",
		MsgID:         msgID,
		Source:        diag.SourceInbound,
		ResolveStage:  "materialize",
		ResolveResult: "summary",
		Materialized:  &m,
		Extra:         map[string]any{"total": stats.Total, "unresolved": stats.Unresolved},
	})
	return paths, stats
}

// expandForwards unrolls forwarded bundles into a quoted transcript so
// the agent sees what the user shared instead of an opaque reference.
// Best effort: a failed lookup leaves the message as-is.
func (g *Gateway) expandForwards(ctx context.Context, route, msgID string, segs []onebot.Segment) string {
	var b strings.Builder
	bundles, lines := 0, 0
	for _, s := range segs {
		if s.Type != onebot.SegForward {
			continue
		}
		if bundles >= forwardMaxBundles {
			break
		}
		id := s.Str("id")
		if id == "" {
			continue
		}
		bundles++
		nested, err := g.sock.GetForwardMsg(ctx, id)
		if err != nil {
			slog.Debug("gateway: forward bundle not expanded",
				"route", route, "forward_id", id, "error", err)
			continue
		}
		for i := range nested {
			if lines >= forwardMaxLines {
				fmt.Fprintf(&b, "(+%d more)\n", len(nested)-i)
				break
			}
			text := nested[i].PlainText()
			if text == "" {
				continue
			}
			name := nested[i].SenderName()
			if name == "" {
				name = "?"
			}
			fmt.Fprintf(&b, "%s: %s\n", name, text)
			lines++
		}
	}
	if lines == 0 {
		return ""
	}
	g.trace(route, diag.TraceEvent{
		Event:  "qq_forward_expanded",
		MsgID:  msgID,
		Source: diag.SourceChat,
		Extra:  map[string]any{"bundles": bundles, "lines": lines},
	})
	return "<forwarded_messages>\n" + b.String() + "</forwarded_messages>"
}

// markTyping flags the account as typing while the dispatch spins up.
// Best effort; implementations without the action answer failed.
func (g *Gateway) markTyping(ctx context.Context, userID string) {
	if err := g.sock.SetInputStatus(ctx, userID, 1); err != nil {
		slog.Debug("gateway: typing status not set", "user_id", userID, "error", err)
	}
}

// triggered reports whether a group line addresses the bot: an @ for the
// account (or @all), or any configured keyword.
func (g *Gateway) triggered(ev *onebot.Event, text string) bool {
	if ev.Mentions(g.sock.SelfID()) {
		return true
	}
	for _, kw := range g.qq.KeywordTriggers {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// senderName resolves the display name for the chat log and prompt. In
// groups the roster card wins; lookups are cached and fall back to the
// event's own sender block, then the numeric id.
func (g *Gateway) senderName(ctx context.Context, ev *onebot.Event, target routing.Target) string {
	name := ev.SenderName()
	if target.Kind != routing.KindGroup {
		return name
	}
	return g.members.DisplayName(ctx, target.GroupID, ev.UserID.String(), name)
}

func (g *Gateway) historyLimit() int {
	if g.qq.HistoryLimit > 0 {
		return g.qq.HistoryLimit
	}
	return 50
}

func (g *Gateway) trace(route string, ev diag.TraceEvent) {
	if g.log != nil {
		g.log.Trace(route, ev)
	}
}

func (g *Gateway) chat(route string, line diag.ChatLine) {
	if g.log != nil {
		g.log.Chat(route, line)
	}
}

// countMediaRefs mirrors the resolver's ref collection for the received
// trace without paying for resolution up front.
func countMediaRefs(segs []onebot.Segment, max int) int {
	return len(media.CollectRefs(segs, max))
}

func containsString(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// seenSet is the bounded replayed-event filter. Clearing wholesale when
// full keeps it allocation-free in steady state.
type seenSet struct {
	mu  sync.Mutex
	max int
	ids map[string]struct{}
}

func newSeenSet(max int) *seenSet {
	return &seenSet{max: max, ids: make(map[string]struct{})}
}

// Seen records key and reports whether it was already present.
func (s *seenSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[key]; ok {
		return true
	}
	if len(s.ids) >= s.max {
		s.ids = make(map[string]struct{})
	}
	s.ids[key] = struct{}{}
	return false
}

// activityTracker remembers per-route traffic times for the automation
// smart throttle and the proactive nudge.
type activityTracker struct {
	mu  sync.Mutex
	in  map[string]time.Time
	out map[string]time.Time
	now func() time.Time
}

func newActivityTracker() *activityTracker {
	return &activityTracker{
		in:  make(map[string]time.Time),
		out: make(map[string]time.Time),
		now: time.Now,
	}
}

func (a *activityTracker) NoteInbound(route string, at time.Time) {
	a.mu.Lock()
	a.in[route] = at
	a.mu.Unlock()
}

func (a *activityTracker) NoteOutbound(route string, at time.Time) {
	a.mu.Lock()
	a.out[route] = at
	a.mu.Unlock()
}

func (a *activityTracker) LastInbound(route string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.in[route]
	return t, ok
}

func (a *activityTracker) LastOutbound(route string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.out[route]
	return t, ok
}

// memberCache holds group roster display names.
type memberCache struct {
	sock   Socket
	lookup singleflight.Group
	mu     sync.Mutex
	byID   map[string]memberEntry
	now    func() time.Time
}

type memberEntry struct {
	name string
	at   time.Time
}

func newMemberCache(sock Socket) *memberCache {
	return &memberCache{sock: sock, byID: make(map[string]memberEntry), now: time.Now}
}

// DisplayName returns the member's group card (cached, 1h). A burst of
// group lines resolves the same member once; failures fall back to the
// supplied name without being cached.
func (c *memberCache) DisplayName(ctx context.Context, groupID, userID, fallback string) string {
	key := groupID + ":" + userID
	c.mu.Lock()
	ent, ok := c.byID[key]
	fresh := ok && c.now().Sub(ent.at) < memberCacheTTL
	c.mu.Unlock()
	if fresh {
		return ent.name
	}

	v, err, _ := c.lookup.Do(key, func() (any, error) {
		member, err := c.sock.GetGroupMemberInfo(ctx, groupID, userID, false)
		if err != nil {
			return nil, err
		}
		name := member.DisplayName()
		if name != "" {
			c.mu.Lock()
			c.byID[key] = memberEntry{name: name, at: c.now()}
			c.mu.Unlock()
		}
		return name, nil
	})
	if err != nil {
		slog.Debug("gateway: group_member_lookup_failed",
			"group_id", groupID, "user_id", userID, "error", err)
		if fallback != "" {
			return fallback
		}
		return userID
	}
	name, _ := v.(string)
	if name == "" {
		name = fallback
	}
	if name == "" {
		name = userID
	}
	return name
}

// groupHistory keeps the lines a group produced while the bot was not
// addressed. The next dispatched turn drains them into the prompt so
// the agent sees the conversation it is joining.
type groupHistory struct {
	mu    sync.Mutex
	lines map[string][]historyEntry
}

type historyEntry struct {
	Sender string
	Text   string
	At     time.Time
}

func newGroupHistory() *groupHistory {
	return &groupHistory{lines: make(map[string][]historyEntry)}
}

func (h *groupHistory) Record(route string, e historyEntry, limit int) {
	if limit <= 0 {
		limit = 50
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append(h.lines[route], e)
	if over := len(buf) - limit; over > 0 {
		buf = buf[over:]
	}
	h.lines[route] = buf
}

// Drain returns and clears the route's recorded lines.
func (h *groupHistory) Drain(route string) []historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.lines[route]
	delete(h.lines, route)
	return buf
}
