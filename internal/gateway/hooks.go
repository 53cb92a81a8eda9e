package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/qqclaw/internal/dispatch"
	"github.com/nextlevelbuilder/qqclaw/internal/outbound"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/routestate"
	"github.com/nextlevelbuilder/qqclaw/internal/routing"
	"github.com/nextlevelbuilder/qqclaw/internal/store"
)

// ensureAgent materializes the route's resident agent record before a
// run starts, then touches the session store at most once per minute
// per agent so legacy sessions migrate without per-message I/O.
func (g *Gateway) ensureAgent(ctx context.Context, route string) (*routestate.Metadata, error) {
	meta, err := g.state.EnsureRoute(route)
	if err != nil {
		return nil, err
	}
	g.ensureSession(ctx, meta)
	return meta, nil
}

func (g *Gateway) ensureSession(ctx context.Context, meta *routestate.Metadata) {
	g.ensureMu.Lock()
	last, ok := g.ensured[meta.AgentID]
	now := g.now()
	if ok && now.Sub(last) < ensureSessionInterval {
		g.ensureMu.Unlock()
		return
	}
	g.ensured[meta.AgentID] = now
	g.ensureMu.Unlock()

	key := routing.SessionKey(meta.Route, g.qq.OwnerUserID)
	legacy := routing.LegacySessionKeys(meta.Route, g.qq.OwnerUserID)
	if from := store.EnsureRouteSession(ctx, g.sessions, key, legacy...); from != "" {
		slog.Info("gateway: legacy session migrated", "route", meta.Route, "from", from)
	}
}

func (g *Gateway) sessionKey(meta *routestate.Metadata) string {
	return routing.SessionKey(meta.Route, g.qq.OwnerUserID)
}

func (g *Gateway) bumpDispatch(route string) {
	if _, err := g.state.BumpUsage(route, routestate.CountDispatch); err != nil {
		slog.Debug("gateway: dispatch counter bump failed", "route", route, "error", err)
	}
}

// buildPrompt renders one aggregated unit for the agent: pending group
// context first, then the sender-attributed text, then the manifest of
// inbound files so the agent knows what landed on disk and what did not.
func (g *Gateway) buildPrompt(in *dispatch.Aggregated, meta *routestate.Metadata) string {
	var b strings.Builder

	if recent := g.history.Drain(in.Route); len(recent) > 0 {
		b.WriteString("<recent_group_context>\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "[%s] %s: %s\n", e.At.Format("15:04"), e.Sender, e.Text)
		}
		b.WriteString("</recent_group_context>\n\n")
	}

	if in.SenderName != "" {
		fmt.Fprintf(&b, "[From: %s]\n", in.SenderName)
	}
	b.WriteString(in.Text)

	if in.Stats.Total > 0 {
		b.WriteString("\n\n<inbound_media_manifest>\n")
		fmt.Fprintf(&b, "total=%d materialized=%d unresolved=%d\n",
			in.Stats.Total, in.Stats.Materialized, in.Stats.Unresolved)
		for _, p := range in.MediaPaths {
			b.WriteString(p)
			b.WriteByte('\n')
		}
		b.WriteString("</inbound_media_manifest>")
	}

	prompt := strings.TrimSpace(b.String())
	if prompt == "" {
		prompt = "[empty message]"
	}
	return prompt
}

// senderBridge adapts the engine's deliver contract onto the outbound
// sender. Replies and acks carry an ownership preflight: once a newer
// dispatch takes the route, queued sends from the old run die at the
// last moment instead of interleaving stale text.
type senderBridge struct {
	gw *Gateway
}

func (b *senderBridge) Deliver(ctx context.Context, req dispatch.DeliverRequest) error {
	out := outbound.Request{
		Route:      req.Route,
		MsgID:      req.MsgID,
		DispatchID: req.DispatchID,
		Source:     req.Source,
		Payload: outbound.Payload{
			Text:      req.Payload.Text,
			MediaURL:  req.Payload.MediaURL,
			MediaURLs: req.Payload.MediaURLs,
			Files:     req.Payload.Files,
		},
	}

	if req.DispatchID != "" && (req.Kind == dispatch.DeliverReply || req.Kind == dispatch.DeliverAck) {
		gw, route, id := b.gw, req.Route, req.DispatchID
		out.Preflight = func() error {
			if gw.rt.Owns(route, id) {
				return nil
			}
			return qqerr.New(qqerr.CodeDispatchIDMismatch, "gateway: route "+route+" moved on")
		}
	}

	if err := b.gw.sender.Send(ctx, out); err != nil {
		return err
	}
	b.gw.activity.NoteOutbound(req.Route, b.gw.now())
	return nil
}
