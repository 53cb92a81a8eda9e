package media

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

// Resolve preference orders.
const (
	PreferNapcatFirst = "napcat-first"
	PreferDirectFirst = "direct-first"
)

// ActionClient is the protocol surface the resolver probes. *onebot.Client
// satisfies it.
type ActionClient interface {
	CallMap(ctx context.Context, action string, params map[string]any) (map[string]any, error)
	GetMsg(ctx context.Context, messageID string) (*onebot.Event, error)
}

// ResolverOptions tune resolution behavior per account.
type ResolverOptions struct {
	Prefer         string // napcat-first | direct-first
	UseStream      bool
	FallbackGetMsg bool
	MaxPerMessage  int
}

// Resolved pairs a ref with its ordered, fetchable source candidates.
type Resolved struct {
	Ref     Ref
	Sources []string
}

// Resolver turns media segments into fetchable source lists by combining
// protocol action probes with the fields the segments already carry.
type Resolver struct {
	client ActionClient
	opts   ResolverOptions
	log    *diag.Logger
}

// NewResolver builds a resolver; log may be nil.
func NewResolver(client ActionClient, opts ResolverOptions, log *diag.Logger) *Resolver {
	if opts.Prefer != PreferDirectFirst {
		opts.Prefer = PreferNapcatFirst
	}
	if opts.MaxPerMessage <= 0 {
		opts.MaxPerMessage = DefaultMaxPerMessage
	}
	return &Resolver{client: client, opts: opts, log: log}
}

// Resolve builds the candidate lists for every media segment of a message.
// When a ref ends up with no fetchable source (or only file:// paths) and
// the message id is known, the full message is reloaded once and resolution
// retried with the refreshed segments.
func (r *Resolver) Resolve(ctx context.Context, route, msgID string, segs []onebot.Segment) []Resolved {
	refs := CollectRefs(segs, r.opts.MaxPerMessage)
	if len(refs) == 0 {
		return nil
	}
	r.trace(route, msgID, diag.TraceEvent{
		Event:        "qq_media_collect",
		ResolveStage: "collect",
		Extra:        map[string]any{"refs": len(refs)},
	})

	out := make([]Resolved, 0, len(refs))
	needFallback := false
	for _, ref := range refs {
		res := r.resolveOne(ctx, route, msgID, ref)
		if AllUnfetchable(res.Sources) {
			needFallback = true
		}
		out = append(out, res)
	}

	if needFallback && r.opts.FallbackGetMsg && msgID != "" {
		out = r.fallbackGetMsg(ctx, route, msgID, out)
	}
	return out
}

func (r *Resolver) resolveOne(ctx context.Context, route, msgID string, ref Ref) Resolved {
	probed := r.probeActions(ctx, route, msgID, ref)

	var sources []string
	if r.opts.Prefer == PreferDirectFirst {
		sources = mergeCandidates(ref.Direct, probed)
	} else {
		sources = mergeCandidates(probed, ref.Direct)
	}

	result := "ok"
	if AllUnfetchable(sources) {
		result = "unfetchable"
	}
	r.trace(route, msgID, diag.TraceEvent{
		Event:         "qq_media_resolve",
		ResolveStage:  "resolve",
		ResolveResult: result,
		Extra:         map[string]any{"kind": ref.Kind, "index": ref.Index, "candidates": len(sources)},
	})
	return Resolved{Ref: ref, Sources: sources}
}

// probeActions asks the server where a payload lives, keyed by kind.
func (r *Resolver) probeActions(ctx context.Context, route, msgID string, ref Ref) []string {
	if ref.FileID == "" {
		return nil
	}
	var out []string
	for _, action := range actionsForKind(ref.Kind) {
		params := map[string]any{"file": ref.FileID}
		if action == onebot.ActionGetFile {
			params["file_id"] = ref.FileID
		}
		pctx, cancel := context.WithTimeout(ctx, onebot.ActionTimeout)
		data, err := r.client.CallMap(pctx, action, params)
		cancel()
		if err != nil {
			r.trace(route, msgID, diag.TraceEvent{
				Event:         "qq_media_resolve",
				ResolveStage:  "resolve",
				ResolveAction: action,
				ResolveResult: "failed",
				Error:         qqerr.Wrap(qqerr.CodeResolveActionFailed, "media.resolve", err).Error(),
			})
			continue
		}
		for _, key := range candidateFields {
			if s, ok := data[key].(string); ok {
				if c := NormalizeCandidate(s); c != "" {
					out = appendUnique(out, c)
				}
			}
		}
		if b, ok := data["base64"].(string); ok && b != "" {
			out = appendUnique(out, "base64://"+b)
		}
		if len(out) > 0 {
			r.trace(route, msgID, diag.TraceEvent{
				Event:         "qq_media_resolve",
				ResolveStage:  "resolve",
				ResolveAction: action,
				ResolveResult: "ok",
			})
			break
		}
	}
	if len(out) == 0 && r.opts.UseStream {
		// Last probe: the chunked stream transport can usually reach what
		// the plain actions cannot.
		out = append(out, onebot.StreamScheme+ref.FileID)
	}
	return out
}

func actionsForKind(kind string) []string {
	switch kind {
	case KindImage:
		return []string{onebot.ActionGetImage}
	case KindRecord:
		return []string{onebot.ActionGetRecord}
	case KindVideo:
		return []string{onebot.ActionGetFile}
	case KindFile:
		return []string{onebot.ActionGetFile}
	default:
		return nil
	}
}

// fallbackGetMsg reloads the message and re-resolves refs whose candidates
// were unusable, pooling reloaded segments by kind and matching by position.
func (r *Resolver) fallbackGetMsg(ctx context.Context, route, msgID string, prior []Resolved) []Resolved {
	gctx, cancel := context.WithTimeout(ctx, onebot.ActionTimeout)
	ev, err := r.client.GetMsg(gctx, msgID)
	cancel()
	if err != nil {
		r.trace(route, msgID, diag.TraceEvent{
			Event:         "qq_media_resolve",
			ResolveStage:  "fallback_get_msg",
			ResolveAction: onebot.ActionGetMsg,
			ResolveResult: "failed",
			Error:         qqerr.Wrap(qqerr.CodeResolveActionFailed, "media.fallback", err).Error(),
		})
		return prior
	}

	pools := map[string][]Ref{}
	for _, ref := range CollectRefs(ev.Segments(), r.opts.MaxPerMessage) {
		pools[ref.Kind] = append(pools[ref.Kind], ref)
	}

	seen := map[string]int{}
	for i := range prior {
		res := &prior[i]
		pos := seen[res.Ref.Kind]
		seen[res.Ref.Kind]++
		if !AllUnfetchable(res.Sources) {
			continue
		}
		pool := pools[res.Ref.Kind]
		if pos >= len(pool) {
			continue
		}
		reloaded := pool[pos]
		reloaded.Index = res.Ref.Index
		if reloaded.NameHint == "" {
			reloaded.NameHint = res.Ref.NameHint
		}
		refreshed := r.resolveOne(ctx, route, msgID, reloaded)
		if !AllUnfetchable(refreshed.Sources) {
			*res = refreshed
		}
	}
	r.trace(route, msgID, diag.TraceEvent{
		Event:         "qq_media_resolve",
		ResolveStage:  "fallback_get_msg",
		ResolveAction: onebot.ActionGetMsg,
		ResolveResult: "ok",
	})
	return prior
}

func mergeCandidates(first, second []string) []string {
	out := make([]string, 0, len(first)+len(second))
	for _, c := range first {
		out = appendUnique(out, c)
	}
	for _, c := range second {
		out = appendUnique(out, c)
	}
	return out
}

func (r *Resolver) trace(route, msgID string, ev diag.TraceEvent) {
	ev.MsgID = msgID
	ev.Source = diag.SourceInbound
	if r.log != nil {
		r.log.Trace(route, ev)
		return
	}
	slog.Debug("media: "+ev.Event,
		"route", route, "msg_id", msgID,
		"stage", ev.ResolveStage, "result", ev.ResolveResult)
}

