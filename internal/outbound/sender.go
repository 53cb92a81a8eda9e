package outbound

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/delivery"
	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/media"
	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
	"github.com/nextlevelbuilder/qqclaw/internal/policy"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/routestate"
)

// Transport is the protocol surface the sender drives.
type Transport interface {
	SendRouteMsg(ctx context.Context, route string, segs []onebot.Segment) (string, error)
	UploadStream(ctx context.Context, name string, payload []byte) (string, error)
	CleanStreamTemp(ctx context.Context, path string) error
}

// RelaySigner mints short-lived signed URLs for local files so the
// protocol endpoint can fetch them over HTTP without shared storage.
type RelaySigner interface {
	Sign(path string) (string, error)
}

// RouteState is the slice of per-route state the sender touches.
type RouteState interface {
	OutFilesDir(route string) (string, error)
	BumpUsage(route, kind string) (routestate.Usage, error)
	TryConsumeImageQuota(route string) (bool, error)
}

// SenderOptions wires a Sender. Queue and Transport are required; the
// rest degrade gracefully when absent.
type SenderOptions struct {
	Queue     *delivery.Queue
	Transport Transport
	Relay     RelaySigner // nil disables the relay candidate
	State     RouteState
	Policy    *policy.Checker
	Paths     *PathPolicy
	Diag      *diag.Logger

	MaxMessageLength int
	StripMarkdown    bool
	AbortStrict      bool
	TextDedupWindow  time.Duration // default 12s
	StreamEnabled    bool
	StreamPrefer     string // "stream-first" (default) or "http-first"
}

// Request is one outbound payload bound to a dispatch.
type Request struct {
	Route      string
	MsgID      string
	DispatchID string
	Source     string
	SplitSend  bool
	Payload    Payload

	// Preflight is consulted before every protocol attempt; once the
	// owning dispatch is gone it returns the coded error that stops
	// the send.
	Preflight func() error
}

// Sender turns reply payloads into protocol sends: text chunks through
// the paced queue with duplicate suppression, media through a candidate
// chain (stream upload, relay URL, raw source, base64) that stops at the
// first form the endpoint accepts.
type Sender struct {
	queue *delivery.Queue
	tr    Transport
	relay RelaySigner
	state RouteState
	gate  *policy.Checker
	paths *PathPolicy
	log   *diag.Logger

	opts      SenderOptions
	textDedup *delivery.Window
}

const textDedupWindow = 12 * time.Second

func NewSender(o SenderOptions) *Sender {
	ttl := o.TextDedupWindow
	if ttl <= 0 {
		ttl = textDedupWindow
	}
	if o.Paths == nil {
		o.Paths = NewPathPolicy()
	}
	return &Sender{
		queue:     o.Queue,
		tr:        o.Transport,
		relay:     o.Relay,
		state:     o.State,
		gate:      o.Policy,
		paths:     o.Paths,
		log:       o.Diag,
		opts:      o,
		textDedup: delivery.NewWindow(ttl),
	}
}

// Send pushes the payload's text chunks and media items to the route.
// Partial success counts as success; when nothing went out the first
// coded error is returned so the caller can judge fallback eligibility.
func (s *Sender) Send(ctx context.Context, req Request) error {
	p := req.Payload
	hasMedia := p.MediaURL != "" || len(p.MediaURLs) > 0 || len(p.Files) > 0
	if !hasMedia && IsSilentReply(p.Text) {
		err := qqerr.New(qqerr.CodeAutomationMetaLeakGuard, "outbound: silent reply token")
		s.traceDrop(req, err)
		return err
	}

	norm := Normalize(p, Options{
		StripMarkdown:    s.opts.StripMarkdown,
		SplitSend:        req.SplitSend,
		MaxMessageLength: s.opts.MaxMessageLength,
	})

	var delivered int
	var firstErr error
	stop := func(err error) bool {
		if firstErr == nil {
			firstErr = err
		}
		switch qqerr.CodeOf(err) {
		case qqerr.CodeDispatchAborted, qqerr.CodeDispatchIDMismatch:
			return true
		}
		return false
	}

	for _, chunk := range norm.Chunks {
		err := s.sendText(ctx, req, chunk)
		if err == nil {
			delivered++
			continue
		}
		if stop(err) {
			return err
		}
	}
	for i, item := range norm.Media {
		err := s.sendMedia(ctx, req, i, item)
		if err == nil {
			delivered++
			continue
		}
		if stop(err) {
			return err
		}
	}

	if delivered > 0 {
		return nil
	}
	return firstErr
}

func (s *Sender) sendText(ctx context.Context, req Request, chunk string) error {
	if err := GuardChunk(chunk, s.opts.AbortStrict); err != nil {
		s.traceDrop(req, err)
		return err
	}
	if s.gate != nil {
		if err := s.gate.Check(policy.StageBeforeOutbound, req.Route, policy.ActionText); err != nil {
			s.traceDrop(req, err)
			return err
		}
	}
	if !s.textDedup.Begin(req.Route + "|" + chunk) {
		err := qqerr.New(qqerr.CodeDuplicateTextSuppressed, "outbound: repeated text within window")
		s.traceDrop(req, err)
		return err
	}

	var sentID string
	err := s.queue.Enqueue(ctx, delivery.SendRequest{
		Label:      "send_msg",
		Route:      req.Route,
		MsgID:      req.MsgID,
		DispatchID: req.DispatchID,
		Source:     req.Source,
		Preflight:  req.Preflight,
		Do: func(ctx context.Context) error {
			id, err := s.tr.SendRouteMsg(ctx, req.Route, []onebot.Segment{onebot.Text(chunk)})
			if err == nil {
				sentID = id
			}
			return err
		},
	})
	if err != nil {
		return err
	}

	s.bumpUsage(req.Route, routestate.CountText)
	if s.log != nil {
		s.log.Chat(req.Route, diag.ChatLine{Direction: "out", MsgID: sentID, Content: chunk})
	}
	return nil
}

func (s *Sender) sendMedia(ctx context.Context, req Request, idx int, item Item) error {
	action := policy.ActionMedia
	usage := routestate.CountMedia
	if item.Kind == media.KindRecord {
		action = policy.ActionVoice
		usage = routestate.CountVoice
	}
	if s.gate != nil {
		if err := s.gate.Check(policy.StageBeforeOutbound, req.Route, action); err != nil {
			s.traceDrop(req, err)
			return err
		}
	}
	if item.Kind == media.KindImage && s.state != nil {
		ok, err := s.state.TryConsumeImageQuota(req.Route)
		if err != nil {
			slog.Warn("outbound: image quota check failed", "route", req.Route, "error", err)
		} else if !ok {
			err := qqerr.New(qqerr.CodeQuotaExceeded, "outbound: image window quota for "+req.Route)
			s.traceDrop(req, err)
			return err
		}
	}

	cands, orig, err := s.candidates(req.Route, idx, item)
	if err != nil {
		s.traceDrop(req, err)
		return err
	}

	var lastErr error
	for _, c := range cands {
		err := s.queue.Enqueue(ctx, delivery.SendRequest{
			Label:         "send_media",
			Route:         req.Route,
			MsgID:         req.MsgID,
			DispatchID:    req.DispatchID,
			Source:        req.Source,
			MediaDedupKey: req.Route + "|" + item.Source + "|" + c.form,
			Preflight:     req.Preflight,
			Do:            c.send,
		})
		if err == nil {
			s.bumpUsage(req.Route, usage)
			if s.log != nil {
				s.log.Chat(req.Route, diag.ChatLine{
					Direction: "out",
					Content:   "[" + item.Kind + "] " + displayName(item.Source),
					Media:     1,
				})
			}
			removeTransientVoice(orig)
			return nil
		}
		lastErr = err
		switch qqerr.CodeOf(err) {
		case qqerr.CodeDispatchAborted, qqerr.CodeDispatchIDMismatch, qqerr.CodeDuplicatePayload:
			return err
		}
		slog.Debug("outbound: media candidate failed",
			"route", req.Route, "form", c.form, "error", err)
	}
	return lastErr
}

// candidate is one sendable form of a media item.
type candidate struct {
	form string
	send func(ctx context.Context) error
}

// candidates builds the ordered fallback chain for one item. Remote
// sources go out as-is; local files are staged into the route's
// out/files directory first and also reported back as orig for
// transient cleanup.
func (s *Sender) candidates(route string, idx int, item Item) ([]candidate, string, error) {
	local, ok := localSource(item.Source)
	if !ok {
		ref := item.Source
		if strings.HasPrefix(ref, "data:") {
			ref = dataURIRef(ref)
		}
		return []candidate{{form: remoteForm(ref), send: s.segmentSend(route, item.Kind, ref, "")}}, "", nil
	}

	real, err := s.paths.Resolve(local)
	if err != nil {
		return nil, "", err
	}
	staged := s.stage(route, idx, real)
	name := filepath.Base(staged)

	httpGroup := make([]candidate, 0, 2)
	if s.relay != nil {
		httpGroup = append(httpGroup, candidate{form: "relay", send: s.relaySend(route, item.Kind, staged, name)})
	}
	httpGroup = append(httpGroup, candidate{form: "file", send: s.segmentSend(route, item.Kind, "file://"+staged, name)})

	var out []candidate
	stream := candidate{form: "stream", send: s.streamSend(route, item.Kind, staged, name)}
	switch {
	case s.opts.StreamEnabled && s.opts.StreamPrefer != "http-first":
		out = append(out, stream)
		out = append(out, httpGroup...)
	case s.opts.StreamEnabled:
		out = append(out, httpGroup...)
		out = append(out, stream)
	default:
		out = append(out, httpGroup...)
	}
	out = append(out, candidate{form: "base64", send: s.base64Send(route, item.Kind, staged, name)})
	return out, real, nil
}

// stage copies the file into the route's out/files directory so it
// stays readable for the async send; on failure the source is used
// directly.
func (s *Sender) stage(route string, idx int, real string) string {
	if s.state == nil {
		return real
	}
	dir, err := s.state.OutFilesDir(route)
	if err != nil {
		slog.Warn("outbound: out dir unavailable, sending from source", "route", route, "error", err)
		return real
	}
	name := media.SanitizeFilename(filepath.Base(real))
	if name == "" {
		name = "media.bin"
	}
	dst := filepath.Join(dir, media.BuildFilename(time.Now().UnixMilli(), idx, name))
	if err := copyFile(real, dst); err != nil {
		slog.Warn("outbound: stage copy failed, sending from source", "src", real, "error", err)
		return real
	}
	return dst
}

func (s *Sender) segmentSend(route, kind, ref, name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.tr.SendRouteMsg(ctx, route, []onebot.Segment{mediaSegment(kind, ref, name)})
		return err
	}
}

func (s *Sender) relaySend(route, kind, path, name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		url, err := s.relay.Sign(path)
		if err != nil {
			return fmt.Errorf("outbound: relay sign: %w", err)
		}
		_, err = s.tr.SendRouteMsg(ctx, route, []onebot.Segment{mediaSegment(kind, url, name)})
		return err
	}
}

func (s *Sender) streamSend(route, kind, path, name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		payload, err := os.ReadFile(path)
		if err != nil {
			return qqerr.Wrap(qqerr.CodeFileNotFound, "outbound: read "+path, err)
		}
		ref, err := s.tr.UploadStream(ctx, name, payload)
		if err != nil {
			return fmt.Errorf("outbound: stream upload: %w", err)
		}
		_, sendErr := s.tr.SendRouteMsg(ctx, route, []onebot.Segment{mediaSegment(kind, ref, name)})
		if err := s.tr.CleanStreamTemp(ctx, ref); err != nil {
			slog.Debug("outbound: stream temp cleanup failed", "ref", ref, "error", err)
		}
		return sendErr
	}
}

func (s *Sender) base64Send(route, kind, path, name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		payload, err := os.ReadFile(path)
		if err != nil {
			return qqerr.Wrap(qqerr.CodeFileNotFound, "outbound: read "+path, err)
		}
		ref := "base64://" + base64.StdEncoding.EncodeToString(payload)
		_, err = s.tr.SendRouteMsg(ctx, route, []onebot.Segment{mediaSegment(kind, ref, name)})
		return err
	}
}

func (s *Sender) bumpUsage(route, kind string) {
	if s.state == nil {
		return
	}
	if _, err := s.state.BumpUsage(route, kind); err != nil {
		slog.Warn("outbound: usage bump failed", "route", route, "kind", kind, "error", err)
	}
}

func (s *Sender) traceDrop(req Request, err error) {
	if s.log == nil {
		return
	}
	s.log.Trace(req.Route, diag.TraceEvent{
		Event:      "outbound",
		MsgID:      req.MsgID,
		DispatchID: req.DispatchID,
		Source:     req.Source,
		Phase:      "dropped",
		DropReason: string(qqerr.CodeOf(err)),
		Error:      err.Error(),
	})
}

func mediaSegment(kind, ref, name string) onebot.Segment {
	switch kind {
	case media.KindImage:
		return onebot.Image(ref)
	case media.KindRecord:
		return onebot.Record(ref)
	case media.KindVideo:
		return onebot.Video(ref)
	default:
		return onebot.File(ref, name)
	}
}

// localSource strips a file:// prefix and reports whether the source is
// a local path rather than a remote or inline reference.
func localSource(src string) (string, bool) {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"),
		strings.HasPrefix(src, "base64://"), strings.HasPrefix(src, "data:"),
		strings.HasPrefix(src, onebot.StreamScheme):
		return "", false
	}
	return strings.TrimPrefix(src, "file://"), true
}

func remoteForm(ref string) string {
	switch {
	case strings.HasPrefix(ref, "base64://"):
		return "base64"
	case strings.HasPrefix(ref, onebot.StreamScheme):
		return "stream"
	}
	return "http"
}

// dataURIRef converts a data: URI to the protocol's base64:// form.
func dataURIRef(src string) string {
	if i := strings.Index(src, ";base64,"); i >= 0 {
		return "base64://" + src[i+len(";base64,"):]
	}
	return src
}

func displayName(src string) string {
	if _, ok := localSource(src); ok {
		return filepath.Base(strings.TrimPrefix(src, "file://"))
	}
	if strings.HasPrefix(src, "base64://") || strings.HasPrefix(src, "data:") {
		return "inline"
	}
	return src
}

// removeTransientVoice deletes generated voice files once sent; the
// staged copy under out/files remains on disk.
func removeTransientVoice(orig string) {
	if orig == "" {
		return
	}
	base := filepath.Base(orig)
	if !strings.HasPrefix(base, "voice-") || !strings.HasSuffix(base, ".wav") {
		return
	}
	if err := os.Remove(orig); err != nil && !os.IsNotExist(err) {
		slog.Debug("outbound: transient voice cleanup failed", "path", orig, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
