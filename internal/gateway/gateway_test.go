package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/agent"
	"github.com/nextlevelbuilder/qqclaw/internal/config"
	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/dispatch"
	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/routing"
)

const (
	testOwner  = "10001"
	testSelfID = "90001"
)

type sentMsg struct {
	route string
	segs  []onebot.Segment
}

type fakeSocket struct {
	mu       sync.Mutex
	events   chan onebot.Event
	selfID   string
	sent     []sentMsg
	actions  map[string]func(params map[string]any) (map[string]any, error)
	members  map[string]*onebot.GroupMember
	forwards map[string][]onebot.Event
	typing   []string
	stopped  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		events:   make(chan onebot.Event, 16),
		selfID:   testSelfID,
		actions:  make(map[string]func(params map[string]any) (map[string]any, error)),
		members:  make(map[string]*onebot.GroupMember),
		forwards: make(map[string][]onebot.Event),
	}
}

func (f *fakeSocket) Start(ctx context.Context) error { return nil }

func (f *fakeSocket) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.events)
	}
}

func (f *fakeSocket) Events() <-chan onebot.Event { return f.events }
func (f *fakeSocket) SelfID() string              { return f.selfID }
func (f *fakeSocket) IsConnected() bool           { return true }

func (f *fakeSocket) WaitUntilConnected(ctx context.Context, timeout time.Duration) error {
	return nil
}

func (f *fakeSocket) CallMap(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	f.mu.Lock()
	fn := f.actions[action]
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("action not supported")
	}
	return fn(params)
}

func (f *fakeSocket) GetMsg(ctx context.Context, messageID string) (*onebot.Event, error) {
	return nil, errors.New("no such message")
}

func (f *fakeSocket) GetForwardMsg(ctx context.Context, forwardID string) ([]onebot.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if evs, ok := f.forwards[forwardID]; ok {
		return evs, nil
	}
	return nil, errors.New("forward bundle not found")
}

func (f *fakeSocket) SetInputStatus(ctx context.Context, userID string, eventType int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, userID)
	return nil
}

func (f *fakeSocket) GetGroupMemberInfo(ctx context.Context, groupID, userID string, noCache bool) (*onebot.GroupMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.members[groupID+":"+userID]; ok {
		return m, nil
	}
	return nil, errors.New("member not found")
}

func (f *fakeSocket) SendRouteMsg(ctx context.Context, route string, segs []onebot.Segment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{route: route, segs: segs})
	return fmt.Sprintf("srv-%d", len(f.sent)), nil
}

func (f *fakeSocket) UploadStream(ctx context.Context, name string, payload []byte) (string, error) {
	return "", errors.New("stream unsupported")
}

func (f *fakeSocket) DownloadStream(ctx context.Context, ref string) ([]byte, string, error) {
	return nil, "", errors.New("stream unsupported")
}

func (f *fakeSocket) CleanStreamTemp(ctx context.Context, path string) error { return nil }

func (f *fakeSocket) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		for _, seg := range m.segs {
			if seg.Type == "text" {
				if s, ok := seg.Data["text"].(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type memSessions struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemSessions() *memSessions { return &memSessions{m: make(map[string][]byte)} }

func (s *memSessions) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memSessions) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memSessions) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *memSessions) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memSessions) Close() error { return nil }

type capturingRunner struct {
	mu    sync.Mutex
	reqs  []agent.Request
	reply agent.Reply
	err   error
}

func (r *capturingRunner) DispatchReply(ctx context.Context, req agent.Request) (agent.Result, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.err != nil {
		return agent.Result{}, r.err
	}
	if err := req.Deliver(ctx, r.reply); err != nil {
		return agent.Result{}, err
	}
	return agent.Result{Delivered: 1}, nil
}

func (r *capturingRunner) calls() []agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Request(nil), r.reqs...)
}

func testConfig(ws string) *config.Config {
	no := false
	return &config.Config{
		Workspace: ws,
		DataDir:   filepath.Join(ws, "data"),
		Channels: config.ChannelsConfig{QQ: config.AccountConfig{
			Enabled:                   true,
			WSURL:                     "ws://127.0.0.1:3001",
			AccessToken:               "token",
			OwnerUserID:               testOwner,
			MessagePostFormat:         "array",
			AggregateWindowMs:         1,
			InterruptWindowMs:         1,
			InterruptPolicy:           "preempt",
			ReplyRunTimeoutMs:         5000,
			SendQueueMaxRetries:       1,
			SendQueueBaseDelayMs:      1,
			SendRetryMinDelayMs:       1,
			SendRetryMaxDelayMs:       2,
			SendWaitForReconnectMs:    20,
			OutboundTextDedupWindowMs: 1,
			MaxMessageLength:          4000,
			InboundMediaResolvePrefer: "napcat-first",
			InboundMediaHTTPTimeoutMs: 200,
			InboundMediaUseStream:     &no,
			InboundMediaMaxPerMessage: 8,
			StreamTransportEnabled:    &no,
			TaskMaxRuntimeMs:          5000,
			TaskMaxConcurrency:        1,
		}},
		Agent:   config.AgentConfig{Command: "true"},
		Logging: config.LoggingConfig{RetentionDays: 14},
	}
}

func newTestGateway(t *testing.T, tweak func(cfg *config.Config)) (*Gateway, *fakeSocket, *capturingRunner) {
	t.Helper()
	ws := t.TempDir()
	cfg := testConfig(ws)
	if tweak != nil {
		tweak(cfg)
	}
	sock := newFakeSocket()
	runner := &capturingRunner{reply: agent.Reply{Text: "pong"}}
	gw, err := New(Options{
		Config:   cfg,
		Socket:   sock,
		Runner:   runner,
		Sessions: newMemSessions(),
		Diag:     diag.NewLogger(ws, 14, nil),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gw, sock, runner
}

func privateMsg(msgID, userID, text string) onebot.Event {
	raw, _ := json.Marshal([]map[string]any{
		{"type": "text", "data": map[string]any{"text": text}},
	})
	return onebot.Event{
		PostType:    "message",
		MessageType: "private",
		MessageID:   onebot.ID(msgID),
		UserID:      onebot.ID(userID),
		Message:     raw,
		Sender:      &onebot.Sender{UserID: onebot.ID(userID), Nickname: "小明"},
	}
}

func groupMsg(msgID, groupID, userID string, segs []map[string]any) onebot.Event {
	raw, _ := json.Marshal(segs)
	return onebot.Event{
		PostType:    "message",
		MessageType: "group",
		MessageID:   onebot.ID(msgID),
		GroupID:     onebot.ID(groupID),
		UserID:      onebot.ID(userID),
		Message:     raw,
		Sender:      &onebot.Sender{UserID: onebot.ID(userID), Nickname: "小红"},
	}
}

func textSeg(text string) map[string]any {
	return map[string]any{"type": "text", "data": map[string]any{"text": text}}
}

func atSeg(qq string) map[string]any {
	return map[string]any{"type": "at", "data": map[string]any{"qq": qq}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInboundTextRoundTrip(t *testing.T) {
	gw, sock, runner := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	ev := privateMsg("5001", testOwner, "ping")
	gw.handleInbound(ctx, &ev)

	texts := sock.sentTexts()
	if len(texts) != 1 || texts[0] != "pong" {
		t.Fatalf("sent texts = %q, want [pong]", texts)
	}
	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if !strings.Contains(req.Prompt, "ping") || !strings.Contains(req.Prompt, "[From: 小明]") {
		t.Fatalf("prompt = %q", req.Prompt)
	}
	wantKey := routing.SessionKey("user:"+testOwner, testOwner)
	if req.SessionKey != wantKey {
		t.Fatalf("session key = %q, want %q", req.SessionKey, wantKey)
	}
	if req.Route != "user:"+testOwner {
		t.Fatalf("route = %q", req.Route)
	}
}

func TestInboundTraceSequence(t *testing.T) {
	gw, _, _ := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	ev := privateMsg("5002", testOwner, "你好")
	gw.handleInbound(ctx, &ev)

	day := time.Now().Format("2006-01-02")
	path := filepath.Join(gw.cfg.WorkspacePath(), "qq_sessions", "user__"+testOwner,
		"logs", "trace-"+day+".ndjson")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}

	var got []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var ev diag.TraceEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("bad trace line %q: %v", line, err)
		}
		got = append(got, ev.Event)
	}
	want := []string{"qq_inbound_received", "qq_dispatch_start", "qq_dispatch_done"}
	idx := 0
	for _, name := range got {
		if idx < len(want) && name == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Fatalf("trace events = %v, want subsequence %v", got, want)
	}
}

func TestGroupMentionGate(t *testing.T) {
	gw, sock, runner := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	quiet := groupMsg("6001", "700001", "20002", []map[string]any{textSeg("大家早")})
	gw.handleInbound(ctx, &quiet)
	if n := len(runner.calls()); n != 0 {
		t.Fatalf("unmentioned group line dispatched %d times", n)
	}

	mention := groupMsg("6002", "700001", "20002", []map[string]any{
		atSeg(testSelfID), textSeg("帮我看看"),
	})
	gw.handleInbound(ctx, &mention)

	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("mentioned group line dispatched %d times, want 1", len(calls))
	}
	prompt := calls[0].Prompt
	if !strings.Contains(prompt, "<recent_group_context>") || !strings.Contains(prompt, "大家早") {
		t.Fatalf("prompt missing drained group context: %q", prompt)
	}
	if !strings.Contains(prompt, "帮我看看") {
		t.Fatalf("prompt missing current text: %q", prompt)
	}
	if sock.sentCount() == 0 {
		t.Fatal("no reply sent for mentioned line")
	}

	// Context is delivered once, then the ring starts empty.
	again := groupMsg("6003", "700001", "20002", []map[string]any{
		atSeg(testSelfID), textSeg("还在吗"),
	})
	gw.handleInbound(ctx, &again)
	calls = runner.calls()
	if strings.Contains(calls[len(calls)-1].Prompt, "大家早") {
		t.Fatal("group context repeated after drain")
	}
}

func TestKeywordTriggerBypassesMention(t *testing.T) {
	gw, _, runner := newTestGateway(t, func(cfg *config.Config) {
		cfg.Channels.QQ.KeywordTriggers = config.FlexibleStringSlice{"小助手"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	ev := groupMsg("6101", "700001", "20002", []map[string]any{textSeg("小助手 查个天气")})
	gw.handleInbound(ctx, &ev)
	if n := len(runner.calls()); n != 1 {
		t.Fatalf("keyword trigger dispatched %d times, want 1", n)
	}
}

// TestAdminBypassesMentionGate checks that a configured admin reaches the
// agent from a group without an @ or keyword.
func TestAdminBypassesMentionGate(t *testing.T) {
	gw, _, runner := newTestGateway(t, func(cfg *config.Config) {
		cfg.Channels.QQ.Admins = config.FlexibleStringSlice{"20002"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	ev := groupMsg("6102", "700001", "20002", []map[string]any{textSeg("状态如何")})
	gw.handleInbound(ctx, &ev)
	if n := len(runner.calls()); n != 1 {
		t.Fatalf("admin line dispatched %d times, want 1", n)
	}

	other := groupMsg("6103", "700001", "20003", []map[string]any{textSeg("随便聊聊")})
	gw.handleInbound(ctx, &other)
	if n := len(runner.calls()); n != 1 {
		t.Fatalf("non-admin line dispatched, calls = %d", n)
	}
}

func TestBlockedUserIgnored(t *testing.T) {
	gw, sock, runner := newTestGateway(t, func(cfg *config.Config) {
		cfg.Channels.QQ.BlockedUsers = config.FlexibleStringSlice{"60006"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	ev := privateMsg("5003", "60006", "在吗")
	gw.handleInbound(ctx, &ev)
	if len(runner.calls()) != 0 || sock.sentCount() != 0 {
		t.Fatal("blocked sender reached dispatch")
	}
}

func TestGroupAllowlist(t *testing.T) {
	gw, _, runner := newTestGateway(t, func(cfg *config.Config) {
		cfg.Channels.QQ.AllowedGroups = config.FlexibleStringSlice{"111111"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	ev := groupMsg("6201", "700001", "20002", []map[string]any{
		atSeg(testSelfID), textSeg("在吗"),
	})
	gw.handleInbound(ctx, &ev)
	if len(runner.calls()) != 0 {
		t.Fatal("message from non-allowlisted group dispatched")
	}
}

func TestDuplicateEventDropped(t *testing.T) {
	gw, _, runner := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	ev := privateMsg("5004", testOwner, "ping")
	gw.handleInbound(ctx, &ev)
	dup := privateMsg("5004", testOwner, "ping")
	gw.handleInbound(ctx, &dup)

	if n := len(runner.calls()); n != 1 {
		t.Fatalf("replayed event dispatched %d times, want 1", n)
	}
}

func TestMediaMaterializeIntoPrompt(t *testing.T) {
	gw, sock, runner := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	src := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(src, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal([]map[string]any{
		{"type": "image", "data": map[string]any{"file": "photo.jpg", "url": "file://" + src}},
		{"type": "text", "data": map[string]any{"text": "看这张图"}},
	})
	ev := onebot.Event{
		PostType:    "message",
		MessageType: "private",
		MessageID:   onebot.ID("5005"),
		UserID:      onebot.ID(testOwner),
		Message:     raw,
		Sender:      &onebot.Sender{UserID: onebot.ID(testOwner), Nickname: "小明"},
	}
	gw.handleInbound(ctx, &ev)

	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(calls))
	}
	prompt := calls[0].Prompt
	if !strings.Contains(prompt, "<inbound_media_manifest>") ||
		!strings.Contains(prompt, "total=1 materialized=1 unresolved=0") {
		t.Fatalf("prompt manifest wrong: %q", prompt)
	}

	inDir, err := gw.state.InFilesDir("user:" + testOwner)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(inDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("in/files entries = %v, err = %v", entries, err)
	}

	// Media inbound gets the one-line ack before the real reply.
	texts := sock.sentTexts()
	if len(texts) != 2 || texts[0] != dispatch.AckText || texts[1] != "pong" {
		t.Fatalf("sent texts = %q, want [ack, pong]", texts)
	}
}

func TestMediaUnresolvedStillDispatches(t *testing.T) {
	gw, _, runner := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	raw, _ := json.Marshal([]map[string]any{
		{"type": "image", "data": map[string]any{"file": "gone.jpg", "url": "file:///nonexistent/gone.jpg"}},
		{"type": "text", "data": map[string]any{"text": "图呢"}},
	})
	ev := onebot.Event{
		PostType:    "message",
		MessageType: "private",
		MessageID:   onebot.ID("5006"),
		UserID:      onebot.ID(testOwner),
		Message:     raw,
		Sender:      &onebot.Sender{UserID: onebot.ID(testOwner), Nickname: "小明"},
	}
	gw.handleInbound(ctx, &ev)

	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "total=1 materialized=0 unresolved=1") {
		t.Fatalf("prompt should note unresolved media: %q", calls[0].Prompt)
	}
}

// TestForwardBundleExpanded unrolls a forwarded bundle into the prompt as
// a quoted transcript; a bundle the server cannot return leaves the text
// untouched.
func TestForwardBundleExpanded(t *testing.T) {
	gw, sock, runner := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	nested, _ := json.Marshal([]map[string]any{textSeg("合同明天上午签")})
	nested2, _ := json.Marshal([]map[string]any{textSeg("好，带上章")})
	sock.mu.Lock()
	sock.forwards["77001"] = []onebot.Event{
		{Sender: &onebot.Sender{Nickname: "老王"}, Message: nested},
		{Sender: &onebot.Sender{Nickname: "老李"}, Message: nested2},
	}
	sock.mu.Unlock()

	raw, _ := json.Marshal([]map[string]any{
		{"type": "forward", "data": map[string]any{"id": "77001"}},
		textSeg("帮我总结一下"),
	})
	ev := onebot.Event{
		PostType:    "message",
		MessageType: "private",
		MessageID:   onebot.ID("5008"),
		UserID:      onebot.ID(testOwner),
		Message:     raw,
		Sender:      &onebot.Sender{UserID: onebot.ID(testOwner), Nickname: "小明"},
	}
	gw.handleInbound(ctx, &ev)

	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(calls))
	}
	prompt := calls[0].Prompt
	if !strings.Contains(prompt, "<forwarded_messages>") ||
		!strings.Contains(prompt, "老王: 合同明天上午签") ||
		!strings.Contains(prompt, "老李: 好，带上章") {
		t.Fatalf("prompt missing transcript: %q", prompt)
	}
	if !strings.Contains(prompt, "帮我总结一下") {
		t.Fatalf("prompt missing own text: %q", prompt)
	}

	// Unknown bundle id: the message still dispatches, without the block.
	raw2, _ := json.Marshal([]map[string]any{
		{"type": "forward", "data": map[string]any{"id": "88002"}},
		textSeg("这个呢"),
	})
	ev2 := ev
	ev2.MessageID = onebot.ID("5009")
	ev2.Message = raw2
	gw.handleInbound(ctx, &ev2)
	calls = runner.calls()
	if len(calls) != 2 {
		t.Fatalf("runner calls = %d, want 2", len(calls))
	}
	if strings.Contains(calls[1].Prompt, "<forwarded_messages>") {
		t.Fatalf("unresolvable bundle produced a transcript: %q", calls[1].Prompt)
	}
}

// TestPrivateInboundMarksTyping sends the typing hint for DM traffic and
// not for group lines.
func TestPrivateInboundMarksTyping(t *testing.T) {
	gw, sock, _ := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	ev := privateMsg("5010", testOwner, "在吗")
	gw.handleInbound(ctx, &ev)
	sock.mu.Lock()
	typed := append([]string(nil), sock.typing...)
	sock.mu.Unlock()
	if len(typed) != 1 || typed[0] != testOwner {
		t.Fatalf("typing marks = %v, want [%s]", typed, testOwner)
	}

	grp := groupMsg("5011", "700001", "20002", []map[string]any{atSeg(testSelfID), textSeg("在吗")})
	gw.handleInbound(ctx, &grp)
	sock.mu.Lock()
	n := len(sock.typing)
	sock.mu.Unlock()
	if n != 1 {
		t.Fatalf("group line marked typing, marks = %d", n)
	}
}

func TestStaleDispatchIDDropsReply(t *testing.T) {
	gw, sock, _ := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.queue.Start(ctx)
	defer gw.queue.Stop()

	route := "user:" + testOwner
	if _, err := gw.state.EnsureRoute(route); err != nil {
		t.Fatal(err)
	}
	run, _ := gw.rt.Begin(route, "m1", false, func() {})
	bridge := &senderBridge{gw: gw}

	err := bridge.Deliver(ctx, dispatch.DeliverRequest{
		Kind: dispatch.DeliverReply, Route: route, MsgID: "m0",
		DispatchID: "stale-id", Source: diag.SourceChat,
		Payload: agent.Reply{Text: "late"},
	})
	if qqerr.CodeOf(err) != qqerr.CodeDispatchIDMismatch {
		t.Fatalf("stale deliver error = %v, want dispatch_id_mismatch", err)
	}
	if sock.sentCount() != 0 {
		t.Fatal("stale reply reached the socket")
	}

	err = bridge.Deliver(ctx, dispatch.DeliverRequest{
		Kind: dispatch.DeliverReply, Route: route, MsgID: "m1",
		DispatchID: run.DispatchID, Source: diag.SourceChat,
		Payload: agent.Reply{Text: "fresh"},
	})
	if err != nil {
		t.Fatalf("owned deliver failed: %v", err)
	}
	if got := sock.sentTexts(); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("sent = %q, want [fresh]", got)
	}
}

func TestMemberCacheLookupAndTTL(t *testing.T) {
	gw, sock, _ := newTestGateway(t, nil)
	base := time.Now()
	cur := base
	gw.SetClock(func() time.Time { return cur })

	sock.mu.Lock()
	sock.members["700001:20002"] = &onebot.GroupMember{Card: "班长"}
	sock.mu.Unlock()

	ctx := context.Background()
	if name := gw.members.DisplayName(ctx, "700001", "20002", "小红"); name != "班长" {
		t.Fatalf("display name = %q, want 班长", name)
	}

	// Roster change invisible until the entry expires.
	sock.mu.Lock()
	sock.members["700001:20002"] = &onebot.GroupMember{Card: "新班长"}
	sock.mu.Unlock()
	if name := gw.members.DisplayName(ctx, "700001", "20002", "小红"); name != "班长" {
		t.Fatalf("cached name = %q, want 班长", name)
	}
	cur = base.Add(memberCacheTTL + time.Minute)
	if name := gw.members.DisplayName(ctx, "700001", "20002", "小红"); name != "新班长" {
		t.Fatalf("refreshed name = %q, want 新班长", name)
	}

	// Unknown member falls back to the event's own name.
	if name := gw.members.DisplayName(ctx, "700001", "30003", "路人"); name != "路人" {
		t.Fatalf("fallback name = %q, want 路人", name)
	}
}

func TestSeenSetClearsWhenFull(t *testing.T) {
	s := newSeenSet(3)
	for _, k := range []string{"a", "b", "c"} {
		if s.Seen(k) {
			t.Fatalf("fresh key %q reported seen", k)
		}
	}
	if !s.Seen("a") {
		t.Fatal("key a lost before the set filled")
	}
	// Fourth distinct key clears the full set.
	if s.Seen("d") {
		t.Fatal("key d reported seen")
	}
	if s.Seen("a") {
		t.Fatal("set not cleared after hitting capacity")
	}
}

func TestRunLifecycle(t *testing.T) {
	gw, sock, runner := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	sock.events <- privateMsg("5007", testOwner, "ping")
	waitFor(t, "reply", func() bool { return sock.sentCount() == 1 })
	if n := len(runner.calls()); n != 1 {
		t.Fatalf("runner calls = %d, want 1", n)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	sock.mu.Lock()
	stopped := sock.stopped
	sock.mu.Unlock()
	if !stopped {
		t.Fatal("socket not stopped on shutdown")
	}
}

func TestInlineTargetsConversion(t *testing.T) {
	yes := true
	ac := config.AutomationConfig{
		Enabled:             true,
		ReconcileIntervalMs: 30000,
		StrictAgentOnly:     &yes,
		Targets: []config.AutomationTarget{{
			ID:    "morning",
			Route: "user:10001",
			Job: config.AutomationJob{
				Type:     "cron-agent-turn",
				Schedule: config.AutomationSchedule{Kind: "cron", Expr: "0 9 * * *", TZ: "Asia/Shanghai"},
				Message:  "早安。",
				Smart:    &config.SmartThrottle{MinSilenceMinutes: 45},
			},
		}},
	}
	env := inlineTargets(ac)
	if env == nil {
		t.Fatal("inline targets yielded nil envelope")
	}
	if env.Enabled == nil || !*env.Enabled || !env.StrictAgentOnly {
		t.Fatalf("envelope flags wrong: %+v", env)
	}
	if len(env.Targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(env.Targets))
	}
	got := env.Targets[0]
	if got.ID != "morning" || got.Job.Schedule.Expr != "0 9 * * *" || got.Job.Schedule.TZ != "Asia/Shanghai" {
		t.Fatalf("target mapped wrong: %+v", got)
	}
	if got.Job.Smart == nil || got.Job.Smart.MinSilenceMinutes != 45 {
		t.Fatalf("smart throttle mapped wrong: %+v", got.Job.Smart)
	}

	if inlineTargets(config.AutomationConfig{}) != nil {
		t.Fatal("empty config should not produce an envelope")
	}
}

func TestAggregateWindowOverrides(t *testing.T) {
	gw, _, _ := newTestGateway(t, func(cfg *config.Config) {
		cfg.Channels.QQ.AggregateWindowMs = 900
		cfg.Channels.QQ.DMAggregateWindowMs = 300
		cfg.Channels.QQ.GroupAggregateWindowMs = 1500
	})
	if w := gw.aggregateWindow("user:10001"); w != 300*time.Millisecond {
		t.Fatalf("dm window = %v", w)
	}
	if w := gw.aggregateWindow("group:700001"); w != 1500*time.Millisecond {
		t.Fatalf("group window = %v", w)
	}
	if w := gw.aggregateWindow("guild:g1:c1"); w != 1500*time.Millisecond {
		t.Fatalf("guild window = %v", w)
	}
}
