package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

// fakeServer is a loopback OneBot endpoint: answers every action with a
// canned login-info payload and lets tests push event frames.
type fakeServer struct {
	t      *testing.T
	url    string
	frames chan []byte
	served chan string // action names answered, for synchronization
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:      t,
		frames: make(chan []byte, 16),
		served: make(chan string, 16),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case frame := <-fs.frames:
					if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
						return
					}
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req struct {
				Action string `json:"action"`
				Echo   string `json:"echo"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			var resp string
			if req.Action == "always_fails" {
				resp = fmt.Sprintf(`{"status":"failed","retcode":1400,"msg":"boom","echo":%q}`, req.Echo)
			} else {
				resp = fmt.Sprintf(`{"status":"ok","retcode":0,"data":%s,"echo":%q}`, actionData(req.Action), req.Echo)
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(resp)); err != nil {
				return
			}
			select {
			case fs.served <- req.Action:
			default:
			}
		}
	}))
	t.Cleanup(srv.Close)
	fs.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return fs
}

// actionData fakes per-action payloads. Unlisted actions answer with the
// login-info body, which doubles as the liveness probe response.
func actionData(action string) string {
	switch action {
	case ActionGetFriendList:
		return `[{"user_id":20001,"nickname":"小明","remark":"同事"}]`
	case ActionGetGroupList:
		return `[{"group_id":700001,"group_name":"项目群"}]`
	case ActionGetGuildList:
		return `[{"guild_id":"g100","guild_name":"测试频道"}]`
	case ActionGetForwardMsg:
		return `{"messages":[` +
			`{"sender":{"nickname":"老王"},"time":1,"message":[{"type":"text","data":{"text":"明天见"}}]},` +
			`{"sender":{"nickname":"老李"},"content":[{"type":"text","data":{"text":"好"}}]}]}`
	case ActionCanSendImage:
		return `{"yes":true}`
	case ActionCanSendRecord:
		return `{"yes":false}`
	case ActionDeleteMsg:
		return `null`
	default:
		return `{"user_id":10000,"nickname":"qqbot"}`
	}
}

func startClient(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c := NewClient(Options{URL: fs.url, WaitForReconnect: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	if err := c.WaitUntilConnected(ctx, 5*time.Second); err != nil {
		t.Fatalf("WaitUntilConnected: %v", err)
	}
	return c
}

// TestSendActionEchoMatch verifies a round trip resolves by echo and the
// data payload decodes.
func TestSendActionEchoMatch(t *testing.T) {
	fs := newFakeServer(t)
	c := startClient(t, fs)

	info, err := c.GetLoginInfo(context.Background())
	if err != nil {
		t.Fatalf("GetLoginInfo: %v", err)
	}
	if info.UserID.String() != "10000" || info.Nickname != "qqbot" {
		t.Errorf("login info = %+v", info)
	}
}

// TestSendActionFailedStatus verifies a failed response surfaces as an
// error carrying the response message.
func TestSendActionFailedStatus(t *testing.T) {
	fs := newFakeServer(t)
	c := startClient(t, fs)

	resp, err := c.SendAction(context.Background(), "always_fails", nil)
	if err == nil {
		t.Fatal("expected error for failed status")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v", err)
	}
	if resp == nil || resp.OK() {
		t.Errorf("resp = %+v", resp)
	}
}

// TestRosterAndCapabilityActions drives the thin action helpers: roster
// list decodes, the yes/no probes, and a data-free action.
func TestRosterAndCapabilityActions(t *testing.T) {
	fs := newFakeServer(t)
	c := startClient(t, fs)
	ctx := context.Background()

	friends, err := c.GetFriendList(ctx)
	if err != nil || len(friends) != 1 || friends[0].UserID.String() != "20001" || friends[0].Remark != "同事" {
		t.Fatalf("friends = %+v, err = %v", friends, err)
	}
	groups, err := c.GetGroupList(ctx)
	if err != nil || len(groups) != 1 || groups[0].GroupID.String() != "700001" || groups[0].GroupName != "项目群" {
		t.Fatalf("groups = %+v, err = %v", groups, err)
	}
	guilds, err := c.GetGuildList(ctx)
	if err != nil || len(guilds) != 1 || guilds[0].GuildID.String() != "g100" {
		t.Fatalf("guilds = %+v, err = %v", guilds, err)
	}

	if ok, err := c.CanSendImage(ctx); err != nil || !ok {
		t.Fatalf("can_send_image = %v, %v", ok, err)
	}
	if ok, err := c.CanSendRecord(ctx); err != nil || ok {
		t.Fatalf("can_send_record = %v, %v", ok, err)
	}

	if err := c.DeleteMsg(ctx, "42"); err != nil {
		t.Fatalf("DeleteMsg: %v", err)
	}
}

// TestGetForwardMsgUnpacksNested accepts nested bodies in both the message
// and the older content field.
func TestGetForwardMsgUnpacksNested(t *testing.T) {
	fs := newFakeServer(t)
	c := startClient(t, fs)

	events, err := c.GetForwardMsg(context.Background(), "fwd-1")
	if err != nil {
		t.Fatalf("GetForwardMsg: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].PlainText() != "明天见" || events[0].SenderName() != "老王" {
		t.Errorf("first = %q by %q", events[0].PlainText(), events[0].SenderName())
	}
	if events[1].PlainText() != "好" || events[1].SenderName() != "老李" {
		t.Errorf("second = %q by %q", events[1].PlainText(), events[1].SenderName())
	}
}

// TestEventDeliveryAndSelfEchoFilter verifies events flow through while
// self-authored frames and non-JSON noise are dropped.
func TestEventDeliveryAndSelfEchoFilter(t *testing.T) {
	fs := newFakeServer(t)
	c := startClient(t, fs)

	fs.frames <- []byte("PING not json")
	fs.frames <- []byte(`{"time":1,"self_id":10000,"post_type":"message","message_type":"private",
	  "message_id":1,"user_id":10000,"message":[{"type":"text","data":{"text":"self"}}]}`)
	fs.frames <- []byte(`{"time":2,"self_id":10000,"post_type":"message_sent","message_type":"private",
	  "message_id":2,"user_id":10000,"message":[{"type":"text","data":{"text":"sent"}}]}`)
	fs.frames <- []byte(`{"time":3,"self_id":10000,"post_type":"message","message_type":"private",
	  "message_id":3,"user_id":20000,"message":[{"type":"text","data":{"text":"real"}}]}`)

	select {
	case ev := <-c.Events():
		if ev.PlainText() != "real" || ev.UserID.String() != "20000" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-c.Events():
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestWaitUntilConnectedTimeout verifies the transport_unavailable code
// when no connection materializes.
func TestWaitUntilConnectedTimeout(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1"})
	err := c.WaitUntilConnected(context.Background(), 50*time.Millisecond)
	if !qqerr.HasCode(err, qqerr.CodeTransportUnavailable) {
		t.Errorf("err = %v, want transport_unavailable", err)
	}
}

// TestBackoffProgression verifies exponential growth, the cap, and reset on
// connect.
func TestBackoffProgression(t *testing.T) {
	c := NewClient(Options{URL: "ws://unused"})
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := c.nextBackoff(); got != w {
			t.Errorf("attempt %d backoff = %v, want %v", i, got, w)
		}
	}
	c.setConnected(nil)
	if got := c.nextBackoff(); got != time.Second {
		t.Errorf("post-connect backoff = %v, want 1s", got)
	}
}
