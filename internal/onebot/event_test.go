package onebot

import (
	"encoding/json"
	"testing"
)

// TestEventDecode verifies the envelope decodes with numeric and string
// ids and that routes derive from the message type.
func TestEventDecode(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantRoute string
		wantText  string
	}{
		{
			"private numeric ids",
			`{"time":1700000000,"self_id":10000,"post_type":"message","message_type":"private",
			  "message_id":42,"user_id":2151539153,
			  "message":[{"type":"text","data":{"text":"hello"}}],
			  "sender":{"user_id":2151539153,"nickname":"u"}}`,
			"user:2151539153",
			"hello",
		},
		{
			"group string ids",
			`{"time":1700000000,"self_id":"10000","post_type":"message","message_type":"group",
			  "message_id":"43","user_id":"2151539153","group_id":"100001",
			  "message":[{"type":"text","data":{"text":"hi"}}]}`,
			"group:100001",
			"hi",
		},
		{
			"guild",
			`{"time":1700000000,"self_id":10000,"post_type":"message","message_type":"guild",
			  "guild_id":"82000001","channel_id":"sub-7",
			  "message":[{"type":"text","data":{"text":"g"}}]}`,
			"guild:82000001:sub-7",
			"g",
		},
		{
			"string message form",
			`{"time":1700000000,"self_id":10000,"post_type":"message","message_type":"private",
			  "user_id":2151539153,"message":"plain [CQ:at,qq=10000] text"}`,
			"user:2151539153",
			"plain  text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev Event
			if err := json.Unmarshal([]byte(tt.raw), &ev); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !ev.IsMessage() {
				t.Error("IsMessage = false")
			}
			if got := ev.Route(); got != tt.wantRoute {
				t.Errorf("Route = %q, want %q", got, tt.wantRoute)
			}
			if got := ev.PlainText(); got != tt.wantText {
				t.Errorf("PlainText = %q, want %q", got, tt.wantText)
			}
		})
	}
}

// TestEventMentions verifies at-segment detection including @all.
func TestEventMentions(t *testing.T) {
	var ev Event
	raw := `{"post_type":"message","message_type":"group","group_id":100001,
	  "message":[{"type":"at","data":{"qq":10000}},{"type":"text","data":{"text":" hi"}}]}`
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}
	if !ev.Mentions("10000") {
		t.Error("Mentions(self) = false")
	}
	if ev.Mentions("99999") {
		t.Error("Mentions(other) = true")
	}

	var all Event
	rawAll := `{"post_type":"message","message_type":"group",
	  "message":[{"type":"at","data":{"qq":"all"}}]}`
	if err := json.Unmarshal([]byte(rawAll), &all); err != nil {
		t.Fatal(err)
	}
	if !all.Mentions("10000") {
		t.Error("Mentions via @all = false")
	}
}

// TestSenderName verifies card beats nickname beats bare id.
func TestSenderName(t *testing.T) {
	ev := Event{UserID: "777", Sender: &Sender{Nickname: "nick", Card: "card"}}
	if got := ev.SenderName(); got != "card" {
		t.Errorf("name = %q, want card", got)
	}
	ev.Sender.Card = ""
	if got := ev.SenderName(); got != "nick" {
		t.Errorf("name = %q, want nick", got)
	}
	ev.Sender = nil
	if got := ev.SenderName(); got != "777" {
		t.Errorf("name = %q, want id", got)
	}
}

// TestIDInt64 verifies numeric conversion tolerates non-numeric ids.
func TestIDInt64(t *testing.T) {
	if got := ID("123").Int64(); got != 123 {
		t.Errorf("Int64 = %d", got)
	}
	if got := ID("sub-7").Int64(); got != 0 {
		t.Errorf("Int64 non-numeric = %d, want 0", got)
	}
}
