package onebot

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/qqclaw/internal/routing"
)

// Post types of the v11 envelope.
const (
	PostMessage     = "message"
	PostMessageSent = "message_sent"
	PostNotice      = "notice"
	PostRequest     = "request"
	PostMetaEvent   = "meta_event"
)

// Message types.
const (
	MsgPrivate = "private"
	MsgGroup   = "group"
	MsgGuild   = "guild"
)

// ID is a QQ identifier. Implementations disagree on whether ids are JSON
// numbers or strings, so both are accepted.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Int64 returns the numeric value, 0 for non-numeric ids.
func (id ID) Int64() int64 {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Sender describes the author of a message event.
type Sender struct {
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Event is the inbound envelope.
type Event struct {
	Time          int64           `json:"time"`
	SelfID        ID              `json:"self_id"`
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type,omitempty"`
	SubType       string          `json:"sub_type,omitempty"`
	MetaEventType string          `json:"meta_event_type,omitempty"`
	NoticeType    string          `json:"notice_type,omitempty"`
	RequestType   string          `json:"request_type,omitempty"`
	MessageID     ID              `json:"message_id,omitempty"`
	UserID        ID              `json:"user_id,omitempty"`
	GroupID       ID              `json:"group_id,omitempty"`
	GuildID       ID              `json:"guild_id,omitempty"`
	ChannelID     ID              `json:"channel_id,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	RawMessage    string          `json:"raw_message,omitempty"`
	Sender        *Sender         `json:"sender,omitempty"`
}

// IsMessage reports whether the event carries user content to dispatch.
func (e *Event) IsMessage() bool { return e.PostType == PostMessage }

// Route derives the canonical route the event belongs to, "" when the event
// is not routable.
func (e *Event) Route() string {
	switch e.MessageType {
	case MsgPrivate:
		return routing.NormalizeTarget("user:" + e.UserID.String())
	case MsgGroup:
		return routing.NormalizeTarget("group:" + e.GroupID.String())
	case MsgGuild:
		if e.GuildID != "" && e.ChannelID != "" {
			return routing.NormalizeTarget("guild:" + e.GuildID.String() + ":" + e.ChannelID.String())
		}
	}
	return ""
}

// Segments decodes the message body. Array format decodes directly; the
// string form falls back to CQ parsing.
func (e *Event) Segments() []Segment {
	if len(e.Message) == 0 {
		return nil
	}
	trimmed := bytes.TrimSpace(e.Message)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var segs []Segment
		if err := json.Unmarshal(trimmed, &segs); err == nil {
			return segs
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return ParseCQ(s)
	}
	return nil
}

// PlainText returns the joined text content of the event.
func (e *Event) PlainText() string {
	if text := PlainText(e.Segments()); text != "" {
		return text
	}
	return strings.TrimSpace(e.RawMessage)
}

// Mentions reports whether the message @-mentions the given user id.
func (e *Event) Mentions(userID string) bool {
	if userID == "" {
		return false
	}
	for _, s := range e.Segments() {
		if s.Type == SegAt && (s.Str("qq") == userID || s.Str("qq") == "all") {
			return true
		}
	}
	return false
}

// SenderName returns the best display name for the sender: group card,
// then nickname, then the bare user id.
func (e *Event) SenderName() string {
	if e.Sender != nil {
		if e.Sender.Card != "" {
			return e.Sender.Card
		}
		if e.Sender.Nickname != "" {
			return e.Sender.Nickname
		}
	}
	return e.UserID.String()
}
