// Package onebot speaks the OneBot v11 protocol over a persistent
// WebSocket: JSON event envelopes inbound, echo-matched action
// request/response outbound.
package onebot

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Segment types consumed and produced by this gateway.
const (
	SegText    = "text"
	SegAt      = "at"
	SegImage   = "image"
	SegRecord  = "record"
	SegVideo   = "video"
	SegFile    = "file"
	SegReply   = "reply"
	SegForward = "forward"
	SegJSON    = "json"
	SegFace    = "face"
)

// Segment is one element of an array-format message.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Text builds a plain-text segment.
func Text(s string) Segment {
	return Segment{Type: SegText, Data: map[string]any{"text": s}}
}

// At builds a mention segment. "all" mentions everyone.
func At(userID string) Segment {
	return Segment{Type: SegAt, Data: map[string]any{"qq": userID}}
}

// Image builds an image segment from a file reference (path, URL or
// base64:// body).
func Image(file string) Segment {
	return Segment{Type: SegImage, Data: map[string]any{"file": file}}
}

// Record builds a voice segment.
func Record(file string) Segment {
	return Segment{Type: SegRecord, Data: map[string]any{"file": file}}
}

// Video builds a video segment.
func Video(file string) Segment {
	return Segment{Type: SegVideo, Data: map[string]any{"file": file}}
}

// File builds a file segment with an optional display name.
func File(file, name string) Segment {
	data := map[string]any{"file": file}
	if name != "" {
		data["name"] = name
	}
	return Segment{Type: SegFile, Data: data}
}

// Reply builds a reply-reference segment.
func Reply(messageID string) Segment {
	return Segment{Type: SegReply, Data: map[string]any{"id": messageID}}
}

// Str returns data[key] rendered as a string. Numbers lose no precision:
// integral floats print without a fraction.
func (s Segment) Str(key string) string {
	v, ok := s.Data[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// PlainText joins the text segments of a message, mention-stripped.
func PlainText(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Type == SegText {
			b.WriteString(s.Str("text"))
		}
	}
	return strings.TrimSpace(b.String())
}

// IsMediaSegment reports whether the segment can carry a downloadable
// payload.
func IsMediaSegment(typ string) bool {
	switch typ {
	case SegImage, SegRecord, SegVideo, SegFile:
		return true
	}
	return false
}

var cqEscaper = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")
var cqUnescaper = strings.NewReplacer("&#44;", ",", "&#91;", "[", "&#93;", "]", "&amp;", "&")

// EscapeCQ escapes a value for embedding in a CQ code.
func EscapeCQ(s string) string { return cqEscaper.Replace(s) }

// UnescapeCQ reverses EscapeCQ.
func UnescapeCQ(s string) string { return cqUnescaper.Replace(s) }

// ParseCQ parses the legacy string message form ("hi [CQ:image,file=x]")
// into segments. Best effort: the string form loses structured media fields,
// so array format remains the required wire shape.
func ParseCQ(s string) []Segment {
	var segs []Segment
	for len(s) > 0 {
		start := strings.Index(s, "[CQ:")
		if start < 0 {
			if text := UnescapeCQ(s); text != "" {
				segs = append(segs, Text(text))
			}
			break
		}
		if start > 0 {
			if text := UnescapeCQ(s[:start]); text != "" {
				segs = append(segs, Text(text))
			}
		}
		end := strings.Index(s[start:], "]")
		if end < 0 {
			if text := UnescapeCQ(s[start:]); text != "" {
				segs = append(segs, Text(text))
			}
			break
		}
		body := s[start+len("[CQ:") : start+end]
		s = s[start+end+1:]

		parts := strings.Split(body, ",")
		seg := Segment{Type: parts[0], Data: map[string]any{}}
		for _, kv := range parts[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			seg.Data[k] = UnescapeCQ(v)
		}
		if seg.Type != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}
