package media

import (
	"strings"

	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
)

// Media kinds, aligned with the segment types that can carry payloads.
const (
	KindImage  = "image"
	KindRecord = "record"
	KindVideo  = "video"
	KindFile   = "file"
)

// DefaultMaxPerMessage caps refs collected from one message.
const DefaultMaxPerMessage = 8

// candidateFields are the segment keys that may hold a fetchable location,
// in preference order.
var candidateFields = []string{"url", "src", "download_url", "file", "path", "file_path", "local_path", "temp_file"}

// Ref is one inbound media reference prior to resolution.
type Ref struct {
	Kind     string
	Index    int    // position within the message's refs
	FileID   string // server-side id used for action probes
	NameHint string
	Direct   []string // normalized candidates taken straight from the segment
}

// CollectRefs extracts media refs from a message's segments, capped at max
// (<=0 means DefaultMaxPerMessage). Inline CQ codes inside text segments are
// also considered.
func CollectRefs(segs []onebot.Segment, max int) []Ref {
	if max <= 0 {
		max = DefaultMaxPerMessage
	}
	var refs []Ref
	for _, seg := range segs {
		if len(refs) >= max {
			break
		}
		if seg.Type == onebot.SegText {
			// The string form sometimes leaks raw CQ codes into text.
			if txt := seg.Str("text"); strings.Contains(txt, "[CQ:") {
				for _, inner := range onebot.ParseCQ(txt) {
					if len(refs) >= max {
						break
					}
					if onebot.IsMediaSegment(inner.Type) {
						refs = append(refs, refFromSegment(inner, len(refs)))
					}
				}
			}
			continue
		}
		if onebot.IsMediaSegment(seg.Type) {
			refs = append(refs, refFromSegment(seg, len(refs)))
		}
	}
	return refs
}

func refFromSegment(seg onebot.Segment, index int) Ref {
	ref := Ref{Kind: seg.Type, Index: index}
	ref.FileID = seg.Str("file_id")
	if ref.FileID == "" {
		ref.FileID = seg.Str("file")
	}
	if name := seg.Str("name"); name != "" {
		ref.NameHint = name
	} else if file := seg.Str("file"); looksLikeName(file) {
		ref.NameHint = file
	}
	for _, key := range candidateFields {
		if c := NormalizeCandidate(seg.Str(key)); c != "" {
			ref.Direct = appendUnique(ref.Direct, c)
		}
	}
	return ref
}

// NormalizeCandidate maps a raw field value to a fetchable source URL, ""
// when the value is only a server-side id.
func NormalizeCandidate(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	lower := strings.ToLower(v)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"),
		strings.HasPrefix(lower, "file://"), strings.HasPrefix(lower, "base64://"),
		strings.HasPrefix(lower, "data:"), strings.HasPrefix(lower, onebot.StreamScheme):
		return v
	case strings.HasPrefix(v, "/"):
		return "file://" + v
	case len(v) > 2 && v[1] == ':' && (v[2] == '\\' || v[2] == '/'):
		// Windows-style absolute path from a co-hosted implementation.
		return "file://" + v
	}
	return ""
}

// looksLikeName reports whether a file field holds a human filename rather
// than a hash-like id or a URL.
func looksLikeName(v string) bool {
	if v == "" || strings.Contains(v, "://") || strings.HasPrefix(v, "/") || strings.HasPrefix(v, "data:") {
		return false
	}
	_, ext := splitExt(v)
	return ext != ""
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// AllUnfetchable reports whether a candidate list is empty or entirely
// file:// (paths that are likely unreadable from this process).
func AllUnfetchable(candidates []string) bool {
	if len(candidates) == 0 {
		return true
	}
	for _, c := range candidates {
		if !strings.HasPrefix(strings.ToLower(c), "file://") {
			return false
		}
	}
	return true
}
