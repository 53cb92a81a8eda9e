package media

import (
	"testing"

	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
)

// TestCollectRefs checks extraction of media refs from a mixed segment list.
func TestCollectRefs(t *testing.T) {
	segs := []onebot.Segment{
		onebot.Text("look at this"),
		{Type: onebot.SegImage, Data: map[string]any{
			"file": "photo.jpg",
			"url":  "https://gchat.example.cn/pic/1",
		}},
		{Type: onebot.SegRecord, Data: map[string]any{
			"file_id": "REC123",
			"path":    "/data/voice/v1.amr",
		}},
	}
	refs := CollectRefs(segs, 0)
	if len(refs) != 2 {
		t.Fatalf("len(refs) = %d, want 2", len(refs))
	}

	img := refs[0]
	if img.Kind != KindImage || img.Index != 0 {
		t.Errorf("img ref = %+v", img)
	}
	if img.FileID != "photo.jpg" {
		t.Errorf("img.FileID = %q", img.FileID)
	}
	if img.NameHint != "photo.jpg" {
		t.Errorf("img.NameHint = %q", img.NameHint)
	}
	if len(img.Direct) != 1 || img.Direct[0] != "https://gchat.example.cn/pic/1" {
		t.Errorf("img.Direct = %v", img.Direct)
	}

	rec := refs[1]
	if rec.Kind != KindRecord || rec.Index != 1 || rec.FileID != "REC123" {
		t.Errorf("rec ref = %+v", rec)
	}
	if len(rec.Direct) != 1 || rec.Direct[0] != "file:///data/voice/v1.amr" {
		t.Errorf("rec.Direct = %v", rec.Direct)
	}
}

// TestCollectRefsInlineCQ checks that CQ codes leaked into text segments
// are parsed for media.
func TestCollectRefsInlineCQ(t *testing.T) {
	segs := []onebot.Segment{
		onebot.Text("before [CQ:image,file=x.jpg,url=https://h/x.jpg] after"),
	}
	refs := CollectRefs(segs, 0)
	if len(refs) != 1 {
		t.Fatalf("len(refs) = %d, want 1", len(refs))
	}
	if refs[0].Kind != KindImage || len(refs[0].Direct) == 0 {
		t.Errorf("ref = %+v", refs[0])
	}
}

// TestCollectRefsCap checks the per-message ref limit.
func TestCollectRefsCap(t *testing.T) {
	var segs []onebot.Segment
	for i := 0; i < 12; i++ {
		segs = append(segs, onebot.Segment{Type: onebot.SegImage, Data: map[string]any{"file": "x.jpg"}})
	}
	if got := len(CollectRefs(segs, 0)); got != DefaultMaxPerMessage {
		t.Errorf("len = %d, want %d", got, DefaultMaxPerMessage)
	}
	if got := len(CollectRefs(segs, 3)); got != 3 {
		t.Errorf("len = %d, want 3", got)
	}
}

// TestNormalizeCandidate checks scheme handling and path promotion.
func TestNormalizeCandidate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"https", "https://h/a.jpg", "https://h/a.jpg"},
		{"file", "file:///tmp/a.jpg", "file:///tmp/a.jpg"},
		{"base64", "base64://aGVsbG8=", "base64://aGVsbG8="},
		{"data uri", "data:image/png;base64,aGk=", "data:image/png;base64,aGk="},
		{"stream", "stream://ABC", "stream://ABC"},
		{"unix path", "/data/a.jpg", "file:///data/a.jpg"},
		{"windows path", `C:\pics\a.jpg`, `file://C:\pics\a.jpg`},
		{"bare id", "AbCd1234", ""},
		{"empty", "", ""},
		{"spaces", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeCandidate(tt.in); got != tt.want {
				t.Errorf("NormalizeCandidate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestAllUnfetchable checks the fallback trigger condition.
func TestAllUnfetchable(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want bool
	}{
		{"empty", nil, true},
		{"only file", []string{"file:///a", "file:///b"}, true},
		{"has http", []string{"file:///a", "https://h/x"}, false},
		{"has base64", []string{"base64://aGk="}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllUnfetchable(tt.in); got != tt.want {
				t.Errorf("AllUnfetchable(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
