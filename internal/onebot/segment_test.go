package onebot

import (
	"testing"
)

// TestParseCQ verifies string-form messages decode into segments with
// entities unescaped.
func TestParseCQ(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Segment
	}{
		{
			"plain text",
			"hello world",
			[]Segment{Text("hello world")},
		},
		{
			"mention plus text",
			"[CQ:at,qq=10001] ping",
			[]Segment{At("10001"), Text(" ping")},
		},
		{
			"image with url",
			"look [CQ:image,file=abc.jpg,url=https://img.example/a.jpg]",
			[]Segment{
				Text("look "),
				{Type: SegImage, Data: map[string]any{"file": "abc.jpg", "url": "https://img.example/a.jpg"}},
			},
		},
		{
			"escaped entities",
			"[CQ:text,text=a&#44;b&#91;c&#93;]",
			[]Segment{{Type: SegText, Data: map[string]any{"text": "a,b[c]"}}},
		},
		{
			"unterminated code treated as text",
			"broken [CQ:image,file=x",
			[]Segment{Text("broken "), Text("[CQ:image,file=x")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCQ(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("segments = %d, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Type != tt.want[i].Type {
					t.Errorf("seg %d type = %q, want %q", i, got[i].Type, tt.want[i].Type)
				}
				for k, v := range tt.want[i].Data {
					if got[i].Str(k) != v.(string) {
						t.Errorf("seg %d data[%q] = %q, want %q", i, k, got[i].Str(k), v)
					}
				}
			}
		})
	}
}

// TestEscapeCQRoundTrip verifies escaping survives a round trip.
func TestEscapeCQRoundTrip(t *testing.T) {
	in := "a,b[c]&d"
	if got := UnescapeCQ(EscapeCQ(in)); got != in {
		t.Errorf("round trip = %q, want %q", got, in)
	}
}

// TestSegmentStr verifies value rendering for the types JSON decoding
// produces.
func TestSegmentStr(t *testing.T) {
	seg := Segment{Type: SegImage, Data: map[string]any{
		"file":  "a.jpg",
		"size":  float64(1024),
		"ratio": 1.5,
		"sub":   true,
	}}
	if got := seg.Str("file"); got != "a.jpg" {
		t.Errorf("file = %q", got)
	}
	if got := seg.Str("size"); got != "1024" {
		t.Errorf("size = %q, want integral rendering", got)
	}
	if got := seg.Str("ratio"); got != "1.5" {
		t.Errorf("ratio = %q", got)
	}
	if got := seg.Str("missing"); got != "" {
		t.Errorf("missing = %q", got)
	}
}

// TestPlainText verifies media segments are skipped and text is joined.
func TestPlainText(t *testing.T) {
	segs := []Segment{Text("  hi "), Image("x.png"), Text("there")}
	if got := PlainText(segs); got != "hi there" {
		t.Errorf("PlainText = %q", got)
	}
}
