package outbound

import (
	"reflect"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/qqclaw/internal/media"
)

func TestNormalizeExtractsMediaMarkers(t *testing.T) {
	p := Payload{Text: "here you go\nMEDIA: /tmp/a.png\nMEDIA: https://x.test/b.mp3\nthanks"}
	n := Normalize(p, Options{})

	if got := strings.Join(n.Chunks, "|"); got != "here you go\nthanks" {
		t.Errorf("chunks = %q, want marker lines removed", got)
	}
	want := []Item{
		{Source: "/tmp/a.png", Kind: media.KindImage},
		{Source: "https://x.test/b.mp3", Kind: media.KindRecord},
	}
	if !reflect.DeepEqual(n.Media, want) {
		t.Errorf("media = %+v, want %+v", n.Media, want)
	}
}

func TestNormalizeMergesSourcesInOrder(t *testing.T) {
	p := Payload{
		MediaURL:  "https://x.test/one.jpg",
		MediaURLs: []string{"https://x.test/two.mp4", "https://x.test/one.jpg"},
		Files:     []string{"/data/three.bin"},
	}
	n := Normalize(p, Options{})

	var got []string
	for _, m := range n.Media {
		got = append(got, m.Source)
	}
	want := []string{"https://x.test/one.jpg", "https://x.test/two.mp4", "/data/three.bin"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sources = %v, want deduped order %v", got, want)
	}
	if n.Media[2].Kind != media.KindFile {
		t.Errorf("kind of .bin = %s, want file", n.Media[2].Kind)
	}
}

func TestStripMarkdownBreaksAutoLinks(t *testing.T) {
	in := "## Title\n**bold** and *em* with `code` at https://example.com/x"
	out := StripMarkdown(in)

	for _, marker := range []string{"**", "*", "`", "## "} {
		if strings.Contains(out, marker) {
			t.Errorf("output still contains %q: %q", marker, out)
		}
	}
	if !strings.Contains(out, "https:// example.com/x") {
		t.Errorf("scheme not broken: %q", out)
	}
}

func TestRedactHosts(t *testing.T) {
	cases := []struct{ in, want string }{
		{"see http://host.docker.internal:8080/x", "see http://***/x"},
		{"ping 192.168.1.7 then stop", "ping *** then stop"},
		{"at localhost:3000 now", "at *** now"},
		{"no hosts here", "no hosts here"},
		{"version 1.2.3 unchanged", "version 1.2.3 unchanged"},
	}
	for _, tc := range cases {
		if got := RedactHosts(tc.in); got != tc.want {
			t.Errorf("RedactHosts(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestSanitizeFixedPoint checks that the text transforms are idempotent:
// running them over already-sanitized text changes nothing.
func TestSanitizeFixedPoint(t *testing.T) {
	inputs := []string{
		"**bold** and `code` at https://x.test/path",
		"visit http://host.docker.internal:8080/a and 127.0.0.1",
		"plain line\nwith # heading\nand *stars*",
	}
	for _, in := range inputs {
		once := RedactHosts(StripMarkdown(in))
		twice := RedactHosts(StripMarkdown(once))
		if once != twice {
			t.Errorf("sanitize not a fixed point:\nonce  = %q\ntwice = %q", once, twice)
		}
	}
}

func TestChunkTextPrefersLineBreaks(t *testing.T) {
	text := "first line\nsecond line\nthird line"
	chunks := ChunkText(text, 24)

	if len(chunks) != 2 {
		t.Fatalf("chunks = %q, want 2", chunks)
	}
	if chunks[0] != "first line\nsecond line" || chunks[1] != "third line" {
		t.Errorf("chunks = %q, want split at the last newline inside the window", chunks)
	}
}

func TestChunkTextCountsRunes(t *testing.T) {
	text := strings.Repeat("汉", 10)
	chunks := ChunkText(text, 4)

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks[:2] {
		if n := len([]rune(c)); n != 4 {
			t.Errorf("chunk %d runes = %d, want 4", i, n)
		}
	}
}

func TestNormalizeSplitSendPerLine(t *testing.T) {
	p := Payload{Text: "one\n\ntwo\nthree"}
	n := Normalize(p, Options{SplitSend: true})
	want := []string{"one", "two", "three"}
	if !reflect.DeepEqual(n.Chunks, want) {
		t.Errorf("chunks = %v, want per-line %v", n.Chunks, want)
	}

	// A single line is not worth splitting.
	n = Normalize(Payload{Text: "just one line"}, Options{SplitSend: true})
	if len(n.Chunks) != 1 {
		t.Errorf("single line chunks = %v, want 1", n.Chunks)
	}

	// Too many lines fall back to plain chunking.
	long := strings.TrimSpace(strings.Repeat("row\n", 13))
	n = Normalize(Payload{Text: long}, Options{SplitSend: true})
	if len(n.Chunks) != 1 {
		t.Errorf("13-line chunks = %d, want 1 merged chunk", len(n.Chunks))
	}
}

func TestClassifyKind(t *testing.T) {
	cases := []struct{ src, want string }{
		{"https://x.test/a.PNG", media.KindImage},
		{"https://x.test/a.jpg?sig=zzz", media.KindImage},
		{"/tmp/note.silk", media.KindRecord},
		{"/tmp/clip.webm", media.KindVideo},
		{"/tmp/report.pdf", media.KindFile},
		{"no-extension", media.KindFile},
	}
	for _, tc := range cases {
		if got := ClassifyKind(tc.src); got != tc.want {
			t.Errorf("ClassifyKind(%q) = %s, want %s", tc.src, got, tc.want)
		}
	}
}
