// Package outbound shapes agent replies into protocol-ready text chunks and
// classified media items, and sends media through transport candidates.
package outbound

import (
	"path"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/qqclaw/internal/media"
)

// DefaultMaxMessageLength bounds one outbound text chunk.
const DefaultMaxMessageLength = 4000

// Split-send emits one chunk per line when the reply has this many
// non-empty lines.
const (
	splitSendMinLines = 2
	splitSendMaxLines = 12
)

// Payload is the reply shape produced by the agent runtime.
type Payload struct {
	Text      string
	MediaURL  string
	MediaURLs []string
	Files     []string
}

// Item is one classified outbound media source.
type Item struct {
	Source string
	Kind   string
}

// Options tune one normalization pass.
type Options struct {
	StripMarkdown    bool // anti-risk mode: markdown markers removed, links broken
	SplitSend        bool // caller requested line-by-line delivery
	MaxMessageLength int  // 0 means DefaultMaxMessageLength
}

// Normalized is the protocol-ready result.
type Normalized struct {
	Chunks []string
	Media  []Item
}

// Normalize runs the outbound text pipeline: inline MEDIA: markers are
// extracted, markdown optionally stripped, internal hosts redacted, and the
// remainder chunked.
func Normalize(p Payload, opts Options) Normalized {
	max := opts.MaxMessageLength
	if max <= 0 {
		max = DefaultMaxMessageLength
	}

	text, markers := ExtractMediaMarkers(p.Text)
	if opts.StripMarkdown {
		text = StripMarkdown(text)
	}
	text = RedactHosts(text)
	text = strings.TrimSpace(text)

	var out Normalized
	if text != "" {
		if lines, ok := splitSendLines(text, opts.SplitSend); ok {
			for _, line := range lines {
				out.Chunks = append(out.Chunks, ChunkText(line, max)...)
			}
		} else {
			out.Chunks = ChunkText(text, max)
		}
	}

	for _, src := range collectSources(p, markers) {
		out.Media = append(out.Media, Item{Source: src, Kind: ClassifyKind(src)})
	}
	return out
}

var mediaMarkerRe = regexp.MustCompile(`^\s*MEDIA:\s*(.+)$`)

// ExtractMediaMarkers pulls `MEDIA: <source>` lines out of text and returns
// the cleaned text plus the sources in order.
func ExtractMediaMarkers(text string) (string, []string) {
	if !strings.Contains(text, "MEDIA:") {
		return text, nil
	}
	var kept []string
	var markers []string
	for _, line := range strings.Split(text, "\n") {
		if m := mediaMarkerRe.FindStringSubmatch(line); m != nil {
			markers = append(markers, strings.TrimSpace(m[1]))
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), markers
}

var (
	headingRe = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	schemeRe  = regexp.MustCompile(`(?i)(https?://)(\S)`)
)

// StripMarkdown removes the markers QQ renders literally and breaks URL
// auto-linking by inserting a space after the scheme.
func StripMarkdown(text string) string {
	text = headingRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "*", "")
	text = strings.ReplaceAll(text, "`", "")
	text = schemeRe.ReplaceAllString(text, "$1 $2")
	return text
}

var internalHostRe = regexp.MustCompile(
	`(?i)\b(?:host\.docker\.internal|localhost|(?:\d{1,3}\.){3}\d{1,3})(?::\d+)?\b|\[::1\](?::\d+)?|::1\b`)

// RedactHosts masks container-internal and loopback addresses before text
// leaves the process.
func RedactHosts(text string) string {
	if !strings.ContainsAny(text, ".:[") {
		return text
	}
	return internalHostRe.ReplaceAllString(text, "***")
}

// ChunkText splits text into chunks of at most max runes, preferring line
// and then space boundaries.
func ChunkText(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}
		cut := max
		window := runes[:max]
		if i := lastIndexRune(window, '\n'); i > 0 {
			cut = i
		} else if i := lastIndexRune(window, ' '); i > 0 {
			cut = i
		}
		chunk := strings.TrimSpace(string(runes[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	return chunks
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// splitSendLines returns per-line chunks when the caller asked for
// split-send and the text has a line count worth splitting.
func splitSendLines(text string, requested bool) ([]string, bool) {
	if !requested {
		return nil, false
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			lines = append(lines, t)
		}
	}
	if len(lines) < splitSendMinLines || len(lines) > splitSendMaxLines {
		return nil, false
	}
	return lines, true
}

func collectSources(p Payload, markers []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(src string) {
		src = strings.TrimSpace(src)
		if src == "" || seen[src] {
			return
		}
		seen[src] = true
		out = append(out, src)
	}
	if p.MediaURL != "" {
		add(p.MediaURL)
	}
	for _, u := range p.MediaURLs {
		add(u)
	}
	for _, f := range p.Files {
		add(f)
	}
	for _, m := range markers {
		add(m)
	}
	return out
}

var kindByExt = map[string]string{
	".jpg": media.KindImage, ".jpeg": media.KindImage, ".png": media.KindImage,
	".gif": media.KindImage, ".webp": media.KindImage, ".bmp": media.KindImage,
	".amr": media.KindRecord, ".wav": media.KindRecord, ".mp3": media.KindRecord,
	".ogg": media.KindRecord, ".silk": media.KindRecord, ".m4a": media.KindRecord,
	".flac": media.KindRecord,
	".mp4": media.KindVideo, ".avi": media.KindVideo, ".mkv": media.KindVideo,
	".mov": media.KindVideo, ".webm": media.KindVideo,
}

// ClassifyKind maps a source to a segment kind by extension; unknown
// extensions send as generic files.
func ClassifyKind(src string) string {
	s := src
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	ext := strings.ToLower(path.Ext(s))
	if k, ok := kindByExt[ext]; ok {
		return k
	}
	return media.KindFile
}
