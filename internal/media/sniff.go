package media

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"
)

const textHeadSize = 2048

// SniffExt infers a file extension from magic bytes, falling back to
// text-shape detection and finally "" when the payload is opaque.
func SniffExt(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	switch {
	case bytes.HasPrefix(payload, []byte{0xFF, 0xD8, 0xFF}):
		return ".jpg"
	case bytes.HasPrefix(payload, []byte{0x89, 'P', 'N', 'G'}):
		return ".png"
	case bytes.HasPrefix(payload, []byte("GIF8")):
		return ".gif"
	case len(payload) >= 12 && bytes.HasPrefix(payload, []byte("RIFF")) && bytes.Equal(payload[8:12], []byte("WAVE")):
		return ".wav"
	case bytes.HasPrefix(payload, []byte("#!AMR")):
		return ".amr"
	case bytes.HasPrefix(payload, []byte("OggS")):
		return ".ogg"
	case bytes.HasPrefix(payload, []byte("ID3")),
		len(payload) >= 2 && payload[0] == 0xFF && (payload[1] == 0xFB || payload[1] == 0xF3 || payload[1] == 0xF2):
		return ".mp3"
	case len(payload) >= 12 && bytes.Equal(payload[4:8], []byte("ftyp")):
		return ".mp4"
	}
	return sniffTextExt(payload)
}

var (
	csvLineRe = regexp.MustCompile(`^[^,\t\n]+(,[^,\n]*){1,}$`)
	tsvLineRe = regexp.MustCompile(`^[^\t\n]+(\t[^\t\n]*){1,}$`)
	xmlTagRe  = regexp.MustCompile(`^<[A-Za-z][A-Za-z0-9:_-]*[ >]`)
)

// sniffTextExt classifies printable-UTF8 payloads by shape: JSON, YAML
// front-matter, markdown, XML, CSV/TSV, plain text. Binary data yields "".
func sniffTextExt(payload []byte) string {
	head := payload
	if len(head) > textHeadSize {
		head = head[:textHeadSize]
		// A rune may be split at the cut point; peel at most one rune.
		for i := 0; i < utf8.UTFMax-1 && len(head) > 0 && !utf8.Valid(head); i++ {
			head = head[:len(head)-1]
		}
	}
	if !utf8.Valid(head) {
		return ""
	}
	text := string(head)
	for _, r := range text {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return ""
		}
	}

	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "":
		return ""
	case strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "["):
		return ".json"
	case strings.HasPrefix(trimmed, "<?xml") || xmlTagRe.MatchString(trimmed):
		return ".xml"
	case strings.HasPrefix(text, "---\n") || strings.HasPrefix(text, "---\r\n"):
		return ".md"
	case strings.HasPrefix(trimmed, "#") || strings.Contains(trimmed, "```"):
		return ".md"
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) >= 2 {
		if matchesAll(lines, tsvLineRe) {
			return ".tsv"
		}
		if matchesAll(lines, csvLineRe) {
			return ".csv"
		}
	}
	return ".txt"
}

func matchesAll(lines []string, re *regexp.Regexp) bool {
	count := 0
	for _, l := range lines {
		l = strings.TrimRight(l, "\r")
		if l == "" {
			continue
		}
		if !re.MatchString(l) {
			return false
		}
		count++
	}
	return count >= 2
}

// InferExt runs the extension chain: explicit original-name extension, URL
// path extension, buffer sniffing, fallback .bin. Returns the extension and
// its provenance.
func InferExt(originalName, sourceURL string, payload []byte) (string, string) {
	if _, ext := splitExt(originalName); ext != "" {
		return ext, ExtSourceOriginal
	}
	if u := urlPathName(sourceURL); u != "" {
		if _, ext := splitExt(u); ext != "" {
			return ext, ExtSourceURL
		}
	}
	if ext := SniffExt(payload); ext != "" {
		return ext, ExtSourceBuffer
	}
	return ".bin", ExtSourceFallback
}

// urlPathName extracts the last path element of a URL-ish string, stripped
// of query and fragment.
func urlPathName(s string) string {
	if s == "" {
		return ""
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
