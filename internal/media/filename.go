// Package media resolves inbound media references through protocol actions
// and materializes them into per-route files, and prepares outbound media
// for sending.
package media

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Name and extension provenance recorded per materialized file.
const (
	NameSourceHint     = "hint"
	NameSourceURL      = "url"
	NameSourceDownload = "download"
	NameSourceFallback = "fallback"

	ExtSourceOriginal = "original"
	ExtSourceURL      = "url"
	ExtSourceBuffer   = "buffer"
	ExtSourceFallback = "fallback"
)

const fallbackBaseName = "media"

// SanitizeFilename normalizes a name for safe storage: NFKC form, basename
// only, control characters and <>:"/\|?* replaced with underscores.
func SanitizeFilename(name string) string {
	name = norm.NFKC.String(name)
	// Take the basename under both separator conventions.
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// BuildFilename renders the on-disk name `<ts>-<index>-<sanitized>` with the
// extension already attached to name.
func BuildFilename(tsMillis int64, index int, name string) string {
	return fmt.Sprintf("%d-%d-%s", tsMillis, index, name)
}

// splitExt returns base and extension (with dot) of a name; extensions
// longer than 8 runes are treated as absent, which filters ids that merely
// contain a dot.
func splitExt(name string) (string, string) {
	ext := filepath.Ext(name)
	if ext == "" || len(ext) > 9 || strings.ContainsAny(ext, " \t") {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), strings.ToLower(ext)
}
