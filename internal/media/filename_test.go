package media

import "testing"

// TestSanitizeFilename checks Unicode normalization, basename stripping and
// reserved-character replacement.
func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "photo.jpg", "photo.jpg"},
		{"traversal", "../../etc/passwd", "passwd"},
		{"windows path", `C:\Users\x\report.pdf`, "report.pdf"},
		{"reserved chars", `a<b>c:d.txt`, "a_b_c_d.txt"},
		{"control chars", "a\x01b.png", "a_b.png"},
		{"nfkc ligature", "\ufb01le.txt", "file.txt"},
		{"pipe and star", "a|b*c.md", "a_b_c.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.in); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestBuildFilename checks the <ts>-<index>-<name> layout.
func TestBuildFilename(t *testing.T) {
	got := BuildFilename(1700000000000, 2, "photo.jpg")
	if got != "1700000000000-2-photo.jpg" {
		t.Errorf("BuildFilename = %q", got)
	}
}

// TestSplitExt checks extension extraction and the long-suffix filter that
// keeps dot-bearing server ids from being treated as extensions.
func TestSplitExt(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantBase string
		wantExt  string
	}{
		{"simple", "photo.jpg", "photo", ".jpg"},
		{"double", "archive.tar.gz", "archive.tar", ".gz"},
		{"uppercase", "PHOTO.JPG", "PHOTO", ".jpg"},
		{"no ext", "noext", "noext", ""},
		{"long suffix is id", "AB12.really-long-id-part", "AB12.really-long-id-part", ""},
		{"spaced suffix", "note.t xt", "note.t xt", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, ext := splitExt(tt.in)
			if base != tt.wantBase || ext != tt.wantExt {
				t.Errorf("splitExt(%q) = (%q, %q), want (%q, %q)", tt.in, base, ext, tt.wantBase, tt.wantExt)
			}
		})
	}
}
