package outbound

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

func TestPathPolicyResolve(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "sub", "a.png")
	if err := os.MkdirAll(filepath.Dir(inside), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(inside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewPathPolicy(root)
	got, err := p.Resolve(inside)
	if err != nil {
		t.Fatalf("Resolve(inside) = %v", err)
	}
	if filepath.Base(got) != "a.png" {
		t.Errorf("resolved = %q, want real path of a.png", got)
	}

	if _, err := p.Resolve(filepath.Join(root, "missing.png")); !qqerr.HasCode(err, qqerr.CodeFileNotFound) {
		t.Errorf("missing file err = %v, want file_not_found", err)
	}

	outside := filepath.Join(t.TempDir(), "b.png")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Resolve(outside); !qqerr.HasCode(err, qqerr.CodePathOutsideAllowlist) {
		t.Errorf("outside err = %v, want path_outside_allowlist", err)
	}
}

func TestPathPolicySymlinkEscape(t *testing.T) {
	root := t.TempDir()
	secret := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "innocent.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	p := NewPathPolicy(root)
	if _, err := p.Resolve(link); !qqerr.HasCode(err, qqerr.CodePathOutsideAllowlist) {
		t.Errorf("symlink escape err = %v, want path_outside_allowlist", err)
	}
}

func TestPathPolicyMultipleRoots(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	f := filepath.Join(b, "v.wav")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewPathPolicy(a, "", b)
	if _, err := p.Resolve(f); err != nil {
		t.Errorf("Resolve under second root = %v, want nil", err)
	}
}
