package relay

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/outbound"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

func newTestRelay(t *testing.T, root string) *Server {
	t.Helper()
	s, err := New(Options{
		Host:   "127.0.0.1",
		Port:   18791,
		Secret: "test-secret",
		Paths:  outbound.NewPathPolicy(root),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// tokenPath extracts the request path from a signed URL.
func tokenPath(t *testing.T, signed string) string {
	t.Helper()
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("signed url %q: %v", signed, err)
	}
	return u.Path
}

func TestSignAndServeRoundTrip(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "photo.png")
	if err := os.WriteFile(file, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	relay := newTestRelay(t, root)

	signed, err := relay.Sign(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(signed, "http://127.0.0.1:18791/r/") {
		t.Fatalf("signed url = %q", signed)
	}

	srv := httptest.NewServer(relay.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + tokenPath(t, signed))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "png-bytes" {
		t.Fatalf("body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/png") {
		t.Fatalf("content type = %q", ct)
	}
}

func TestSignRejectsOutsideAllowlist(t *testing.T) {
	relay := newTestRelay(t, t.TempDir())
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := relay.Sign(outside)
	if qqerr.CodeOf(err) != qqerr.CodePathOutsideAllowlist {
		t.Fatalf("err = %v", err)
	}
}

func TestServeRejectsTamperedToken(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	relay := newTestRelay(t, root)
	signed, err := relay.Sign(file)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(relay.Handler())
	defer srv.Close()

	path := tokenPath(t, signed)
	// Flip the last signature character.
	last := path[len(path)-1]
	flip := byte('0')
	if last == '0' {
		flip = '1'
	}
	resp, err := http.Get(srv.URL + path[:len(path)-1] + string(flip))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestServeExpiredLink(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	relay := newTestRelay(t, root)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	relay.SetClock(func() time.Time { return base })

	signed, err := relay.Sign(file)
	if err != nil {
		t.Fatal(err)
	}

	relay.SetClock(func() time.Time { return base.Add(301 * time.Second) })
	srv := httptest.NewServer(relay.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + tokenPath(t, signed))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want 410", resp.StatusCode)
	}
}

func TestServeRejectsForeignSecret(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	signer := newTestRelay(t, root)
	signed, err := signer.Sign(file)
	if err != nil {
		t.Fatal(err)
	}

	other, err := New(Options{
		Host:   "127.0.0.1",
		Port:   18791,
		Secret: "different-secret",
		Paths:  outbound.NewPathPolicy(root),
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(other.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + tokenPath(t, signed))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestServeMissingFileAfterSigning(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "gone.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	relay := newTestRelay(t, root)
	signed, err := relay.Sign(file)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(relay.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + tokenPath(t, signed))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Options{Host: "127.0.0.1", Port: 1, Paths: outbound.NewPathPolicy(t.TempDir())})
	if err == nil {
		t.Fatal("relay accepted an empty secret")
	}
}
