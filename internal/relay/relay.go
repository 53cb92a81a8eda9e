// Package relay serves whitelisted local files over short-lived signed
// URLs. The bot backend often runs in a container that cannot read the
// gateway's filesystem; handing it an HTTP URL it can fetch is the
// portable way to deliver local media.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/outbound"
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

const defaultTTL = 300 * time.Second

// Options configures one relay server.
type Options struct {
	Host     string // bind and advertised host
	Port     int
	BasePath string        // URL prefix, default /r
	Secret   string        // HMAC key, required
	TTL      time.Duration // link lifetime, default 300s

	Paths *outbound.PathPolicy
}

// Server signs and serves relay URLs. It implements the media sender's
// RelaySigner contract.
type Server struct {
	opts Options
	srv  *http.Server
	now  func() time.Time
}

// payload is the signed claim embedded in a relay token.
type payload struct {
	P string `json:"p"` // canonical absolute path
	E int64  `json:"e"` // unix expiry
}

// New builds a relay server. The secret must be set; an unsigned relay
// would hand out arbitrary files to anyone who can reach the port.
func New(opts Options) (*Server, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("relay: secret not configured")
	}
	if opts.Paths == nil {
		return nil, fmt.Errorf("relay: path policy not configured")
	}
	if opts.BasePath == "" {
		opts.BasePath = "/r"
	}
	opts.BasePath = "/" + strings.Trim(opts.BasePath, "/")
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Server{opts: opts, now: time.Now}, nil
}

// SetClock overrides time for tests.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// Sign returns a fetchable URL for a local file. The path is canonicalized
// and checked against the allowlist before anything is signed.
func (s *Server) Sign(path string) (string, error) {
	real, err := s.opts.Paths.Resolve(path)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload{P: real, E: s.now().Add(s.opts.TTL).Unix()})
	if err != nil {
		return "", fmt.Errorf("relay: encode claim: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw) + "." + s.sign(raw)
	return fmt.Sprintf("http://%s:%d%s/%s", s.opts.Host, s.opts.Port, s.opts.BasePath, token), nil
}

// Handler serves GET <basePath>/<token>.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.BasePath+"/", s.serveToken)
	return mux
}

// Start binds the listener and serves until ctx is done. Bind errors are
// returned synchronously; serve errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.Handler()}
	slog.Info("relay: serving", "addr", ln.Addr().String(), "path", s.opts.BasePath)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("relay: serve", "error", err)
		}
	}()
	return nil
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, s.opts.BasePath+"/")
	claim, ok := s.verify(token)
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.now().Unix() > claim.E {
		http.Error(w, "link expired", http.StatusGone)
		return
	}
	// Re-check the allowlist at serve time; the policy may have narrowed
	// since the link was signed.
	real, err := s.opts.Paths.Resolve(claim.P)
	if err != nil {
		if qqerr.CodeOf(err) == qqerr.CodeFileNotFound {
			http.NotFound(w, r)
		} else {
			http.Error(w, "forbidden", http.StatusForbidden)
		}
		return
	}
	http.ServeFile(w, r, real)
}

// verify decodes a token and checks its signature.
func (s *Server) verify(token string) (payload, bool) {
	var claim payload
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return claim, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return claim, false
	}
	if !hmac.Equal([]byte(s.sign(raw)), []byte(sig)) {
		return claim, false
	}
	if err := json.Unmarshal(raw, &claim); err != nil {
		return claim, false
	}
	return claim, true
}

func (s *Server) sign(raw []byte) string {
	mac := hmac.New(sha256.New, []byte(s.opts.Secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
