package media

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
)

const (
	defaultHTTPTimeout = 8 * time.Second
	defaultHTTPRetries = 2
	retryBackoffUnit   = 150 * time.Millisecond

	maxPayloadBytes = 64 * 1024 * 1024
)

// Result describes one materialization attempt.
type Result struct {
	URL              string `json:"url"`
	OutputURL        string `json:"outputUrl,omitempty"`
	Materialized     bool   `json:"materialized"`
	ErrorCode        string `json:"errorCode,omitempty"`
	HTTPStatus       int    `json:"httpStatus,omitempty"`
	RetryCount       int    `json:"retryCount,omitempty"`
	OriginalFilename string `json:"originalFilename,omitempty"`
	FinalFilename    string `json:"finalFilename,omitempty"`
	NameSource       string `json:"nameSource,omitempty"`
	ExtSource        string `json:"extSource,omitempty"`
	Kind             string `json:"kind,omitempty"`
}

// StreamFetch pulls a stream:// ref; wired to onebot.Client.DownloadStream.
type StreamFetch func(ctx context.Context, ref string) ([]byte, string, error)

// MaterializerOptions tune fetching.
type MaterializerOptions struct {
	HTTPTimeout time.Duration
	HTTPRetries int
	Stream      StreamFetch
}

// Materializer fetches resolved sources and writes them to disk under the
// route's in/files directory.
type Materializer struct {
	httpClient *http.Client
	retries    int
	stream     StreamFetch
	now        func() time.Time
}

// NewMaterializer builds a materializer with per-request timeout and retry
// policy.
func NewMaterializer(opts MaterializerOptions) *Materializer {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	retries := opts.HTTPRetries
	if retries < 0 {
		retries = defaultHTTPRetries
	}
	return &Materializer{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		stream:     opts.Stream,
		now:        time.Now,
	}
}

// SetClock overrides the time source (tests).
func (m *Materializer) SetClock(now func() time.Time) { m.now = now }

// MaterializeAll fetches each resolved ref's first workable source and
// writes the payload into dir. Payloads already seen in this batch are
// skipped with duplicate_payload. One Result is returned per ref.
func (m *Materializer) MaterializeAll(ctx context.Context, dir string, resolved []Resolved) []Result {
	results := make([]Result, 0, len(resolved))
	seen := map[string]string{} // payload sha1 → final filename
	for _, res := range resolved {
		results = append(results, m.materializeOne(ctx, dir, res, seen))
	}
	return results
}

func (m *Materializer) materializeOne(ctx context.Context, dir string, res Resolved, seen map[string]string) Result {
	out := Result{Kind: res.Ref.Kind, OriginalFilename: res.Ref.NameHint}
	if len(res.Sources) == 0 {
		out.ErrorCode = string(qqerr.CodeMaterializeEmptyPayload)
		return out
	}

	var lastErr fetchResult
	for _, src := range res.Sources {
		attempt := m.fetch(ctx, src)
		if attempt.errorCode != "" {
			lastErr = attempt
			continue
		}

		sum := sha1.Sum(attempt.payload)
		digest := hex.EncodeToString(sum[:])
		if prior, dup := seen[digest]; dup {
			out.URL = src
			out.ErrorCode = string(qqerr.CodeDuplicatePayload)
			out.FinalFilename = prior
			out.RetryCount = attempt.retryCount
			return out
		}

		name, nameSource := pickName(res.Ref.NameHint, src, attempt.downloadName)
		base, _ := splitExt(name)
		ext, extSource := InferExt(res.Ref.NameHint, src, attempt.payload)
		if base = SanitizeFilename(base); base == "" {
			base = fallbackBaseName
		}
		final := BuildFilename(m.now().UnixMilli(), res.Ref.Index, base+ext)

		if err := os.MkdirAll(dir, 0o755); err != nil {
			out.URL = src
			out.ErrorCode = string(qqerr.CodeUnknown)
			return out
		}
		path := filepath.Join(dir, final)
		if err := os.WriteFile(path, attempt.payload, 0o644); err != nil {
			out.URL = src
			out.ErrorCode = string(qqerr.CodeUnknown)
			return out
		}

		seen[digest] = final
		out.URL = src
		out.OutputURL = path
		out.Materialized = true
		out.FinalFilename = final
		out.NameSource = nameSource
		out.ExtSource = extSource
		out.HTTPStatus = attempt.httpStatus
		out.RetryCount = attempt.retryCount
		return out
	}

	out.URL = lastErr.url
	out.ErrorCode = lastErr.errorCode
	out.HTTPStatus = lastErr.httpStatus
	out.RetryCount = lastErr.retryCount
	if out.ErrorCode == "" {
		out.ErrorCode = string(qqerr.CodeUnsupportedSource)
	}
	return out
}

type fetchResult struct {
	url          string
	payload      []byte
	downloadName string
	errorCode    string
	httpStatus   int
	retryCount   int
}

func (m *Materializer) fetch(ctx context.Context, src string) fetchResult {
	out := fetchResult{url: src}
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "file://"):
		m.fetchFile(src[len("file://"):], &out)
	case strings.HasPrefix(lower, "base64://"):
		m.fetchBase64(src[len("base64://"):], &out)
	case strings.HasPrefix(lower, "data:"):
		m.fetchDataURI(src, &out)
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		m.fetchHTTP(ctx, src, &out)
	case strings.HasPrefix(lower, "stream://"):
		m.fetchStream(ctx, src, &out)
	default:
		out.errorCode = string(qqerr.CodeUnsupportedSource)
	}
	if out.errorCode == "" && len(out.payload) == 0 {
		out.errorCode = string(qqerr.CodeMaterializeEmptyPayload)
	}
	return out
}

func (m *Materializer) fetchFile(path string, out *fetchResult) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			out.errorCode = string(qqerr.CodeFileNotFound)
		} else {
			out.errorCode = string(qqerr.CodeContainerLocalUnreadable)
		}
		return
	}
	out.payload = data
	out.downloadName = filepath.Base(path)
}

func (m *Materializer) fetchBase64(body string, out *fetchResult) {
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(body)
	}
	if err != nil {
		out.errorCode = string(qqerr.CodeUnsupportedSource)
		return
	}
	out.payload = data
}

func (m *Materializer) fetchDataURI(uri string, out *fetchResult) {
	_, rest, ok := strings.Cut(uri, ",")
	if !ok {
		out.errorCode = string(qqerr.CodeUnsupportedSource)
		return
	}
	m.fetchBase64(rest, out)
}

// fetchHTTP downloads with bounded retries and linear backoff.
func (m *Materializer) fetchHTTP(ctx context.Context, src string, out *fetchResult) {
	var lastStatus int
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			out.retryCount = attempt
			select {
			case <-ctx.Done():
				out.errorCode = string(qqerr.CodeMaterializeHTTPFailed)
				return
			case <-time.After(time.Duration(attempt) * retryBackoffUnit):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			out.errorCode = string(qqerr.CodeMaterializeHTTPFailed)
			return
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			lastStatus = 0
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
		resp.Body.Close()
		lastStatus = resp.StatusCode
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			continue
		}
		if len(body) == 0 {
			out.httpStatus = resp.StatusCode
			out.errorCode = string(qqerr.CodeMaterializeEmptyPayload)
			return
		}
		out.payload = body
		out.httpStatus = resp.StatusCode
		out.downloadName = dispositionName(resp.Header.Get("Content-Disposition"))
		return
	}
	out.httpStatus = lastStatus
	out.errorCode = string(qqerr.CodeMaterializeHTTPFailed)
}

func (m *Materializer) fetchStream(ctx context.Context, src string, out *fetchResult) {
	if m.stream == nil {
		out.errorCode = string(qqerr.CodeUnsupportedSource)
		return
	}
	payload, name, err := m.stream(ctx, src)
	if err != nil {
		out.errorCode = string(qqerr.CodeResolveActionFailed)
		return
	}
	out.payload = payload
	out.downloadName = name
}

// pickName chooses the base filename and records provenance: explicit hint,
// then URL basename, then a server-provided download name, then fallback.
func pickName(hint, src, downloadName string) (string, string) {
	if hint != "" {
		return hint, NameSourceHint
	}
	if lower := strings.ToLower(src); strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if n := urlPathName(src); n != "" && looksLikeName(n) {
			return n, NameSourceURL
		}
	}
	if downloadName != "" {
		return downloadName, NameSourceDownload
	}
	return fallbackBaseName, NameSourceFallback
}

func dispositionName(header string) string {
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "filename="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}
