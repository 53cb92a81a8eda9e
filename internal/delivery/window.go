package delivery

import (
	"sync"
	"time"
)

// maxTrackedKeys caps each window's map so a runaway key source cannot
// grow memory without bound.
const maxTrackedKeys = 4096

// Window is a TTL set of recently attempted keys. It backs the outbound
// text-dedup check and the media repeat guard. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewWindow returns a Window that remembers keys for ttl.
func NewWindow(ttl time.Duration) *Window {
	return &Window{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Begin marks key as attempted and reports whether this was the first
// attempt inside the window. Suppressed repeats do not refresh the
// deadline, so a key frees itself ttl after its original attempt.
func (w *Window) Begin(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)
	if at, ok := w.entries[key]; ok && now.Sub(at) < w.ttl {
		return false
	}
	w.entries[key] = now
	return true
}

func (w *Window) pruneLocked(now time.Time) {
	if len(w.entries) < maxTrackedKeys {
		return
	}
	for k, at := range w.entries {
		if now.Sub(at) >= w.ttl {
			delete(w.entries, k)
		}
	}
	// Hard eviction if still at cap.
	for len(w.entries) >= maxTrackedKeys {
		for k := range w.entries {
			delete(w.entries, k)
			break
		}
	}
}

// SetClock overrides the time source for tests.
func (w *Window) SetClock(fn func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = fn
}
