package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InFlight describes the dispatch currently running on a route.
type InFlight struct {
	DispatchID string
	MsgID      string
	StartedAt  time.Time
	HasMedia   bool

	cancel context.CancelFunc
}

// Abort cancels the run's context, if it is still cancelable.
func (f *InFlight) Abort() {
	if f != nil && f.cancel != nil {
		f.cancel()
	}
}

// Pending is an inbound unit parked behind a running dispatch. A route
// holds at most one; a newer arrival replaces it.
type Pending struct {
	Seq     int64
	Inbound *Aggregated
}

// Runtime tracks per-route dispatch state: the active run, its
// dispatch id, the single pending slot, recent timeout marks, and
// file-task locks. All methods are safe for concurrent use.
type Runtime struct {
	mu          sync.Mutex
	counters    map[string]int64
	active      map[string]*InFlight
	pending     map[string]*Pending
	lastTimeout map[string]time.Time
	fileLocks   map[string]time.Time

	now func() time.Time
}

func NewRuntime() *Runtime {
	return &Runtime{
		counters:    make(map[string]int64),
		active:      make(map[string]*InFlight),
		pending:     make(map[string]*Pending),
		lastTimeout: make(map[string]time.Time),
		fileLocks:   make(map[string]time.Time),
		now:         time.Now,
	}
}

// SetClock replaces the time source for tests.
func (r *Runtime) SetClock(now func() time.Time) { r.now = now }

// Begin allocates the route's next dispatch id, installs the new run as
// active, and returns the run it displaced (nil when the route was
// idle). The caller decides whether to abort the previous run.
func (r *Runtime) Begin(route, msgID string, hasMedia bool, cancel context.CancelFunc) (*InFlight, *InFlight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.counters[route] + 1
	r.counters[route] = n
	run := &InFlight{
		DispatchID: fmt.Sprintf("%s:%d:%d", route, n, r.now().UnixMilli()),
		MsgID:      msgID,
		StartedAt:  r.now(),
		HasMedia:   hasMedia,
		cancel:     cancel,
	}
	prev := r.active[route]
	r.active[route] = run
	return run, prev
}

// Active returns the route's current run, or nil.
func (r *Runtime) Active(route string) *InFlight {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[route]
}

// Clear removes the active slot only when dispatchID still owns it.
// A false return means a newer dispatch took over mid-run and the
// caller must not touch route state.
func (r *Runtime) Clear(route, dispatchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.active[route]
	if cur == nil || cur.DispatchID != dispatchID {
		return false
	}
	delete(r.active, route)
	return true
}

// Owns reports whether dispatchID is still the route's active run.
func (r *Runtime) Owns(route, dispatchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.active[route]
	return cur != nil && cur.DispatchID == dispatchID
}

// SetPending parks in as the route's pending unit, returning the unit
// it replaced so the caller can trace the supersede.
func (r *Runtime) SetPending(route string, seq int64, in *Aggregated) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.pending[route]
	r.pending[route] = &Pending{Seq: seq, Inbound: in}
	return old
}

// TakePending removes and returns the route's pending unit when its
// sequence is at or below uptoSeq. Newer pendings stay parked for the
// dispatch that owns them.
func (r *Runtime) TakePending(route string, uptoSeq int64) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[route]
	if p == nil || p.Seq > uptoSeq {
		return nil
	}
	delete(r.pending, route)
	return p
}

// NoteTimeout records that a dispatch on route just timed out.
func (r *Runtime) NoteTimeout(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTimeout[route] = r.now()
}

// RecentTimeout reports whether route saw a timeout within window.
func (r *Runtime) RecentTimeout(route string, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastTimeout[route]
	return ok && r.now().Sub(t) < window
}

// LockFileTask marks route as running a file-bound task until the
// given hold elapses.
func (r *Runtime) LockFileTask(route string, hold time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fileLocks[route] = r.now().Add(hold)
}

// FileTaskLocked reports whether route still holds a file-task lock.
func (r *Runtime) FileTaskLocked(route string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.fileLocks[route]
	if !ok {
		return false
	}
	if !r.now().Before(until) {
		delete(r.fileLocks, route)
		return false
	}
	return true
}
