package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/timekit"
)

// MediaStats counts the media items carried by an inbound unit.
type MediaStats struct {
	Total        int
	Materialized int
	Unresolved   int
}

func (s MediaStats) add(o MediaStats) MediaStats {
	s.Total += o.Total
	s.Materialized += o.Materialized
	s.Unresolved += o.Unresolved
	return s
}

// Fragment is one raw inbound message pushed into a route's window.
type Fragment struct {
	MsgID      string
	SenderName string
	Text       string
	MediaPaths []string // materialized local files
	Stats      MediaStats
}

// Aggregated is a finalized inbound unit: every fragment that landed in
// the same window, joined.
type Aggregated struct {
	Route      string
	Seq        int64
	MsgID      string // last fragment's id
	SenderName string
	Text       string
	MediaPaths []string
	Stats      MediaStats
	Source     string

	// Automation-sourced units may override the agent invocation.
	Thinking   string
	Model      string
	MaxRunTime time.Duration
}

type aggState struct {
	seq   int64
	frags []Fragment
}

// Aggregator coalesces rapid-fire inbound fragments per route. Each push
// takes a fresh sequence; only the invocation holding the latest
// sequence finalizes, so older overlapping invocations become silent
// merges into the newer one.
type Aggregator struct {
	mu     sync.Mutex
	seqs   map[string]int64
	states map[string]*aggState
	window func(route string) time.Duration

	sleep func(ctx context.Context, d time.Duration) bool // test hook
}

// NewAggregator builds an aggregator. window maps a route to its
// coalescing window (private and group chats may differ).
func NewAggregator(window func(route string) time.Duration) *Aggregator {
	return &Aggregator{
		seqs:   make(map[string]int64),
		states: make(map[string]*aggState),
		window: window,
		sleep:  timekit.Sleep,
	}
}

// Push adds frag to the route's open window and returns the sequence
// this invocation must present at Finalize.
func (a *Aggregator) Push(route string, frag Fragment) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	seq := a.seqs[route] + 1
	a.seqs[route] = seq
	st, ok := a.states[route]
	if !ok {
		st = &aggState{}
		a.states[route] = st
	}
	st.seq = seq
	st.frags = append(st.frags, frag)
	return seq
}

// LatestSeq reports the newest sequence observed for route.
func (a *Aggregator) LatestSeq(route string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seqs[route]
}

// Finalize consumes the route's window content if seq is still the
// newest push. A nil return means a newer fragment arrived and this
// invocation's content rides along with that one.
func (a *Aggregator) Finalize(route string, seq int64) *Aggregated {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[route]
	if !ok || st.seq != seq {
		return nil
	}
	delete(a.states, route)

	out := &Aggregated{Route: route, Seq: seq}
	var texts []string
	seen := make(map[string]bool)
	for _, f := range st.frags {
		if t := strings.TrimSpace(f.Text); t != "" {
			texts = append(texts, t)
		}
		for _, p := range f.MediaPaths {
			if !seen[p] {
				seen[p] = true
				out.MediaPaths = append(out.MediaPaths, p)
			}
		}
		out.Stats = out.Stats.add(f.Stats)
		out.MsgID = f.MsgID
		if f.SenderName != "" {
			out.SenderName = f.SenderName
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out
}

// Collect runs the full push → window sleep → finalize cycle for one
// arriving fragment. Nil means this fragment merged into a newer one.
func (a *Aggregator) Collect(ctx context.Context, route string, frag Fragment) *Aggregated {
	seq := a.Push(route, frag)
	if !a.sleep(ctx, a.window(route)) {
		return nil
	}
	return a.Finalize(route, seq)
}
