package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestAggregatorMergesBurst(t *testing.T) {
	agg := NewAggregator(func(string) time.Duration { return 40 * time.Millisecond })
	ctx := context.Background()

	first := make(chan *Aggregated, 1)
	go func() { first <- agg.Collect(ctx, "group:1", Fragment{MsgID: "1", Text: "A"}) }()
	for i := 0; agg.LatestSeq("group:1") == 0 && i < 200; i++ {
		time.Sleep(time.Millisecond)
	}
	got := agg.Collect(ctx, "group:1", Fragment{MsgID: "2", Text: "B"})

	if got == nil {
		t.Fatal("second collect should finalize the merged window")
	}
	if got.Text != "A\nB" {
		t.Errorf("merged text = %q, want %q", got.Text, "A\nB")
	}
	if got.MsgID != "2" {
		t.Errorf("merged msg id = %q, want last fragment's", got.MsgID)
	}
	if got.Seq != 2 {
		t.Errorf("merged seq = %d, want 2", got.Seq)
	}
	if merged := <-first; merged != nil {
		t.Errorf("first collect should merge into the newer unit, got %+v", merged)
	}
}

func TestAggregatorStaleSeqYieldsNil(t *testing.T) {
	agg := NewAggregator(func(string) time.Duration { return time.Millisecond })
	seq1 := agg.Push("user:9", Fragment{MsgID: "1", Text: "hello"})
	seq2 := agg.Push("user:9", Fragment{MsgID: "2", Text: "world"})

	if got := agg.Finalize("user:9", seq1); got != nil {
		t.Fatalf("stale seq finalized: %+v", got)
	}
	got := agg.Finalize("user:9", seq2)
	if got == nil {
		t.Fatal("latest seq should finalize")
	}
	if got.Text != "hello\nworld" {
		t.Errorf("text = %q", got.Text)
	}
	if again := agg.Finalize("user:9", seq2); again != nil {
		t.Errorf("window should be consumed, got %+v", again)
	}
}

func TestAggregatorDedupesMediaAndSumsStats(t *testing.T) {
	agg := NewAggregator(func(string) time.Duration { return time.Millisecond })
	agg.Push("user:1", Fragment{MsgID: "1", MediaPaths: []string{"/tmp/a.jpg"}, Stats: MediaStats{Total: 1, Materialized: 1}})
	seq := agg.Push("user:1", Fragment{MsgID: "2", MediaPaths: []string{"/tmp/a.jpg", "/tmp/b.jpg"}, Stats: MediaStats{Total: 2, Materialized: 1, Unresolved: 1}})

	got := agg.Finalize("user:1", seq)
	if got == nil {
		t.Fatal("finalize returned nil")
	}
	if len(got.MediaPaths) != 2 {
		t.Errorf("media paths = %v, want deduped pair", got.MediaPaths)
	}
	if got.Stats.Total != 3 || got.Stats.Materialized != 2 || got.Stats.Unresolved != 1 {
		t.Errorf("stats = %+v", got.Stats)
	}
}

func TestAggregatorRouteIsolation(t *testing.T) {
	agg := NewAggregator(func(string) time.Duration { return time.Millisecond })
	s1 := agg.Push("user:1", Fragment{MsgID: "a", Text: "one"})
	s2 := agg.Push("user:2", Fragment{MsgID: "b", Text: "two"})

	if s1 != 1 || s2 != 1 {
		t.Fatalf("routes share a sequence: %d %d", s1, s2)
	}
	u1 := agg.Finalize("user:1", s1)
	u2 := agg.Finalize("user:2", s2)
	if u1 == nil || u2 == nil {
		t.Fatal("both routes should finalize independently")
	}
	if u1.Text != "one" || u2.Text != "two" {
		t.Errorf("cross-route leak: %q %q", u1.Text, u2.Text)
	}
}

func TestAggregatorCollectCanceled(t *testing.T) {
	agg := NewAggregator(func(string) time.Duration { return time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := agg.Collect(ctx, "user:1", Fragment{MsgID: "1", Text: "x"}); got != nil {
		t.Errorf("canceled collect should return nil, got %+v", got)
	}
}
