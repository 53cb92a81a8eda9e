package media

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
)

type fakeActions struct {
	data   map[string]map[string]any // action → response data
	err    map[string]error
	calls  []string
	getMsg *onebot.Event
	msgErr error
}

func (f *fakeActions) CallMap(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, action)
	if err := f.err[action]; err != nil {
		return nil, err
	}
	if d, ok := f.data[action]; ok {
		return d, nil
	}
	return map[string]any{}, nil
}

func (f *fakeActions) GetMsg(ctx context.Context, messageID string) (*onebot.Event, error) {
	f.calls = append(f.calls, onebot.ActionGetMsg)
	if f.msgErr != nil {
		return nil, f.msgErr
	}
	return f.getMsg, nil
}

func imageSeg(file, url string) onebot.Segment {
	data := map[string]any{"file": file}
	if url != "" {
		data["url"] = url
	}
	return onebot.Segment{Type: onebot.SegImage, Data: data}
}

// TestResolveNapcatFirst checks that probe results are preferred over
// segment fields under the default ordering.
func TestResolveNapcatFirst(t *testing.T) {
	fake := &fakeActions{data: map[string]map[string]any{
		onebot.ActionGetImage: {"file": "/cache/abc.jpg"},
	}}
	r := NewResolver(fake, ResolverOptions{}, nil)

	got := r.Resolve(context.Background(), "user:10001", "m1", []onebot.Segment{
		imageSeg("abc.image", "https://direct/x.jpg"),
	})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	sources := got[0].Sources
	if len(sources) != 2 || sources[0] != "file:///cache/abc.jpg" || sources[1] != "https://direct/x.jpg" {
		t.Errorf("sources = %v", sources)
	}
	if len(fake.calls) != 1 || fake.calls[0] != onebot.ActionGetImage {
		t.Errorf("calls = %v", fake.calls)
	}
}

// TestResolveDirectFirst checks the direct-first ordering.
func TestResolveDirectFirst(t *testing.T) {
	fake := &fakeActions{data: map[string]map[string]any{
		onebot.ActionGetImage: {"url": "https://server/probe.jpg"},
	}}
	r := NewResolver(fake, ResolverOptions{Prefer: PreferDirectFirst}, nil)

	got := r.Resolve(context.Background(), "user:10001", "m1", []onebot.Segment{
		imageSeg("abc.image", "https://direct/x.jpg"),
	})
	sources := got[0].Sources
	if len(sources) != 2 || sources[0] != "https://direct/x.jpg" || sources[1] != "https://server/probe.jpg" {
		t.Errorf("sources = %v", sources)
	}
}

// TestResolveRecordUsesGetRecord checks per-kind action selection.
func TestResolveRecordUsesGetRecord(t *testing.T) {
	fake := &fakeActions{data: map[string]map[string]any{
		onebot.ActionGetRecord: {"file": "/cache/v.amr"},
	}}
	r := NewResolver(fake, ResolverOptions{}, nil)

	got := r.Resolve(context.Background(), "user:10001", "m1", []onebot.Segment{
		{Type: onebot.SegRecord, Data: map[string]any{"file": "REC9"}},
	})
	if len(fake.calls) != 1 || fake.calls[0] != onebot.ActionGetRecord {
		t.Errorf("calls = %v", fake.calls)
	}
	if len(got[0].Sources) != 1 || got[0].Sources[0] != "file:///cache/v.amr" {
		t.Errorf("sources = %v", got[0].Sources)
	}
}

// TestResolveStreamLastResort checks the stream:// candidate when probes
// fail and streaming is enabled.
func TestResolveStreamLastResort(t *testing.T) {
	fake := &fakeActions{err: map[string]error{
		onebot.ActionGetImage: errors.New("not supported"),
	}}
	r := NewResolver(fake, ResolverOptions{UseStream: true}, nil)

	got := r.Resolve(context.Background(), "user:10001", "m1", []onebot.Segment{
		imageSeg("FILEID77", ""),
	})
	sources := got[0].Sources
	if len(sources) != 1 || sources[0] != "stream://FILEID77" {
		t.Errorf("sources = %v", sources)
	}
}

// TestResolveFallbackGetMsg checks that unresolvable refs are re-resolved
// from a reloaded copy of the message.
func TestResolveFallbackGetMsg(t *testing.T) {
	reloaded, _ := json.Marshal([]map[string]any{
		{"type": "image", "data": map[string]any{"file": "abc.image", "url": "https://server/fresh.jpg"}},
	})
	fake := &fakeActions{getMsg: &onebot.Event{Message: reloaded}}
	r := NewResolver(fake, ResolverOptions{FallbackGetMsg: true}, nil)

	got := r.Resolve(context.Background(), "user:10001", "m42", []onebot.Segment{
		imageSeg("abc.image", ""),
	})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	found := false
	for _, s := range got[0].Sources {
		if s == "https://server/fresh.jpg" {
			found = true
		}
	}
	if !found {
		t.Errorf("fallback sources = %v, want fresh url", got[0].Sources)
	}
	sawGetMsg := false
	for _, c := range fake.calls {
		if c == onebot.ActionGetMsg {
			sawGetMsg = true
		}
	}
	if !sawGetMsg {
		t.Errorf("calls = %v, want get_msg", fake.calls)
	}
}

// TestResolveNoFallbackWhenFetchable checks that a resolvable message
// never triggers the reload.
func TestResolveNoFallbackWhenFetchable(t *testing.T) {
	fake := &fakeActions{}
	r := NewResolver(fake, ResolverOptions{FallbackGetMsg: true}, nil)

	r.Resolve(context.Background(), "user:10001", "m1", []onebot.Segment{
		imageSeg("abc.image", "https://direct/x.jpg"),
	})
	for _, c := range fake.calls {
		if c == onebot.ActionGetMsg {
			t.Errorf("unexpected get_msg call: %v", fake.calls)
		}
	}
}

// TestResolveTextOnly checks that non-media messages yield nothing.
func TestResolveTextOnly(t *testing.T) {
	r := NewResolver(&fakeActions{}, ResolverOptions{}, nil)
	got := r.Resolve(context.Background(), "user:10001", "m1", []onebot.Segment{
		onebot.Text("no media here"),
	})
	if got != nil {
		t.Errorf("got = %v, want nil", got)
	}
}
