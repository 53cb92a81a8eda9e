package policy

import (
	"testing"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/routestate"
)

type fakeState struct {
	meta  map[string]*routestate.Metadata
	usage map[string]routestate.Usage
}

func (f *fakeState) Metadata(route string) (*routestate.Metadata, error) {
	return f.meta[route], nil
}

func (f *fakeState) Usage(route string) (routestate.Usage, error) {
	return f.usage[route], nil
}

func metaWith(caps routestate.Capabilities) *routestate.Metadata {
	return &routestate.Metadata{Capabilities: caps}
}

func intPtr(n int) *int { return &n }

// TestCheckBeforeDispatch checks the sendText gate.
func TestCheckBeforeDispatch(t *testing.T) {
	state := &fakeState{meta: map[string]*routestate.Metadata{
		"user:10001": metaWith(routestate.Capabilities{SendText: true}),
		"group:2000": metaWith(routestate.Capabilities{SendText: false, SendMedia: true}),
	}}
	c := NewChecker(state, "")

	if err := c.Check(StageBeforeDispatch, "user:10001", ""); err != nil {
		t.Errorf("enabled route: %v", err)
	}
	err := c.Check(StageBeforeDispatch, "group:2000", "")
	if !qqerr.HasCode(err, qqerr.CodePolicyBlocked) {
		t.Errorf("disabled route err = %v, want policy_blocked", err)
	}
}

// TestCheckBeforeOutbound checks capability flags per action kind.
func TestCheckBeforeOutbound(t *testing.T) {
	state := &fakeState{meta: map[string]*routestate.Metadata{
		"user:10001": metaWith(routestate.Capabilities{SendText: true, SendMedia: false, SendVoice: true}),
	}}
	c := NewChecker(state, "")

	tests := []struct {
		name   string
		action string
		want   qqerr.Code
	}{
		{"text allowed", ActionText, ""},
		{"media blocked", ActionMedia, qqerr.CodePolicyBlocked},
		{"voice allowed", ActionVoice, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Check(StageBeforeOutbound, "user:10001", tt.action)
			if got := qqerr.CodeOf(err); got != tt.want {
				t.Errorf("Check(%s) code = %q, want %q", tt.action, got, tt.want)
			}
		})
	}
}

// TestCheckQuota checks the non-null limit comparison against usage.
func TestCheckQuota(t *testing.T) {
	state := &fakeState{
		meta: map[string]*routestate.Metadata{
			"user:10001": metaWith(routestate.Capabilities{
				SendText: true, SendMedia: true,
				MaxSendMedia: intPtr(3),
			}),
		},
		usage: map[string]routestate.Usage{
			"user:10001": {SendMediaCount: 3, SendTextCount: 999},
		},
	}
	c := NewChecker(state, "")

	err := c.Check(StageBeforeOutbound, "user:10001", ActionMedia)
	if !qqerr.HasCode(err, qqerr.CodeQuotaExceeded) {
		t.Errorf("media at limit: %v, want quota_exceeded", err)
	}
	// Unlimited text passes regardless of the counter.
	if err := c.Check(StageBeforeOutbound, "user:10001", ActionText); err != nil {
		t.Errorf("unlimited text: %v", err)
	}
}

// TestCheckOwnerBypass checks that the owner's private route skips every
// gate while a non-owner with the same capabilities is blocked.
func TestCheckOwnerBypass(t *testing.T) {
	state := &fakeState{meta: map[string]*routestate.Metadata{
		"user:99999": metaWith(routestate.Capabilities{}),
		"user:11111": metaWith(routestate.Capabilities{}),
	}}
	c := NewChecker(state, "99999")

	if err := c.Check(StageBeforeDispatch, "user:99999", ""); err != nil {
		t.Errorf("owner dispatch: %v", err)
	}
	if err := c.Check(StageBeforeOutbound, "user:99999", ActionVoice); err != nil {
		t.Errorf("owner voice: %v", err)
	}
	if err := c.Check(StageBeforeDispatch, "user:11111", ""); !qqerr.HasCode(err, qqerr.CodePolicyBlocked) {
		t.Errorf("non-owner err = %v, want policy_blocked", err)
	}
}

// TestCheckUnknownRoute checks that a route without metadata passes, since
// nothing restricts it yet.
func TestCheckUnknownRoute(t *testing.T) {
	c := NewChecker(&fakeState{}, "")
	if err := c.Check(StageBeforeDispatch, "user:424242", ""); err != nil {
		t.Errorf("unknown route: %v", err)
	}
}
