// Package policy gates dispatch and outbound sends on per-route
// capabilities and quotas.
package policy

import (
	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/routestate"
)

// Check stages.
const (
	StageBeforeDispatch = "beforeDispatch"
	StageBeforeOutbound = "beforeOutbound"
)

// Outbound action kinds.
const (
	ActionText  = "text"
	ActionMedia = "media"
	ActionVoice = "voice"
)

// RouteState is the slice of routestate the checker reads.
type RouteState interface {
	Metadata(route string) (*routestate.Metadata, error)
	Usage(route string) (routestate.Usage, error)
}

// Checker evaluates capability and quota policy for a route.
type Checker struct {
	state       RouteState
	ownerUserID string
}

func NewChecker(state RouteState, ownerUserID string) *Checker {
	return &Checker{state: state, ownerUserID: ownerUserID}
}

// Check runs the conversation policy hook. Stage beforeDispatch requires
// the text capability; beforeOutbound enforces the capability and quota of
// the given action. The owner's private route always passes.
func (c *Checker) Check(stage, route, action string) error {
	if c.ownerUserID != "" && route == "user:"+c.ownerUserID {
		return nil
	}
	meta, err := c.state.Metadata(route)
	if err != nil {
		return qqerr.Wrap(qqerr.CodePolicyBlocked, "policy: "+stage, err)
	}
	if meta == nil {
		// Route never seen; nothing restricts it yet.
		return nil
	}
	caps := meta.Capabilities

	switch stage {
	case StageBeforeDispatch:
		if !caps.SendText {
			return qqerr.New(qqerr.CodePolicyBlocked, "policy: route cannot receive replies (sendText off)")
		}
		return nil
	case StageBeforeOutbound:
		enabled, limit, kind := actionCapability(caps, action)
		if !enabled {
			return qqerr.New(qqerr.CodePolicyBlocked, "policy: capability "+action+" disabled for route")
		}
		if limit == nil {
			return nil
		}
		usage, err := c.state.Usage(route)
		if err != nil {
			return qqerr.Wrap(qqerr.CodePolicyBlocked, "policy: usage "+route, err)
		}
		if used := usageCount(usage, kind); used >= *limit {
			return qqerr.New(qqerr.CodeQuotaExceeded, "policy: "+action+" quota exhausted for route")
		}
		return nil
	}
	return qqerr.New(qqerr.CodePolicyBlocked, "policy: unknown stage "+stage)
}

func actionCapability(caps routestate.Capabilities, action string) (bool, *int, string) {
	switch action {
	case ActionMedia:
		return caps.SendMedia, caps.MaxSendMedia, routestate.CountMedia
	case ActionVoice:
		return caps.SendVoice, caps.MaxSendVoice, routestate.CountVoice
	default:
		return caps.SendText, caps.MaxSendText, routestate.CountText
	}
}

func usageCount(u routestate.Usage, kind string) int {
	switch kind {
	case routestate.CountMedia:
		return u.SendMediaCount
	case routestate.CountVoice:
		return u.SendVoiceCount
	default:
		return u.SendTextCount
	}
}
