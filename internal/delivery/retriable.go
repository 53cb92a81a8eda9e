package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/timekit"
)

// retriableFragments are transport-failure signatures worth a deferred
// redelivery once the socket settles.
var retriableFragments = []string{
	"websocket is not open",
	"websocket: close",
	"request timeout",
	"connection reset",
	"econnreset",
	"socket hang up",
	"broken pipe",
	"temporarily unavailable",
	"timed out",
}

// IsRetriable reports whether err looks like a transient transport
// failure. Coded drops (policy, dedup, dispatch supersession) are never
// retriable; only transport_unavailable is.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if c := qqerr.CodeOf(err); c != qqerr.CodeUnknown {
		return c == qqerr.CodeTransportUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) || timekit.IsTimeout(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retriableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
