// Package timekit bounds long-running steps with labeled timeouts.
package timekit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports that a labeled step exceeded its budget.
type TimeoutError struct {
	Label string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %dms", e.Label, e.After.Milliseconds())
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Sleep pauses for d or until ctx is done, reporting whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// WithTimeout runs fn under a deadline. When the deadline expires, onTimeout
// (if non-nil) fires once so the caller can abort the underlying work, and
// the returned error is a *TimeoutError. Parent cancellation is passed
// through untouched.
func WithTimeout[T any](ctx context.Context, d time.Duration, label string, onTimeout func(), fn func(context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	if onTimeout != nil {
		stop := context.AfterFunc(tctx, func() {
			if errors.Is(tctx.Err(), context.DeadlineExceeded) {
				onTimeout()
			}
		})
		defer stop()
	}

	out, err := fn(tctx)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var zero T
		return zero, &TimeoutError{Label: label, After: d}
	}
	return out, err
}
