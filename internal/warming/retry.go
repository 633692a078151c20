package warming

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// RetryPolicy decides whether a failed probe is attempted again.
type RetryPolicy struct {
	IsRetryable func(error) bool
}

// DefaultRetryPolicy fails fast on timeouts, cancellation and refused
// connections and retries everything else.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{IsRetryable: defaultRetryable}
}

func (p RetryPolicy) retryable(err error) bool {
	if err == nil {
		return false
	}
	if p.IsRetryable == nil {
		return defaultRetryable(err)
	}
	return p.IsRetryable(err)
}

func defaultRetryable(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, syscall.ECONNREFUSED):
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return true
}
