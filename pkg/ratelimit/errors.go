package ratelimit

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Schedule once a Limiter has been closed.
var ErrClosed = errors.New("ratelimit: limiter is closed")

// RateLimitTimeoutError is the distinguishable kind surfaced when a
// waiter's queue wait exceeds its Quota's MaxDelay. Callers should match on
// kind via errors.As, not on Error()'s text.
type RateLimitTimeoutError struct {
	Message string
}

func (e *RateLimitTimeoutError) Error() string {
	if e.Message == "" {
		return "ratelimit: timed out waiting for admission"
	}
	return e.Message
}

func newTimeoutError(waitedMillis int64) error {
	return &RateLimitTimeoutError{
		Message: fmt.Sprintf("ratelimit: queue wait of %dms exceeded maxDelay", waitedMillis),
	}
}

// UnsupportedClientError is returned by NewDistributedQuotaManager when the
// supplied Redis client cannot yield an independent subscriber connection.
type UnsupportedClientError struct {
	Reason string
}

func (e *UnsupportedClientError) Error() string {
	return "ratelimit: unsupported redis client: " + e.Reason
}
