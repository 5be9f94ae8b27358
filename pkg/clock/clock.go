// Package clock provides a monotonic millisecond time source that can be
// swapped for a deterministic fake in tests.
package clock

import "time"

// Clock returns monotonic milliseconds since some fixed, process-local
// epoch. Implementations must never move backward, even if the wall clock
// does.
type Clock interface {
	NowMillis() int64
}

// SystemClock is backed by the runtime's monotonic clock reading.
type SystemClock struct {
	epoch time.Time
}

// NewSystemClock returns a Clock anchored to the current instant. All
// subsequent NowMillis calls report elapsed monotonic time since then.
func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

func (c *SystemClock) NowMillis() int64 {
	return time.Since(c.epoch).Milliseconds()
}

// Default is shared by callers that don't need an isolated epoch.
var Default Clock = NewSystemClock()
