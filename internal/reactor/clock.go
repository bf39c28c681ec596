package reactor

import (
	"sync/atomic"
	"time"
)

// Clock supplies monotonic reactor time as an offset from an arbitrary epoch.
type Clock interface {
	Monotonic() time.Duration
}

// SystemClock measures time since it was created using the runtime's
// monotonic clock reading.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a SystemClock whose epoch is now.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Monotonic returns the time elapsed since the clock was created.
func (c *SystemClock) Monotonic() time.Duration {
	return time.Since(c.start)
}

// ManualClock only moves when Set is called. Used to drive a Reactor
// deterministically in tests.
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock creates a ManualClock reading start.
func NewManualClock(start time.Duration) *ManualClock {
	c := &ManualClock{}
	c.now.Store(int64(start))
	return c
}

// Monotonic returns the current manual time.
func (c *ManualClock) Monotonic() time.Duration {
	return time.Duration(c.now.Load())
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Duration) {
	c.now.Store(int64(t))
}
