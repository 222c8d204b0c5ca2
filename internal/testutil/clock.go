package testutil

import (
	"sync"
	"time"
)

// DefaultStart is the first timestamp a SteppingClock returns unless told
// otherwise.
var DefaultStart = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// SteppingClock is a deterministic clock for frame timestamps.
//
// The first call to Now returns the start time; each later call returns the
// previous value plus the step. Tests can therefore predict exactly which
// timestamp each transaction frame receives.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SteppingClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	calls int64
}

// NewSteppingClock creates a clock starting at DefaultStart with a one
// second step.
func NewSteppingClock() *SteppingClock {
	return NewSteppingClockAt(DefaultStart, time.Second)
}

// NewSteppingClockAt creates a clock with an explicit start and step.
func NewSteppingClockAt(start time.Time, step time.Duration) *SteppingClock {
	return &SteppingClock{start: start.UTC(), step: step}
}

// Now returns the next timestamp.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.calls) * c.step)
	c.calls++
	return t
}

// Calls returns how many timestamps have been handed out.
func (c *SteppingClock) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// At returns the timestamp the nth call (zero-based) returns or returned.
func (c *SteppingClock) At(n int64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start.Add(time.Duration(n) * c.step)
}

// Reset rewinds the clock so the next call returns the start time again.
func (c *SteppingClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}
