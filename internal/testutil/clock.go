// Package testutil provides deterministic time for tests.
package testutil

import (
	"sync"
	"time"
)

// TickingClock is a deterministic time source for tests: every Now()
// call advances the clock by a fixed step, so timestamps are strictly
// increasing and runs produce identical time sequences.
//
// Thread-safety: all methods are safe for concurrent use.
type TickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewTickingClock creates a clock starting at start, advancing one
// second per Now() call.
func NewTickingClock(start time.Time) *TickingClock {
	return &TickingClock{now: start, step: time.Second}
}

// Now advances the clock by one step and returns the new time.
func (c *TickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// Current returns the clock's time without advancing it.
func (c *TickingClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d without returning it.
func (c *TickingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
