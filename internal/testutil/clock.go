// Package testutil holds shared test fixtures.
package testutil

import (
	"sync"
	"time"
)

// Clock is a controllable wall clock for tests. Its Now method satisfies the
// clock func the fetchers, runner and debug report schedulers take, so a test
// can pin registration time and move it forward across rate limit windows.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock pinned at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current pinned time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
