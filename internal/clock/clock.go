// Package clock supplies the engine's notion of time, swappable for tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time to every scheduling decision in the engine.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time { return time.Now() }

// Virtual is an in-memory clock implementation used in deterministic tests.
type Virtual struct {
	mu      sync.Mutex
	current time.Time
}

// NewVirtual initialises a clock starting at the provided timestamp.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{current: start}
}

// Now returns the current simulated time.
func (c *Virtual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by the specified duration.
func (c *Virtual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// AdvanceTo moves the clock to the supplied timestamp if it is in the future.
func (c *Virtual) AdvanceTo(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.current) {
		c.current = ts
	}
	c.mu.Unlock()
}
