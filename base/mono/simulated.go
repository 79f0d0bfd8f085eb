package mono

import (
	"sync"
	"time"
)

// Simulated is a manually advanced clock. It never moves on its own.
type Simulated struct {
	mu  sync.Mutex
	now Time
}

var _ Clock = (*Simulated)(nil)

// NewSimulated returns a simulated clock positioned at start. A zero
// start is bumped to 1 so that Now never returns the unset sentinel.
func NewSimulated(start Time) *Simulated {
	if start == 0 {
		start = 1
	}
	return &Simulated{now: start}
}

func (c *Simulated) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative d is ignored.
func (c *Simulated) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set positions the clock at t if t is not in the past.
func (c *Simulated) Set(t Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}
