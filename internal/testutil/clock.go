package testutil

import (
	"sync"
	"time"
)

// ManualClock hands out deadline timers that only fire when the test says so.
// Its After method has the signature of time.After and plugs into
// adapter.WithAfter.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu      sync.Mutex
	pending []chan time.Time
	armed   int
}

// NewManualClock creates a clock with no armed timers.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// After returns a channel that receives once Fire is called.
func (c *ManualClock) After(time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.pending = append(c.pending, ch)
	c.armed++
	return ch
}

// Fire expires every timer armed so far.
func (c *ManualClock) Fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.pending {
		ch <- time.Time{}
	}
	c.pending = nil
}

// Armed returns how many timers have been created.
func (c *ManualClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Expired is an After that has always already fired: every deadline is hit
// the moment it is armed.
func Expired(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// Never is an After whose deadlines never fire.
func Never(time.Duration) <-chan time.Time {
	return nil
}
