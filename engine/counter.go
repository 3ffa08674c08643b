package engine

import (
	"sync"
	"sync/atomic"
)

// Counter counts detections whose write-back fully succeeded. It only goes
// up, except for an explicit operator Reset.
type Counter struct {
	total atomic.Uint64

	mu       sync.Mutex
	perClass map[int]uint64
	last     int
}

// NewCounter creates a zeroed counter.
func NewCounter() *Counter {
	return &Counter{perClass: make(map[int]uint64)}
}

// Inc records one written-back detection of classID and returns the new total.
func (c *Counter) Inc(classID int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perClass[classID]++
	c.last = classID
	return c.total.Add(1)
}

// Total returns the number of written-back detections.
func (c *Counter) Total() uint64 {
	return c.total.Load()
}

// Counts returns a copy of the per-class tally.
func (c *Counter) Counts() map[int]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]uint64, len(c.perClass))
	for k, v := range c.perClass {
		out[k] = v
	}
	return out
}

// LastClass returns the class of the last written-back detection, or 0.
func (c *Counter) LastClass() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Reset zeroes the counter.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perClass = make(map[int]uint64)
	c.last = 0
	c.total.Store(0)
}
