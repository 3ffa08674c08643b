package engine

import (
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	c := NewCounter()
	if c.Total() != 0 || c.LastClass() != 0 {
		t.Fatalf("new counter: total=%d last=%d", c.Total(), c.LastClass())
	}

	if got := c.Inc(3); got != 1 {
		t.Errorf("Inc = %d, want 1", got)
	}
	c.Inc(3)
	if got := c.Inc(7); got != 3 {
		t.Errorf("Inc = %d, want 3", got)
	}

	counts := c.Counts()
	if counts[3] != 2 || counts[7] != 1 {
		t.Errorf("Counts = %v", counts)
	}
	if c.LastClass() != 7 {
		t.Errorf("LastClass = %d, want 7", c.LastClass())
	}

	// Counts is a copy.
	counts[3] = 100
	if c.Counts()[3] != 2 {
		t.Error("Counts should return a copy")
	}

	c.Reset()
	if c.Total() != 0 || len(c.Counts()) != 0 || c.LastClass() != 0 {
		t.Errorf("after Reset: total=%d counts=%v last=%d", c.Total(), c.Counts(), c.LastClass())
	}
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewCounter()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Inc(i%4 + 1)
		}(i)
	}
	wg.Wait()

	if c.Total() != 50 {
		t.Errorf("Total = %d, want 50", c.Total())
	}
	var sum uint64
	for _, n := range c.Counts() {
		sum += n
	}
	if sum != 50 {
		t.Errorf("per-class sum = %d, want 50", sum)
	}
}
