// Package throttle bounds concurrently suspended invocations by stopping and
// restarting the listener that feeds them.
package throttle

import (
	"sync"
	"sync/atomic"
)

// Listener is the gated inbound listener. Start and Stop are only called on a
// state change.
type Listener interface {
	Start()
	Stop()
}

// Counter counts suspended invocations. Reaching High stops the listener;
// falling back to Low restarts it.
type Counter struct {
	low, high int64
	listener  Listener

	count atomic.Int64

	// mu orders the state transitions; the counter itself stays lock-free.
	mu      sync.Mutex
	running bool
}

// New returns a Counter gating l. A high mark <= 0 disables throttling.
func New(low, high int, l Listener) *Counter {
	if low > high {
		low = high
	}
	return &Counter{low: int64(low), high: int64(high), listener: l, running: true}
}

// Increment records one more suspended invocation.
func (c *Counter) Increment() int64 {
	n := c.count.Add(1)
	if c.high > 0 && n >= c.high {
		c.transition(false)
	}
	return n
}

// Decrement records one suspended invocation finished.
func (c *Counter) Decrement() int64 {
	n := c.count.Add(-1)
	if c.high > 0 && n <= c.low {
		c.transition(true)
	}
	return n
}

func (c *Counter) transition(run bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// re-check under the lock: a racing update may have crossed back
	n := c.count.Load()
	if run && (c.running || n > c.low) {
		return
	}
	if !run && (!c.running || n < c.high) {
		return
	}
	c.running = run
	if c.listener == nil {
		return
	}
	if run {
		c.listener.Start()
	} else {
		c.listener.Stop()
	}
}

// Running reports whether the gated listener is currently admitted.
func (c *Counter) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Count returns the number of suspended invocations.
func (c *Counter) Count() int64 { return c.count.Load() }

func (c *Counter) Low() int  { return int(c.low) }
func (c *Counter) High() int { return int(c.high) }
