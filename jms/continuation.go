package jms

import (
	"sync"
	"time"

	"github.com/trickstertwo/xjms/exchange"
	"github.com/trickstertwo/xjms/throttle"
)

type continuationState int

const (
	stateNew continuationState = iota
	statePending
	stateResumed
)

// continuation suspends one inbound invocation. Suspending counts against the
// destination's throttle; resuming re-dispatches the message.
type continuation struct {
	counter  *throttle.Counter
	resume   func()
	onChange func(suspended bool)

	mu      sync.Mutex
	state   continuationState
	timeout bool
	timer   *time.Timer
	counted bool
}

var _ exchange.Continuation = (*continuation)(nil)

func (c *continuation) Suspend(timeout time.Duration) error {
	c.mu.Lock()
	switch c.state {
	case stateResumed:
		// resumed before this goroutine got to suspend: keep going
		c.state = stateNew
		c.mu.Unlock()
		return nil
	case statePending:
		c.mu.Unlock()
		return exchange.ErrSuspended
	}
	c.state = statePending
	c.timeout = false
	c.counted = true
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, c.expire)
	}
	c.mu.Unlock()

	if c.counter != nil {
		c.counter.Increment()
	}
	if c.onChange != nil {
		c.onChange(true)
	}
	return exchange.ErrSuspended
}

func (c *continuation) expire() {
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		return
	}
	c.timeout = true
	c.mu.Unlock()
	c.Resume()
}

func (c *continuation) Resume() {
	c.mu.Lock()
	switch c.state {
	case stateNew:
		c.state = stateResumed
		c.mu.Unlock()
		return
	case stateResumed:
		c.mu.Unlock()
		return
	}
	c.state = stateResumed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	release := c.counted
	c.counted = false
	c.mu.Unlock()

	if release {
		c.release()
	}
	if c.resume != nil {
		c.resume()
	}
}

func (c *continuation) release() {
	if c.counter != nil {
		c.counter.Decrement()
	}
	if c.onChange != nil {
		c.onChange(false)
	}
}

func (c *continuation) Reset() {
	c.mu.Lock()
	c.state = stateNew
	c.timeout = false
	c.mu.Unlock()
}

func (c *continuation) IsNew() bool { return c.is(stateNew) }

func (c *continuation) IsPending() bool { return c.is(statePending) }

func (c *continuation) IsResumed() bool { return c.is(stateResumed) }

func (c *continuation) IsTimeout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *continuation) is(s continuationState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == s
}

// complete abandons a still-pending continuation, releasing its throttle slot.
func (c *continuation) complete() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	release := c.counted
	c.counted = false
	c.state = stateNew
	c.mu.Unlock()
	if release {
		c.release()
	}
}

type continuationProvider struct {
	c *continuation
}

func (p *continuationProvider) Continuation() exchange.Continuation { return p.c }

func (p *continuationProvider) Complete() { p.c.complete() }
