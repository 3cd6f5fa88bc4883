package exchange

import (
	"context"
	"sync"
	"sync/atomic"
)

// Exchange pairs one request with its response. It is created by the invocation
// layer per call and completed exactly once, by a reply, a fault or a timeout.
type Exchange struct {
	mu       sync.RWMutex
	in       *Message
	out      *Message
	inFault  *Message
	outFault *Message
	props    map[string]any
	owner    any

	oneWay      bool
	synchronous bool

	correlated atomic.Bool
	done       chan struct{}
	doneOnce   sync.Once
	err        error
}

// New returns a synchronous request/response exchange.
func New() *Exchange {
	return &Exchange{
		props:       make(map[string]any),
		synchronous: true,
		done:        make(chan struct{}),
	}
}

// SetOutMessage attaches the outbound message and links it back to the exchange.
func (e *Exchange) SetOutMessage(m *Message) {
	if m != nil {
		m.setExchange(e)
	}
	e.mu.Lock()
	e.out = m
	e.mu.Unlock()
}

// OutMessage returns the outbound message.
func (e *Exchange) OutMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.out
}

// SetOutFaultMessage attaches the outbound fault message.
func (e *Exchange) SetOutFaultMessage(m *Message) {
	if m != nil {
		m.setExchange(e)
	}
	e.mu.Lock()
	e.outFault = m
	e.mu.Unlock()
}

// OutFaultMessage returns the outbound fault message.
func (e *Exchange) OutFaultMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outFault
}

// SetInMessage attaches the inbound message.
func (e *Exchange) SetInMessage(m *Message) {
	if m != nil {
		m.setExchange(e)
	}
	e.mu.Lock()
	e.in = m
	e.mu.Unlock()
}

// InMessage returns the inbound message.
func (e *Exchange) InMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.in
}

// SetInFaultMessage attaches the inbound fault message.
func (e *Exchange) SetInFaultMessage(m *Message) {
	if m != nil {
		m.setExchange(e)
	}
	e.mu.Lock()
	e.inFault = m
	e.mu.Unlock()
}

// InFaultMessage returns the inbound fault message.
func (e *Exchange) InFaultMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inFault
}

func (e *Exchange) SetOneWay(v bool) {
	e.mu.Lock()
	e.oneWay = v
	e.mu.Unlock()
}

func (e *Exchange) IsOneWay() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oneWay
}

func (e *Exchange) SetSynchronous(v bool) {
	e.mu.Lock()
	e.synchronous = v
	e.mu.Unlock()
}

func (e *Exchange) IsSynchronous() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.synchronous
}

// SetOwner records the transport endpoint that owns the exchange.
func (e *Exchange) SetOwner(o any) {
	e.mu.Lock()
	e.owner = o
	e.mu.Unlock()
}

// Owner returns the transport endpoint that owns the exchange.
func (e *Exchange) Owner() any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.owner
}

func (e *Exchange) Put(key string, v any) {
	e.mu.Lock()
	e.props[key] = v
	e.mu.Unlock()
}

func (e *Exchange) Get(key string) any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.props[key]
}

// Complete delivers the reply, marks the exchange correlated and wakes waiters.
// Only the first completion wins; later calls return false.
func (e *Exchange) Complete(reply *Message) bool {
	won := false
	e.doneOnce.Do(func() {
		won = true
		e.SetInMessage(reply)
		e.correlated.Store(true)
		close(e.done)
	})
	return won
}

// Fail completes the exchange with an error.
func (e *Exchange) Fail(err error) bool {
	won := false
	e.doneOnce.Do(func() {
		won = true
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
	return won
}

// Correlated reports whether a reply has been delivered.
func (e *Exchange) Correlated() bool { return e.correlated.Load() }

// Done is closed once the exchange completes or fails.
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Err returns the failure recorded by Fail.
func (e *Exchange) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Wait blocks until the exchange completes or ctx is done.
func (e *Exchange) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
