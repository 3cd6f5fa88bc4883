package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSuspended signals that the invocation stopped on this goroutine and will be
// resumed later. It is control flow, not a failure.
var ErrSuspended = errors.New("exchange: invocation suspended")

// IsSuspended reports whether err carries the suspension signal.
func IsSuspended(err error) bool { return errors.Is(err, ErrSuspended) }

// MessageObserver hands an inbound message to the invocation pipeline.
type MessageObserver interface {
	OnMessage(ctx context.Context, m *Message) error
}

// ObserverFunc adapts a function to MessageObserver.
type ObserverFunc func(ctx context.Context, m *Message) error

func (f ObserverFunc) OnMessage(ctx context.Context, m *Message) error { return f(ctx, m) }

// Fault is an application-level fault. Faults are answered to the caller and do not
// trigger transactional rollback.
type Fault struct {
	Code   string
	Reason string
	Cause  error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("fault %s: %s: %v", f.Code, f.Reason, f.Cause)
	}
	return fmt.Sprintf("fault %s: %s", f.Code, f.Reason)
}

func (f *Fault) Unwrap() error { return f.Cause }

// IsFault reports whether err is or wraps a *Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// Continuation lets an invocation release its goroutine and resume later.
type Continuation interface {
	// Suspend marks the continuation pending and returns ErrSuspended, which the
	// caller must propagate. It returns nil when the continuation was already resumed.
	Suspend(timeout time.Duration) error
	Resume()
	Reset()
	IsNew() bool
	IsPending() bool
	IsResumed() bool
	IsTimeout() bool
}

// ContinuationProvider is attached to an inbound message under KeyContinuationProvider.
type ContinuationProvider interface {
	Continuation() Continuation
	Complete()
}

// ContinuationOf returns the continuation attached to m, if any.
func ContinuationOf(m *Message) (Continuation, bool) {
	p, ok := m.Get(KeyContinuationProvider).(ContinuationProvider)
	if !ok || p == nil {
		return nil, false
	}
	return p.Continuation(), true
}
