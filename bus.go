package xjms

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*Bus)(nil)

// Bus is the Facade shared by conduits and destinations: it owns the broker
// connection factory, the dispatch middleware, lifecycle observers and the
// registry of components to shut down on Close.
type Bus struct {
	factory      ConnectionFactory
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	lifecycleMu sync.Mutex
	lifecycle   []Lifecycle

	metrics   *busMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

// busMetrics uses lock-free atomics for telemetry.
type busMetrics struct {
	sent     atomic.Uint64
	received atomic.Uint64
	replies  atomic.Uint64
	timeouts atomic.Uint64
	errors   atomic.Uint64
}

// ConnectionFactory returns the broker connection factory.
func (b *Bus) ConnectionFactory() ConnectionFactory { return b.factory }

// Logger returns the bus logger.
func (b *Bus) Logger() *xlog.Logger { return b.logger }

// Clock returns the bus clock.
func (b *Bus) Clock() xclock.Clock { return b.clock }

// Middlewares returns a copy of the configured dispatch middleware.
func (b *Bus) Middlewares() []Middleware {
	out := make([]Middleware, len(b.middlewares))
	copy(out, b.middlewares)
	return out
}

// Wrap composes h with panic recovery and the configured middleware.
func (b *Bus) Wrap(h Handler) Handler {
	// Always enable panic recovery first so a faulty observer cannot kill a listener.
	return Chain(RecoveryMiddleware()(h), b.middlewares...)
}

// Register adds a component to shut down on Close.
func (b *Bus) Register(l Lifecycle) error {
	if l == nil {
		return nil
	}
	if b.closed.Load() {
		return ErrBusClosed
	}
	b.lifecycleMu.Lock()
	b.lifecycle = append(b.lifecycle, l)
	b.lifecycleMu.Unlock()
	return nil
}

// Unregister removes a component; components call it from their own Close.
func (b *Bus) Unregister(l Lifecycle) {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	for i, x := range b.lifecycle {
		if x == l {
			b.lifecycle = append(b.lifecycle[:i], b.lifecycle[i+1:]...)
			return
		}
	}
}

// Registered returns the number of live registered components.
func (b *Bus) Registered() int {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	return len(b.lifecycle)
}

// Notify records e in the bus metrics and dispatches it to observers asynchronously.
func (b *Bus) Notify(e Event) {
	switch e.Type {
	case EventSend:
		b.metrics.sent.Add(1)
	case EventReceive:
		b.metrics.received.Add(1)
	case EventReply:
		b.metrics.replies.Add(1)
	case EventTimeout:
		b.metrics.timeouts.Add(1)
	case EventError:
		b.metrics.errors.Add(1)
	}

	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	n := len(b.observers)
	if n == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, n)
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Sent:       b.metrics.sent.Load(),
		Received:   b.metrics.received.Load(),
		Replies:    b.metrics.replies.Load(),
		Timeouts:   b.metrics.timeouts.Load(),
		Errors:     b.metrics.errors.Load(),
		Registered: b.Registered(),
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports bus health for health checks.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "bus is closed"}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if more than 5% of sends time out or fail.
	if metrics.Sent > 0 {
		failed := metrics.Timeouts + metrics.Errors
		if float64(failed)/float64(metrics.Sent) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{Status: status, Metrics: metrics, Timestamp: now}
}

// Close shuts down every registered component in reverse registration order,
// closes the connection factory when it is an io.Closer,
// then drains the observer pool. Idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var errs []error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.lifecycleMu.Lock()
		components := make([]Lifecycle, len(b.lifecycle))
		copy(components, b.lifecycle)
		b.lifecycle = nil
		b.lifecycleMu.Unlock()

		for i := len(components) - 1; i >= 0; i-- {
			if err := components[i].Shutdown(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("xjms: component shutdown failed")
				errs = append(errs, err)
			}
		}

		// providers holding network clients release them last
		if c, ok := b.factory.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		if b.observerPool != nil {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := b.observerPool.Close(pctx); err != nil {
				b.logger.Warn().Err(err).Msg("xjms: observer pool shutdown timeout")
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool { return b.closed.Load() }
