package memory

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus backed by the in-memory broker and sets it as the default.
//
// Example:
//
//	bus := memory.Use(memory.Config{Broker: "dev", AssignIDs: true},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
//
// The returned bus is installed as the process-wide default.
func Use(cfg Config, opts ...Option) *xjms.Bus {
	if cfg.Broker == "" {
		cfg.Broker = "default"
	}
	bb := xjms.NewBusBuilder().
		WithProvider(ProviderName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xjms.SetDefault(bus)
	return bus
}

// Option configures the xjms.Bus when calling Use.
type Option func(*xjms.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xjms.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xjms.BusBuilder) { b.WithClock(c) }
}

// WithMiddleware adds dispatch middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xjms.Middleware) Option {
	return func(b *xjms.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xjms.Observer) Option {
	return func(b *xjms.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xjms.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
