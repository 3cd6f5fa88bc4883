package redisstream

import (
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xlog"
)

// Option configures the xjms.Bus construction when calling Use.
type Option func(*xjms.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xjms.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xjms.BusBuilder) { b.WithClock(c) }
}

// WithMiddleware adds dispatch middlewares.
func WithMiddleware(mw ...xjms.Middleware) Option {
	return func(b *xjms.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xjms.Observer) Option {
	return func(b *xjms.BusBuilder) { b.WithObserver(obs...) }
}
