package xjms

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	providerName string
	providerCfg  map[string]any
	factory      ConnectionFactory

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		poolWorkers: 2,
		poolBuffer:  1024,
	}
}

// WithProvider selects a registered broker provider by name.
func (bb *BusBuilder) WithProvider(name string, cfg map[string]any) *BusBuilder {
	bb.providerName = name
	bb.providerCfg = cfg
	return bb
}

// WithConnectionFactory accepts a ready ConnectionFactory.
func (bb *BusBuilder) WithConnectionFactory(f ConnectionFactory) *BusBuilder {
	bb.factory = f
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithObserverPool sizes the async observer dispatch pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var (
		factory ConnectionFactory
		err     error
	)
	switch {
	case bb.factory != nil:
		factory = bb.factory
	case bb.providerName != "":
		factory, err = NewConnectionFactory(bb.providerName, bb.providerCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoProviderConfigured
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Bus{
		factory:      factory,
		clock:        clk,
		logger:       lg,
		middlewares:  bb.middlewares,
		observerPool: NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer),
		metrics:      &busMetrics{},
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
