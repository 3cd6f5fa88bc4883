package jms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/exchange"
	"github.com/trickstertwo/xjms/pool"
	"github.com/trickstertwo/xjms/throttle"
	"github.com/trickstertwo/xlog"
	"golang.org/x/time/rate"
)

var _ xjms.Lifecycle = (*Destination)(nil)

// Destination consumes requests from the target destination, dispatches them
// to the message observer and sends replies through per-request back-channels.
type Destination struct {
	bus     *xjms.Bus
	cfg     Config
	logger  *xlog.Logger
	factory *pool.SessionFactory
	txm     TransactionManager

	observerMu sync.RWMutex
	observer   exchange.MessageObserver

	gate    *containerGate
	counter *throttle.Counter

	mu        sync.Mutex
	active    bool
	closed    bool
	container *ListenerContainer
	baseCtx   context.Context
	stopSup   context.CancelFunc
	supDone   chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error

	received   atomic.Uint64
	dispatched atomic.Uint64
	failed     atomic.Uint64
	replies    atomic.Uint64
	reconnects atomic.Uint64
}

// DestinationOption customizes a Destination.
type DestinationOption func(*Destination)

// WithTransactionManager enlists an external transaction in every transacted delivery.
func WithTransactionManager(tm TransactionManager) DestinationOption {
	return func(d *Destination) { d.txm = tm }
}

// NewDestination validates cfg and registers the destination on bus. Call
// Activate to start consuming.
func NewDestination(bus *xjms.Bus, cfg Config, opts ...DestinationOption) (*Destination, error) {
	if bus == nil {
		return nil, xjms.ErrNoProviderConfigured
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cf, err := connectionFactory(bus, &cfg)
	if err != nil {
		return nil, err
	}

	d := &Destination{
		bus:     bus,
		cfg:     cfg,
		logger:  bus.Logger(),
		baseCtx: context.Background(),
	}
	for _, o := range opts {
		o(d)
	}
	// replies go out on producer holders; the reply pool is never warmed
	replies := cfg.ReplyPool
	replies.Low = 0
	d.factory, err = pool.NewSessionFactory(cf, pool.FactoryConfig{
		ClientID: cfg.ClientID,
		Sessions: cfg.SessionPool,
		Replies:  replies,
	}, d.logger, bus.Clock())
	if err != nil {
		return nil, fmt.Errorf("jms: destination session factory: %w", err)
	}

	d.gate = &containerGate{bus: bus, logger: d.logger, target: cfg.Target().String()}
	low, high := ThrottleLimits(cfg.MaxSuspendedContinuations, cfg.ReconnectPercentOfMax)
	d.counter = throttle.New(low, high, d.gate)

	if err := bus.Register(d); err != nil {
		_ = d.factory.Shutdown(context.Background())
		return nil, err
	}
	return d, nil
}

// SetMessageObserver installs the observer every inbound request is dispatched to.
func (d *Destination) SetMessageObserver(o exchange.MessageObserver) {
	d.observerMu.Lock()
	d.observer = o
	d.observerMu.Unlock()
}

func (d *Destination) messageObserver() exchange.MessageObserver {
	d.observerMu.RLock()
	defer d.observerMu.RUnlock()
	return d.observer
}

// Throttle returns the counter of suspended invocations gating the listener.
func (d *Destination) Throttle() *throttle.Counter { return d.counter }

// Activate opens the connection and starts the listener. A listener that later
// fails is re-created every RetryInterval, up to MaxReconnectAttempts.
func (d *Destination) Activate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDestinationClosed
	}
	if d.active {
		return nil
	}
	d.baseCtx = context.WithoutCancel(ctx)
	if err := d.startLocked(ctx); err != nil {
		return err
	}
	d.active = true

	supCtx, cancel := context.WithCancel(d.baseCtx)
	d.stopSup, d.supDone = cancel, make(chan struct{})
	go d.supervise(supCtx, d.container, d.supDone)

	d.logger.Info().Str("destination", d.cfg.Target().String()).Str("consumers", strconv.Itoa(d.cfg.ConcurrentConsumers)).Msg("jms: destination activated")
	return nil
}

func (d *Destination) startLocked(ctx context.Context) error {
	conn, err := d.factory.Open(ctx)
	if err != nil {
		return fmt.Errorf("jms: activate %s: %w", d.cfg.Target(), err)
	}
	cc := ContainerConfig{
		Destination:        d.cfg.Target(),
		Selector:           d.cfg.MessageSelector,
		NoLocal:            d.cfg.PubSubNoLocal,
		Transacted:         d.cfg.SessionTransacted,
		Consumers:          d.cfg.ConcurrentConsumers,
		MaxConcurrentTasks: d.cfg.MaxConcurrentTasks,
		Transactions:       d.txm,
	}
	if d.cfg.PubSubDomain {
		cc.DurableName = d.cfg.DurableSubscriptionName
	}
	lc := NewListenerContainer(conn, cc, d.OnMessage, d.logger)
	if err := lc.Init(ctx); err != nil {
		return fmt.Errorf("jms: activate %s: %w", d.cfg.Target(), err)
	}
	d.container = lc
	d.gate.attach(lc)
	return nil
}

// supervise re-creates the listener after a receive failure.
func (d *Destination) supervise(ctx context.Context, lc *ListenerContainer, done chan struct{}) {
	defer close(done)
	limiter := rate.NewLimiter(rate.Every(d.cfg.RetryInterval), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-lc.Err():
			d.logger.Error().Err(err).Str("destination", d.cfg.Target().String()).Msg("jms: listener failed; reconnecting")
			d.bus.Notify(xjms.Event{Type: xjms.EventError, Destination: d.cfg.Target().String(), Err: err})
		}

		d.gate.attach(nil)
		_ = lc.Shutdown(ctx)
		d.factory.ResetConnection()

		next, ok := d.reconnect(ctx, limiter)
		if !ok {
			return
		}
		lc = next
	}
}

func (d *Destination) reconnect(ctx context.Context, limiter *rate.Limiter) (*ListenerContainer, bool) {
	for attempt := 1; ; attempt++ {
		if limit := d.cfg.MaxReconnectAttempts; limit > 0 && attempt > limit {
			d.logger.Error().Str("attempts", strconv.Itoa(limit)).Str("destination", d.cfg.Target().String()).Msg("jms: giving up reconnecting")
			d.mu.Lock()
			d.active = false
			d.container = nil
			d.mu.Unlock()
			return nil, false
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, false
		}
		d.reconnects.Add(1)

		d.mu.Lock()
		if ctx.Err() != nil {
			d.mu.Unlock()
			return nil, false
		}
		err := d.startLocked(ctx)
		lc := d.container
		d.mu.Unlock()
		if err == nil {
			d.logger.Info().Str("attempt", strconv.Itoa(attempt)).Str("destination", d.cfg.Target().String()).Msg("jms: listener reconnected")
			return lc, true
		}
		d.logger.Warn().Err(err).Str("attempt", strconv.Itoa(attempt)).Msg("jms: reconnect failed")
		d.factory.ResetConnection()
	}
}

// Deactivate stops and disposes the listener. The destination may be
// activated again.
func (d *Destination) Deactivate(ctx context.Context) error {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return nil
	}
	d.active = false
	stop, done := d.stopSup, d.supDone
	d.mu.Unlock()

	stop()
	<-done

	d.mu.Lock()
	lc := d.container
	d.container = nil
	d.mu.Unlock()
	d.gate.attach(nil)

	if lc == nil {
		return nil
	}
	d.logger.Info().Str("destination", d.cfg.Target().String()).Msg("jms: destination deactivated")
	return lc.Shutdown(ctx)
}

// Shutdown deactivates the destination and closes its connection. Idempotent.
func (d *Destination) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() {
		err := d.Deactivate(ctx)
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.bus.Unregister(d)
		d.shutdownErr = errors.Join(err, d.factory.Shutdown(ctx))
	})
	return d.shutdownErr
}

// OnMessage converts one inbound transport message and dispatches it. It
// returns an error only for failures that must roll back a transacted delivery.
//
// An observer that suspends the invocation's continuation owns it: a
// suspension without a timeout holds a throttle slot until the observer calls
// Resume, or Complete on the message's ContinuationProvider. A dispatch that
// returns without suspending releases any slot it left behind.
func (d *Destination) OnMessage(ctx context.Context, tm *xjms.Message) error {
	d.received.Add(1)
	target := d.cfg.Target().String()
	d.bus.Notify(xjms.Event{Type: xjms.EventReceive, Destination: target, CorrelationID: tm.CorrelationID, MessageID: tm.MessageID})

	in, hdrs, err := fromTransport(tm, exchange.KeyServerRequestHeaders)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error().Err(err).Str("message_id", tm.MessageID).Msg("jms: converting request failed; dropping")
		d.bus.Notify(xjms.Event{Type: xjms.EventError, Destination: target, MessageID: tm.MessageID, Err: err})
		return nil
	}
	in.Put(exchange.KeyRequestMessage, tm)
	in.Put(exchange.KeyServerReplyHeaders, &MessageHeaders{})
	if tm.CorrelationID != "" {
		in.Put(exchange.KeyCorrelationID, tm.CorrelationID)
	}
	if sc, ok := securityContextFrom(tm); ok {
		in.Put(exchange.KeySecurityContext, sc)
	}

	ex := exchange.New()
	ex.SetInMessage(in)
	ex.SetOwner(d)
	_, hasStatic := d.cfg.Reply()
	ex.SetOneWay(tm.ReplyTo == nil && !hasStatic)

	if d.cfg.RequireSOAPJMSHeaders {
		if err := checkSOAPJMS(hdrs); err != nil {
			d.logger.Warn().Err(err).Str("message_id", tm.MessageID).Msg("jms: rejecting request")
			d.replyFault(in, err)
			return nil
		}
	}

	cont := &continuation{
		counter: d.counter,
		onChange: func(suspended bool) {
			typ := xjms.EventResume
			if suspended {
				typ = xjms.EventSuspend
			}
			d.bus.Notify(xjms.Event{Type: typ, Destination: target, MessageID: tm.MessageID})
		},
	}
	cont.resume = func() {
		go func() { _ = d.dispatch(d.baseCtx, in) }()
	}
	in.Put(exchange.KeyContinuationProvider, &continuationProvider{c: cont})

	return d.dispatch(ctx, in)
}

func (d *Destination) dispatch(ctx context.Context, in *exchange.Message) error {
	obs := d.messageObserver()
	if obs == nil {
		d.failed.Add(1)
		d.logger.Warn().Str("destination", d.cfg.Target().String()).Msg("jms: no message observer; dropping request")
		return nil
	}

	err := d.bus.Wrap(xjms.HandlerFor(obs))(ctx, in)
	if !exchange.IsSuspended(err) {
		if cp, ok := in.Get(exchange.KeyContinuationProvider).(exchange.ContinuationProvider); ok {
			cp.Complete()
		}
	}
	switch {
	case err == nil:
		d.dispatched.Add(1)
		d.bus.Notify(xjms.Event{Type: xjms.EventDispatchDone, Destination: d.cfg.Target().String()})
		return nil
	case exchange.IsSuspended(err):
		return nil
	case exchange.IsFault(err):
		d.dispatched.Add(1)
		if in.Exchange().Get(keyReplySent) == nil {
			d.replyFault(in, err)
		}
		return nil
	}
	d.failed.Add(1)
	d.bus.Notify(xjms.Event{Type: xjms.EventError, Destination: d.cfg.Target().String(), Err: err})
	return err
}

// Stats returns a snapshot of the destination's counters.
func (d *Destination) Stats() DestinationStats {
	d.mu.Lock()
	active, lc := d.active, d.container
	d.mu.Unlock()
	s := DestinationStats{
		Active:     active,
		Listening:  lc != nil && lc.IsRunning(),
		Received:   d.received.Load(),
		Dispatched: d.dispatched.Load(),
		Failed:     d.failed.Load(),
		Replies:    d.replies.Load(),
		Suspended:  d.counter.Count(),
		Reconnects: d.reconnects.Load(),
	}
	s.Sessions, _ = d.factory.Stats()
	return s
}

// containerGate forwards throttle transitions to the current listener. A
// listener attached while throttled starts stopped.
type containerGate struct {
	bus    *xjms.Bus
	logger *xlog.Logger
	target string

	mu     sync.Mutex
	lc     *ListenerContainer
	paused bool
}

var _ throttle.Listener = (*containerGate)(nil)

func (g *containerGate) attach(lc *ListenerContainer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lc = lc
	if lc != nil && !g.paused {
		lc.Start()
	}
}

func (g *containerGate) Start() {
	g.mu.Lock()
	g.paused = false
	if g.lc != nil {
		g.lc.Start()
	}
	g.mu.Unlock()
	g.logger.Info().Str("destination", g.target).Msg("jms: listener resumed")
	g.bus.Notify(xjms.Event{Type: xjms.EventUnthrottle, Destination: g.target})
}

func (g *containerGate) Stop() {
	g.mu.Lock()
	g.paused = true
	if g.lc != nil {
		g.lc.Stop()
	}
	g.mu.Unlock()
	g.logger.Warn().Str("destination", g.target).Msg("jms: too many suspended invocations; listener paused")
	g.bus.Notify(xjms.Event{Type: xjms.EventThrottle, Destination: g.target})
}
