package jms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/correlation"
	"github.com/trickstertwo/xjms/exchange"
	"github.com/trickstertwo/xjms/pool"
	"github.com/trickstertwo/xlog"
)

var _ xjms.Lifecycle = (*Conduit)(nil)

// Conduit sends outbound exchanges to the target destination and correlates
// their replies. It is safe for concurrent use.
type Conduit struct {
	bus     *xjms.Bus
	cfg     Config
	id      string
	logger  *xlog.Logger
	factory *pool.SessionFactory
	breaker *gobreaker.CircuitBreaker

	correlations *correlation.Map
	tokens       *correlation.Generator
	// ids is false when the provider may leave MessageID empty; every
	// request then carries a generated correlation id
	ids bool

	observerMu sync.RWMutex
	observer   exchange.MessageObserver

	// shared reply listener, created by the first exchange that needs it
	listenerMu  sync.Mutex
	listener    *ListenerContainer
	listenerTo  xjms.Destination
	listenerSes xjms.Session

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	sent     atomic.Uint64
	replies  atomic.Uint64
	timeouts atomic.Uint64
	misses   atomic.Uint64
}

// ConduitOption customizes a Conduit.
type ConduitOption func(*Conduit)

// WithConduitID fixes the conduit id instead of generating one. Correlation
// tokens are prefixed with it.
func WithConduitID(id string) ConduitOption {
	return func(c *Conduit) { c.id = id }
}

// NewConduit validates cfg and registers the conduit on bus. No connection is
// opened until the first send.
func NewConduit(bus *xjms.Bus, cfg Config, opts ...ConduitOption) (*Conduit, error) {
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

	c := &Conduit{
		bus:          bus,
		cfg:          cfg,
		id:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		logger:       bus.Logger(),
		correlations: correlation.NewMap(),
		ids:          xjms.AssignsMessageIDs(cf),
	}
	for _, o := range opts {
		o(c)
	}
	c.tokens = correlation.NewGenerator(cfg.ConduitSelectorPrefix + c.id)

	c.factory, err = pool.NewSessionFactory(cf, pool.FactoryConfig{
		ClientID: cfg.ClientID,
		Sessions: cfg.SessionPool,
		Replies:  cfg.ReplyPool,
	}, c.logger, bus.Clock())
	if err != nil {
		return nil, fmt.Errorf("jms: conduit session factory: %w", err)
	}
	if cfg.BreakerFailures > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "jms-conduit-" + c.id,
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) ||
					errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pool.ErrExhausted)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("jms: conduit breaker state changed")
			},
		})
	}

	if err := bus.Register(c); err != nil {
		_ = c.factory.Shutdown(context.Background())
		return nil, err
	}
	return c, nil
}

// connectionFactory resolves the broker for cfg: its own provider when one is
// named, otherwise the Bus factory.
func connectionFactory(bus *xjms.Bus, cfg *Config) (xjms.ConnectionFactory, error) {
	if cfg.Provider != "" {
		cf, err := xjms.NewConnectionFactory(cfg.Provider, cfg.ProviderConfig)
		if err != nil {
			return nil, fmt.Errorf("jms: %w", err)
		}
		return cf, nil
	}
	if cf := bus.ConnectionFactory(); cf != nil {
		return cf, nil
	}
	return nil, xjms.ErrNoProviderConfigured
}

// ID returns the conduit id.
func (c *Conduit) ID() string { return c.id }

// SetMessageObserver installs the observer notified of asynchronous replies.
func (c *Conduit) SetMessageObserver(o exchange.MessageObserver) {
	c.observerMu.Lock()
	c.observer = o
	c.observerMu.Unlock()
}

func (c *Conduit) messageObserver() exchange.MessageObserver {
	c.observerMu.RLock()
	defer c.observerMu.RUnlock()
	return c.observer
}

// Prepare returns a stream for m's payload. Closing it sends m's exchange.
func (c *Conduit) Prepare(ctx context.Context, m *exchange.Message) (io.WriteCloser, error) {
	if m == nil || m.Exchange() == nil {
		return nil, clientError(ErrMissingOutMessage, "message is not attached to an exchange")
	}
	return &conduitStream{ctx: ctx, c: c, ex: m.Exchange()}, nil
}

type conduitStream struct {
	ctx    context.Context
	c      *Conduit
	ex     *exchange.Exchange
	buf    bytes.Buffer
	closed bool
}

func (s *conduitStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Write(p)
}

func (s *conduitStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.c.SendExchange(s.ctx, s.ex, s.buf.Bytes())
}

// SendExchange sends payload as ex's outbound message. Synchronous exchanges
// return once the reply arrived or the receive timeout elapsed; asynchronous
// ones return after the send and complete ex when the reply arrives.
func (c *Conduit) SendExchange(ctx context.Context, ex *exchange.Exchange, payload []byte) error {
	if c.closed.Load() {
		return ErrConduitClosed
	}
	if ex == nil {
		return clientError(ErrMissingOutMessage, "nil exchange")
	}
	out := ex.OutMessage()
	if out == nil {
		out = ex.OutFaultMessage()
	}
	if out == nil {
		return clientError(ErrMissingOutMessage, "")
	}
	if c.cfg.MessageType == MessageTypeText && len(out.Attachments) > 0 {
		return clientError(ErrTextWithAttachments, fmt.Sprintf("%d attachments", len(out.Attachments)))
	}

	hdrs, _ := out.Get(exchange.KeyClientRequestHeaders).(*MessageHeaders)
	userToken := out.GetString(exchange.KeyCorrelationID)
	if hdrs != nil && hdrs.CorrelationID != "" {
		userToken = hdrs.CorrelationID
	}
	if userToken != "" && !ex.IsOneWay() && !ex.IsSynchronous() {
		return clientError(ErrAsyncUserCorrelationID, userToken)
	}

	tm, opts := toTransport(&c.cfg, out, payload, hdrs, false, ex.OutMessage() == nil)

	switch {
	case ex.IsOneWay():
		tm.CorrelationID = userToken
		return c.sendOneWay(ctx, tm, opts)
	case !ex.IsSynchronous() || c.cfg.ReplyPubSubDomain:
		return c.sendShared(ctx, ex, tm, opts, userToken)
	default:
		return c.sendDirect(ctx, ex, tm, opts, userToken)
	}
}

// preToken returns the token to put on the request before sending, or "" when
// the transport message id will serve as the token. Without provider-assigned
// ids the conduit generates one so the reply has something to echo.
func (c *Conduit) preToken(userToken string) string {
	switch {
	case userToken != "":
		return userToken
	case c.cfg.UseConduitIDSelector, !c.ids:
		return c.tokens.Next()
	}
	return ""
}

// postToken resolves the token after the send assigned a message id.
func (c *Conduit) postToken(tm *xjms.Message) (string, error) {
	if tm.MessageID == "" {
		return "", fmt.Errorf("jms: send to %s: provider assigned no message id", c.cfg.Target())
	}
	return tm.MessageID, nil
}

func (c *Conduit) acquire(ctx context.Context, withReply bool) (*pool.Holder, error) {
	get := func() (*pool.Holder, error) {
		if _, err := c.factory.Open(ctx); err != nil {
			return nil, err
		}
		h, err := c.getHolder(ctx, withReply)
		if err != nil && !errors.Is(err, pool.ErrExhausted) {
			c.dropConnection(err)
		}
		return h, err
	}
	if c.breaker == nil {
		h, err := get()
		if err != nil {
			return nil, fmt.Errorf("jms: acquire session: %w", err)
		}
		return h, nil
	}
	v, err := c.breaker.Execute(func() (interface{}, error) { return get() })
	if err != nil {
		return nil, fmt.Errorf("jms: acquire session: %w", err)
	}
	return v.(*pool.Holder), nil
}

func (c *Conduit) getHolder(ctx context.Context, withReply bool) (*pool.Holder, error) {
	if withReply {
		return c.factory.GetWithReply(ctx)
	}
	return c.factory.Get(ctx)
}

// dropConnection discards the shared connection after a transport failure so
// the next exchange reconnects. Cancellation and unknown destinations leave it.
func (c *Conduit) dropConnection(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, xjms.ErrInvalidDestination) || errors.Is(err, pool.ErrClosed) {
		return
	}
	c.logger.Warn().Err(err).Str("conduit", c.id).Msg("jms: dropping broker connection")
	c.factory.ResetConnection()
}

func (c *Conduit) send(ctx context.Context, h *pool.Holder, tm *xjms.Message, opts xjms.SendOptions) error {
	target := c.cfg.Target()
	if err := h.Producer.Send(ctx, target, tm, opts); err != nil {
		c.factory.Invalidate(h)
		c.dropConnection(err)
		c.bus.Notify(xjms.Event{Type: xjms.EventError, Destination: target.String(), CorrelationID: tm.CorrelationID, Err: err})
		return fmt.Errorf("jms: send to %s: %w", target, err)
	}
	c.sent.Add(1)
	c.bus.Notify(xjms.Event{Type: xjms.EventSend, Destination: target.String(), CorrelationID: tm.CorrelationID, MessageID: tm.MessageID})
	return nil
}

func (c *Conduit) sendOneWay(ctx context.Context, tm *xjms.Message, opts xjms.SendOptions) error {
	h, err := c.acquire(ctx, false)
	if err != nil {
		return err
	}
	if err := c.send(ctx, h, tm, opts); err != nil {
		return err
	}
	c.factory.Recycle(h)
	return nil
}

// sendDirect sends a synchronous request and receives its reply on the
// holder's own reply consumer.
func (c *Conduit) sendDirect(ctx context.Context, ex *exchange.Exchange, tm *xjms.Message, opts xjms.SendOptions, userToken string) error {
	static, hasStatic := c.cfg.Reply()

	h, err := c.acquire(ctx, !hasStatic)
	if err != nil {
		return err
	}
	replyTo := static
	if !hasStatic {
		replyTo = *h.ReplyTo
	}
	tm.ReplyTo = &replyTo

	token := c.preToken(userToken)
	if token != "" {
		tm.CorrelationID = token
		if err := c.register(token, ex); err != nil {
			c.factory.Recycle(h)
			return err
		}
	}
	if err := c.send(ctx, h, tm, opts); err != nil {
		c.correlations.Remove(token)
		return err
	}
	if token == "" {
		if token, err = c.postToken(tm); err == nil {
			err = c.register(token, ex)
		}
		if err != nil {
			c.factory.Recycle(h)
			return err
		}
	}

	cons := h.Consumer
	if hasStatic {
		cons, err = h.Session.CreateConsumer(replyTo, xjms.CorrelationSelector(token))
		if err != nil {
			c.correlations.Remove(token)
			c.factory.Invalidate(h)
			c.dropConnection(err)
			return fmt.Errorf("jms: reply consumer on %s: %w", replyTo, err)
		}
		defer cons.Close()
	}

	err = c.awaitReply(ctx, ex, cons, token)
	if err != nil && !errors.Is(err, ErrReceiveTimeout) && !errors.Is(err, ErrConduitClosed) && ctx.Err() == nil {
		c.factory.Invalidate(h)
		c.dropConnection(err)
		return err
	}
	c.factory.Recycle(h)
	return err
}

// awaitReply receives on cons until the reply for token arrives. Replies to
// earlier, abandoned requests are discarded.
func (c *Conduit) awaitReply(ctx context.Context, ex *exchange.Exchange, cons xjms.Consumer, token string) error {
	rctx, cancel := c.replyContext(ctx)
	defer cancel()
	go func() {
		select {
		case <-ex.Done():
			cancel()
		case <-rctx.Done():
		}
	}()

	started := time.Now()
	for {
		tm, err := cons.Receive(rctx)
		if err != nil {
			return c.replyFailed(ctx, ex, token, err)
		}
		if tm.CorrelationID != token {
			c.logger.Debug().Str("correlation_id", tm.CorrelationID).Str("want", token).Msg("jms: discarding stale reply")
			continue
		}
		claimed, ok := c.correlations.Claim(token)
		if !ok {
			// drained by Close while the reply was in flight
			return ErrConduitClosed
		}
		c.deliver(ctx, claimed, token, tm, time.Since(started))
		return claimed.Err()
	}
}

// awaitCorrelated waits for the shared listener to complete ex.
func (c *Conduit) awaitCorrelated(ctx context.Context, ex *exchange.Exchange, token string) error {
	rctx, cancel := c.replyContext(ctx)
	defer cancel()
	select {
	case <-ex.Done():
		return ex.Err()
	case <-rctx.Done():
		return c.replyFailed(ctx, ex, token, rctx.Err())
	}
}

func (c *Conduit) replyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.ReceiveTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.ReceiveTimeout)
	}
	return context.WithCancel(ctx)
}

// replyFailed settles ex after the wait for its reply ended without one.
func (c *Conduit) replyFailed(ctx context.Context, ex *exchange.Exchange, token string, err error) error {
	select {
	case <-ex.Done():
		// completed or failed concurrently, e.g. by Close
		return ex.Err()
	default:
	}
	c.correlations.Remove(token)
	switch {
	case ctx.Err() != nil:
		ex.Fail(ctx.Err())
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		c.timeouts.Add(1)
		c.bus.Notify(xjms.Event{Type: xjms.EventTimeout, Destination: c.cfg.Target().String(), CorrelationID: token, Duration: c.cfg.ReceiveTimeout})
		ex.Fail(ErrReceiveTimeout)
		return ErrReceiveTimeout
	}
	err = fmt.Errorf("jms: receive reply: %w", err)
	ex.Fail(err)
	return err
}

// sendShared sends a request whose reply is delivered by the shared listener.
func (c *Conduit) sendShared(ctx context.Context, ex *exchange.Exchange, tm *xjms.Message, opts xjms.SendOptions, userToken string) error {
	replyTo, err := c.ensureListener(ctx)
	if err != nil {
		return err
	}
	tm.ReplyTo = &replyTo

	h, err := c.acquire(ctx, false)
	if err != nil {
		return err
	}
	token := c.preToken(userToken)
	if token != "" {
		tm.CorrelationID = token
		if err := c.register(token, ex); err != nil {
			c.factory.Recycle(h)
			return err
		}
	}
	if err := c.send(ctx, h, tm, opts); err != nil {
		c.correlations.Remove(token)
		return err
	}
	c.factory.Recycle(h)
	if token == "" {
		if token, err = c.postToken(tm); err != nil {
			return err
		}
		if err := c.register(token, ex); err != nil {
			return err
		}
	}

	if ex.IsSynchronous() {
		return c.awaitCorrelated(ctx, ex, token)
	}
	if c.cfg.ReceiveTimeout > 0 {
		time.AfterFunc(c.cfg.ReceiveTimeout, func() {
			if c.correlations.Remove(token) {
				c.timeouts.Add(1)
				c.bus.Notify(xjms.Event{Type: xjms.EventTimeout, Destination: c.cfg.Target().String(), CorrelationID: token, Duration: c.cfg.ReceiveTimeout})
				ex.Fail(ErrReceiveTimeout)
			}
		})
	}
	return nil
}

func (c *Conduit) register(token string, ex *exchange.Exchange) error {
	ex.Put(exchange.KeyCorrelationID, token)
	if err := c.correlations.Register(token, ex); err != nil {
		return fmt.Errorf("jms: register %q: %w", token, err)
	}
	return nil
}

// ensureListener starts the shared reply listener on first use and returns
// the destination it consumes. A failed start is retried by the next call.
func (c *Conduit) ensureListener(ctx context.Context) (xjms.Destination, error) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	if c.closed.Load() {
		return xjms.Destination{}, ErrConduitClosed
	}
	if c.listener != nil {
		return c.listenerTo, nil
	}

	conn, err := c.factory.Open(ctx)
	if err != nil {
		return xjms.Destination{}, fmt.Errorf("jms: reply listener: %w", err)
	}
	replyTo, ok := c.cfg.Reply()
	if !ok {
		sess, err := conn.CreateSession(false)
		if err != nil {
			return xjms.Destination{}, fmt.Errorf("jms: reply listener session: %w", err)
		}
		if replyTo, err = sess.CreateTemporaryQueue(); err != nil {
			_ = sess.Close()
			return xjms.Destination{}, fmt.Errorf("jms: reply listener temporary queue: %w", err)
		}
		c.listenerSes = sess
	}

	selector := ""
	if c.cfg.UseConduitIDSelector {
		selector = xjms.CorrelationPrefixSelector(c.tokens.Prefix())
	}
	lc := NewListenerContainer(conn, ContainerConfig{
		Destination:        replyTo,
		Selector:           selector,
		DurableName:        c.cfg.DurableSubscriptionName,
		Consumers:          1,
		MaxConcurrentTasks: c.cfg.MaxConcurrentTasks,
	}, func(ctx context.Context, tm *xjms.Message) error {
		return c.onReply(ctx, replyTo, tm)
	}, c.logger)
	if err := lc.Init(ctx); err != nil {
		if c.listenerSes != nil {
			_ = c.listenerSes.Close()
			c.listenerSes = nil
		}
		return xjms.Destination{}, err
	}
	lc.Start()
	go c.superviseListener(lc)

	c.listener, c.listenerTo = lc, replyTo
	c.logger.Info().Str("conduit", c.id).Str("reply_to", replyTo.String()).Str("selector", selector).Msg("jms: reply listener started")
	return replyTo, nil
}

// superviseListener drops a failed listener so the next exchange recreates it.
func (c *Conduit) superviseListener(lc *ListenerContainer) {
	err, ok := <-lc.Err()
	if !ok || err == nil || c.closed.Load() {
		return
	}
	c.logger.Error().Err(err).Str("conduit", c.id).Msg("jms: reply listener failed")
	c.listenerMu.Lock()
	if c.listener == lc {
		c.listener = nil
		if c.listenerSes != nil {
			_ = c.listenerSes.Close()
			c.listenerSes = nil
		}
	}
	c.listenerMu.Unlock()
	_ = lc.Shutdown(context.Background())
}

// onReply matches a reply from the shared listener to its exchange. A reply
// may overtake the registration of its request, so the lookup waits up to
// CorrelationWait.
func (c *Conduit) onReply(ctx context.Context, from xjms.Destination, tm *xjms.Message) error {
	token := tm.CorrelationID
	ex, ok := c.correlations.ClaimWait(ctx, token, c.cfg.CorrelationWait)
	if !ok {
		c.misses.Add(1)
		c.logger.Warn().Str("conduit", c.id).Str("correlation_id", token).Str("message_id", tm.MessageID).Msg("jms: no exchange for reply; dropping")
		c.bus.Notify(xjms.Event{Type: xjms.EventCorrelation, Destination: from.String(), CorrelationID: token, MessageID: tm.MessageID})
		return nil
	}
	c.deliver(ctx, ex, token, tm, 0)
	return nil
}

// deliver converts a reply into ex's in-message and completes ex.
func (c *Conduit) deliver(ctx context.Context, ex *exchange.Exchange, token string, tm *xjms.Message, took time.Duration) {
	m, hdrs, err := fromTransport(tm, exchange.KeyClientReplyHeaders)
	if err != nil {
		c.logger.Error().Err(err).Str("correlation_id", token).Msg("jms: converting reply failed")
		c.bus.Notify(xjms.Event{Type: xjms.EventError, CorrelationID: token, MessageID: tm.MessageID, Err: err})
		ex.Fail(fmt.Errorf("jms: convert reply: %w", err))
		return
	}
	m.Put(exchange.KeyCorrelationID, token)
	if hdrs.IsFault {
		ex.SetInFaultMessage(m)
	}
	if !ex.Complete(m) {
		return
	}
	c.replies.Add(1)
	c.bus.Notify(xjms.Event{Type: xjms.EventReply, CorrelationID: token, MessageID: tm.MessageID, Duration: took})

	if ex.IsSynchronous() {
		return
	}
	if obs := c.messageObserver(); obs != nil {
		if err := obs.OnMessage(ctx, m); err != nil {
			c.logger.Warn().Err(err).Str("correlation_id", token).Msg("jms: reply observer failed")
		}
	}
}

// Close stops the reply listener, fails every in-flight exchange with
// ErrConduitClosed and closes the broker connection. Idempotent.
func (c *Conduit) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.bus.Unregister(c)

		var errs []error
		c.listenerMu.Lock()
		lc, sess := c.listener, c.listenerSes
		c.listener, c.listenerSes = nil, nil
		c.listenerMu.Unlock()
		if lc != nil {
			errs = append(errs, lc.Shutdown(ctx))
		}
		if sess != nil {
			errs = append(errs, sess.Close())
		}

		for token, ex := range c.correlations.Drain() {
			if ex.Fail(ErrConduitClosed) {
				c.logger.Debug().Str("correlation_id", token).Msg("jms: in-flight exchange failed on close")
			}
		}
		errs = append(errs, c.factory.Shutdown(ctx))
		c.closeErr = errors.Join(errs...)
		c.logger.Info().Str("conduit", c.id).Msg("jms: conduit closed")
	})
	return c.closeErr
}

// Shutdown implements xjms.Lifecycle.
func (c *Conduit) Shutdown(ctx context.Context) error { return c.Close(ctx) }

// Stats returns a snapshot of the conduit's counters and pools.
func (c *Conduit) Stats() ConduitStats {
	s := ConduitStats{
		ID:       c.id,
		InFlight: c.correlations.Len(),
		Sent:     c.sent.Load(),
		Replies:  c.replies.Load(),
		Timeouts: c.timeouts.Load(),
		Misses:   c.misses.Load(),
		Closed:   c.closed.Load(),
	}
	s.Sessions, s.ReplySessions = c.factory.Stats()
	if c.breaker != nil {
		s.Breaker = c.breaker.State().String()
	}
	return s
}
