package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/xjms"
)

type connection struct {
	f    *Factory
	conn *amqp091.Connection
	id   string

	mu       sync.Mutex
	clientID string
	locked   bool
	started  chan struct{}
	running  bool
	sessions map[*session]struct{}
	closed   bool
	lost     chan struct{}
}

var _ xjms.Connection = (*connection)(nil)

func newConnection(f *Factory, conn *amqp091.Connection) *connection {
	c := &connection{
		f:        f,
		conn:     conn,
		id:       uuid.NewString(),
		started:  make(chan struct{}),
		sessions: make(map[*session]struct{}),
		lost:     make(chan struct{}),
	}
	notify := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		// closed with nil on a clean Close, with an error when the broker goes away
		<-notify
		close(c.lost)
	}()
	return c
}

func (c *connection) SetClientID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return xjms.ErrConnectionClosed
	}
	if c.locked {
		return xjms.ErrClientIDLocked
	}
	c.clientID = id
	return nil
}

func (c *connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return xjms.ErrConnectionClosed
	}
	c.locked = true
	if !c.running {
		c.running = true
		close(c.started)
	}
	return nil
}

func (c *connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return xjms.ErrConnectionClosed
	}
	if c.running {
		c.running = false
		c.started = make(chan struct{})
	}
	return nil
}

func (c *connection) awaitStarted(ctx context.Context, done <-chan struct{}) error {
	c.mu.Lock()
	ch := c.started
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return xjms.ErrConnectionClosed
	}
	select {
	case <-ch:
		return nil
	case <-c.lost:
		return xjms.ErrConnectionClosed
	case <-done:
		return xjms.ErrConsumerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) CreateSession(transacted bool) (xjms.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, xjms.ErrConnectionClosed
	}
	c.locked = true
	c.mu.Unlock()

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	if c.f.cfg.Prefetch > 0 {
		if err := ch.Qos(c.f.cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	if transacted {
		if err := ch.Tx(); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	s := &session{
		conn:       c,
		ch:         ch,
		transacted: transacted,
		consumers:  make(map[*consumer]struct{}),
		declared:   make(map[string]struct{}),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = ch.Close()
		return nil, xjms.ErrConnectionClosed
	}
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = nil
	if !c.running {
		close(c.started)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *connection) forget(s *session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

type session struct {
	conn       *connection
	ch         *amqp091.Channel
	transacted bool

	// chMu serializes channel use between a session's producer and consumers.
	chMu sync.Mutex

	mu        sync.Mutex
	consumers map[*consumer]struct{}
	declared  map[string]struct{}
	temps     []string
	pending   []settlement
	dirty     bool // uncommitted sends
	closed    bool
}

var (
	_ xjms.Session           = (*session)(nil)
	_ xjms.NoLocalSubscriber = (*session)(nil)
)

func (s *session) withChannel(fn func(ch *amqp091.Channel) error) error {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	return fn(s.ch)
}

// declareQueue declares a durable shared queue once per session.
func (s *session) declareQueue(name string) error {
	s.mu.Lock()
	_, ok := s.declared[name]
	s.mu.Unlock()
	if ok {
		return nil
	}
	err := s.withChannel(func(ch *amqp091.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.declared[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *session) CreateProducer() (xjms.Producer, error) {
	if s.isClosed() {
		return nil, xjms.ErrSessionClosed
	}
	return &producer{sess: s}, nil
}

func (s *session) CreateConsumer(dest xjms.Destination, selector string) (xjms.Consumer, error) {
	return s.createConsumer(dest, selector, false)
}

// CreateNoLocalConsumer subscribes to topic, dropping this connection's own publications.
func (s *session) CreateNoLocalConsumer(topic xjms.Destination, selector string) (xjms.Consumer, error) {
	if !topic.IsTopic() {
		return nil, fmt.Errorf("%w: no-local needs a topic, got %s", xjms.ErrInvalidDestination, topic)
	}
	return s.createConsumer(topic, selector, true)
}

func (s *session) createConsumer(dest xjms.Destination, selector string, noLocal bool) (xjms.Consumer, error) {
	if dest.IsZero() {
		return nil, xjms.ErrInvalidDestination
	}
	sel, err := xjms.ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	queue := dest.Name
	switch dest.Kind {
	case xjms.Topic:
		// a private queue bound to the topic for the lifetime of this consumer
		err = s.withChannel(func(ch *amqp091.Channel) error {
			q, err := ch.QueueDeclare("", false, true, true, false, nil)
			if err != nil {
				return err
			}
			queue = q.Name
			return ch.QueueBind(q.Name, dest.Name, s.conn.f.cfg.TopicExchange, false, nil)
		})
	case xjms.Queue:
		err = s.declareQueue(dest.Name)
	}
	if err != nil {
		return nil, err
	}
	return s.consume(queue, sel, noLocal)
}

func (s *session) CreateDurableSubscriber(topic xjms.Destination, name, selector string) (xjms.Consumer, error) {
	if !topic.IsTopic() {
		return nil, fmt.Errorf("%w: durable subscription needs a topic, got %s", xjms.ErrInvalidDestination, topic)
	}
	s.conn.mu.Lock()
	clientID := s.conn.clientID
	s.conn.mu.Unlock()
	if clientID == "" {
		return nil, xjms.ErrDurableNeedsClientID
	}
	sel, err := xjms.ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	queue := clientID + "." + name
	err = s.withChannel(func(ch *amqp091.Channel) error {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return err
		}
		return ch.QueueBind(queue, topic.Name, s.conn.f.cfg.TopicExchange, false, nil)
	})
	if err != nil {
		return nil, err
	}
	return s.consume(queue, sel, false)
}

func (s *session) consume(queue string, sel *xjms.Selector, noLocal bool) (xjms.Consumer, error) {
	c := &consumer{
		sess:    s,
		queue:   queue,
		tag:     "xjms-" + uuid.NewString(),
		sel:     sel,
		noLocal: noLocal,
		done:    make(chan struct{}),
	}
	err := s.withChannel(func(ch *amqp091.Channel) error {
		var err error
		c.deliveries, err = ch.Consume(queue, c.tag, false, false, false, false, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, xjms.ErrSessionClosed
	}
	s.consumers[c] = struct{}{}
	return c, nil
}

// CreateTemporaryQueue declares an exclusive server-named queue; the broker
// deletes it when the connection closes.
func (s *session) CreateTemporaryQueue() (xjms.Destination, error) {
	if s.isClosed() {
		return xjms.Destination{}, xjms.ErrSessionClosed
	}
	var name string
	err := s.withChannel(func(ch *amqp091.Channel) error {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		name = q.Name
		return err
	})
	if err != nil {
		return xjms.Destination{}, err
	}
	s.mu.Lock()
	s.temps = append(s.temps, name)
	s.mu.Unlock()
	return xjms.Destination{Name: name, Kind: xjms.TemporaryQueue}, nil
}

func (s *session) DeleteTemporaryQueue(dest xjms.Destination) error {
	if dest.Kind != xjms.TemporaryQueue {
		return fmt.Errorf("%w: %s is not temporary", xjms.ErrInvalidDestination, dest)
	}
	return s.withChannel(func(ch *amqp091.Channel) error {
		_, err := ch.QueueDelete(dest.Name, false, false, false)
		return err
	})
}

type settleKind int

const (
	// consumed deliveries were handed to the caller
	consumed settleKind = iota
	// skipped deliveries failed the selector and go back to the queue
	skipped
	// dropped deliveries are expired or filtered by no-local
	dropped
)

type settlement struct {
	tag  uint64
	kind settleKind
}

// settle acknowledges or requeues a delivery. A transacted session defers it
// to Commit or Rollback unless the transaction is otherwise empty.
func (s *session) settle(tag uint64, kind settleKind) error {
	st := settlement{tag: tag, kind: kind}
	if s.transacted {
		s.mu.Lock()
		if kind == consumed || len(s.pending) > 0 || s.dirty {
			s.pending = append(s.pending, st)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
	}
	return s.withChannel(func(ch *amqp091.Channel) error {
		if err := apply(ch, st, true); err != nil {
			return err
		}
		if s.transacted {
			return ch.TxCommit()
		}
		return nil
	})
}

// apply settles st; committed selects the outcome for consumed deliveries.
func apply(ch *amqp091.Channel, st settlement, committed bool) error {
	switch {
	case st.kind == dropped, st.kind == consumed && committed:
		return ch.Ack(st.tag, false)
	default:
		return ch.Nack(st.tag, false, true)
	}
}

// Commit settles deliveries and commits the channel transaction, which also
// releases sends made since the last commit.
func (s *session) Commit() error {
	if !s.transacted {
		return xjms.ErrNotTransacted
	}
	s.mu.Lock()
	pending := s.pending
	s.pending, s.dirty = nil, false
	s.mu.Unlock()

	return s.withChannel(func(ch *amqp091.Channel) error {
		for _, st := range pending {
			if err := apply(ch, st, true); err != nil {
				return err
			}
		}
		return ch.TxCommit()
	})
}

// Rollback discards uncommitted sends, then requeues consumed deliveries in a
// second transaction so the broker redelivers them.
func (s *session) Rollback() error {
	if !s.transacted {
		return xjms.ErrNotTransacted
	}
	s.mu.Lock()
	pending := s.pending
	s.pending, s.dirty = nil, false
	s.mu.Unlock()

	return s.withChannel(func(ch *amqp091.Channel) error {
		if err := ch.TxRollback(); err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		for _, st := range pending {
			if err := apply(ch, st, false); err != nil {
				return err
			}
		}
		return ch.TxCommit()
	})
}

func (s *session) Transacted() bool { return s.transacted }

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close cancels consumers and closes the channel; the broker requeues
// anything left unacknowledged.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := make([]*consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	temps := s.temps
	s.temps = nil
	s.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, name := range temps {
		_ = s.withChannel(func(ch *amqp091.Channel) error {
			_, err := ch.QueueDelete(name, false, false, false)
			return err
		})
	}
	s.conn.forget(s)
	err := s.ch.Close()
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}
	return err
}

func (s *session) forget(c *consumer) {
	s.mu.Lock()
	delete(s.consumers, c)
	s.mu.Unlock()
}

type producer struct {
	sess   *session
	mu     sync.Mutex
	closed bool
}

var _ xjms.Producer = (*producer)(nil)

func (p *producer) Send(ctx context.Context, dest xjms.Destination, msg *xjms.Message, opts xjms.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return xjms.ErrProducerClosed
	}
	if p.sess.isClosed() {
		return xjms.ErrSessionClosed
	}
	if dest.IsZero() {
		return xjms.ErrInvalidDestination
	}

	now := time.Now()
	msg.MessageID = "ID:" + uuid.NewString()
	msg.Timestamp = now.UnixMilli()
	d := dest
	msg.Destination = &d
	if opts.DeliveryMode != xjms.DeliveryModeUnset {
		msg.DeliveryMode = opts.DeliveryMode
	}
	if msg.DeliveryMode == xjms.DeliveryModeUnset {
		msg.DeliveryMode = xjms.Persistent
	}
	if opts.Priority > 0 {
		msg.Priority = opts.Priority
	}
	if opts.TimeToLive > 0 {
		msg.Expiration = now.Add(opts.TimeToLive).UnixMilli()
	}

	exchange, key := "", dest.Name
	switch dest.Kind {
	case xjms.Topic:
		exchange = p.sess.conn.f.cfg.TopicExchange
	case xjms.Queue:
		if err := p.sess.declareQueue(dest.Name); err != nil {
			return err
		}
	}
	pub := toPublishing(msg, p.sess.conn.id, now)
	if p.sess.transacted {
		p.sess.mu.Lock()
		p.sess.dirty = true
		p.sess.mu.Unlock()
	}
	return p.sess.withChannel(func(ch *amqp091.Channel) error {
		return ch.PublishWithContext(ctx, exchange, key, false, false, pub)
	})
}

func (p *producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
