package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xjms"
)

type connection struct {
	broker *Broker

	mu       sync.Mutex
	clientID string
	locked   bool // client id can no longer change
	started  chan struct{}
	running  bool
	sessions map[*session]struct{}
	closed   bool
}

var _ xjms.Connection = (*connection)(nil)

func newConnection(b *Broker) *connection {
	return &connection{
		broker:   b,
		started:  make(chan struct{}),
		sessions: make(map[*session]struct{}),
	}
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
	if err := c.broker.claimClientID(id); err != nil {
		return err
	}
	if c.clientID != "" {
		c.broker.releaseClientID(c.clientID)
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

// awaitStarted blocks while the connection is stopped.
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
	case <-done:
		return xjms.ErrConsumerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) CreateSession(transacted bool) (xjms.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, xjms.ErrConnectionClosed
	}
	c.locked = true
	s := &session{
		conn:       c,
		transacted: transacted,
		consumers:  make(map[*consumer]struct{}),
		temps:      make(map[string]struct{}),
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
		// unblock consumers waiting for Start
		close(c.started)
	}
	id := c.clientID
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	if id != "" {
		c.broker.releaseClientID(id)
	}
	c.broker.forget(c)
	return errors.Join(errs...)
}

func (c *connection) forget(s *session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

type pendingSend struct {
	dest xjms.Destination
	msg  *xjms.Message
}

type pendingAck struct {
	q   *queue
	msg *xjms.Message
}

type session struct {
	conn       *connection
	transacted bool

	mu        sync.Mutex
	consumers map[*consumer]struct{}
	temps     map[string]struct{}
	sends     []pendingSend
	acks      []pendingAck
	closed    bool
}

var (
	_ xjms.Session           = (*session)(nil)
	_ xjms.NoLocalSubscriber = (*session)(nil)
)

func (s *session) CreateProducer() (xjms.Producer, error) {
	if s.isClosed() {
		return nil, xjms.ErrSessionClosed
	}
	return &producer{sess: s}, nil
}

func (s *session) CreateConsumer(dest xjms.Destination, selector string) (xjms.Consumer, error) {
	return s.createConsumer(dest, selector, false)
}

// CreateNoLocalConsumer subscribes to topic without receiving this connection's own publications.
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
	if dest.IsTopic() {
		q := newQueue()
		sub := &subscriber{q: q, conn: s.conn, noLocal: noLocal}
		t := s.conn.broker.topicFor(dest.Name)
		t.add(sub)
		return s.addConsumer(&consumer{sess: s, q: q, sel: sel, onClose: func() { t.remove(sub) }})
	}
	q, err := s.conn.broker.queueFor(dest, true)
	if err != nil {
		return nil, err
	}
	return s.addConsumer(&consumer{sess: s, q: q, sel: sel})
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
	q := s.conn.broker.durableFor(clientID, name, topic.Name)
	return s.addConsumer(&consumer{sess: s, q: q, sel: sel})
}

func (s *session) addConsumer(c *consumer) (xjms.Consumer, error) {
	c.done = make(chan struct{})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if c.onClose != nil {
			c.onClose()
		}
		return nil, xjms.ErrSessionClosed
	}
	s.consumers[c] = struct{}{}
	return c, nil
}

func (s *session) CreateTemporaryQueue() (xjms.Destination, error) {
	if s.isClosed() {
		return xjms.Destination{}, xjms.ErrSessionClosed
	}
	d := s.conn.broker.createTemporaryQueue()
	s.mu.Lock()
	s.temps[d.Name] = struct{}{}
	s.mu.Unlock()
	return d, nil
}

func (s *session) DeleteTemporaryQueue(dest xjms.Destination) error {
	if dest.Kind != xjms.TemporaryQueue {
		return fmt.Errorf("%w: %s is not temporary", xjms.ErrInvalidDestination, dest)
	}
	s.mu.Lock()
	delete(s.temps, dest.Name)
	s.mu.Unlock()
	s.conn.broker.deleteQueue(dest.Name)
	return nil
}

func (s *session) Commit() error {
	if !s.transacted {
		return xjms.ErrNotTransacted
	}
	s.mu.Lock()
	sends := s.sends
	s.sends = nil
	s.acks = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range sends {
		errs = append(errs, s.conn.broker.publish(p.dest, p.msg, s.conn))
	}
	return errors.Join(errs...)
}

func (s *session) Rollback() error {
	if !s.transacted {
		return xjms.ErrNotTransacted
	}
	s.mu.Lock()
	acks := s.acks
	s.sends = nil
	s.acks = nil
	s.mu.Unlock()

	byQueue := make(map[*queue][]*xjms.Message)
	var order []*queue
	for _, a := range acks {
		if _, ok := byQueue[a.q]; !ok {
			order = append(order, a.q)
		}
		byQueue[a.q] = append(byQueue[a.q], a.msg)
	}
	for _, q := range order {
		s.conn.broker.redeliver(q, byQueue[q])
	}
	return nil
}

func (s *session) Transacted() bool { return s.transacted }

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

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

	if s.transacted {
		// uncommitted work is rolled back on close
		_ = s.Rollback()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	for name := range temps {
		s.conn.broker.deleteQueue(name)
	}
	s.conn.forget(s)
	return nil
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
	b := p.sess.conn.broker
	if b.cfg.AssignIDs {
		msg.MessageID = "ID:" + uuid.NewString()
	}
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

	if p.sess.transacted {
		p.sess.mu.Lock()
		p.sess.sends = append(p.sess.sends, pendingSend{dest: dest, msg: msg.Clone()})
		p.sess.mu.Unlock()
		return nil
	}
	return b.publish(dest, msg, p.sess.conn)
}

func (p *producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type consumer struct {
	sess    *session
	q       *queue
	sel     *xjms.Selector
	onClose func()

	done      chan struct{}
	closeOnce sync.Once
}

var _ xjms.Consumer = (*consumer)(nil)

func (c *consumer) Receive(ctx context.Context) (*xjms.Message, error) {
	b := c.sess.conn.broker
	for {
		select {
		case <-c.done:
			return nil, xjms.ErrConsumerClosed
		default:
		}
		if err := c.sess.conn.awaitStarted(ctx, c.done); err != nil {
			return nil, err
		}
		msg, wait, expired, ok := c.q.take(c.sel, time.Now())
		if expired > 0 {
			b.metrics.expired.Add(uint64(expired))
		}
		if !ok {
			return nil, fmt.Errorf("%w: queue deleted", xjms.ErrInvalidDestination)
		}
		if msg != nil {
			b.metrics.received.Add(1)
			if c.sess.transacted {
				c.sess.mu.Lock()
				c.sess.acks = append(c.sess.acks, pendingAck{q: c.q, msg: msg})
				c.sess.mu.Unlock()
			}
			return msg.Clone(), nil
		}
		select {
		case <-wait:
		case <-c.done:
			return nil, xjms.ErrConsumerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *consumer) Selector() string { return c.sel.String() }

func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
		c.sess.forget(c)
	})
	return nil
}
