package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xjms"
)

type connection struct {
	f  *Factory
	id string // stamped on published entries for no-local subscribers

	mu       sync.Mutex
	clientID string
	locked   bool
	started  chan struct{}
	running  bool
	sessions map[*session]struct{}
	closed   bool
}

var _ xjms.Connection = (*connection)(nil)

func newConnection(f *Factory) *connection {
	return &connection{
		f:        f,
		id:       uuid.NewString(),
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
		consumers:  make(map[closer]struct{}),
		temps:      make(map[string]xjms.Destination),
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
	return errors.Join(errs...)
}

func (c *connection) forget(s *session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

func (c *connection) client() *redis.Client { return c.f.client }

type closer interface{ Close() error }

// pendingAck is work a transacted session settles on Commit or Rollback.
type pendingAck interface {
	commit(ctx context.Context) error
	rollback(ctx context.Context) error
}

type pendingSend struct {
	dest xjms.Destination
	vals map[string]any
}

type session struct {
	conn       *connection
	transacted bool

	mu        sync.Mutex
	consumers map[closer]struct{}
	temps     map[string]xjms.Destination
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

// CreateNoLocalConsumer subscribes to topic, skipping entries published by this connection.
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
	base := consumerBase{sess: s, key: s.conn.f.key(dest), sel: sel, done: make(chan struct{})}
	if dest.IsTopic() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tail, err := lastID(ctx, s.conn.client(), base.key)
		if err != nil {
			return nil, err
		}
		c := &topicConsumer{consumerBase: base, cursor: tail, noLocal: noLocal}
		return c, s.add(c)
	}
	c := &queueConsumer{consumerBase: base, cursor: "0-0"}
	return c, s.add(c)
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

	f := s.conn.f
	key := f.key(topic)
	group := groupName(clientID, name)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.client.XGroupCreateMkStream(ctx, key, group, "$").Err(); err != nil && !isBusyGroup(err) {
		return nil, err
	}

	c := &durableConsumer{
		consumerBase: consumerBase{sess: s, key: key, sel: sel, done: make(chan struct{})},
		group:        group,
		name:         f.cfg.Consumer,
	}
	// entries left pending by an earlier run are delivered first
	c.recover.Store(true)
	if err := s.add(c); err != nil {
		return nil, err
	}
	if f.cfg.ClaimMinIdle > 0 && f.cfg.ClaimInterval > 0 && f.cfg.ClaimBatch > 0 {
		go c.claimLoop()
	}
	return c, nil
}

func (s *session) add(c closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return xjms.ErrSessionClosed
	}
	s.consumers[c] = struct{}{}
	return nil
}

// CreateTemporaryQueue creates an empty stream owned by this session.
// Redis keeps a stream that was trimmed to zero entries, so later sends can
// use NOMKSTREAM and fail once the queue is deleted.
func (s *session) CreateTemporaryQueue() (xjms.Destination, error) {
	if s.isClosed() {
		return xjms.Destination{}, xjms.ErrSessionClosed
	}
	d := xjms.Destination{Name: "tmp-" + uuid.NewString(), Kind: xjms.TemporaryQueue}
	key := s.conn.f.key(d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe := s.conn.client().TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, ID: "*", Values: map[string]any{fieldKind: "init"}})
	pipe.XTrimMaxLen(ctx, key, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return xjms.Destination{}, err
	}

	s.mu.Lock()
	s.temps[d.Name] = d
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.client().Del(ctx, s.conn.f.key(dest)).Err()
}

// Commit publishes buffered sends in one pipeline, then settles consumed entries.
func (s *session) Commit() error {
	if !s.transacted {
		return xjms.ErrNotTransacted
	}
	s.mu.Lock()
	sends, acks := s.sends, s.acks
	s.sends, s.acks = nil, nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if len(sends) > 0 {
		f := s.conn.f
		pipe := f.client.Pipeline()
		for _, p := range sends {
			f.xadd(ctx, pipe, p.dest, p.vals)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			errs = append(errs, err)
		} else {
			f.metrics.sent.Add(uint64(len(sends)))
		}
	}
	for _, a := range acks {
		errs = append(errs, a.commit(ctx))
	}
	return errors.Join(errs...)
}

// Rollback drops buffered sends and makes consumed entries visible again as redelivered.
func (s *session) Rollback() error {
	if !s.transacted {
		return xjms.ErrNotTransacted
	}
	s.mu.Lock()
	acks := s.acks
	s.sends, s.acks = nil, nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for _, a := range acks {
		errs = append(errs, a.rollback(ctx))
	}
	return errors.Join(errs...)
}

func (s *session) Transacted() bool { return s.transacted }

func (s *session) track(a pendingAck) {
	s.mu.Lock()
	s.acks = append(s.acks, a)
	s.mu.Unlock()
}

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
	consumers := make([]closer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	temps := s.temps
	s.temps = nil
	s.mu.Unlock()

	var errs []error
	if s.transacted {
		// uncommitted work is rolled back on close
		errs = append(errs, s.Rollback())
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	if len(temps) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keys := make([]string, 0, len(temps))
		for _, d := range temps {
			keys = append(keys, s.conn.f.key(d))
		}
		errs = append(errs, s.conn.client().Del(ctx, keys...).Err())
	}
	s.conn.forget(s)
	return errors.Join(errs...)
}

func (s *session) forget(c closer) {
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

	vals := encode(msg, p.sess.conn.id)
	if p.sess.transacted {
		p.sess.mu.Lock()
		p.sess.sends = append(p.sess.sends, pendingSend{dest: dest, vals: vals})
		p.sess.mu.Unlock()
		return nil
	}

	f := p.sess.conn.f
	if err := f.xadd(ctx, f.client, dest, vals).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s no longer exists", xjms.ErrInvalidDestination, dest)
		}
		return err
	}
	f.metrics.sent.Add(1)
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// lastID returns the newest entry id in key, or "0-0" when the stream is empty or missing.
func lastID(ctx context.Context, c *redis.Client, key string) (string, error) {
	res, err := c.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(res) == 0 {
		return "0-0", nil
	}
	return res[0].ID, nil
}
