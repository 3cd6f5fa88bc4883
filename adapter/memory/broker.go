package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xjms"
)

const ProviderName = "memory"

func init() {
	if err := xjms.RegisterProvider(ProviderName, func(cfg map[string]any) (xjms.ConnectionFactory, error) {
		c := ConfigFromMap(cfg)
		return SharedBroker(c.Broker, c), nil
	}); err != nil {
		panic(fmt.Errorf("xjms/memory: failed to register provider: %w", err))
	}
}

// Config controls memory broker behavior.
type Config struct {
	// Broker names the process-wide broker instance the factory connects to (default: "default").
	// Conduits and destinations built from the same name see the same queues.
	Broker string
	// RedeliveryDelay is the delay before a rolled back message is visible again (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// AssignIDs instructs the broker to assign message ids on send. ConfigFromMap
	// defaults it to true; a zero Config leaves ids unassigned.
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getStr := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		Broker:          getStr("broker", "default"),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		AssignIDs:       getBool("assign_ids", true),
	}
}

// toMap converts Config to the generic map expected by the provider factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"broker":           c.Broker,
		"redelivery_delay": c.RedeliveryDelay,
		"assign_ids":       c.AssignIDs,
	}
}

var (
	brokersMu sync.Mutex
	brokers   = map[string]*Broker{}
)

// SharedBroker returns the process-wide broker registered under name, creating it on first use.
func SharedBroker(name string, cfg Config) *Broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	if b, ok := brokers[name]; ok {
		return b
	}
	b := NewBroker(cfg)
	brokers[name] = b
	return b
}

// Broker is an in-process message broker (dev/testing). It implements
// xjms.ConnectionFactory with queues, topics, temporary queues, selectors,
// transacted sessions and durable subscriptions.
type Broker struct {
	cfg Config

	mu        sync.Mutex
	queues    map[string]*queue
	topics    map[string]*topic
	durables  map[string]*durable
	clientIDs map[string]struct{}
	conns     map[*connection]struct{}

	// Metrics for observability
	metrics *brokerMetrics
}

type brokerMetrics struct {
	sent        atomic.Uint64
	received    atomic.Uint64
	expired     atomic.Uint64
	redelivered atomic.Uint64
}

var (
	_ xjms.ConnectionFactory = (*Broker)(nil)
	_ xjms.MessageIDAssigner = (*Broker)(nil)
)

// NewBroker creates an isolated broker.
func NewBroker(cfg Config) *Broker {
	return &Broker{
		cfg:       cfg,
		queues:    make(map[string]*queue),
		topics:    make(map[string]*topic),
		durables:  make(map[string]*durable),
		clientIDs: make(map[string]struct{}),
		conns:     make(map[*connection]struct{}),
		metrics:   &brokerMetrics{},
	}
}

// CreateConnection opens a stopped connection.
func (b *Broker) CreateConnection(_ context.Context) (xjms.Connection, error) {
	c := newConnection(b)
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

// AssignsMessageIDs reports whether producers set Message.MessageID on send.
func (b *Broker) AssignsMessageIDs() bool { return b.cfg.AssignIDs }

// DropConnections closes every open connection as a broker restart would.
// Queues and their messages survive. It returns the number closed.
func (b *Broker) DropConnections() int {
	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

func (b *Broker) forget(c *connection) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// Stats returns broker telemetry.
type Stats struct {
	Sent        uint64
	Received    uint64
	Expired     uint64
	Redelivered uint64
	Queues      int
	Topics      int
}

// Stats returns current broker metrics.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	nq, nt := len(b.queues), len(b.topics)
	b.mu.Unlock()
	return Stats{
		Sent:        b.metrics.sent.Load(),
		Received:    b.metrics.received.Load(),
		Expired:     b.metrics.expired.Load(),
		Redelivered: b.metrics.redelivered.Load(),
		Queues:      nq,
		Topics:      nt,
	}
}

// Depth returns the number of messages waiting on a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (b *Broker) queueFor(d xjms.Destination, create bool) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[d.Name]; ok {
		return q, nil
	}
	if !create || d.Kind == xjms.TemporaryQueue {
		return nil, fmt.Errorf("%w: %s", xjms.ErrInvalidDestination, d)
	}
	q := newQueue()
	b.queues[d.Name] = q
	return q, nil
}

func (b *Broker) createTemporaryQueue() xjms.Destination {
	d := xjms.Destination{Name: "tmp-" + uuid.NewString(), Kind: xjms.TemporaryQueue}
	b.mu.Lock()
	b.queues[d.Name] = newQueue()
	b.mu.Unlock()
	return d
}

func (b *Broker) deleteQueue(name string) {
	b.mu.Lock()
	q, ok := b.queues[name]
	delete(b.queues, name)
	b.mu.Unlock()
	if ok {
		q.delete()
	}
}

func (b *Broker) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &topic{subs: make(map[*subscriber]struct{})}
	b.topics[name] = t
	return t
}

// durableFor returns the queue backing a durable subscription. The subscription
// stays attached to its topic until Unsubscribe, so messages published while
// no consumer is open are retained.
func (b *Broker) durableFor(clientID, name, topicName string) *queue {
	key := clientID + "/" + name
	b.mu.Lock()
	d, ok := b.durables[key]
	if !ok {
		q := newQueue()
		d = &durable{q: q, sub: &subscriber{q: q}, topic: topicName}
		b.durables[key] = d
	}
	b.mu.Unlock()
	if !ok {
		b.topicFor(topicName).add(d.sub)
	}
	return d.q
}

// Unsubscribe removes a durable subscription and its retained messages.
func (b *Broker) Unsubscribe(clientID, name string) {
	key := clientID + "/" + name
	b.mu.Lock()
	d, ok := b.durables[key]
	delete(b.durables, key)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.topicFor(d.topic).remove(d.sub)
	d.q.delete()
}

type durable struct {
	q     *queue
	sub   *subscriber
	topic string
}

func (b *Broker) claimClientID(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clientIDs[id]; ok {
		return fmt.Errorf("memory: client id %q already in use", id)
	}
	b.clientIDs[id] = struct{}{}
	return nil
}

func (b *Broker) releaseClientID(id string) {
	b.mu.Lock()
	delete(b.clientIDs, id)
	b.mu.Unlock()
}

// publish routes msg to a queue or to every subscriber of a topic.
func (b *Broker) publish(dest xjms.Destination, msg *xjms.Message, origin *connection) error {
	if dest.IsTopic() {
		t := b.topicFor(dest.Name)
		t.mu.RLock()
		defer t.mu.RUnlock()
		for s := range t.subs {
			if s.noLocal && s.conn == origin {
				continue
			}
			s.q.push(msg.Clone())
		}
		b.metrics.sent.Add(1)
		return nil
	}
	q, err := b.queueFor(dest, true)
	if err != nil {
		return err
	}
	if !q.push(msg.Clone()) {
		return fmt.Errorf("%w: %s deleted", xjms.ErrInvalidDestination, dest)
	}
	b.metrics.sent.Add(1)
	return nil
}

// redeliver puts rolled back messages back at the head of their queue.
func (b *Broker) redeliver(q *queue, msgs []*xjms.Message) {
	if len(msgs) == 0 {
		return
	}
	for _, m := range msgs {
		m.Redelivered = true
	}
	b.metrics.redelivered.Add(uint64(len(msgs)))
	if b.cfg.RedeliveryDelay <= 0 {
		q.pushFront(msgs)
		return
	}
	time.AfterFunc(b.cfg.RedeliveryDelay, func() { q.pushFront(msgs) })
}

type topic struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	q       *queue
	conn    *connection
	noLocal bool
}

func (t *topic) add(s *subscriber) {
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
}

func (t *topic) remove(s *subscriber) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

// queue is an unbounded FIFO with broadcast wake-up of waiting consumers.
type queue struct {
	mu      sync.Mutex
	msgs    []*xjms.Message
	notify  chan struct{}
	deleted bool
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{})}
}

func (q *queue) push(m *xjms.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return false
	}
	q.msgs = append(q.msgs, m)
	q.wakeLocked()
	return true
}

func (q *queue) pushFront(ms []*xjms.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	q.msgs = append(append([]*xjms.Message{}, ms...), q.msgs...)
	q.wakeLocked()
}

func (q *queue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *queue) delete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = true
	q.msgs = nil
	q.wakeLocked()
}

// take removes the first message matching sel, dropping expired ones on the way.
// When nothing matches it returns the channel closed on the next push.
func (q *queue) take(sel *xjms.Selector, now time.Time) (*xjms.Message, <-chan struct{}, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return nil, nil, 0, false
	}
	expired := 0
	kept := q.msgs[:0]
	var found *xjms.Message
	for _, m := range q.msgs {
		switch {
		case m.Expired(now):
			expired++
		case found == nil && sel.Matches(m):
			found = m
		default:
			kept = append(kept, m)
		}
	}
	clear(q.msgs[len(kept):])
	q.msgs = kept
	return found, q.notify, expired, true
}
