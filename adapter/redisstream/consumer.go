package redisstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xjms"
)

type consumerBase struct {
	sess *session
	key  string
	sel  *xjms.Selector

	done      chan struct{}
	closeOnce sync.Once
}

func (c *consumerBase) Selector() string { return c.sel.String() }

func (c *consumerBase) closeBase(self closer) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sess.forget(self)
	})
}

// ready reports why Receive must stop, if it must.
func (c *consumerBase) ready(ctx context.Context) error {
	select {
	case <-c.done:
		return xjms.ErrConsumerClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.sess.conn.awaitStarted(ctx, c.done)
}

// readErr maps a blocking read error; nil means the block timed out empty.
func (c *consumerBase) readErr(ctx context.Context, err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case <-c.done:
		return xjms.ErrConsumerClosed
	default:
	}
	return err
}

// queueConsumer competes for entries with every other consumer of the queue.
// An entry is claimed by the consumer whose XDEL removes it.
type queueConsumer struct {
	consumerBase
	// cursor is the newest entry id already scanned; entries at or before it
	// either failed this selector or were claimed.
	cursor string
}

var _ xjms.Consumer = (*queueConsumer)(nil)

func (c *queueConsumer) Receive(ctx context.Context) (*xjms.Message, error) {
	f := c.sess.conn.f
	for {
		if err := c.ready(ctx); err != nil {
			return nil, err
		}
		msg, err := c.scan(ctx)
		if err != nil || msg != nil {
			return msg, err
		}

		// wait for entries past the cursor
		_, err = f.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.key, c.cursor},
			Count:   1,
			Block:   f.blockFor(ctx),
		}).Result()
		if err != nil {
			if err := c.readErr(ctx, err); err != nil {
				return nil, err
			}
		}
	}
}

func (c *queueConsumer) scan(ctx context.Context) (*xjms.Message, error) {
	f := c.sess.conn.f
	for {
		entries, err := f.client.XRangeN(ctx, c.key, "("+c.cursor, "+", int64(f.cfg.BatchSize)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, err
		}
		for _, e := range entries {
			c.cursor = e.ID
			msg, err := decode(e)
			if err != nil {
				// undecodable entries would block nobody but are never deliverable
				_ = f.client.XDel(ctx, c.key, e.ID).Err()
				continue
			}
			if msg.Expired(time.Now()) {
				if n, _ := f.client.XDel(ctx, c.key, e.ID).Result(); n == 1 {
					f.metrics.expired.Add(1)
				}
				continue
			}
			if !c.sel.Matches(msg) {
				continue
			}
			n, err := f.client.XDel(ctx, c.key, e.ID).Result()
			if err != nil {
				return nil, err
			}
			if n == 0 {
				// another consumer claimed it first
				continue
			}
			f.metrics.received.Add(1)
			if msg.Redelivered {
				f.metrics.redelivered.Add(1)
			}
			if c.sess.transacted {
				c.sess.track(&queueAck{f: f, key: c.key, msg: msg})
			}
			return msg, nil
		}
		if len(entries) < f.cfg.BatchSize {
			return nil, nil
		}
	}
}

func (c *queueConsumer) Close() error {
	c.closeBase(c)
	return nil
}

// queueAck puts a claimed entry back on rollback. The new entry lands at the
// stream tail, so a redelivered message loses its original position.
type queueAck struct {
	f   *Factory
	key string
	msg *xjms.Message
}

func (a *queueAck) commit(context.Context) error { return nil }

func (a *queueAck) rollback(ctx context.Context) error {
	a.msg.Redelivered = true
	return a.f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.key,
		ID:     "*",
		Values: encode(a.msg, ""),
	}).Err()
}

// topicConsumer tails a topic stream from the position it was created at.
type topicConsumer struct {
	consumerBase
	cursor  string
	noLocal bool
	buf     []redis.XMessage
}

var _ xjms.Consumer = (*topicConsumer)(nil)

func (c *topicConsumer) Receive(ctx context.Context) (*xjms.Message, error) {
	f := c.sess.conn.f
	for {
		if err := c.ready(ctx); err != nil {
			return nil, err
		}
		for len(c.buf) > 0 {
			e := c.buf[0]
			c.buf = c.buf[1:]
			c.cursor = e.ID
			if c.noLocal && origin(e) == c.sess.conn.id {
				continue
			}
			msg, err := decode(e)
			if err != nil || msg.Expired(time.Now()) || !c.sel.Matches(msg) {
				continue
			}
			f.metrics.received.Add(1)
			return msg, nil
		}

		res, err := f.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.key, c.cursor},
			Count:   int64(f.cfg.BatchSize),
			Block:   f.blockFor(ctx),
		}).Result()
		if err != nil {
			if err := c.readErr(ctx, err); err != nil {
				return nil, err
			}
			continue
		}
		for _, s := range res {
			c.buf = append(c.buf, s.Messages...)
		}
	}
}

func (c *topicConsumer) Close() error {
	c.closeBase(c)
	return nil
}

// durableConsumer reads a topic through a consumer group so entries published
// while it is away are kept, and unacknowledged entries stay pending.
type durableConsumer struct {
	consumerBase
	group string
	name  string
	// recover makes the next read return this consumer's pending entries ("0")
	// instead of new ones (">").
	recover atomic.Bool
}

var _ xjms.Consumer = (*durableConsumer)(nil)

func (c *durableConsumer) Receive(ctx context.Context) (*xjms.Message, error) {
	f := c.sess.conn.f
	for {
		if err := c.ready(ctx); err != nil {
			return nil, err
		}
		pending := c.recover.Load()
		args := &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.key, ">"},
			Count:    1,
			Block:    f.blockFor(ctx),
		}
		if pending {
			args.Streams[1] = "0"
			// reading history never blocks
			args.Block = -1
		}
		res, err := f.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if err := c.readErr(ctx, err); err != nil {
				return nil, err
			}
			if pending {
				c.recover.Store(false)
			}
			continue
		}

		var entries []redis.XMessage
		for _, s := range res {
			entries = append(entries, s.Messages...)
		}
		if len(entries) == 0 {
			if pending {
				c.recover.Store(false)
			}
			continue
		}
		e := entries[0]
		if len(e.Values) == 0 {
			// pending entry trimmed from the stream
			_ = f.client.XAck(ctx, c.key, c.group, e.ID).Err()
			continue
		}
		msg, err := decode(e)
		if err != nil || msg.Expired(time.Now()) || !c.sel.Matches(msg) {
			_ = f.client.XAck(ctx, c.key, c.group, e.ID).Err()
			continue
		}
		if pending {
			msg.Redelivered = true
			f.metrics.redelivered.Add(1)
		}
		f.metrics.received.Add(1)
		if c.sess.transacted {
			c.sess.track(&durableAck{c: c, id: e.ID})
		} else if err := f.client.XAck(ctx, c.key, c.group, e.ID).Err(); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

// claimLoop periodically claims entries left pending by dead consumers in the
// same subscription group, then schedules them for redelivery here.
func (c *durableConsumer) claimLoop() {
	f := c.sess.conn.f
	ticker := time.NewTicker(f.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ClaimInterval)
		ids, err := c.claim(ctx)
		cancel()
		if err == nil && len(ids) > 0 {
			f.metrics.claimed.Add(uint64(len(ids)))
			c.recover.Store(true)
		}
	}
}

func (c *durableConsumer) claim(ctx context.Context) ([]string, error) {
	f := c.sess.conn.f
	pending, err := f.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.key,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  int64(f.cfg.ClaimBatch),
		Idle:   f.cfg.ClaimMinIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Consumer != c.name {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return f.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.key,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  f.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
}

func (c *durableConsumer) Close() error {
	c.closeBase(c)
	return nil
}

// durableAck acknowledges on commit; on rollback the entry stays pending and
// the consumer re-reads its pending list.
type durableAck struct {
	c  *durableConsumer
	id string
}

func (a *durableAck) commit(ctx context.Context) error {
	return a.c.sess.conn.f.client.XAck(ctx, a.c.key, a.c.group, a.id).Err()
}

func (a *durableAck) rollback(context.Context) error {
	a.c.recover.Store(true)
	return nil
}
