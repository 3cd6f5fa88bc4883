package amqp

import (
	"context"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/xjms"
)

type consumer struct {
	sess       *session
	queue      string
	tag        string
	sel        *xjms.Selector
	noLocal    bool
	deliveries <-chan amqp091.Delivery

	done      chan struct{}
	closeOnce sync.Once
}

var _ xjms.Consumer = (*consumer)(nil)

func (c *consumer) Selector() string { return c.sel.String() }

// Receive returns the next delivery that is not expired, not filtered by
// no-local and matches the selector. Non-transacted deliveries are acknowledged
// before they are returned.
func (c *consumer) Receive(ctx context.Context) (*xjms.Message, error) {
	for {
		if err := c.sess.conn.awaitStarted(ctx, c.done); err != nil {
			return nil, err
		}
		var (
			d  amqp091.Delivery
			ok bool
		)
		select {
		case d, ok = <-c.deliveries:
			if !ok {
				select {
				case <-c.done:
					return nil, xjms.ErrConsumerClosed
				default:
					return nil, xjms.ErrConnectionClosed
				}
			}
		case <-c.done:
			return nil, xjms.ErrConsumerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if c.noLocal && headerString(d.Headers[headerOrigin]) == c.sess.conn.id {
			_ = c.sess.settle(d.DeliveryTag, dropped)
			continue
		}
		msg := fromDelivery(&d)
		if msg.Expired(time.Now()) {
			_ = c.sess.settle(d.DeliveryTag, dropped)
			continue
		}
		if !c.sel.Matches(msg) {
			c.requeue(ctx, d)
			continue
		}
		if err := c.sess.settle(d.DeliveryTag, consumed); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

// requeue hands a delivery back for another consumer after a short pause so
// a lone non-matching consumer does not spin on it.
func (c *consumer) requeue(ctx context.Context, d amqp091.Delivery) {
	t := time.NewTimer(c.sess.conn.f.cfg.SelectorBackoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-c.done:
	}
	_ = c.sess.settle(d.DeliveryTag, skipped)
}

func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sess.withChannel(func(ch *amqp091.Channel) error {
			return ch.Cancel(c.tag, false)
		})
		c.sess.forget(c)
	})
	return nil
}
