package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xjms"
)

// Factory is an xjms.ConnectionFactory over one shared go-redis client.
// Connections are lightweight views; closing one never closes the client.
type Factory struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	// metrics for observability
	metrics *factoryMetrics
}

type factoryMetrics struct {
	sent        atomic.Uint64
	received    atomic.Uint64
	expired     atomic.Uint64
	redelivered atomic.Uint64
	claimed     atomic.Uint64
}

// Stats is a snapshot of provider counters.
type Stats struct {
	Sent        uint64
	Received    uint64
	Expired     uint64
	Redelivered uint64
	Claimed     uint64
}

var _ xjms.ConnectionFactory = (*Factory)(nil)

// NewFactory validates cfg, connects and pings Redis.
func NewFactory(cfg Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		// blocking reads honor the caller's deadline
		ContextTimeoutEnabled: true,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Factory{
		cfg:     cfg,
		client:  client,
		metrics: &factoryMetrics{},
	}, nil
}

// CreateConnection opens a stopped connection.
func (f *Factory) CreateConnection(_ context.Context) (xjms.Connection, error) {
	if f.closed.Load() {
		return nil, xjms.ErrConnectionClosed
	}
	return newConnection(f), nil
}

// Client exposes the underlying go-redis client.
func (f *Factory) Client() *redis.Client { return f.client }

// Stats returns current provider counters.
func (f *Factory) Stats() Stats {
	return Stats{
		Sent:        f.metrics.sent.Load(),
		Received:    f.metrics.received.Load(),
		Expired:     f.metrics.expired.Load(),
		Redelivered: f.metrics.redelivered.Load(),
		Claimed:     f.metrics.claimed.Load(),
	}
}

// Unsubscribe destroys a durable subscription and its pending entries.
func (f *Factory) Unsubscribe(ctx context.Context, clientID, name string, topic xjms.Destination) error {
	err := f.client.XGroupDestroy(ctx, f.key(topic), groupName(clientID, name)).Err()
	if err != nil && !isNoGroup(err) {
		return err
	}
	return nil
}

// Close releases the Redis client. Idempotent.
func (f *Factory) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.client.Close()
}

// key maps a destination to its stream key.
func (f *Factory) key(d xjms.Destination) string {
	switch d.Kind {
	case xjms.Topic:
		return f.cfg.Prefix + keyTopic + d.Name
	case xjms.TemporaryQueue:
		return f.cfg.Prefix + keyTemp + d.Name
	default:
		return f.cfg.Prefix + keyQueue + d.Name
	}
}

// xadd appends msg to dest. Temporary queues must already exist.
func (f *Factory) xadd(ctx context.Context, pipe redis.Cmdable, dest xjms.Destination, vals map[string]any) *redis.StringCmd {
	args := &redis.XAddArgs{
		Stream: f.key(dest),
		ID:     "*",
		Values: vals,
	}
	if dest.Kind == xjms.TemporaryQueue {
		args.NoMkStream = true
	}
	// queue entries are deleted on claim; only topics need trimming
	if dest.IsTopic() && f.cfg.MaxLenApprox > 0 {
		args.MaxLen = f.cfg.MaxLenApprox
		args.Approx = true
	}
	return pipe.XAdd(ctx, args)
}

func groupName(clientID, name string) string { return clientID + ":" + name }

func isBusyGroup(err error) bool { return err != nil && strings.Contains(err.Error(), "BUSYGROUP") }

func isNoGroup(err error) bool { return err != nil && strings.Contains(err.Error(), "NOGROUP") }

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}

// blockFor bounds a single XREAD BLOCK by cfg.Block and the ctx deadline.
// go-redis treats 0 as "block forever", so the result is at least 1ms.
func (f *Factory) blockFor(ctx context.Context) time.Duration {
	d := f.cfg.Block
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < d {
			d = left
		}
	}
	return max(d, time.Millisecond)
}
