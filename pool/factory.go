package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xlog"
)

// FactoryConfig configures a SessionFactory.
type FactoryConfig struct {
	// ClientID is set on the shared connection before any session is created.
	ClientID string
	// Sessions sizes the producer-only pool.
	Sessions Config
	// Replies sizes the request/reply pool whose holders own a temporary queue.
	Replies Config
}

// SessionFactory owns one shared broker connection and pools the sessions
// created on it.
type SessionFactory struct {
	cf     xjms.ConnectionFactory
	cfg    FactoryConfig
	logger *xlog.Logger

	connMu sync.Mutex
	conn   xjms.Connection
	warmed bool // pools were warmed on conn

	producers *Pool
	replies   *Pool

	stopReap context.CancelFunc
	reapDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewSessionFactory returns a factory; the connection is opened on first use.
func NewSessionFactory(cf xjms.ConnectionFactory, cfg FactoryConfig, logger *xlog.Logger, clock xclock.Clock) (*SessionFactory, error) {
	if cf == nil {
		return nil, xjms.ErrNoProviderConfigured
	}
	if logger == nil {
		logger = xlog.Default()
	}
	f := &SessionFactory{cf: cf, cfg: cfg, logger: logger}

	var err error
	if f.producers, err = New(cfg.Sessions, f.createProducerHolder, logger, clock); err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	if f.replies, err = New(cfg.Replies, f.createReplyHolder, logger, clock); err != nil {
		return nil, fmt.Errorf("replies: %w", err)
	}

	if every := reapInterval(cfg.Sessions.IdleTimeout, cfg.Replies.IdleTimeout); every > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		f.stopReap, f.reapDone = cancel, make(chan struct{})
		go func() {
			defer close(f.reapDone)
			xclock.Until(ctx, every, func(time.Time) {
				if n := f.Reap(); n > 0 {
					f.logger.Debug().Str("released", strconv.Itoa(n)).Msg("pool: reaped idle sessions")
				}
			}, clock)
		}()
	}
	return f, nil
}

// reapInterval is half the shortest positive idle timeout, or 0 when no pool
// expires holders.
func reapInterval(timeouts ...time.Duration) time.Duration {
	var shortest time.Duration
	for _, t := range timeouts {
		if t > 0 && (shortest == 0 || t < shortest) {
			shortest = t
		}
	}
	return shortest / 2
}

// Connection returns the shared started connection, opening it if needed.
func (f *SessionFactory) Connection(ctx context.Context) (xjms.Connection, error) {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn, nil
	}

	conn, err := f.cf.CreateConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: create connection: %w", err)
	}
	if f.cfg.ClientID != "" {
		if err := conn.SetClientID(f.cfg.ClientID); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("pool: set client id: %w", err)
		}
	}
	if err := conn.Start(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pool: start connection: %w", err)
	}
	f.conn = conn
	f.logger.Debug().Str("client_id", f.cfg.ClientID).Msg("pool: connection opened")
	return conn, nil
}

// Open returns the shared connection like Connection and, the first time after
// each connect, warms both pools to their low-water marks. A failed warm-up is
// logged; the holders are created on demand instead.
func (f *SessionFactory) Open(ctx context.Context) (xjms.Connection, error) {
	conn, err := f.Connection(ctx)
	if err != nil {
		return nil, err
	}
	f.connMu.Lock()
	warm := !f.warmed && f.conn == conn
	if warm {
		f.warmed = true
	}
	f.connMu.Unlock()
	if warm {
		if err := f.Warm(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("pool: warming sessions failed")
		}
	}
	return conn, nil
}

// ResetConnection closes the shared connection and retires every holder
// created on it, idle or checked out. The next call to Connection opens a new one.
func (f *SessionFactory) ResetConnection() {
	f.connMu.Lock()
	conn := f.conn
	f.conn = nil
	f.warmed = false
	f.connMu.Unlock()

	f.producers.Clear()
	f.replies.Clear()
	if conn != nil {
		if err := conn.Close(); err != nil {
			f.logger.Warn().Err(err).Msg("pool: closing connection failed")
		}
	}
}

func (f *SessionFactory) createProducerHolder(ctx context.Context) (*Holder, error) {
	conn, err := f.Connection(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := conn.CreateSession(false)
	if err != nil {
		return nil, fmt.Errorf("pool: create session: %w", err)
	}
	prod, err := sess.CreateProducer()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("pool: create producer: %w", err)
	}
	return &Holder{Session: sess, Producer: prod}, nil
}

func (f *SessionFactory) createReplyHolder(ctx context.Context) (*Holder, error) {
	h, err := f.createProducerHolder(ctx)
	if err != nil {
		return nil, err
	}
	tmp, err := h.Session.CreateTemporaryQueue()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("pool: create temporary queue: %w", err)
	}
	h.ReplyTo = &tmp
	h.temporary = true
	cons, err := h.Session.CreateConsumer(tmp, "")
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("pool: create reply consumer: %w", err)
	}
	h.Consumer = cons
	return h, nil
}

// Get checks out a producer-only holder.
func (f *SessionFactory) Get(ctx context.Context) (*Holder, error) { return f.producers.Get(ctx) }

// GetWithReply checks out a holder owning a temporary reply queue and its consumer.
func (f *SessionFactory) GetWithReply(ctx context.Context) (*Holder, error) {
	return f.replies.Get(ctx)
}

// Recycle returns h to the pool it came from.
func (f *SessionFactory) Recycle(h *Holder) {
	if h == nil {
		return
	}
	if h.temporary {
		f.replies.Recycle(h)
		return
	}
	f.producers.Recycle(h)
}

// Invalidate closes h instead of pooling it.
func (f *SessionFactory) Invalidate(h *Holder) {
	if h == nil {
		return
	}
	if h.temporary {
		f.replies.Invalidate(h)
		return
	}
	f.producers.Invalidate(h)
}

// Warm pre-populates both pools to their low-water marks.
func (f *SessionFactory) Warm(ctx context.Context) error {
	return errors.Join(f.producers.Warm(ctx), f.replies.Warm(ctx))
}

// Reap releases soft idle holders of both pools.
func (f *SessionFactory) Reap() int { return f.producers.Reap() + f.replies.Reap() }

// Shutdown drains both pools and closes the connection. Idempotent.
func (f *SessionFactory) Shutdown(ctx context.Context) error {
	f.closeOnce.Do(func() {
		if f.stopReap != nil {
			f.stopReap()
			<-f.reapDone
		}
		errs := []error{f.producers.Shutdown(ctx), f.replies.Shutdown(ctx)}

		f.connMu.Lock()
		conn := f.conn
		f.conn = nil
		f.connMu.Unlock()
		if conn != nil {
			errs = append(errs, conn.Close())
		}
		f.closeErr = errors.Join(errs...)
	})
	return f.closeErr
}

// Stats returns snapshots of the producer and reply pools.
func (f *SessionFactory) Stats() (sessions, replies Stats) {
	return f.producers.Stats(), f.replies.Stats()
}
