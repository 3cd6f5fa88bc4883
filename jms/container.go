package jms

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"
)

// MessageHandler processes one delivery. A non-nil error rolls back a
// transacted delivery.
type MessageHandler func(ctx context.Context, tm *xjms.Message) error

// ContainerConfig configures a ListenerContainer.
type ContainerConfig struct {
	Destination xjms.Destination
	Selector    string
	// DurableName subscribes durably to a topic destination.
	DurableName string
	NoLocal     bool
	// Transacted runs each delivery in a session transaction, on the
	// consuming goroutine.
	Transacted bool
	Consumers  int
	// MaxConcurrentTasks bounds non-transacted dispatches in flight.
	MaxConcurrentTasks int
	Transactions       TransactionManager
}

// ListenerContainer polls a destination with one or more consumers and hands
// deliveries to a handler on a bounded executor. Start and Stop gate delivery
// without closing the consumers.
type ListenerContainer struct {
	conn    xjms.Connection
	cfg     ContainerConfig
	handler MessageHandler
	logger  *xlog.Logger

	sessions  []xjms.Session
	consumers []xjms.Consumer

	mu        sync.Mutex
	running   bool
	gate      chan struct{} // closed while running
	runCtx    context.Context
	runCancel context.CancelFunc

	ctx      context.Context
	cancel   context.CancelFunc
	pollers  sync.WaitGroup
	executor errgroup.Group

	errCh     chan error
	closeOnce sync.Once
	received  atomic.Uint64
}

// NewListenerContainer returns a stopped container. Call Init to create its consumers.
func NewListenerContainer(conn xjms.Connection, cfg ContainerConfig, handler MessageHandler, logger *xlog.Logger) *ListenerContainer {
	if cfg.Consumers < 1 {
		cfg.Consumers = 1
	}
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if logger == nil {
		logger = xlog.Default()
	}
	lc := &ListenerContainer{
		conn:    conn,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		gate:    make(chan struct{}),
		errCh:   make(chan error, 1),
	}
	lc.executor.SetLimit(cfg.MaxConcurrentTasks)
	return lc
}

// Init creates the sessions and consumers and starts the polling goroutines.
// Failures here are structural and returned to the caller.
func (lc *ListenerContainer) Init(ctx context.Context) error {
	consumers := lc.cfg.Consumers
	if lc.cfg.DurableName != "" {
		// a durable subscription has a single active subscriber
		consumers = 1
	}
	for i := 0; i < consumers; i++ {
		sess, err := lc.conn.CreateSession(lc.cfg.Transacted)
		if err != nil {
			lc.closeConsumers()
			return fmt.Errorf("jms: listener session: %w", err)
		}
		lc.sessions = append(lc.sessions, sess)

		cons, err := lc.createConsumer(sess)
		if err != nil {
			lc.closeConsumers()
			return fmt.Errorf("jms: listener consumer on %s: %w", lc.cfg.Destination, err)
		}
		lc.consumers = append(lc.consumers, cons)
	}

	lc.ctx, lc.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := range lc.consumers {
		lc.pollers.Add(1)
		go lc.poll(lc.sessions[i], lc.consumers[i])
	}
	return nil
}

func (lc *ListenerContainer) createConsumer(sess xjms.Session) (xjms.Consumer, error) {
	d := lc.cfg.Destination
	switch {
	case lc.cfg.DurableName != "" && d.IsTopic():
		return sess.CreateDurableSubscriber(d, lc.cfg.DurableName, lc.cfg.Selector)
	case lc.cfg.NoLocal && d.IsTopic():
		if nl, ok := sess.(xjms.NoLocalSubscriber); ok {
			return nl.CreateNoLocalConsumer(d, lc.cfg.Selector)
		}
		lc.logger.Warn().Str("destination", d.String()).Msg("jms: provider cannot suppress local messages; subscribing normally")
	}
	return sess.CreateConsumer(d, lc.cfg.Selector)
}

// Start admits deliveries. Starting a running container is a no-op.
func (lc *ListenerContainer) Start() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.running {
		return
	}
	lc.running = true
	base := lc.ctx
	if base == nil {
		base = context.Background()
	}
	lc.runCtx, lc.runCancel = context.WithCancel(base)
	close(lc.gate)
	lc.logger.Debug().Str("destination", lc.cfg.Destination.String()).Msg("jms: listener started")
}

// Stop pauses deliveries; a blocked receive is interrupted. Stopping a stopped
// container is a no-op.
func (lc *ListenerContainer) Stop() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if !lc.running {
		return
	}
	lc.running = false
	lc.gate = make(chan struct{})
	lc.runCancel()
	lc.logger.Debug().Str("destination", lc.cfg.Destination.String()).Msg("jms: listener stopped")
}

// IsRunning reports whether deliveries are admitted.
func (lc *ListenerContainer) IsRunning() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.running
}

// Err delivers the first receive failure. The container stops polling after it.
func (lc *ListenerContainer) Err() <-chan error { return lc.errCh }

// Received returns the number of deliveries taken from the broker.
func (lc *ListenerContainer) Received() uint64 { return lc.received.Load() }

// awaitRun blocks until the container is running and returns the context
// that is cancelled by the next Stop.
func (lc *ListenerContainer) awaitRun() (context.Context, bool) {
	for {
		lc.mu.Lock()
		gate, running, runCtx := lc.gate, lc.running, lc.runCtx
		lc.mu.Unlock()
		if running {
			return runCtx, true
		}
		select {
		case <-gate:
		case <-lc.ctx.Done():
			return nil, false
		}
	}
}

func (lc *ListenerContainer) poll(sess xjms.Session, cons xjms.Consumer) {
	defer lc.pollers.Done()
	for {
		runCtx, ok := lc.awaitRun()
		if !ok {
			return
		}
		tm, err := cons.Receive(runCtx)
		if err != nil {
			if runCtx.Err() != nil || lc.ctx.Err() != nil {
				continue // stopped or shutting down
			}
			select {
			case lc.errCh <- err:
			default:
			}
			lc.logger.Error().Err(err).Str("destination", lc.cfg.Destination.String()).Msg("jms: listener receive failed")
			return
		}
		lc.received.Add(1)

		if lc.cfg.Transacted {
			lc.deliverTransacted(sess, tm)
			continue
		}
		lc.executor.Go(func() error {
			if err := lc.handler(lc.ctx, tm); err != nil {
				lc.logger.Warn().Err(err).Str("message_id", tm.MessageID).Msg("jms: delivery failed")
			}
			return nil
		})
	}
}

func (lc *ListenerContainer) deliverTransacted(sess xjms.Session, tm *xjms.Message) {
	tx := &deliveryTx{session: sess}
	if lc.cfg.Transactions != nil {
		ext, err := lc.cfg.Transactions.Begin(lc.ctx)
		if err != nil {
			lc.logger.Error().Err(err).Msg("jms: begin transaction failed")
			_ = sess.Rollback()
			return
		}
		tx.external = ext
	}

	err := lc.handler(withTransaction(lc.ctx, tx), tm)
	if err != nil {
		lc.logger.Warn().Err(err).Str("message_id", tm.MessageID).Msg("jms: delivery failed, rolling back")
		if rbErr := tx.Rollback(); rbErr != nil {
			lc.logger.Error().Err(rbErr).Msg("jms: rollback failed")
		}
		return
	}
	if err := tx.Commit(); err != nil {
		lc.logger.Error().Err(err).Str("message_id", tm.MessageID).Msg("jms: commit failed")
	}
}

// Shutdown stops polling, waits for in-flight dispatches and closes the
// consumers and sessions. Idempotent.
func (lc *ListenerContainer) Shutdown(ctx context.Context) error {
	var err error
	lc.closeOnce.Do(func() {
		lc.Stop()
		if lc.cancel != nil {
			lc.cancel()
		}
		lc.closeConsumers()

		done := make(chan struct{})
		go func() {
			lc.pollers.Wait()
			_ = lc.executor.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("jms: listener shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (lc *ListenerContainer) closeConsumers() {
	for _, c := range lc.consumers {
		_ = c.Close()
	}
	for _, s := range lc.sessions {
		_ = s.Close()
	}
}
