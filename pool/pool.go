package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed    = errors.New("pool: closed")
	ErrExhausted = errors.New("pool: exhausted")
)

// Policy decides what Get does when all High pooled holders are checked out.
type Policy int

const (
	// Grow creates a transient holder that is closed on recycle.
	Grow Policy = iota
	// Block waits for a recycle or for ctx.
	Block
	// Fail returns ErrExhausted.
	Fail
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case Fail:
		return "fail"
	default:
		return "grow"
	}
}

// ParsePolicy maps "grow", "block" and "fail" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "grow":
		return Grow, nil
	case "block":
		return Block, nil
	case "fail":
		return Fail, nil
	}
	return Grow, fmt.Errorf("pool: unknown exhausted policy %q", s)
}

// Config sizes a Pool.
type Config struct {
	// Low idle holders are kept indefinitely and created by Warm.
	Low int `yaml:"low"`
	// High bounds the number of pooled holders, idle or checked out.
	High int `yaml:"high"`
	// IdleTimeout is how long an idle holder above Low survives Reap. 0 keeps it forever.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Policy      Policy        `yaml:"-"`
}

func (c Config) Validate() error {
	if c.High < 1 {
		return fmt.Errorf("pool: high must be >= 1, got %d", c.High)
	}
	if c.Low < 0 || c.Low > c.High {
		return fmt.Errorf("pool: low must be within [0, %d], got %d", c.High, c.Low)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("pool: idle_timeout must be >= 0, got %v", c.IdleTimeout)
	}
	return nil
}

// Clock is the part of xclock.Clock the pool needs.
type Clock interface {
	Now() time.Time
}

// CreateFunc opens a new holder.
type CreateFunc func(ctx context.Context) (*Holder, error)

// Stats is a pool snapshot.
type Stats struct {
	Idle        int
	Outstanding int
	Transient   int
	Created     uint64
	Closed      uint64
}

// Pool is a two-stage holder cache. The first Low idle holders are retained
// unconditionally; idle holders above Low are released by Reap once they have
// been idle for IdleTimeout. Pooled holders never exceed High.
type Pool struct {
	cfg    Config
	create CreateFunc
	clock  Clock
	logger *xlog.Logger

	mu          sync.Mutex
	idle        []*Holder // oldest first
	outstanding int
	transient   int
	waiters     []chan struct{}
	closed      bool
	gen         uint64 // bumped by Clear; older holders are closed on recycle
	created     uint64
	closedCount uint64
}

// New returns an empty pool. Call Warm to pre-populate it.
func New(cfg Config, create CreateFunc, logger *xlog.Logger, clock Clock) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.Default()
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &Pool{cfg: cfg, create: create, logger: logger, clock: clock}, nil
}

// Warm creates idle holders until Low pooled holders exist.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if len(p.idle)+p.outstanding >= p.cfg.Low {
			p.mu.Unlock()
			return nil
		}
		p.outstanding++
		p.mu.Unlock()

		h, err := p.newHolder(ctx, false)
		if err != nil {
			p.release()
			return err
		}
		p.Recycle(h)
	}
}

// Get checks out an idle holder, or creates one.
func (p *Pool) Get(ctx context.Context) (*Holder, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if n := len(p.idle); n > 0 {
			h := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.outstanding++
			p.mu.Unlock()
			return h, nil
		}
		if p.outstanding < p.cfg.High {
			p.outstanding++
			p.mu.Unlock()
			h, err := p.newHolder(ctx, false)
			if err != nil {
				p.release()
				return nil, err
			}
			return h, nil
		}

		switch p.cfg.Policy {
		case Fail:
			p.mu.Unlock()
			return nil, ErrExhausted
		case Grow:
			p.transient++
			p.mu.Unlock()
			h, err := p.newHolder(ctx, true)
			if err != nil {
				p.mu.Lock()
				p.transient--
				p.mu.Unlock()
				return nil, err
			}
			return h, nil
		}

		ch := make(chan struct{})
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			p.mu.Lock()
			if i := slices.Index(p.waiters, ch); i >= 0 {
				p.waiters = slices.Delete(p.waiters, i, i+1)
			} else {
				// already signalled; hand the slot to the next waiter
				p.signalLocked()
			}
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) newHolder(ctx context.Context, transient bool) (*Holder, error) {
	// read before create so a holder built on a connection that is being
	// cleared concurrently is stamped stale
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	h, err := p.create(ctx)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	h.transient = transient
	h.gen = gen
	h.created = now
	h.lastUsed = now
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return h, nil
}

// Recycle returns h. Transient holders, holders created before the last Clear,
// and any holder recycled after Shutdown are closed instead.
func (p *Pool) Recycle(h *Holder) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.transient {
		p.transient--
		p.mu.Unlock()
		p.closeHolder(h)
		return
	}
	p.outstanding--
	if p.closed || h.gen != p.gen || len(p.idle)+p.outstanding >= p.cfg.High {
		p.signalLocked()
		p.mu.Unlock()
		p.closeHolder(h)
		return
	}
	h.lastUsed = p.clock.Now()
	p.idle = append(p.idle, h)
	p.signalLocked()
	p.mu.Unlock()
}

// Invalidate closes h and frees its slot. Use it when the holder's session failed.
func (p *Pool) Invalidate(h *Holder) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.transient {
		p.transient--
	} else {
		p.outstanding--
		p.signalLocked()
	}
	p.mu.Unlock()
	p.closeHolder(h)
}

// Clear closes every idle holder and retires the checked-out ones: they are
// closed when recycled. Use it after the connection under the pool was lost.
func (p *Pool) Clear() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.gen++
	p.mu.Unlock()
	p.closeAll(context.Background(), idle)
}

// Reap closes idle holders above Low that have been idle for IdleTimeout.
// It returns the number closed.
func (p *Pool) Reap() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := p.clock.Now()

	p.mu.Lock()
	var expired []*Holder
	for len(p.idle) > p.cfg.Low && now.Sub(p.idle[0].lastUsed) >= p.cfg.IdleTimeout {
		expired = append(expired, p.idle[0])
		p.idle = p.idle[1:]
	}
	p.mu.Unlock()

	for _, h := range expired {
		p.closeHolder(h)
	}
	return len(expired)
}

// Shutdown closes every idle holder and fails pending Gets. Holders still
// checked out are closed when recycled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
	p.mu.Unlock()

	return p.closeAll(ctx, idle)
}

func (p *Pool) closeAll(ctx context.Context, holders []*Holder) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, h := range holders {
		g.Go(func() error { return p.closeHolder(h) })
	}
	return g.Wait()
}

func (p *Pool) closeHolder(h *Holder) error {
	err := h.Close()
	p.mu.Lock()
	p.closedCount++
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn().Err(err).Msg("pool: closing session holder failed")
	}
	return err
}

func (p *Pool) release() {
	p.mu.Lock()
	p.outstanding--
	p.signalLocked()
	p.mu.Unlock()
}

func (p *Pool) signalLocked() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(ch)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:        len(p.idle),
		Outstanding: p.outstanding,
		Transient:   p.transient,
		Created:     p.created,
		Closed:      p.closedCount,
	}
}
