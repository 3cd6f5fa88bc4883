// Package correlation matches asynchronous replies to the exchanges waiting for them.
package correlation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trickstertwo/xjms/exchange"
)

var (
	ErrEmptyToken     = errors.New("correlation: empty token")
	ErrDuplicateToken = errors.New("correlation: token already registered")
)

// Map holds the in-flight exchanges of one conduit keyed by correlation token.
// Every entry is handed out at most once: by Claim, ClaimWait, Remove or Drain.
type Map struct {
	mu      sync.Mutex
	entries map[string]*exchange.Exchange
	// waiters are closed when their token gets registered.
	waiters map[string]chan struct{}
}

func NewMap() *Map {
	return &Map{
		entries: make(map[string]*exchange.Exchange),
		waiters: make(map[string]chan struct{}),
	}
}

// Register inserts ex under token and wakes any listener waiting for it.
func (m *Map) Register(token string, ex *exchange.Exchange) error {
	if token == "" {
		return ErrEmptyToken
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[token]; ok {
		return ErrDuplicateToken
	}
	m.entries[token] = ex
	if ch, ok := m.waiters[token]; ok {
		close(ch)
		delete(m.waiters, token)
	}
	return nil
}

// Claim removes and returns the exchange registered under token.
func (m *Map) Claim(token string) (*exchange.Exchange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimLocked(token)
}

func (m *Map) claimLocked(token string) (*exchange.Exchange, bool) {
	ex, ok := m.entries[token]
	if ok {
		delete(m.entries, token)
	}
	return ex, ok
}

// ClaimWait is Claim for a reply that may have overtaken its registration: it
// waits up to wait for token to be registered before giving up.
func (m *Map) ClaimWait(ctx context.Context, token string, wait time.Duration) (*exchange.Exchange, bool) {
	if token == "" {
		return nil, false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if ex, ok := m.claimLocked(token); ok {
			m.mu.Unlock()
			return ex, true
		}
		if wait <= 0 {
			m.mu.Unlock()
			return nil, false
		}
		ch, ok := m.waiters[token]
		if !ok {
			ch = make(chan struct{})
			m.waiters[token] = ch
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			m.dropWaiter(token, ch)
			return m.Claim(token)
		case <-ctx.Done():
			m.dropWaiter(token, ch)
			return nil, false
		}
	}
}

func (m *Map) dropWaiter(token string, ch chan struct{}) {
	m.mu.Lock()
	if cur, ok := m.waiters[token]; ok && cur == ch {
		delete(m.waiters, token)
	}
	m.mu.Unlock()
}

// Remove abandons token. It reports whether an entry was removed.
func (m *Map) Remove(token string) bool {
	_, ok := m.Claim(token)
	return ok
}

// Len returns the number of in-flight entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Drain removes and returns every entry.
func (m *Map) Drain() map[string]*exchange.Exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.entries
	m.entries = make(map[string]*exchange.Exchange)
	return out
}
