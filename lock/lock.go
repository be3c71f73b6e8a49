// Package lock serializes wallet mutations. Every state-changing operation
// runs under its wallet's lock; a TTL bounds how long a wedged holder can
// block the wallet.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultAcquireTimeout is how long an acquirer waits before giving up.
	DefaultAcquireTimeout = 5 * time.Second
	// DefaultHoldTTL is how long a holder keeps the lock before a waiter
	// may take it over.
	DefaultHoldTTL = 2 * time.Minute
)

// ErrBusy is returned when the lock could not be acquired within the
// acquire timeout.
var ErrBusy = errors.New("lock: busy")

// Locker grants exclusive access to a named resource. Implementations other
// than Manager can back this with an external lock service.
type Locker interface {
	// Acquire blocks until the named lock is granted, the acquire timeout
	// passes, or ctx is done. The returned release is idempotent and safe
	// to call after the lock expired.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

type holder struct {
	token     uint64
	expiresAt time.Time
	released  chan struct{}
}

// Manager is an in-process Locker with per-name TTL locks. An expired lock
// is taken over by the next waiter and the previous holder's release
// becomes a no-op.
type Manager struct {
	mu        sync.Mutex
	held      map[string]*holder
	nextToken uint64

	timeout time.Duration
	ttl     time.Duration
}

// NewManager builds a Manager. Non-positive durations fall back to the
// defaults.
func NewManager(acquireTimeout, holdTTL time.Duration) *Manager {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	return &Manager{
		held:    make(map[string]*holder),
		timeout: acquireTimeout,
		ttl:     holdTTL,
	}
}

func (m *Manager) Acquire(ctx context.Context, name string) (func(), error) {
	deadline := time.Now().Add(m.timeout)
	for {
		m.mu.Lock()
		now := time.Now()
		h, ok := m.held[name]
		if !ok || now.After(h.expiresAt) {
			if ok {
				// Take over the expired lock and wake its other waiters.
				close(h.released)
			}
			m.nextToken++
			granted := &holder{
				token:     m.nextToken,
				expiresAt: now.Add(m.ttl),
				released:  make(chan struct{}),
			}
			m.held[name] = granted
			m.mu.Unlock()
			token := granted.token
			return func() { m.release(name, token) }, nil
		}
		released := h.released
		expiresAt := h.expiresAt
		m.mu.Unlock()

		// Wake when the holder releases, when its TTL runs out, or when
		// our own budget is spent.
		wake := deadline
		if expiresAt.Before(wake) {
			wake = expiresAt
		}
		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-released:
			timer.Stop()
		case <-timer.C:
		}
		if time.Now().After(deadline) {
			return nil, ErrBusy
		}
	}
}

func (m *Manager) release(name string, token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[name]
	if !ok || h.token != token {
		return
	}
	delete(m.held, name)
	close(h.released)
}

// RunLocked runs fn while holding the named lock.
func RunLocked(ctx context.Context, l Locker, name string, fn func() error) error {
	release, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
