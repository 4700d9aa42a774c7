// Package syncq provides a FIFO asynchronous mutex. Unlike sync.Mutex,
// waiters are woken strictly in arrival order and a waiter can give up
// via context cancellation.
package syncq

import (
	"context"
	"sync"
)

type waiter chan struct{}

// Mutex is an exclusive lock with a FIFO waiter queue. The zero value is
// an unlocked mutex.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []waiter
}

// Lock acquires the mutex, blocking until it is available or ctx is done.
// On cancellation the waiter is removed from the queue and the context
// error is returned.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	w := make(waiter)
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, other := range m.waiters {
			if other == w {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				m.mu.Unlock()
				return ctx.Err()
			}
		}
		m.mu.Unlock()
		// Already handed the lock between Done and here; pass it on so
		// ownership is not leaked.
		m.Unlock()
		return ctx.Err()
	}
}

// Unlock releases the mutex and wakes exactly the oldest waiter, if any.
// Unlocking an unlocked mutex panics.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		panic("syncq: unlock of unlocked mutex")
	}
	if len(m.waiters) == 0 {
		m.locked = false
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	close(next)
}

// TryLock acquires the mutex without blocking and reports whether it did.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}
