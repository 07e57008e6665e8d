// Package memory provides an in-process, context-aware mutex.
// Per-VM lifecycle and exec locks are built on it: a size-1 buffered
// channel carries the lock token so acquisition can block on ctx without
// busy-waiting.
package memory

import (
	"context"
	"fmt"

	"github.com/anroOfCode/clawpot/lock"
)

// compile-time interface check.
var _ lock.Locker = (*Mutex)(nil)

// Mutex is a context-aware mutual exclusion lock. The zero value is not
// usable; construct with New.
type Mutex struct {
	name string
	ch   chan struct{}
}

// New creates a Mutex. The name appears in acquisition errors.
func New(name string) *Mutex {
	return &Mutex{name: name, ch: make(chan struct{}, 1)}
}

// Lock acquires the mutex, blocking until available or ctx is cancelled.
func (m *Mutex) Lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire lock %s: %w", m.name, ctx.Err())
	}
}

// TryLock attempts a non-blocking acquisition.
// Returns (false, nil) if the lock is currently held by another caller.
func (m *Mutex) TryLock(_ context.Context) (bool, error) {
	select {
	case m.ch <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

// Unlock releases the mutex. Unlocking a free mutex is a no-op.
func (m *Mutex) Unlock(_ context.Context) error {
	select {
	case <-m.ch:
	default:
	}
	return nil
}
