// Package lock provides the per-environment rollout lock. A rollout holds
// the lock for its environment from start until its terminal outcome.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockLost is the cause a Lease reports when its lock expired or was
// taken over before Release.
var ErrLockLost = errors.New("lock lost")

// Locker provides mutual exclusion for a key across one or more
// orchestrator instances.
type Locker interface {
	// Acquire obtains a lock for the given key.
	// Blocks until the lock is acquired or context is cancelled.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// TryAcquire attempts to acquire a lock without blocking.
	// Returns false if the lock is already held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error)
}

// Lease is a held lock. Backends that can lose a lock while it is held
// close Lost when that happens; the holder must stop work guarded by it.
type Lease struct {
	key      string
	release  func()
	lost     chan struct{}
	lostOnce sync.Once
	relOnce  sync.Once
}

func newLease(key string, release func()) *Lease {
	return &Lease{key: key, release: release, lost: make(chan struct{})}
}

// Key returns the locked key.
func (l *Lease) Key() string { return l.key }

// Release unlocks the key. Calling it more than once is harmless.
func (l *Lease) Release() {
	l.relOnce.Do(l.release)
}

// Lost is closed when the lock is lost before Release.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// RolloutKey returns the lock key used for rollouts of an environment.
func RolloutKey(environment string) string {
	return "shipyard:rollout:" + environment
}

// InMemoryLock implements Locker for tests and single-instance deployments.
// A held lock never expires; ttl is ignored because the holder lives in the
// same process and its release runs on every exit path.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu      sync.Mutex
	waiters chan struct{} // signals when the lock is released
	held    bool
}

// NewInMemoryLock creates a new in-memory lock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{
		locks: make(map[string]*lockEntry),
	}
}

// getOrCreateEntry returns the lock entry for the given key, creating one if necessary.
func (l *InMemoryLock) getOrCreateEntry(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{
			waiters: make(chan struct{}, 1),
		}
		l.locks[key] = entry
	}
	return entry
}

// Held reports whether key is currently locked.
func (l *InMemoryLock) Held(key string) bool {
	entry := l.getOrCreateEntry(key)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.held
}

// Acquire obtains a lock for the given key, blocking until acquired or context cancelled.
func (l *InMemoryLock) Acquire(ctx context.Context, key string, _ time.Duration) (*Lease, error) {
	entry := l.getOrCreateEntry(key)

	for {
		if release, ok := entry.tryLock(); ok {
			return newLease(key, release), nil
		}

		select {
		case <-entry.waiters:
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire attempts to acquire a lock without blocking.
// Returns false if the lock is already held.
func (l *InMemoryLock) TryAcquire(_ context.Context, key string, _ time.Duration) (*Lease, bool, error) {
	release, ok := l.getOrCreateEntry(key).tryLock()
	if !ok {
		return nil, false, nil
	}
	return newLease(key, release), true, nil
}

func (e *lockEntry) tryLock() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held {
		return nil, false
	}
	e.held = true

	return func() {
		e.mu.Lock()
		e.held = false
		e.mu.Unlock()
		// Signal one waiter
		select {
		case e.waiters <- struct{}{}:
		default:
		}
	}, true
}
