package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAdvisoryLock implements Locker using PostgreSQL session advisory locks
// (pg_advisory_lock / pg_advisory_unlock). The key string is hashed to int64
// for use as the lock ID. Each held lock pins one pooled connection.
type PGAdvisoryLock struct {
	pool *pgxpool.Pool
}

// NewPGAdvisoryLock creates a PostgreSQL advisory lock implementation.
func NewPGAdvisoryLock(pool *pgxpool.Pool) *PGAdvisoryLock {
	return &PGAdvisoryLock{pool: pool}
}

// Acquire obtains a PostgreSQL advisory lock for the given key.
// Blocks until the lock is acquired or context is cancelled.
// ttl is not supported by advisory locks; the lock is held until released
// or the session ends.
func (l *PGAdvisoryLock) Acquire(ctx context.Context, key string, _ time.Duration) (*Lease, error) {
	lockID := hashToInt64(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection for %s: %w", key, err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
	}

	return newLease(key, unlockFunc(conn, lockID)), nil
}

// TryAcquire attempts to acquire a PostgreSQL advisory lock without blocking.
func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, _ time.Duration) (*Lease, bool, error) {
	lockID := hashToInt64(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock connection for %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return newLease(key, unlockFunc(conn, lockID)), true, nil
}

func unlockFunc(conn *pgxpool.Conn, lockID int64) func() {
	return func() {
		// The caller's ctx may already be cancelled.
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
		conn.Release()
	}
}

// hashToInt64 converts a string key to an int64 using FNV-1a hash.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	v := h.Sum64() & 0x7FFFFFFFFFFFFFFF // Clear sign bit; always <= math.MaxInt64.
	return int64(v)                     //nolint:gosec // masked to non-negative range
}
