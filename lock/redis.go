package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL is used when a caller passes a non-positive ttl. Redis
// locks always expire so a crashed holder cannot wedge an environment.
const DefaultRedisTTL = 2 * time.Minute

// redisPollInterval is how often Acquire retries a held lock.
const redisPollInterval = 50 * time.Millisecond

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLock implements Locker using Redis SET NX with a TTL. Each holder
// stores a random token so only the holder can release or extend the lock.
// While held, the TTL is refreshed every third of its period.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock creates a Redis lock for the server at addr.
func NewRedisLock(addr string) *RedisLock {
	return &RedisLock{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisLockWithClient wraps an existing client.
func NewRedisLockWithClient(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

// Close closes the underlying client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}

// Acquire polls TryAcquire until the lock is obtained or ctx ends.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	ticker := time.NewTicker(redisPollInterval)
	defer ticker.Stop()
	for {
		lease, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire attempts SET NX once.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	token, err := newToken()
	if err != nil {
		return nil, false, fmt.Errorf("generate lock token: %w", err)
	}
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	release := l.buildRelease(key, token)
	lease := newLease(key, func() {
		close(stop)
		release()
	})
	go l.keepAlive(lease, token, ttl, stop)
	return lease, true, nil
}

// buildRelease returns a function deleting key only if it still holds token.
func (l *RedisLock) buildRelease(key, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
}

// keepAlive extends the key every third of ttl. A failed extend is retried
// on the next tick until ttl has passed since the last success; the lease
// is then lost, as it is at once when another token owns the key.
func (l *RedisLock) keepAlive(lease *Lease, token string, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	extended := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			n, err := extendScript.Run(ctx, l.client, []string{lease.key}, token, ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err == nil && n == 1:
				extended = time.Now()
				continue
			case err == nil:
				lease.markLost()
				return
			case time.Since(extended) >= ttl:
				lease.markLost()
				return
			}
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
