package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when still owned by the caller, so a
// lock lost to TTL expiry is never released out from under the next owner.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`

// extendScript refreshes the TTL only while the caller still owns the lock.
const extendScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
	return 0
end
`

// ErrLockHeld is returned when another worker owns the lock. Lock contention
// is not a failure; the caller yields and re-enqueues its task.
var ErrLockHeld = fmt.Errorf("lock held by another owner")

// Lock is a TTL-guarded mutual exclusion token in the k/v store. Strategy
// work uses lock:strategy:<id>, alert writes use lock:fingerprint:<md5>.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewLock creates an unacquired lock handle.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire takes the lock or returns ErrLockHeld.
func (l *Lock) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Release frees the lock if this handle still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// Extend refreshes the TTL. Returns false when ownership was lost, at which
// point the caller must abort its task; checkpointed progress makes the
// abort safe.
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	return res == 1, nil
}

// Key returns the lock's key, for diagnostics.
func (l *Lock) Key() string { return l.key }
