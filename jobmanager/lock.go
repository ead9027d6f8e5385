package jobmanager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is a distributed mutual-exclusion lock, used to keep schedule
// installation single-writer per §5's "the schedule loop is itself a
// scheduled, singleton job".
type Locker interface {
	// TryLock attempts to acquire name for ttl, returning false if
	// already held. A held lock must be released with Unlock using the
	// same token before another holder can acquire it before ttl
	// expires.
	TryLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, name, token string) error
}

// RedisLock implements Locker with Redis SETNX, the same idiom
// pkg/cache/redis.go uses for its own Set call, built directly on
// redis.UniversalClient rather than through the generic cache wrapper
// since a lock's value (an owner token) has no business being
// marshaled through Cache[V]'s JSON path.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLock builds a RedisLock over an already-opened client (see
// pkg/redis.Open), namespacing every key under prefix.
func NewRedisLock(client redis.UniversalClient, prefix string) *RedisLock {
	return &RedisLock{client: client, prefix: prefix}
}

func (l *RedisLock) key(name string) string {
	if l.prefix == "" {
		return "lock:" + name
	}
	return l.prefix + ":lock:" + name
}

func (l *RedisLock) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// unlockScript releases the lock only if the caller still holds it,
// avoiding a race where an expired lock already reacquired by another
// holder gets deleted out from under them.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

func (l *RedisLock) Unlock(ctx context.Context, name, token string) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key(name)}, token).Err()
}
