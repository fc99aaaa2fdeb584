package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"memsci/internal/logging"
)

// RedisLocker provides advisory locks for cross-instance coordination:
// per-user ingestion serialization and per-run periodic-job locks. Within a
// single instance the in-memory queue already serializes; the lock guards
// multi-instance deployments.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps a redis client. A nil client yields a locker whose
// Acquire always succeeds, for single-instance and test setups.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes the named lock for ttl. It returns a release func and
// whether the lock was obtained. Release only deletes the key if this
// holder still owns it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool) {
	if l == nil || l.client == nil {
		return func() {}, true
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		logging.Get(logging.CategoryTasks).Warn("Lock acquire failed for %s, proceeding unlocked: %v", key, err)
		return func() {}, true
	}
	if !ok {
		return nil, false
	}

	release := func() {
		const script = `if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1]) else return 0 end`
		if err := l.client.Eval(context.Background(), script, []string{key}, token).Err(); err != nil {
			logging.Get(logging.CategoryTasks).Warn("Lock release failed for %s: %v", key, err)
		}
	}
	return release, true
}
