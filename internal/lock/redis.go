// Package lock provides the Redis-backed run lock that keeps at most one
// delivery run in flight per newsletter across workers.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLock is a lease lock using SET NX PX with owner-checked release.
// Keys and owners are passed per call, so one RedisLock serves all runs.
type RedisLock struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisLock creates a RedisLock on client.
func NewRedisLock(client redis.UniversalClient, logger *slog.Logger) *RedisLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLock{client: client, logger: logger}
}

// NewClient parses a redis:// URL and verifies connectivity.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Acquire sets key to owner if it is free. Returns false when another owner
// holds a live lease.
func (l *RedisLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		l.logger.Info("run lock busy", "key", key)
	}
	return ok, nil
}

// Release deletes key if owner still holds it. Releasing an expired or
// foreign lock is a no-op.
func (l *RedisLock) Release(ctx context.Context, key, owner string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, owner).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if n == 0 {
		l.logger.Warn("run lock was not held at release", "key", key)
	}
	return nil
}
