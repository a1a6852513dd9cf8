// Package cache provides the two SharedStateStore backends: a Redis-backed
// store for multi-process deployments and an in-process store for
// single-node or test use. Both honor the short, fail-fast timeout contract
// the dispatch layer relies on: a slow or unreachable backing store surfaces
// as an error rather than hanging a dispatcher tick.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements common.SharedStateStore against a real (or
// miniredis-backed, in tests) Redis instance.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisStore dials addr (or a full redis:// URL) and wraps it. Every
// operation applies timeout as a hard ceiling via context.WithTimeout,
// independent of whatever deadline the caller's context already carries.
func NewRedisStore(addr string, timeout time.Duration) (*RedisStore, error) {
	opts, err := parseRedisAddr(addr)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts), timeout: timeout}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, used by tests
// that point at a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client, timeout time.Duration) *RedisStore {
	return &RedisStore{client: client, timeout: timeout}
}

func parseRedisAddr(addr string) (*redis.Options, error) {
	if addr == "" {
		return nil, errors.New("empty redis address")
	}
	if opts, err := redis.ParseURL(addr); err == nil {
		return opts, nil
	}
	return &redis.Options{Addr: addr}, nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sss add %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sss get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("sss set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("sss delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	val, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("sss incr %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Touch(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("sss touch %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
