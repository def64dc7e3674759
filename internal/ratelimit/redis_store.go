package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisOpTimeout = 250 * time.Millisecond

// RedisStore backs counters with a shared Redis instance so all API
// replicas increment the same windows.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies liveness.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// Incr atomically increments key via Redis INCR.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return s.client.Incr(ctx, key).Result()
}

// Expire sets the key's TTL.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return s.client.Expire(ctx, key, ttl).Err()
}

// Ping probes the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
