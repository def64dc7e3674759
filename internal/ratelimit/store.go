package ratelimit

import (
	"context"
	"time"
)

// CounterStore is the shared counter backend. Correctness across replicas
// depends on Incr being atomic in the store, not on any in-process lock.
type CounterStore interface {
	// Incr atomically increments the counter at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the key's time-to-live.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Ping probes store liveness.
	Ping(ctx context.Context) error
}
