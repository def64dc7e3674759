package ratelimit

import (
	"context"
	"fmt"
	"time"

	"log/slog"
)

// Decision is the outcome of an admission check: the limit, remaining
// quota, and time until reset of the most restrictive window evaluated.
type Decision struct {
	Limit     int
	Remaining int
	Reset     time.Duration
}

// LimitExceededError reports which window rejected the request.
type LimitExceededError struct {
	Window     string
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per %s", e.Limit, e.Window)
}

// Limiter performs fixed-window admission checks against a CounterStore.
type Limiter struct {
	store  CounterStore
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Limiter.
func New(store CounterStore, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Check evaluates windows in order, smallest granularity first, atomically
// incrementing one counter per window. The first window over quota rejects
// the request and leaves coarser windows un-incremented for this call.
// Counter-store failures never reject: the check fails open with a
// synthetic allowed decision. An empty window set trivially succeeds.
func (l *Limiter) Check(ctx context.Context, identity Identity, windows []Window) (Decision, error) {
	var best Decision
	bestSet := false
	nowUnix := l.now().Unix()

	for _, w := range windows {
		if w.Limit <= 0 {
			continue
		}
		seconds := int64(w.Duration / time.Second)
		index := nowUnix / seconds
		key := fmt.Sprintf("rl:%s:%s:%d", identity, w.Suffix, index)

		count, err := l.store.Incr(ctx, key)
		if err != nil {
			l.logger.Warn("counter store unavailable, allowing request",
				"key", key, "window", w.Name, "error", err)
			return Decision{Limit: w.Limit, Remaining: w.Limit - 1, Reset: w.Duration}, nil
		}
		if count == 1 {
			// TTL is set only by the increment that created the key, so
			// later requests in the window never extend its lifetime.
			if err := l.store.Expire(ctx, key, w.Duration); err != nil {
				l.logger.Warn("failed to set counter expiry", "key", key, "error", err)
			}
		}

		reset := time.Duration(seconds-nowUnix%seconds) * time.Second
		if int(count) > w.Limit {
			return Decision{}, &LimitExceededError{Window: w.Name, Limit: w.Limit, RetryAfter: reset}
		}

		remaining := w.Limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		if !bestSet || remaining < best.Remaining {
			best = Decision{Limit: w.Limit, Remaining: remaining, Reset: reset}
			bestSet = true
		}
	}
	return best, nil
}
