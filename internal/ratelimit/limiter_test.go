package ratelimit

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"
)

type fakeStore struct {
	counts      map[string]int64
	expireCalls map[string]int
	incrErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[string]int64), expireCalls: make(map[string]int)}
}

func (s *fakeStore) Incr(ctx context.Context, key string) (int64, error) {
	if s.incrErr != nil {
		return 0, s.incrErr
	}
	s.counts[key]++
	return s.counts[key], nil
}

func (s *fakeStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.expireCalls[key]++
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func testLimiter(store CounterStore) *Limiter {
	l := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return l
}

func TestCheckSingleWindowLimit(t *testing.T) {
	store := newFakeStore()
	limiter := testLimiter(store)
	windows := []Window{secondWindow(5)}
	identity := KeyIdentity("abc")

	for i := 1; i <= 5; i++ {
		decision, err := limiter.Check(context.Background(), identity, windows)
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if decision.Limit != 5 {
			t.Fatalf("request %d: limit = %d, want 5", i, decision.Limit)
		}
		if decision.Remaining != 5-i {
			t.Fatalf("request %d: remaining = %d, want %d", i, decision.Remaining, 5-i)
		}
	}

	_, err := limiter.Check(context.Background(), identity, windows)
	var exceeded *LimitExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("request 6: expected LimitExceededError, got %v", err)
	}
	if exceeded.Window != "second" || exceeded.Limit != 5 {
		t.Fatalf("unexpected rejection detail: %+v", exceeded)
	}
}

func TestAdjacentWindowIndicesIndependent(t *testing.T) {
	store := newFakeStore()
	limiter := testLimiter(store)
	windows := []Window{secondWindow(2)}
	identity := IPIdentity("10.0.0.1")

	for i := 0; i < 2; i++ {
		if _, err := limiter.Check(context.Background(), identity, windows); err != nil {
			t.Fatalf("warmup request %d failed: %v", i, err)
		}
	}
	if _, err := limiter.Check(context.Background(), identity, windows); err == nil {
		t.Fatal("expected rejection in exhausted window")
	}

	// Next second: a fresh window index, counter starts over at 1.
	limiter.now = func() time.Time { return time.Unix(1_700_000_001, 0) }
	decision, err := limiter.Check(context.Background(), identity, windows)
	if err != nil {
		t.Fatalf("first request of new window rejected: %v", err)
	}
	if decision.Remaining != 1 {
		t.Fatalf("remaining = %d, want 1 (count must restart at 1)", decision.Remaining)
	}
}

func TestExpireSetOnlyOnFirstIncrement(t *testing.T) {
	store := newFakeStore()
	limiter := testLimiter(store)
	windows := []Window{minuteWindow(10)}
	identity := KeyIdentity("ttl-check")

	for i := 0; i < 3; i++ {
		if _, err := limiter.Check(context.Background(), identity, windows); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
	for key, calls := range store.expireCalls {
		if calls != 1 {
			t.Fatalf("key %s: expire called %d times, want exactly once", key, calls)
		}
	}
	if len(store.expireCalls) != 1 {
		t.Fatalf("expected one key with expiry, got %d", len(store.expireCalls))
	}
}

func TestFailOpenOnStoreError(t *testing.T) {
	store := newFakeStore()
	store.incrErr = errors.New("connection refused")
	limiter := testLimiter(store)

	decision, err := limiter.Check(context.Background(), KeyIdentity("abc"), []Window{minuteWindow(60)})
	if err != nil {
		t.Fatalf("store outage must not surface an error, got %v", err)
	}
	if decision.Limit != 60 || decision.Remaining != 59 {
		t.Fatalf("synthetic decision = %+v, want limit 60 remaining 59", decision)
	}
	if decision.Reset != time.Minute {
		t.Fatalf("synthetic reset = %v, want full window duration", decision.Reset)
	}
}

func TestFirstViolationSkipsCoarserWindows(t *testing.T) {
	store := newFakeStore()
	limiter := testLimiter(store)
	windows := []Window{secondWindow(5), minuteWindow(50)}
	identity := KeyIdentity("burst")

	for i := 0; i < 5; i++ {
		if _, err := limiter.Check(context.Background(), identity, windows); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
	_, err := limiter.Check(context.Background(), identity, windows)
	var exceeded *LimitExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if exceeded.Window != "second" {
		t.Fatalf("violated window = %q, want second", exceeded.Window)
	}

	minuteKey := "rl:key:burst:m:28333333"
	if got := store.counts[minuteKey]; got != 5 {
		t.Fatalf("minute counter = %d, want 5 (rejected call must not increment it)", got)
	}
}

func TestEmptyWindowsTriviallyAllowed(t *testing.T) {
	limiter := testLimiter(newFakeStore())
	decision, err := limiter.Check(context.Background(), KeyIdentity("nolimits"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != (Decision{}) {
		t.Fatalf("expected zero decision, got %+v", decision)
	}
}

func TestMostRestrictiveWindowReported(t *testing.T) {
	limiter := testLimiter(newFakeStore())
	windows := []Window{secondWindow(5), minuteWindow(50)}
	decision, err := limiter.Check(context.Background(), KeyIdentity("abc"), windows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Limit != 5 || decision.Remaining != 4 {
		t.Fatalf("decision = %+v, want the tighter second window", decision)
	}
}

func TestKeyWindowsSkipDisabledGranularities(t *testing.T) {
	windows := KeyWindows(KeyLimits{PerMinute: 120, PerDay: 10000})
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Name != "minute" || windows[1].Name != "day" {
		t.Fatalf("unexpected window order: %s, %s", windows[0].Name, windows[1].Name)
	}
}

func TestIPWindowsAlwaysSecondAndMinute(t *testing.T) {
	windows := IPWindows(10, 300)
	if len(windows) != 2 || windows[0].Suffix != "s" || windows[1].Suffix != "m" {
		t.Fatalf("unexpected IP windows: %+v", windows)
	}
}
