package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/atriumcms/atrium/internal/app/migrate"
	httpx "github.com/atriumcms/atrium/internal/http"
	"github.com/atriumcms/atrium/internal/ratelimit"
	"github.com/atriumcms/atrium/internal/repository/postgres"
	"github.com/atriumcms/atrium/internal/service/webhook"
	"github.com/atriumcms/atrium/internal/ws"
	"github.com/atriumcms/atrium/pkg/config"
	"github.com/atriumcms/atrium/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := waitFor(ctx, cfg.StartupWait, "database", log, runner.Ping); err != nil {
		log.Error("database never became reachable", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	store, closeStore := openCounterStore(ctx, cfg, log)
	defer closeStore()

	limiter := ratelimit.New(store, log)
	webhookSvc := webhook.NewService(repo, repo, log, cfg.SecretEncryptionKey)
	dispatcher := webhook.NewDispatcher(repo, repo, hub, log, cfg.SecretEncryptionKey)

	keyLimits := func(ctx context.Context, apiKeyID string) ratelimit.KeyLimits {
		return ratelimit.KeyLimits{
			PerSecond: cfg.KeyRatePerSecond,
			PerMinute: cfg.KeyRatePerMinute,
			PerHour:   cfg.KeyRatePerHour,
			PerDay:    cfg.KeyRatePerDay,
		}
	}

	router := httpx.NewRouter(log, webhookSvc, dispatcher, limiter,
		ratelimit.IPWindows(cfg.IPRatePerSecond, cfg.IPRatePerMinute),
		keyLimits, hub, pool.Ping, store.Ping, cfg.DeliveryListLimit)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openCounterStore prefers the shared Redis counters and falls back to the
// in-process store when Redis stays unreachable past the startup window.
func openCounterStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (ratelimit.CounterStore, func()) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Warn("no redis address configured, using in-process rate limit counters")
		store := ratelimit.NewMemoryStore()
		return store, store.Close
	}

	var store *ratelimit.RedisStore
	err := waitFor(ctx, cfg.StartupWait, "redis", log, func(ctx context.Context) error {
		s, err := ratelimit.NewRedisStore(addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		log.Warn("redis unavailable, using in-process rate limit counters", "addr", addr, "error", err)
		memory := ratelimit.NewMemoryStore()
		return memory, memory.Close
	}
	return store, func() { _ = store.Close() }
}

// waitFor retries a startup probe with constant backoff until it succeeds
// or maxWait elapses.
func waitFor(ctx context.Context, maxWait time.Duration, name string, log *slog.Logger, probe func(context.Context) error) error {
	backoff := retry.WithMaxDuration(maxWait, retry.NewConstant(2*time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := probe(ctx); err != nil {
			log.Warn("dependency not ready, retrying", "dependency", name, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
