package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"presenza/internal/api"
	"presenza/internal/attendance"
	"presenza/internal/config"
	"presenza/internal/httpmiddleware"
	"presenza/internal/logging"
	"presenza/internal/queue"
	"presenza/internal/store"
	"presenza/internal/token"
	"presenza/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "err", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var redisClient *store.Redis
	if cfg.UsesRedis() {
		redisClient = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisClient.Close()
	}

	engine := token.NewEngine(cfg.TokenWindow, cfg.TokenTolerance)
	svc := attendance.NewService(attendance.NewRepository(db.Client), engine,
		attendance.WithLocation(cfg.Location()),
		attendance.WithLogger(logger),
	)

	q, err := newQueue(ctx, cfg, redisClient, svc, logger)
	if err != nil {
		return err
	}
	scanLimiter, err := newScanLimiter(cfg, redisClient)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Service:     svc,
		Queue:       q,
		DB:          db,
		SigningKey:  cfg.JWTSigningKey,
		Issuer:      cfg.JWTIssuer,
		RateLimiter: httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		ScanLimiter: scanLimiter,
		Metrics:     cfg.MetricsEnabled,
		Logger:      logger,
	}
	if redisClient != nil {
		deps.Redis = redisClient
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "db", cfg.DBDriver, "queue", cfg.QueueBackend,
			"token_window", engine.Window(), "token_tolerance", cfg.TokenTolerance)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "err", err)
	}
	logger.Info("server exited")
	return nil
}

// newQueue returns the recompute queue. The memory queue is consumed by a worker in this
// process until ctx ends, since no other process can see it.
func newQueue(ctx context.Context, cfg config.App, rdb *store.Redis, svc worker.Recomputer, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.BackendRedis:
		if rdb == nil {
			return nil, errors.New("redis queue needs a redis client")
		}
		return queue.NewRedisQueue(rdb.Client, cfg.QueueKey), nil
	case config.BackendMemory:
		q := queue.NewInMemory(64)
		messages, err := q.Consume(ctx)
		if err != nil {
			return nil, err
		}
		go worker.Run(ctx, svc, messages, logger.With("component", "worker"))
		logger.Info("in-memory queue: recompute jobs run in the api process")
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func newScanLimiter(cfg config.App, rdb *store.Redis) (httpmiddleware.Limiter, error) {
	switch cfg.ScanLimiter {
	case config.BackendRedis:
		if rdb == nil {
			return nil, errors.New("redis scan limiter needs a redis client")
		}
		return httpmiddleware.NewRedisWindow(rdb.Client, "presenza:scan", cfg.ScanLimitPerMin, time.Minute), nil
	case config.BackendMemory:
		return httpmiddleware.NewSimpleTokenBucket(cfg.ScanLimitPerMin, cfg.ScanLimitPerMin), nil
	default:
		return nil, fmt.Errorf("unknown scan limiter %q", cfg.ScanLimiter)
	}
}
