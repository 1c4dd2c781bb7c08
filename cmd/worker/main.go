package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"presenza/internal/attendance"
	"presenza/internal/config"
	"presenza/internal/logging"
	"presenza/internal/queue"
	"presenza/internal/store"
	"presenza/internal/token"
	"presenza/internal/worker"
)

// Worker consumes recompute jobs and reconciles daily attendance for each class day.
func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.QueueBackend != config.BackendRedis {
		logger.Error("worker needs a shared queue; set QUEUE_BACKEND=redis")
		os.Exit(1)
	}
	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)

	svc := attendance.NewService(attendance.NewRepository(db.Client),
		token.NewEngine(cfg.TokenWindow, cfg.TokenTolerance),
		attendance.WithLocation(cfg.Location()),
		attendance.WithLogger(logger),
	)

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Error("queue consume init failed", "err", err)
		os.Exit(1)
	}

	logger.Info("worker started, waiting for messages")
	worker.Run(ctx, svc, messages, logger)
	logger.Info("worker stopped")
}
