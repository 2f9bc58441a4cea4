// Command reconcile rebuilds the Counter Store from the vote ledger once and
// exits. Run it after a Redis flush or to seed a fresh Redis.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"notehub/api/internal/config"
	"notehub/api/internal/counter"
	"notehub/api/internal/logging"
	"notehub/api/internal/reconcile"
	"notehub/api/internal/store"
)

func main() {
	cfg := config.Load()
	batchSize := flag.Int("batch", cfg.ReconcileBatchSize, "notes per batch")
	flag.Parse()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	counters, err := counter.Open(cfg.CounterBackend, cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		logger.Fatal("counter store connection failed", zap.Error(err))
	}
	defer counters.Close()

	report, err := reconcile.NewJob(store.NewPostgresStore(db), counters, *batchSize, logger).Run(ctx)
	if err != nil {
		logger.Fatal("reconcile failed", zap.Int("notes", report.Notes), zap.Error(err))
	}
	logger.Info("reconcile done",
		zap.Int("notes", report.Notes),
		zap.Int("pruned", report.Pruned),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
}
