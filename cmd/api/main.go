package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notehub/api/internal/app"
	"notehub/api/internal/config"
	"notehub/api/internal/counter"
	"notehub/api/internal/jobs"
	"notehub/api/internal/logging"
	"notehub/api/internal/metrics"
	"notehub/api/internal/notes"
	"notehub/api/internal/ranking"
	"notehub/api/internal/reconcile"
	"notehub/api/internal/retention"
	"notehub/api/internal/store"
	"notehub/api/internal/votes"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	ledger := store.NewPostgresStore(db)

	counters, err := counter.Open(cfg.CounterBackend, cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		return err
	}
	defer counters.Close()
	logger.Info("counter store ready", zap.String("backend", cfg.CounterBackend))

	directory, err := notes.NewDirectory(ledger, cfg.NoteCacheSize)
	if err != nil {
		return err
	}

	scheduler, err := newScheduler(ctx, cfg, ledger, counters, logger)
	if err != nil {
		return err
	}

	service := app.New(cfg, app.Deps{
		Aggregator: votes.NewAggregator(counters, ledger, directory, logger),
		Reader: ranking.NewReader(counters, ledger, ranking.Options{
			DefaultPageSize: cfg.PageSizeDefault,
			MaxPageSize:     cfg.PageSizeMax,
		}, logger),
		Ledger:   ledger,
		Counters: counters,
		Jobs:     scheduler,
		Log:      logger,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, metrics.NewRegistry(), logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("notehub api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		if cfg.CounterBackend == counter.BackendMemory {
			// an in-process store starts empty; seed it from the ledger
			if err := scheduler.RunNow(jobs.Reconcile); err != nil {
				logger.Warn("initial reconcile", zap.Error(err))
			}
		}
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler shutdown", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func newScheduler(ctx context.Context, cfg config.Config, ledger *store.PostgresStore, counters votes.CounterStore, logger *zap.Logger) (*jobs.Scheduler, error) {
	scheduler := jobs.NewScheduler(logger)

	job := reconcile.NewJob(ledger, counters, cfg.ReconcileBatchSize, logger)
	if err := scheduler.Add(jobs.Reconcile, cfg.ReconcileSchedule, func(ctx context.Context) error {
		_, err := job.Run(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	var archiver retention.Archiver
	if cfg.ArchiveEndpoint != "" {
		minioArchiver, err := retention.NewMinioArchiver(ctx, retention.MinioConfig{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			return nil, err
		}
		archiver = minioArchiver
	}
	sweeper := retention.NewSweeper(ledger, archiver, retention.Options{
		Retention: cfg.HistoryRetention,
		BatchSize: cfg.HistoryBatchSize,
	}, logger)
	if err := scheduler.Add(jobs.HistoryCleanup, cfg.HistorySchedule, func(ctx context.Context) error {
		_, err := sweeper.Run(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	return scheduler, nil
}
