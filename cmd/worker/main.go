package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/unwatermark/internal/cache"
	"github.com/dunamismax/unwatermark/internal/config"
	"github.com/dunamismax/unwatermark/internal/logging"
	"github.com/dunamismax/unwatermark/internal/pipeline"
	"github.com/dunamismax/unwatermark/internal/storage"
	"github.com/dunamismax/unwatermark/internal/store"
	"github.com/dunamismax/unwatermark/internal/telemetry"
	"github.com/dunamismax/unwatermark/internal/webhook"
	"github.com/dunamismax/unwatermark/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	logger = logger.Named("worker")
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatal("image runtime startup failed", zap.Error(err))
	}
	defer pipeline.Shutdown()

	deps := worker.Deps{
		Webhooks: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}),
	}

	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresRemovalStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("postgres setup failed", zap.Error(err))
		}
		defer pg.Close()
		deps.Removals = pg
	} else {
		logger.Warn("POSTGRES_DSN not set, removals are kept in memory")
		deps.Removals = store.NewMemoryRemovalStore()
	}

	objectStorage, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Warn("object storage disabled, exporting to local disk", zap.String("dir", cfg.Worker.LocalOutputDir), zap.Error(err))
	} else if err := objectStorage.EnsureBucket(ctx); err != nil {
		logger.Warn("object storage unavailable, exporting to local disk", zap.String("dir", cfg.Worker.LocalOutputDir), zap.Error(err))
	} else {
		deps.Storage = objectStorage
	}

	if cfg.Cache.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer redisClient.Close()
		resultCache, err := cache.NewRedisResultCache(redisClient, cfg.Cache.TTL, cfg.Cache.KeyPrefix)
		if err != nil {
			logger.Fatal("result cache setup failed", zap.Error(err))
		}
		deps.Cache = resultCache
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Remote, deps)
	if err != nil {
		logger.Fatal("worker setup failed", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.Bool("result_cache", cfg.Cache.Enabled),
	)

	// Run blocks until SIGINT or SIGTERM.
	if err := srv.Run(); err != nil {
		logger.Error("worker failed", zap.Error(err))
	}
}
