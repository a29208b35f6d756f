package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/unwatermark/internal/api"
	"github.com/dunamismax/unwatermark/internal/config"
	"github.com/dunamismax/unwatermark/internal/logging"
	"github.com/dunamismax/unwatermark/internal/queue"
	"github.com/dunamismax/unwatermark/internal/ratelimit"
	"github.com/dunamismax/unwatermark/internal/storage"
	"github.com/dunamismax/unwatermark/internal/store"
	"github.com/dunamismax/unwatermark/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	logger = logger.Named("api")
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-api",
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

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.MaxRetry, cfg.Queue.TaskTimeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close error", zap.Error(err))
		}
	}()

	removals, closeStore := openRemovalStore(ctx, cfg.Database, logger)
	defer closeStore()

	opts := api.Options{
		UserIDHeader:   cfg.RateLimit.UserIDHeader,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		Tracer:         otel.Tracer("unwatermark/api"),
	}

	objectStorage, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Warn("object storage disabled", zap.Error(err))
	} else if err := objectStorage.EnsureBucket(ctx); err != nil {
		logger.Warn("object storage unavailable, uploads disabled", zap.String("bucket", cfg.Storage.Bucket), zap.Error(err))
	} else {
		opts.Storage = objectStorage
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer redisClient.Close()
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatal("rate limiter setup failed", zap.Error(err))
		}
		opts.RateLimiter = limiter
	}

	app := api.NewServer(logger, queueClient, removals, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr))
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
		return
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// openRemovalStore uses Postgres when a DSN is configured and an in-memory
// store otherwise.
func openRemovalStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.RemovalStore, func()) {
	if cfg.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, removals are kept in memory")
		return store.NewMemoryRemovalStore(), func() {}
	}
	pg, err := store.NewPostgresRemovalStore(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal("postgres setup failed", zap.Error(err))
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn("postgres close error", zap.Error(err))
		}
	}
}
