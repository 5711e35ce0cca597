package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/visionx/internal/api"
	"github.com/dunamismax/visionx/internal/config"
	"github.com/dunamismax/visionx/internal/logging"
	"github.com/dunamismax/visionx/internal/queue"
	"github.com/dunamismax/visionx/internal/ratelimit"
	"github.com/dunamismax/visionx/internal/registry"
	"github.com/dunamismax/visionx/internal/remote"
	"github.com/dunamismax/visionx/internal/session"
	"github.com/dunamismax/visionx/internal/storage"
	"github.com/dunamismax/visionx/internal/store"
	"github.com/dunamismax/visionx/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := logging.Component(logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout), "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "visionx-api", cfg.Tracing, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown failed")
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	service, err := remote.NewClient(remote.Config{
		BaseURL:    cfg.Service.BaseURL,
		Timeout:    cfg.Service.Timeout,
		Registerer: promRegistry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("processing service client setup failed")
	}

	sessionCfg, err := session.ConfigFrom(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid session configuration")
	}
	sessionCfg.Registerer = promRegistry

	algorithms := registry.Default()
	sess, err := session.New(logging.Component(logger, "session"), algorithms, service, sessionCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("session setup failed")
	}

	jobStore, closeStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("job store setup failed")
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error().Err(err).Msg("job store close failed")
		}
	}()

	queueClient := queue.NewClient(cfg.Queue)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Error().Err(err).Msg("queue client close failed")
		}
	}()

	opts := api.Options{
		Queue:               queueClient,
		Jobs:                jobStore,
		PresignTTL:          cfg.API.PresignTTL,
		MaxUploadBytes:      cfg.Session.MaxUploadBytes,
		RateLimitUserHeader: cfg.RateLimit.UserHeader,
		BatchCost:           int64(cfg.RateLimit.BatchCost),
		Registry:            promRegistry,
	}

	if cfg.Storage.Enabled {
		objectStore, err := storage.NewClient(cfg.Storage)
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage setup failed")
		}
		if err := objectStore.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Str("bucket", objectStore.Bucket()).Msg("object storage bucket check failed")
		}
		opts.Storage = objectStore
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("redis client close failed")
			}
		}()
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, ratelimit.DefaultKeyPrefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("rate limiter setup failed")
		}
		opts.RateLimiter = limiter
	}

	app := api.NewServer(logger, sess, algorithms, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.API.Addr).
			Str("service", service.BaseURL()).
			Bool("storage", cfg.Storage.Enabled).
			Bool("rate_limit", cfg.RateLimit.Enabled).
			Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
