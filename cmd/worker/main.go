package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/visionx/internal/config"
	"github.com/dunamismax/visionx/internal/logging"
	"github.com/dunamismax/visionx/internal/pipeline"
	"github.com/dunamismax/visionx/internal/registry"
	"github.com/dunamismax/visionx/internal/remote"
	"github.com/dunamismax/visionx/internal/storage"
	"github.com/dunamismax/visionx/internal/store"
	"github.com/dunamismax/visionx/internal/telemetry"
	"github.com/dunamismax/visionx/internal/webhook"
	"github.com/dunamismax/visionx/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.Component(logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout), "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "visionx-worker", cfg.Tracing, logger)
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

	service, err := remote.NewClient(remote.Config{BaseURL: cfg.Service.BaseURL, Timeout: cfg.Service.Timeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("processing service client setup failed")
	}
	algorithms := registry.Default()

	local, err := pipeline.NewLocalProcessor(cfg.Worker.LocalOutputDir, service, algorithms)
	if err != nil {
		logger.Fatal().Err(err).Msg("local processor setup failed")
	}
	deps := worker.Deps{
		Local:   local,
		Webhook: webhook.NewClient(cfg.Webhook, webhook.Options{}),
	}

	if cfg.Storage.Enabled {
		objectStore, err := storage.NewClient(cfg.Storage)
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage setup failed")
		}
		object, err := pipeline.NewObjectStoreProcessor(objectStore, cfg.Session.MaxUploadBytes, service, algorithms)
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage processor setup failed")
		}
		deps.Object = object
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
	deps.Jobs = jobStore

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker setup failed")
	}

	var metricsServer *http.Server
	if cfg.Worker.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           srv.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Bool("storage", cfg.Storage.Enabled).
		Msg("starting worker")

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("worker failed to start")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	srv.Shutdown()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown failed")
		}
	}
}
