// Package worker consumes batch processing tasks from asynq.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/visionx/internal/config"
	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/pipeline"
	"github.com/dunamismax/visionx/internal/queue"
	"github.com/dunamismax/visionx/internal/store"
	"github.com/dunamismax/visionx/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type jobProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Output, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps are the collaborators a worker needs. Object may be nil when object
// storage is disabled; s3_presigned jobs then fail without retry.
type Deps struct {
	Local   jobProcessor
	Object  jobProcessor
	Webhook webhookSender
	Jobs    store.JobStore
}

type Server struct {
	logger     zerolog.Logger
	server     *asynq.Server
	sem        chan struct{}
	processors map[string]jobProcessor
	webhook    webhookSender
	jobStore   store.JobStore
	metrics    *metrics
	tracer     trace.Tracer
	now        func() time.Time
}

func NewServer(logger zerolog.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if deps.Local == nil {
		return nil, fmt.Errorf("local processor is required")
	}

	s := newServer(logger, workerCfg.MaxActiveJobs, deps)
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.WarnLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn().
					Err(err).
					Str("type", task.Type()).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		},
	)
	return s, nil
}

func newServer(logger zerolog.Logger, maxActiveJobs int, deps Deps) *Server {
	processors := map[string]jobProcessor{domain.SourceTypeLocalFile: deps.Local}
	if deps.Object != nil {
		processors[domain.SourceTypeS3Presigned] = deps.Object
	}
	return &Server{
		logger:     logger,
		sem:        make(chan struct{}, max(1, maxActiveJobs)),
		processors: processors,
		webhook:    deps.Webhook,
		jobStore:   deps.Jobs,
		metrics:    newMetrics(),
		tracer:     otel.Tracer("visionx/worker"),
		now:        time.Now,
	}
}

// Start begins processing in the background; pair it with Shutdown.
func (s *Server) Start() error {
	return s.server.Start(s.mux())
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessImage, s.handleProcessImage)
	return mux
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessImage(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseProcessImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.runJob(ctx, payload)
}

func (s *Server) runJob(ctx context.Context, payload queue.ProcessImagePayload) error {
	startedAt := s.now()
	outcome := domain.JobStatusFailed

	ctx, span := s.tracer.Start(ctx, "worker.process_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("job.algorithm", payload.Algorithm),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(s.now().Sub(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, payload.Algorithm, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	logger := s.logger.With().
		Str("job_id", payload.JobID).
		Str("source_type", payload.SourceType).
		Str("algorithm", payload.Algorithm).
		Logger()
	logger.Info().Str("object_key", payload.ObjectKey).Msg("processing job")

	s.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusProcessing)

	processor, ok := s.processors[payload.SourceType]
	if !ok {
		err := fmt.Errorf("%w: %s", pipeline.ErrUnsupportedSourceType, payload.SourceType)
		return s.fail(ctx, logger, span, payload, err)
	}

	out, err := processor.Process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Algorithm:  payload.Algorithm,
		Parameters: payload.Parameters,
	})
	if err != nil {
		return s.fail(ctx, logger, span, payload, err)
	}

	logger.Info().Str("output", out.Path).Int("bytes", out.Bytes).Msg("job processed")
	s.metrics.outputBytes.Add(float64(out.Bytes))
	s.metrics.pixelsProcessed.Add(float64(out.Width * out.Height))

	job := s.finishJob(ctx, logger, payload, func(js store.JobStore) (domain.Job, error) {
		return js.MarkSucceeded(ctx, payload.JobID, out.Path)
	})
	job.Status = domain.JobStatusSucceeded
	job.OutputKey = out.Path

	if err := s.dispatchWebhook(ctx, logger, payload.WebhookURL, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// fail records the failure on the job, notifies the webhook, and decides
// whether asynq may retry. Input problems are never retried.
func (s *Server) fail(ctx context.Context, logger zerolog.Logger, span trace.Span, payload queue.ProcessImagePayload, cause error) error {
	logger.Error().Err(cause).Msg("job failed")
	span.RecordError(cause)
	span.SetStatus(codes.Error, "pipeline failed")

	reason := domain.UserMessage(cause)
	job := s.finishJob(ctx, logger, payload, func(js store.JobStore) (domain.Job, error) {
		return js.MarkFailed(ctx, payload.JobID, reason)
	})
	job.Status = domain.JobStatusFailed
	job.Error = reason

	_ = s.dispatchWebhook(ctx, logger, payload.WebhookURL, job)

	if permanent(cause) {
		return fmt.Errorf("run pipeline: %w: %w", cause, asynq.SkipRetry)
	}
	return fmt.Errorf("run pipeline: %w", cause)
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrUnknownAlgorithm) ||
		errors.Is(err, domain.ErrUnknownParameter) ||
		errors.Is(err, domain.ErrEncoding) ||
		errors.Is(err, pipeline.ErrUnsupportedSourceType)
}

// finishJob applies a terminal transition. Without a store, or when the
// store write fails, the job is rebuilt from the payload so the webhook
// still carries the request details.
func (s *Server) finishJob(ctx context.Context, logger zerolog.Logger, payload queue.ProcessImagePayload, transition func(store.JobStore) (domain.Job, error)) domain.Job {
	fallback := domain.Job{
		ID:         payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Algorithm:  payload.Algorithm,
		Parameters: payload.Parameters.Clone(),
		WebhookURL: payload.WebhookURL,
	}
	if s.jobStore == nil {
		return fallback
	}
	job, err := transition(s.jobStore)
	if err != nil {
		logger.Error().Err(err).Msg("job state update failed")
		return fallback
	}
	return job
}

func (s *Server) updateJobStatus(ctx context.Context, logger zerolog.Logger, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		logger.Error().Err(err).Str("status", status).Msg("job status update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, logger zerolog.Logger, endpoint string, job domain.Job) error {
	if endpoint == "" || s.webhook == nil {
		return nil
	}

	event, body := webhook.EventFor(job, s.now())
	if err := s.webhook.Send(ctx, endpoint, event, body); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		logger.Error().Err(err).Str("event", event).Msg("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}
