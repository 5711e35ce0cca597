// Package api serves one processing session over HTTP together with the
// batch job endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/history"
	"github.com/dunamismax/visionx/internal/queue"
	"github.com/dunamismax/visionx/internal/registry"
	"github.com/dunamismax/visionx/internal/session"
	"github.com/dunamismax/visionx/internal/store"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxJSONBodyBytes = 1 << 20
	multipartSlack   = 1 << 20
)

type Server struct {
	logger                zerolog.Logger
	session               *session.Session
	registry              *registry.Registry
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	presignTTL            time.Duration
	maxUploadBytes        int64
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	batchCost             int64
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueProcessImage(ctx context.Context, payload queue.ProcessImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

// Options carries the optional collaborators. A nil Queue disables the
// batch endpoints; a nil Jobs falls back to an in-memory store.
type Options struct {
	Queue               queueEnqueuer
	Jobs                store.JobStore
	Storage             objectStorage
	PresignTTL          time.Duration
	MaxUploadBytes      int64
	RateLimiter         RateLimiter
	RateLimitUserHeader string
	// BatchCost is the token cost of creating a batch job; zero means 1.
	BatchCost int64
	// Registry receives the HTTP metrics and backs GET /metrics.
	Registry *prometheus.Registry
}

func NewServer(logger zerolog.Logger, sess *session.Session, reg *registry.Registry, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.Jobs == nil {
		opts.Jobs = store.NewMemoryJobStore()
	}
	if opts.RateLimitUserHeader == "" {
		opts.RateLimitUserHeader = "X-User-ID"
	}
	if opts.BatchCost <= 0 {
		opts.BatchCost = 1
	}
	if reg == nil {
		reg = registry.Default()
	}

	s := &Server{
		logger:                logger,
		session:               sess,
		registry:              reg,
		queueClient:           opts.Queue,
		jobStore:              opts.Jobs,
		storage:               opts.Storage,
		presignTTL:            opts.PresignTTL,
		maxUploadBytes:        opts.MaxUploadBytes,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserHeader,
		batchCost:             opts.BatchCost,
		metrics:               newMetrics(opts.Registry),
		tracer:                otel.Tracer("visionx/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

var errStorageUnavailable = errors.New("object storage is unavailable")

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) PresignedGetURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("GET /v1/algorithms", s.handleListAlgorithms)
	s.mux.HandleFunc("GET /v1/session", s.handleGetSession)
	s.mux.HandleFunc("PUT /v1/session/algorithm", s.handleSelectAlgorithm)
	s.mux.HandleFunc("PUT /v1/session/parameters/{name}", s.handleSetParameter)
	s.mux.HandleFunc("POST /v1/session/image", s.handleUploadImage)
	s.mux.HandleFunc("DELETE /v1/session/image", s.handleResetImage)
	s.mux.HandleFunc("POST /v1/session/process", s.handleProcess)
	s.mux.HandleFunc("GET /v1/history", s.handleHistory)

	s.mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
	s.mux.HandleFunc("POST /v1/batches/{id}/start", s.handleStartBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAlgorithms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"algorithms": s.registry.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleSelectAlgorithm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Algorithm string `json:"algorithm"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.session.SelectAlgorithm(strings.TrimSpace(req.Algorithm)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *float64 `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		writeMessage(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := s.session.SetParameter(r.PathValue("name"), *req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartSlack)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		// A failed upload leaves no original behind.
		s.session.Reset()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, domain.Wrap(domain.ErrEncoding, "upload image", err))
			return
		}
		writeMessage(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	result, err := s.session.UploadImage(r.Context(), header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.uploadBytes.Observe(float64(result.Bytes))
	writeJSON(w, http.StatusOK, map[string]any{
		"filename":  result.Filename,
		"message":   "Image uploaded successfully",
		"mime_type": result.MIMEType,
		"bytes":     result.Bytes,
		"forwarded": result.Forwarded,
	})
}

func (s *Server) handleResetImage(w http.ResponseWriter, _ *http.Request) {
	s.session.Reset()
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.session.Process(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":    outcome.Applied,
		"generation": outcome.Generation,
		"message":    outcome.Result.Message,
		"session":    s.session.Snapshot(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	view := s.session.History(r.Context())
	status := http.StatusOK
	if view.State == history.StateError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, view)
}

// statusFor maps an error kind to the HTTP status shown to clients.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNoImage):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownAlgorithm),
		errors.Is(err, domain.ErrUnknownParameter),
		errors.Is(err, domain.ErrEncoding):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProcessingFailure),
		errors.Is(err, domain.ErrHistoryFetch),
		errors.Is(err, domain.ErrUploadFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeMessage(w, statusFor(err), domain.UserMessage(err))
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, into any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
