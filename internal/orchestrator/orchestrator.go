// Package orchestrator turns the current selection into a processing
// request, sends it to the processing service, and reconciles the single
// response with the image store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/imagestate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StalePolicy decides what happens to a response that lands after a newer
// submission's response was already applied.
type StalePolicy string

const (
	// LastArrivalWins applies every successful response in arrival order.
	LastArrivalWins StalePolicy = "last_arrival_wins"
	// DiscardStale drops a response once a newer submission has been applied.
	DiscardStale StalePolicy = "discard_stale"
)

func ParseStalePolicy(raw string) (StalePolicy, error) {
	switch StalePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", LastArrivalWins:
		return LastArrivalWins, nil
	case DiscardStale:
		return DiscardStale, nil
	default:
		return "", fmt.Errorf("unknown stale policy %q", raw)
	}
}

// Processor sends one request and waits for one response.
type Processor interface {
	Process(ctx context.Context, req domain.ProcessingRequest) (domain.ProcessedResult, error)
}

type Option func(*Orchestrator)

func WithStalePolicy(policy StalePolicy) Option {
	return func(o *Orchestrator) {
		o.policy = policy
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) {
		o.registerer = reg
	}
}

// Outcome describes one finished submission. Applied is false when the
// response was not written to the image store.
type Outcome struct {
	Result     domain.ProcessedResult
	Applied    bool
	Generation uint64
}

type Status struct {
	Processing bool   `json:"processing"`
	InFlight   int    `json:"in_flight"`
	Error      string `json:"error,omitempty"`
}

type Orchestrator struct {
	logger     zerolog.Logger
	processor  Processor
	images     *imagestate.Store
	policy     StalePolicy
	registerer prometheus.Registerer
	metrics    *metrics
	tracer     trace.Tracer

	mu         sync.Mutex
	inFlight   int
	generation uint64
	appliedGen uint64
	lastErr    string
}

func New(logger zerolog.Logger, processor Processor, images *imagestate.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:    logger,
		processor: processor,
		images:    images,
		policy:    LastArrivalWins,
		tracer:    otel.Tracer("visionx/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics = newMetrics(o.registerer)
	return o
}

// Submit builds a request from the given inputs and waits for the service.
//
// An absent image returns ErrNoImage and changes nothing. A failure leaves
// the processed image untouched and records a user-facing message. A
// success is written to the image store unless the original it was made
// from has been replaced, or the stale policy drops it.
func (o *Orchestrator) Submit(ctx context.Context, algorithmID string, parameters domain.ParameterValues, original domain.EncodedImage) (Outcome, error) {
	req, err := domain.NewProcessingRequest(algorithmID, parameters, original)
	if err != nil {
		return Outcome{}, err
	}

	// The result belongs to the original as it was at submission time.
	snap := o.images.Snapshot()
	version := snap.Version
	matchesStore := snap.Original == original

	gen := o.begin()
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit")
	span.SetAttributes(
		attribute.String("visionx.algorithm", req.Algorithm),
		attribute.Int64("visionx.generation", int64(gen)),
	)
	defer span.End()

	logger := o.logger.With().
		Str("algorithm", req.Algorithm).
		Uint64("generation", gen).
		Logger()
	logger.Debug().Int("image_len", len(req.Image)).Msg("submitting processing request")

	result, err := o.processor.Process(ctx, req)
	if err != nil {
		if !errors.Is(err, domain.ErrProcessingFailure) {
			err = domain.Wrap(domain.ErrProcessingFailure, "submit", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		logger.Error().Err(err).Msg("processing request failed")
		o.finishFailure(gen)
		return Outcome{Generation: gen}, err
	}

	applied := o.finishSuccess(gen, func() bool {
		return matchesStore && o.images.SetProcessedFor(version, result.ProcessedImage)
	})
	if applied {
		logger.Info().Msg("processed image applied")
	} else {
		logger.Warn().Msg("processed image discarded")
	}
	span.SetAttributes(attribute.Bool("visionx.applied", applied))
	span.SetStatus(codes.Ok, "ok")
	return Outcome{Result: result, Applied: applied, Generation: gen}, nil
}

func (o *Orchestrator) begin() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.generation++
	o.inFlight++
	o.metrics.inFlight.Inc()
	return o.generation
}

func (o *Orchestrator) finishFailure(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight--
	o.metrics.inFlight.Dec()
	o.metrics.submissions.WithLabelValues(outcomeFailed).Inc()
	if o.policy == DiscardStale && gen < o.appliedGen {
		return
	}
	o.lastErr = domain.UserMessage(domain.ErrProcessingFailure)
}

// finishSuccess runs apply under the orchestrator lock so that the stale
// check and the store write happen as one step.
func (o *Orchestrator) finishSuccess(gen uint64, apply func() bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight--
	o.metrics.inFlight.Dec()

	if o.policy == DiscardStale && gen < o.appliedGen {
		o.metrics.submissions.WithLabelValues(outcomeDiscarded).Inc()
		return false
	}
	if !apply() {
		o.metrics.submissions.WithLabelValues(outcomeDiscarded).Inc()
		return false
	}
	o.appliedGen = max(o.appliedGen, gen)
	o.lastErr = ""
	o.metrics.submissions.WithLabelValues(outcomeApplied).Inc()
	return true
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Processing: o.inFlight > 0,
		InFlight:   o.inFlight,
		Error:      o.lastErr,
	}
}

// IsProcessing is advisory. Submit does not refuse overlapping calls.
func (o *Orchestrator) IsProcessing() bool {
	return o.Status().Processing
}

func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = ""
}
