// Package telemetry installs the process-wide OpenTelemetry tracer provider
// shared by the API, the worker, and the remote service client.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/visionx/internal/config"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type ShutdownFunc func(context.Context) error

// SetupTracing always installs the W3C propagators so trace context flows
// through to the processing service. With an exporter other than "none" it
// also installs a batching provider sampled at cfg.SampleRatio.
func SetupTracing(ctx context.Context, serviceName string, cfg config.TracingConfig, logger zerolog.Logger) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	kind := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if kind == "" || kind == "none" {
		logger.Debug().Msg("trace export disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, kind, cfg)
	if err != nil {
		return nil, err
	}

	// NewSchemaless avoids a schema URL conflict with resource.Default.
	attrs := resource.NewSchemaless(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion(cfg)),
	)
	res, err := resource.Merge(resource.Default(), attrs)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(provider)

	logger.Info().
		Str("exporter", kind).
		Str("service", serviceName).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("trace export enabled")
	return provider.Shutdown, nil
}

// samplerFor keeps the caller's sampling decision and samples new roots at
// ratio. Ratios outside (0, 1) clamp to never or always.
func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func serviceVersion(cfg config.TracingConfig) string {
	if v := strings.TrimSpace(cfg.ServiceVersion); v != "" {
		return v
	}
	return "dev"
}

func newExporter(ctx context.Context, kind string, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch kind {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		if endpoint == "" {
			return nil, fmt.Errorf("otlp trace exporter requires OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", kind)
	}
}
