package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "visionx"

type metrics struct {
	gatherer          prometheus.Gatherer
	requests          *prometheus.CounterVec
	latency           *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	uploadBytes       prometheus.Histogram
	batchesCreated    *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	rateLimitRejected *prometheus.CounterVec
}

// newMetrics registers the API collectors on registry. A nil registry gets a
// private one that also carries the Go and process collectors.
func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	httpLabels := []string{"method", "route", "status"}
	m := &metrics{
		gatherer: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "requests_total",
			Help: "HTTP requests served, by route and status.",
		}, httpLabels),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "request_duration_seconds",
			Help: "HTTP request latency. Process requests include the remote round trip.",
			// Remote processing of large images runs into tens of seconds.
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, httpLabels),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "api", Name: "requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "upload_bytes",
			Help:    "Size of accepted session image uploads.",
			Buckets: prometheus.ExponentialBuckets(16<<10, 4, 7),
		}),
		batchesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "batches_created_total",
			Help: "Batch jobs created, by source type and algorithm.",
		}, []string{"source_type", "algorithm"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Batch jobs handed to the processing queue.",
		}, []string{"queue"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "rate_limit_rejections_total",
			Help: "Requests rejected because the caller's token bucket was empty.",
		}, []string{"route"}),
	}
	registry.MustRegister(
		m.requests,
		m.latency,
		m.inFlight,
		m.uploadBytes,
		m.batchesCreated,
		m.queueEnqueued,
		m.rateLimitRejected,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"route":  routeLabel(r.URL.Path),
			"status": strconv.Itoa(recorder.status),
		}
		m.requests.With(labels).Inc()
		m.latency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses path parameters so label cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/batches/") && strings.HasSuffix(path, "/start"):
		return "/v1/batches/{id}/start"
	case strings.HasPrefix(path, "/v1/batches/"):
		return "/v1/batches/{id}"
	case strings.HasPrefix(path, "/v1/session/parameters/"):
		return "/v1/session/parameters/{name}"
	case strings.HasPrefix(path, "/v1/"),
		path == "/healthz",
		path == "/metrics":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
