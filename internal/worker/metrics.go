package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsSubsystem = "worker"

// jobBuckets covers a fast local run up to a slow remote algorithm plus
// an object store round trip.
var jobBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

type metrics struct {
	gatherer        prometheus.Gatherer
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	outputBytes     prometheus.Counter
	pixelsProcessed prometheus.Counter
	webhookFailures *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{gatherer: reg}
	m.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visionx",
		Subsystem: metricsSubsystem,
		Name:      "jobs_total",
		Help:      "Batch jobs by source type, algorithm, and final status.",
	}, []string{"source_type", "algorithm", "status"})
	m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "visionx",
		Subsystem: metricsSubsystem,
		Name:      "job_duration_seconds",
		Help:      "Wall time from task pickup to final job status.",
		Buckets:   jobBuckets,
	}, []string{"source_type", "status"})
	m.activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visionx",
		Subsystem: metricsSubsystem,
		Name:      "active_jobs",
		Help:      "Batch jobs currently holding a worker slot.",
	})
	m.outputBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visionx",
		Subsystem: metricsSubsystem,
		Name:      "output_bytes_total",
		Help:      "Bytes of decoded processed images written out.",
	})
	m.pixelsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visionx",
		Subsystem: metricsSubsystem,
		Name:      "pixels_processed_total",
		Help:      "Pixels in processed images written out.",
	})
	m.webhookFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visionx",
		Subsystem: metricsSubsystem,
		Name:      "webhook_failures_total",
		Help:      "Webhook deliveries that were rejected or ran out of attempts.",
	}, []string{"event"})

	reg.MustRegister(m.jobsTotal, m.jobDuration, m.activeJobs, m.outputBytes, m.pixelsProcessed, m.webhookFailures)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
