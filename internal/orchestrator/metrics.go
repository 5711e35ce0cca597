package orchestrator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeApplied   = "applied"
	outcomeFailed    = "failed"
	outcomeDiscarded = "discarded"
)

type metrics struct {
	submissions *prometheus.CounterVec
	inFlight    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionx_submissions_total",
			Help: "Processing submissions by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visionx_submissions_in_flight",
			Help: "Processing submissions awaiting a response.",
		}),
	}
	m.submissions = register(reg, m.submissions)
	m.inFlight = register(reg, m.inFlight)
	return m
}

// register returns the collector already on reg when one with the same
// descriptor exists, so orchestrators can share a registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
