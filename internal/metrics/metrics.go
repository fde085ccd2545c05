// Package metrics exposes the gateway's Prometheus collectors: admission
// outcomes, tokens charged, and reconciliation deltas.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokenrelay/llm-gateway/internal/admission"
)

// Metrics holds every collector the gateway registers. Construct with
// NewMetrics against a dedicated prometheus.Registry rather than the
// global default registerer, so tests can build disposable instances.
type Metrics struct {
	AdmissionDecisions *prometheus.CounterVec
	TokensCharged      *prometheus.CounterVec
	ReconcileDelta     *prometheus.HistogramVec
}

// NewMetrics builds and registers the gateway's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AdmissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "admission_decisions_total",
			Help:      "Admission outcomes by provider and result.",
		}, []string{"provider", "result"}),

		TokensCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "tokens_charged_total",
			Help:      "Estimated tokens pre-charged against rate-limit buckets.",
		}, []string{"provider"}),

		ReconcileDelta: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llm_gateway",
			Name:      "reconcile_delta_tokens",
			Help:      "actual_tokens - estimated_tokens observed at reconciliation.",
			Buckets:   []float64{-500, -100, -20, 0, 20, 100, 500, 2000},
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.AdmissionDecisions,
		m.TokensCharged,
		m.ReconcileDelta,
	)

	return m
}

// AdmissionRecorder implements admission.Recorder against m, so
// internal/admission can report observations without importing this
// package (which itself imports admission for the interface).
type AdmissionRecorder struct {
	m *Metrics
}

// NewAdmissionRecorder adapts m into an admission.Recorder.
func NewAdmissionRecorder(m *Metrics) *AdmissionRecorder {
	return &AdmissionRecorder{m: m}
}

var _ admission.Recorder = (*AdmissionRecorder)(nil)

func (r *AdmissionRecorder) RecordAdmission(provider string, admitted bool) {
	result := "denied"
	if admitted {
		result = "admitted"
	}
	r.m.AdmissionDecisions.WithLabelValues(provider, result).Inc()
}

func (r *AdmissionRecorder) RecordCharge(provider string, amount uint64) {
	r.m.TokensCharged.WithLabelValues(provider).Add(float64(amount))
}

func (r *AdmissionRecorder) RecordReconcileDelta(provider string, delta int64) {
	r.m.ReconcileDelta.WithLabelValues(provider).Observe(float64(delta))
}
