package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aegis"

// Metrics holds the collectors AEGIS exports about itself.
type Metrics struct {
	transitions      *prometheus.CounterVec
	assessments      *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_transitions_total",
				Help:      "Failover action state transitions by target state and reason",
			},
			[]string{"to", "reason"},
		),
		assessments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assessments_total",
				Help:      "Health assessments computed, split by partial telemetry",
			},
			[]string{"partial"},
		),
		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Outbound provider calls by outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Outbound provider call latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "operation"},
		),
	}

	reg.MustRegister(m.transitions, m.assessments, m.providerRequests, m.providerLatency)
	return m
}

// ObserveTransition counts one audit transition.
func (m *Metrics) ObserveTransition(to, reason string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, reason).Inc()
}

func (m *Metrics) ObserveAssessment(partial bool) {
	if m == nil {
		return
	}
	m.assessments.WithLabelValues(strconv.FormatBool(partial)).Inc()
}

// ObserveProviderCall records one outbound call. Throttled calls never
// reached the provider and are counted without a latency observation.
func (m *Metrics) ObserveProviderCall(provider, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, operation, outcome).Inc()
	if outcome != "throttled" {
		m.providerLatency.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
	}
}
