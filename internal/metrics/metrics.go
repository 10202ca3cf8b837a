// Package metrics exposes Prometheus collectors for the gate and the
// dispatcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/hostgate/internal/readiness"
)

const namespace = "hostgate"

var phases = []readiness.Phase{
	readiness.PhaseUninitialized,
	readiness.PhaseInitializing,
	readiness.PhaseReady,
	readiness.PhaseDegradedReady,
}

type Metrics struct {
	registry *prometheus.Registry

	handshakeAttempts *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	gatePhase         *prometheus.GaugeVec
	actionAttempts    *prometheus.CounterVec
	reinitializations prometheus.Counter
	outcomes          *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		handshakeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "handshake_attempts_total",
			Help:      "Handshake attempts by whether the host answered a probe.",
		}, []string{"verified"}),
		handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "handshake_attempt_duration_seconds",
			Help:      "Duration of a single handshake attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		gatePhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "phase",
			Help:      "1 for the gate's current phase, 0 otherwise.",
		}, []string{"phase"}),
		actionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "action_attempts_total",
			Help:      "Action invocations by result.",
		}, []string{"result"}),
		reinitializations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "forced_reinitializations_total",
			Help:      "Forced gate re-initializations requested by the dispatcher.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "share_outcomes_total",
			Help:      "Share outcomes by kind.",
		}, []string{"kind"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "share_duration_seconds",
			Help:      "End-to-end duration of a share, fallback included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.handshakeAttempts,
		m.handshakeDuration,
		m.gatePhase,
		m.actionAttempts,
		m.reinitializations,
		m.outcomes,
		m.dispatchDuration,
	)
	m.PhaseChanged(readiness.PhaseUninitialized)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AttemptFinished(attempt int, verified bool, elapsed time.Duration) {
	label := "false"
	if verified {
		label = "true"
	}
	m.handshakeAttempts.WithLabelValues(label).Inc()
	m.handshakeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PhaseChanged(phase readiness.Phase) {
	for _, p := range phases {
		value := 0.0
		if p == phase {
			value = 1
		}
		m.gatePhase.WithLabelValues(string(p)).Set(value)
	}
}

func (m *Metrics) ActionAttempt(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.actionAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ForcedReinitialization() {
	m.reinitializations.Inc()
}

func (m *Metrics) ShareFinished(kind string, elapsed time.Duration) {
	m.outcomes.WithLabelValues(kind).Inc()
	m.dispatchDuration.Observe(elapsed.Seconds())
}
