// Package metrics exposes Prometheus metrics for the provider.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "vk_systemd"

// Liveness check results.
const (
	LivenessRunning    = "running"
	LivenessNotRunning = "not_running"
	LivenessError      = "error"
)

// Metrics holds the provider's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	livenessChecks *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	podsSupervised prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		livenessChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "liveness_checks_total",
				Help:      "Unit liveness queries by result",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pod_state_transitions_total",
				Help:      "Pod lifecycle state transitions",
			},
			[]string{"from", "to"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pod_machine_outcomes_total",
				Help:      "How pod lifecycle machines ended",
			},
			[]string{"result"},
		),
		podsSupervised: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pods_supervised",
				Help:      "Pods currently tracked by the provider",
			},
		),
	}

	registry.MustRegister(
		m.livenessChecks,
		m.transitions,
		m.outcomes,
		m.podsSupervised,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// LivenessCheck counts one unit liveness query.
func (m *Metrics) LivenessCheck(result string) {
	if m == nil {
		return
	}
	m.livenessChecks.WithLabelValues(result).Inc()
}

// Transition counts a state change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Outcome counts a finished machine.
func (m *Metrics) Outcome(result string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(result).Inc()
}

// SetPodsSupervised sets the number of tracked pods.
func (m *Metrics) SetPodsSupervised(n int) {
	if m == nil {
		return
	}
	m.podsSupervised.Set(float64(n))
}

// Gather returns the current metric families.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	if m == nil {
		return nil, nil
	}
	return m.registry.Gather()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
