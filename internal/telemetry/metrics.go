// Package telemetry holds the prometheus collectors and the otel tracer used
// around invocations.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "reconcilr"

// Metrics records invocation outcomes. A nil *Metrics is a valid no-op.
type Metrics struct {
	invocations       *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	providerCalls     *prometheus.CounterVec
	readinessAttempts *prometheus.HistogramVec
	adoptions         *prometheus.CounterVec
	skippedUpdates    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "invocations_total",
				Help:      "Total number of invocations by adapter, action and outcome",
			},
			[]string{"adapter", "action", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Duration of invocations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"adapter", "action"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls by operation",
			},
			[]string{"adapter", "operation"},
		),
		readinessAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "readiness_attempts",
				Help:      "Check-readiness attempts needed before a resource settled",
				Buckets:   []float64{1, 2, 3, 5, 10, 20, 40},
			},
			[]string{"adapter", "result"},
		),
		adoptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "adoptions_total",
				Help:      "Total number of pre-existing resources adopted on create",
			},
			[]string{"adapter"},
		),
		skippedUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "skipped_updates_total",
				Help:      "Total number of updates skipped because nothing changed",
			},
			[]string{"adapter"},
		),
	}

	registry.MustRegister(
		m.invocations,
		m.duration,
		m.providerCalls,
		m.readinessAttempts,
		m.adoptions,
		m.skippedUpdates,
	)
	return m
}

// RecordInvocation records one finished invocation.
func (m *Metrics) RecordInvocation(adapter, action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(adapter, action, outcome).Inc()
	m.duration.WithLabelValues(adapter, action).Observe(d.Seconds())
}

// RecordProviderCall counts one call against the provider API.
func (m *Metrics) RecordProviderCall(adapter, operation string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(adapter, operation).Inc()
}

// RecordReadiness records the attempts a resource took to settle.
func (m *Metrics) RecordReadiness(adapter, result string, attempts int) {
	if m == nil {
		return
	}
	m.readinessAttempts.WithLabelValues(adapter, result).Observe(float64(attempts))
}

// RecordAdoption counts an adopted resource.
func (m *Metrics) RecordAdoption(adapter string) {
	if m == nil {
		return
	}
	m.adoptions.WithLabelValues(adapter).Inc()
}

// RecordSkippedUpdate counts an update that issued no write.
func (m *Metrics) RecordSkippedUpdate(adapter string) {
	if m == nil {
		return
	}
	m.skippedUpdates.WithLabelValues(adapter).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
