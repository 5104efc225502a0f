// Package observability provides Prometheus metrics for the SD mount helper.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix for all helper metrics.
	namespace = "sd_helper"
)

// Metrics holds all Prometheus metrics for the mount helper.
type Metrics struct {
	registry *prometheus.Registry

	// Mount sequencer metrics
	mountAttemptsTotal *prometheus.CounterVec
	mountDuration      prometheus.Histogram
	phaseFailuresTotal *prometheus.CounterVec
	unmountsTotal      prometheus.Counter

	// Advisory check metrics
	advisoryWarningsTotal *prometheus.CounterVec

	// Query surface metrics
	throttleWaitSeconds prometheus.Histogram
	smokeTestsTotal     *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on helper re-creation (not
// DefaultRegistry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		mountAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mount_attempts_total",
				Help:      "Total number of mount attempts by status",
			},
			[]string{"status"},
		),

		mountDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mount_duration_seconds",
			Help:      "Duration of mount attempts in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		phaseFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mount_phase_failures_total",
				Help:      "Total number of mount failures by failed phase",
			},
			[]string{"phase"},
		),

		unmountsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmounts_total",
			Help:      "Total number of unmount operations",
		}),

		advisoryWarningsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "advisory_warnings_total",
				Help:      "Total number of advisory pre-mount check warnings by check",
			},
			[]string{"check"},
		),

		throttleWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "throttle_wait_seconds",
			Help:      "Time spent waiting on the inter-operation throttle",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		smokeTestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "smoke_tests_total",
				Help:      "Total number of write/read smoke tests by mode and status",
			},
			[]string{"mode", "status"},
		),
	}

	reg.MustRegister(
		m.mountAttemptsTotal,
		m.mountDuration,
		m.phaseFailuresTotal,
		m.unmountsTotal,
		m.advisoryWarningsTotal,
		m.throttleWaitSeconds,
		m.smokeTestsTotal,
	)

	return m
}

// RecordMount records a mount attempt outcome. phase names the failed phase
// and is empty on success.
func (m *Metrics) RecordMount(err error, phase string, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
		if phase != "" {
			m.phaseFailuresTotal.WithLabelValues(phase).Inc()
		}
	}
	m.mountAttemptsTotal.WithLabelValues(status).Inc()
	m.mountDuration.Observe(duration.Seconds())
}

// RecordUnmount records an unmount operation.
func (m *Metrics) RecordUnmount() {
	m.unmountsTotal.Inc()
}

// RecordAdvisoryWarning records a non-fatal pre-mount check failure.
func (m *Metrics) RecordAdvisoryWarning(check string) {
	m.advisoryWarningsTotal.WithLabelValues(check).Inc()
}

// RecordThrottleWait records time spent in the rate limiter.
func (m *Metrics) RecordThrottleWait(d time.Duration) {
	m.throttleWaitSeconds.Observe(d.Seconds())
}

// RecordSmokeTest records a write/read smoke test outcome.
func (m *Metrics) RecordSmokeTest(mode string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.smokeTestsTotal.WithLabelValues(mode, status).Inc()
}

// Handler returns an HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on addr. Blocks until the listener fails.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
