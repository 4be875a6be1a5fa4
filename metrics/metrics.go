// Package metrics holds the Prometheus collectors of the build engine.
//
// Collectors are registered on a private registry, never the global one, so
// several engines can live in one process (and in one test binary). A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cratebox"

// Metrics holds all Prometheus metrics for cratebox.
type Metrics struct {
	Registry *prometheus.Registry

	// Build metrics.
	BuildsTotal   *prometheus.CounterVec
	BuildDuration *prometheus.HistogramVec
	ActiveBuilds  prometheus.Gauge

	// Source fetch metrics.
	FetchesTotal  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// Workspace lock metrics.
	LockWaitDuration *prometheus.HistogramVec

	// Toolchain metrics.
	ToolchainInstallsTotal *prometheus.CounterVec
}

// New creates a Metrics with all collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "runs_total",
			Help:      "Total build processes by terminal state.",
		}, []string{"state"}),

		BuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Build process wall time in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"state"}),

		ActiveBuilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "active",
			Help:      "Number of build processes currently running.",
		}),

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "total",
			Help:      "Total crate source fetches by source kind and cache result.",
		}, []string{"kind", "result"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Crate source fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		LockWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the workspace lock.",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 60, 300},
		}, []string{"mode"}),

		ToolchainInstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "toolchain",
			Name:      "installs_total",
			Help:      "Total toolchain install attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.BuildsTotal,
		m.BuildDuration,
		m.ActiveBuilds,
		m.FetchesTotal,
		m.FetchDuration,
		m.LockWaitDuration,
		m.ToolchainInstallsTotal,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// BuildStarted bumps the active gauge and returns a func that records the
// build's terminal state and duration.
func (m *Metrics) BuildStarted() func(state string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.ActiveBuilds.Inc()
	return func(state string) {
		m.ActiveBuilds.Dec()
		m.BuildsTotal.WithLabelValues(state).Inc()
		m.BuildDuration.WithLabelValues(state).Observe(time.Since(start).Seconds())
	}
}

// ObserveFetch records one fetch. result is "hit", "miss" or "error".
func (m *Metrics) ObserveFetch(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(kind, result).Inc()
	m.FetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveLockWait records how long a lock acquisition waited.
func (m *Metrics) ObserveLockWait(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveToolchainInstall records an install attempt. result is "installed",
// "updated", "present" or "error".
func (m *Metrics) ObserveToolchainInstall(result string) {
	if m == nil {
		return
	}
	m.ToolchainInstallsTotal.WithLabelValues(result).Inc()
}
