// Package metrics exposes Prometheus instrumentation for sync runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/sync"
)

const namespace = "zipsync"

// Metrics holds the pipeline's collectors on a private registry, so
// Handler serves exactly these and tests never fight over the global
// default registry.
type Metrics struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     prometheus.Histogram
	rowsLoaded   prometheus.Gauge
	lastRun      prometheus.Gauge
	lastRefresh  prometheus.Gauge
	drift        prometheus.Counter
	ticksSkipped prometheus.Counter
	archiveBytes prometheus.Gauge
}

// New creates and registers the collector set.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Sync runs by terminal outcome.",
	}, []string{"outcome"})

	m.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "run_failures_total",
		Help:      "Failed sync runs by error kind.",
	}, []string{"kind"})

	m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of sync runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	m.rowsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rows_loaded",
		Help:      "Rows loaded into the destination by the most recent refresh.",
	})

	m.lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Completion time of the most recent run, success or not.",
	})

	m.lastRefresh = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_refresh_timestamp_seconds",
		Help:      "Completion time of the most recent successful refresh.",
	})

	m.drift = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schema_drift_total",
		Help:      "Loads that detected a column-set mismatch.",
	})

	m.ticksSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_skipped_total",
		Help:      "Scheduler ticks skipped because a run was still active.",
	})

	m.archiveBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "archive_bytes",
		Help:      "Size of the local archive copy on disk.",
	})

	m.registry.MustRegister(
		m.runs,
		m.failures,
		m.duration,
		m.rowsLoaded,
		m.lastRun,
		m.lastRefresh,
		m.drift,
		m.ticksSkipped,
		m.archiveBytes,
	)
	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(result sync.Result, err error) {
	m.runs.WithLabelValues(result.Outcome.String()).Inc()
	m.duration.Observe(result.Elapsed.Seconds())
	m.lastRun.SetToCurrentTime()

	if err != nil {
		m.failures.WithLabelValues(pipeline.Kind(err)).Inc()
		return
	}
	if result.Drift != nil {
		m.drift.Inc()
	}
	if result.Outcome == sync.OutcomeRefreshed {
		m.rowsLoaded.Set(float64(result.Rows))
		m.lastRefresh.SetToCurrentTime()
	}
}

// SkipTick counts a scheduler tick that found the previous run still
// active.
func (m *Metrics) SkipTick() {
	m.ticksSkipped.Inc()
}

// SetArchiveBytes reports the local archive copy's size.
func (m *Metrics) SetArchiveBytes(n int64) {
	m.archiveBytes.Set(float64(n))
}

// Handler serves the collectors in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
