// Package metrics - Prometheus instrumentation for the scheduler
package metrics

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the scheduler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Dispatch metrics
	Dispatches       *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	Retries          prometheus.Counter
	Missed           prometheus.Counter
	InFlight         prometheus.Gauge

	// Index metrics
	IndexBuilds        *prometheus.CounterVec
	IndexBuildDuration prometheus.Histogram
	IndexSize          prometheus.Gauge

	// Loop metrics
	InboxDepth      prometheus.Gauge
	BufferedUpdates prometheus.Gauge
}

// New creates metrics registered on a private registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "deferral"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of finished item dispatches by outcome",
			},
			[]string{"outcome"},
		),

		DispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of due-item handler calls in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),

		Retries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_retries_total",
				Help:      "Total number of failed dispatch attempts that were retried",
			},
		),

		Missed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "missed_items_total",
				Help:      "Total number of items reported missed at startup",
			},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatches_in_flight",
				Help:      "Number of handler calls currently running",
			},
		),

		IndexBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_builds_total",
				Help:      "Total number of index rebuilds by status",
			},
			[]string{"status"},
		),

		IndexBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_build_duration_seconds",
				Help:      "Duration of index rebuilds in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		IndexSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_items",
				Help:      "Number of items in the dispatch index",
			},
		),

		InboxDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inbox_depth",
				Help:      "Number of messages waiting in the scheduler inbox",
			},
		),

		BufferedUpdates: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffered_store_updates",
				Help:      "Number of store writes buffered by the scheduler loop",
			},
		),
	}
}

// RecordDispatch counts a finished dispatch
func (m *Metrics) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}

// ObserveDispatchDuration records how long a handler call took
func (m *Metrics) ObserveDispatchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) RecordMissed(n int) {
	if m == nil {
		return
	}
	m.Missed.Add(float64(n))
}

// RecordIndexBuild records a rebuild attempt and, on success, the new size
func (m *Metrics) RecordIndexBuild(d time.Duration, size int, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	m.IndexBuilds.WithLabelValues(status).Inc()
	m.IndexBuildDuration.Observe(d.Seconds())
	if err == nil {
		m.IndexSize.Set(float64(size))
	}
}

// SetLoopGauges publishes the per-iteration gauges
func (m *Metrics) SetLoopGauges(indexSize, inFlight, inboxDepth, bufferedUpdates int) {
	if m == nil {
		return
	}
	m.IndexSize.Set(float64(indexSize))
	m.InFlight.Set(float64(inFlight))
	m.InboxDepth.Set(float64(inboxDepth))
	m.BufferedUpdates.Set(float64(bufferedUpdates))
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// EchoHandler returns an Echo handler for the metrics endpoint
func (m *Metrics) EchoHandler() echo.HandlerFunc {
	h := m.Handler()

	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// RegisterRoutes registers the metrics endpoint on an Echo server
func (m *Metrics) RegisterRoutes(e *echo.Echo, path string) {
	if path == "" {
		path = "/metrics"
	}

	e.GET(path, m.EchoHandler())
}
