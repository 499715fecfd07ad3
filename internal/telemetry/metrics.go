// Package telemetry holds the Prometheus metrics of the meter.
package telemetry

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aevon"

// Metrics holds all application metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion metrics
	EventsIngestedTotal *prometheus.CounterVec

	// Pipeline metrics
	TransitionsTotal     *prometheus.CounterVec
	StaleRetriesTotal    prometheus.Counter
	PayInAdvanceUnitsSum *prometheus.CounterVec
	BatchDuration        prometheus.Histogram
	PipelineCursor       prometheus.Gauge

	// Period aggregation metrics
	PeriodAggregationsTotal   *prometheus.CounterVec
	PeriodAggregationDuration prometheus.Histogram
}

// New registers every metric on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		EventsIngestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingestion",
				Name:      "events_total",
				Help:      "Events received by the ingestion API, by outcome",
			},
			[]string{"outcome"},
		),

		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "transitions_total",
				Help:      "Incremental chain transitions, by operation",
			},
			[]string{"metric", "operation"},
		),
		StaleRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stale_retries_total",
				Help:      "Chain transitions retried after a version conflict",
			},
		),
		PayInAdvanceUnitsSum: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "pay_in_advance_units_total",
				Help:      "Prorated units billed in advance",
			},
			[]string{"metric"},
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "batch_duration_seconds",
				Help:      "Time to process one pipeline batch",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PipelineCursor: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "checkpoint_cursor",
				Help:      "Last ingest sequence committed by the pipeline",
			},
		),

		PeriodAggregationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "periods",
				Name:      "aggregations_total",
				Help:      "Period aggregations, by timing and status",
			},
			[]string{"timing", "status"},
		),
		PeriodAggregationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "periods",
				Name:      "aggregation_duration_seconds",
				Help:      "Time to aggregate one period",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
	}
}

// Registry exposes the registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request count and latency by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, http.StatusText(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
