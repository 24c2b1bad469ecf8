// Package metrics exposes delivery-engine metrics to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors implements port.Instrumentation on top of Prometheus collectors.
type Collectors struct {
	QueryDuration prometheus.Histogram
	QueriesTotal  prometheus.Counter
	QueryErrors   prometheus.Counter
	ToolDuration  prometheus.Histogram

	EnqueuedTotal    prometheus.Counter
	StaleTotal       prometheus.Counter
	QueueFullTotal   prometheus.Counter
	DeliveredTotal   *prometheus.CounterVec
	SinkErrorsTotal  prometheus.Counter
	RateWindowsTotal *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
}

// NewCollectors creates the collectors and registers them with reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgwatch_query_duration_seconds",
			Help:    "SQL statement duration.",
			Buckets: prometheus.DefBuckets,
		}),
		QueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwatch_queries_total",
			Help: "Total number of SQL statements executed through the watcher.",
		}),
		QueryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwatch_query_errors_total",
			Help: "Total number of failed SQL statements.",
		}),
		ToolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgwatch_tool_duration_seconds",
			Help:    "MCP tool call duration.",
			Buckets: prometheus.DefBuckets,
		}),
		EnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwatch_queue_enqueued_total",
			Help: "Record versions accepted by the delivery queue.",
		}),
		StaleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwatch_queue_stale_total",
			Help: "Record versions dropped as stale or already delivered.",
		}),
		QueueFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwatch_queue_full_total",
			Help: "New records rejected because the queue was at capacity.",
		}),
		DeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwatch_delivered_total",
			Help: "Records delivered to the sink by reason.",
		}, []string{"reason"}),
		SinkErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwatch_sink_errors_total",
			Help: "Sink write failures.",
		}),
		RateWindowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwatch_rate_windows_total",
			Help: "Rate windows opened by aggregation.",
		}, []string{"rate"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwatch_queue_depth",
			Help: "Live identities held by the delivery queue.",
		}),
	}
	reg.MustRegister(
		c.QueryDuration, c.QueriesTotal, c.QueryErrors, c.ToolDuration,
		c.EnqueuedTotal, c.StaleTotal, c.QueueFullTotal, c.DeliveredTotal,
		c.SinkErrorsTotal, c.RateWindowsTotal, c.QueueDepth,
	)
	return c
}

func (c *Collectors) RecordQueryDuration(_ context.Context, ms float64) {
	c.QueryDuration.Observe(ms / 1000)
}

func (c *Collectors) IncrementQueryCount(context.Context) { c.QueriesTotal.Inc() }

func (c *Collectors) IncrementQueryErrors(context.Context) { c.QueryErrors.Inc() }

func (c *Collectors) RecordToolDuration(_ context.Context, ms float64) {
	c.ToolDuration.Observe(ms / 1000)
}

func (c *Collectors) IncrementEnqueued(context.Context) { c.EnqueuedTotal.Inc() }

func (c *Collectors) IncrementStale(context.Context) { c.StaleTotal.Inc() }

func (c *Collectors) IncrementQueueFull(context.Context) { c.QueueFullTotal.Inc() }

func (c *Collectors) IncrementDelivered(_ context.Context, reason string) {
	c.DeliveredTotal.WithLabelValues(reason).Inc()
}

func (c *Collectors) IncrementSinkErrors(context.Context) { c.SinkErrorsTotal.Inc() }

func (c *Collectors) IncrementRateWindows(_ context.Context, name string) {
	c.RateWindowsTotal.WithLabelValues(name).Inc()
}

func (c *Collectors) RecordQueueDepth(_ context.Context, depth int64) {
	c.QueueDepth.Set(float64(depth))
}
