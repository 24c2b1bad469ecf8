package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/guillermoBallester/pgwatch"

// Instruments holds pre-created OTel metric instruments.
type Instruments struct {
	QueryCount    metric.Int64Counter
	QueryDuration metric.Float64Histogram
	QueryErrors   metric.Int64Counter
	ToolDuration  metric.Float64Histogram

	Enqueued    metric.Int64Counter
	Stale       metric.Int64Counter
	QueueFull   metric.Int64Counter
	Delivered   metric.Int64Counter
	SinkErrors  metric.Int64Counter
	RateWindows metric.Int64Counter
	QueueDepth  metric.Int64Gauge
}

// NewInstruments creates metric instruments from the global MeterProvider.
// Returns nil-safe instruments: if creation fails, noop instruments are used.
func NewInstruments() *Instruments {
	meter := otel.Meter(meterName)
	return newInstrumentsFromMeter(meter)
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	meter := noop.NewMeterProvider().Meter(meterName)
	return newInstrumentsFromMeter(meter)
}

func newInstrumentsFromMeter(meter metric.Meter) *Instruments {
	// OTel SDK returns noop instruments on error; safe to discard.
	queryCount, _ := meter.Int64Counter("pgwatch.query.count",
		metric.WithDescription("Total number of SQL statements executed through the watcher"),
	)
	queryDuration, _ := meter.Float64Histogram("pgwatch.query.duration",
		metric.WithDescription("SQL statement duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	queryErrors, _ := meter.Int64Counter("pgwatch.query.errors",
		metric.WithDescription("Total number of failed SQL statements"),
	)
	toolDuration, _ := meter.Float64Histogram("pgwatch.tool.duration",
		metric.WithDescription("MCP tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	enqueued, _ := meter.Int64Counter("pgwatch.queue.enqueued",
		metric.WithDescription("Record versions accepted by the delivery queue"),
	)
	stale, _ := meter.Int64Counter("pgwatch.queue.stale",
		metric.WithDescription("Record versions dropped as stale or already delivered"),
	)
	queueFull, _ := meter.Int64Counter("pgwatch.queue.full",
		metric.WithDescription("New records rejected because the queue was at capacity"),
	)
	delivered, _ := meter.Int64Counter("pgwatch.delivery.records",
		metric.WithDescription("Records delivered to the sink, by reason"),
	)
	sinkErrors, _ := meter.Int64Counter("pgwatch.delivery.sink_errors",
		metric.WithDescription("Sink write failures"),
	)
	rateWindows, _ := meter.Int64Counter("pgwatch.rate.windows",
		metric.WithDescription("Rate windows opened, by aggregation"),
	)
	queueDepth, _ := meter.Int64Gauge("pgwatch.queue.depth",
		metric.WithDescription("Live identities held by the delivery queue"),
	)

	return &Instruments{
		QueryCount:    queryCount,
		QueryDuration: queryDuration,
		QueryErrors:   queryErrors,
		ToolDuration:  toolDuration,
		Enqueued:      enqueued,
		Stale:         stale,
		QueueFull:     queueFull,
		Delivered:     delivered,
		SinkErrors:    sinkErrors,
		RateWindows:   rateWindows,
		QueueDepth:    queueDepth,
	}
}

func (i *Instruments) RecordQueryDuration(ctx context.Context, ms float64) {
	i.QueryDuration.Record(ctx, ms)
}

func (i *Instruments) IncrementQueryCount(ctx context.Context) {
	i.QueryCount.Add(ctx, 1)
}

func (i *Instruments) IncrementQueryErrors(ctx context.Context) {
	i.QueryErrors.Add(ctx, 1)
}

func (i *Instruments) RecordToolDuration(ctx context.Context, ms float64) {
	i.ToolDuration.Record(ctx, ms)
}

func (i *Instruments) IncrementEnqueued(ctx context.Context) {
	i.Enqueued.Add(ctx, 1)
}

func (i *Instruments) IncrementStale(ctx context.Context) {
	i.Stale.Add(ctx, 1)
}

func (i *Instruments) IncrementQueueFull(ctx context.Context) {
	i.QueueFull.Add(ctx, 1)
}

func (i *Instruments) IncrementDelivered(ctx context.Context, reason string) {
	i.Delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (i *Instruments) IncrementSinkErrors(ctx context.Context) {
	i.SinkErrors.Add(ctx, 1)
}

func (i *Instruments) IncrementRateWindows(ctx context.Context, name string) {
	i.RateWindows.Add(ctx, 1, metric.WithAttributes(attribute.String("rate", name)))
}

func (i *Instruments) RecordQueueDepth(ctx context.Context, depth int64) {
	i.QueueDepth.Record(ctx, depth)
}
