package port

import "context"

// Delivery reasons reported with every delivered record.
const (
	ReasonFinal    = "final"
	ReasonTimeout  = "timeout"
	ReasonShutdown = "shutdown"
)

// Instrumentation records application-level metrics.
type Instrumentation interface {
	RecordQueryDuration(ctx context.Context, ms float64)
	IncrementQueryCount(ctx context.Context)
	IncrementQueryErrors(ctx context.Context)
	RecordToolDuration(ctx context.Context, ms float64)

	IncrementEnqueued(ctx context.Context)
	IncrementStale(ctx context.Context)
	IncrementQueueFull(ctx context.Context)
	IncrementDelivered(ctx context.Context, reason string)
	IncrementSinkErrors(ctx context.Context)
	IncrementRateWindows(ctx context.Context, name string)
	RecordQueueDepth(ctx context.Context, depth int64)
}

// NoopInstrumentation discards all metrics.
type NoopInstrumentation struct{}

func (NoopInstrumentation) RecordQueryDuration(context.Context, float64) {}
func (NoopInstrumentation) IncrementQueryCount(context.Context)          {}
func (NoopInstrumentation) IncrementQueryErrors(context.Context)         {}
func (NoopInstrumentation) RecordToolDuration(context.Context, float64)  {}
func (NoopInstrumentation) IncrementEnqueued(context.Context)            {}
func (NoopInstrumentation) IncrementStale(context.Context)               {}
func (NoopInstrumentation) IncrementQueueFull(context.Context)           {}
func (NoopInstrumentation) IncrementDelivered(context.Context, string)   {}
func (NoopInstrumentation) IncrementSinkErrors(context.Context)          {}
func (NoopInstrumentation) IncrementRateWindows(context.Context, string) {}
func (NoopInstrumentation) RecordQueueDepth(context.Context, int64)      {}
