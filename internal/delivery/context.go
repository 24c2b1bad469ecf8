// Package delivery wires producers, the delivery queue, rate aggregators,
// filters and a sink into one object with a start and shutdown lifecycle.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
	"github.com/guillermoBallester/pgwatch/internal/queue"
	"github.com/guillermoBallester/pgwatch/internal/rate"
)

const DefaultName = "pgwatch"

// Context receives record versions from producers and delivers each record
// once to its sink.
type Context struct {
	queue       *queue.Queue
	sink        port.RecordSink
	logger      *slog.Logger
	instr       port.Instrumentation
	aggregators []*rate.Aggregator
	filters     []domain.Filter
	levels      Levels
	minLevel    slog.Level
	workers     int
	name        string

	wg      sync.WaitGroup
	started atomic.Bool

	// mu is held for reading by Emit and for writing by Shutdown, so no
	// record is enqueued after the queue has been drained.
	mu      sync.RWMutex
	stopped bool
}

type Option func(*Context)

func WithWorkers(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithAggregators(aggs ...*rate.Aggregator) Option {
	return func(c *Context) { c.aggregators = append(c.aggregators, aggs...) }
}

func WithFilters(filters ...domain.Filter) Option {
	return func(c *Context) { c.filters = append(c.filters, filters...) }
}

func WithLevels(l Levels) Option {
	return func(c *Context) { c.levels = l }
}

// WithMinLevel drops deliveries whose level is below level.
func WithMinLevel(level slog.Level) Option {
	return func(c *Context) { c.minLevel = level }
}

func WithInstrumentation(instr port.Instrumentation) Option {
	return func(c *Context) {
		if instr != nil {
			c.instr = instr
		}
	}
}

// WithName sets the logger name carried by every delivery.
func WithName(name string) Option {
	return func(c *Context) { c.name = name }
}

func New(q *queue.Queue, sink port.RecordSink, logger *slog.Logger, opts ...Option) *Context {
	c := &Context{
		queue:    q,
		sink:     sink,
		logger:   logger,
		instr:    port.NoopInstrumentation{},
		levels:   DefaultLevels(),
		minLevel: slog.LevelDebug,
		workers:  1,
		name:     DefaultName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the consumer goroutines. They stop when ctx ends or on Shutdown.
func (c *Context) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	for range c.workers {
		c.wg.Add(1)
		go c.consume(ctx)
	}
	c.logger.Info("delivery started", slog.Int("delivery.workers", c.workers))
}

// Emit runs r through the rate aggregators and enqueues a snapshot of every
// resulting record. A full queue is logged and returned; the caller's own
// work is never affected by it.
func (c *Context) Emit(ctx context.Context, r *domain.Record) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return domain.ErrShutdown
	}

	keep := true
	var derived []*domain.Record
	for _, agg := range c.aggregators {
		passed := false
		for _, out := range agg.Process(r) {
			if out == r {
				passed = true
				continue
			}
			derived = append(derived, out)
		}
		if !passed {
			keep = false
		}
	}

	var errs []error
	if keep {
		errs = append(errs, c.enqueue(ctx, r))
	}
	for _, d := range derived {
		errs = append(errs, c.enqueue(ctx, d))
	}
	return errors.Join(errs...)
}

func (c *Context) enqueue(_ context.Context, r *domain.Record) error {
	err := c.queue.Enqueue(r)
	if errors.Is(err, domain.ErrQueueFull) {
		c.logger.Warn("delivery queue full, dropping record",
			slog.String("watch.id", r.ID().String()),
			slog.Int("queue.depth", c.queue.Len()),
		)
	}
	if err != nil {
		return fmt.Errorf("enqueueing record %s: %w", r.ID(), err)
	}
	return nil
}

func (c *Context) consume(ctx context.Context) {
	defer c.wg.Done()
	for {
		rec, err := c.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		reason := port.ReasonTimeout
		if rec.IsFinal() {
			reason = port.ReasonFinal
		}
		c.deliver(ctx, rec, reason)
	}
}

func (c *Context) deliver(ctx context.Context, rec *domain.Record, reason string) {
	if reason == port.ReasonTimeout {
		rec.Set(domain.FieldTimedOut, true)
	}
	for _, f := range c.filters {
		if !f.Apply(rec) {
			c.logger.Debug("record filtered",
				slog.String("watch.id", rec.ID().String()),
				slog.String("filter", f.Name),
			)
			return
		}
	}

	level := c.levels.For(rec, reason)
	if level < c.minLevel {
		return
	}
	d := port.Delivery{Record: rec, Name: c.name, Reason: reason, Level: level}
	if err := c.sink.Write(ctx, d); err != nil {
		c.instr.IncrementSinkErrors(ctx)
		c.logger.Error("writing record",
			slog.String("watch.id", rec.ID().String()),
			slog.String("error", err.Error()),
		)
		return
	}
	c.instr.IncrementDelivered(ctx, reason)
}

// Shutdown stops accepting records, waits for the consumers to return and
// then delivers everything still queued, finalized or not. The sink is left
// open for the caller to close.
func (c *Context) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()
	c.queue.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for delivery workers: %w", ctx.Err())
	}

	remaining := c.queue.Drain()
	for _, rec := range remaining {
		reason := port.ReasonShutdown
		if rec.IsFinal() {
			reason = port.ReasonFinal
		}
		c.deliver(ctx, rec, reason)
	}
	c.logger.Info("delivery stopped", slog.Int("delivery.drained", len(remaining)))
	return nil
}

// Rates returns the in-progress record of every aggregator that has an open window.
func (c *Context) Rates() []*domain.Record {
	var out []*domain.Record
	for _, agg := range c.aggregators {
		if snap := agg.Snapshot(); snap != nil {
			out = append(out, snap)
		}
	}
	return out
}

// QueueLen reports the live identities waiting for delivery.
func (c *Context) QueueLen() int { return c.queue.Len() }
