// Package rate turns streams of records carrying countable attributes into
// one per-second rate record per window.
package rate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// Fields stamped on every rate record besides the per-attribute rates.
const (
	FieldRate        = "Rate"
	FieldWindowStart = "WindowStart"
	FieldElapsed     = "Elapsed"
	FieldSamples     = "Samples"
)

// Config describes one aggregation.
type Config struct {
	Name       string
	Window     time.Duration
	Grace      time.Duration
	Attributes []string
	// Clone forwards the inbound record alongside the rate record. When
	// false, matching records are replaced by the rate record.
	Clone bool
	// IgnoreIntermediate leaves non-final records out of the rate.
	IgnoreIntermediate bool
	// DropPartial suppresses rate updates triggered by non-final records.
	// The first one of each window is still passed on so that the window
	// reaches the queue and flushes by its deadline.
	DropPartial bool
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("rate name is required")
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate %q: window must be positive", c.Name)
	}
	if c.Grace < 0 {
		return fmt.Errorf("rate %q: grace must not be negative", c.Name)
	}
	if len(c.Attributes) == 0 {
		return fmt.Errorf("rate %q: at least one attribute is required", c.Name)
	}
	return nil
}

// Aggregator accumulates attribute totals for the current window. It is safe
// for concurrent use.
type Aggregator struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	instr  port.Instrumentation

	mu          sync.Mutex
	windowStart time.Time
	samples     int64
	totals      map[string]Decimal
	pending     map[uuid.UUID]map[string]Decimal
	current     *domain.Record
	// emitted is set once the current window has been handed downstream.
	emitted bool
}

type Option func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithInstrumentation(instr port.Instrumentation) Option {
	return func(a *Aggregator) {
		if instr != nil {
			a.instr = instr
		}
	}
}

func New(cfg Config, opts ...Option) (*Aggregator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Aggregator{
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
		instr:   port.NoopInstrumentation{},
		totals:  make(map[string]Decimal),
		pending: make(map[uuid.UUID]map[string]Decimal),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Aggregator) Name() string { return a.cfg.Name }

// Process folds r into the current window and returns the records to pass
// downstream, in order. Records without any tracked attribute come back
// unchanged. Returned rate records are snapshots owned by the caller.
func (a *Aggregator) Process(r *domain.Record) []*domain.Record {
	contrib := a.contribution(r)
	if contrib == nil {
		return []*domain.Record{r}
	}

	var out []*domain.Record
	if a.cfg.Clone {
		out = append(out, r)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.current == nil || !now.Before(a.windowStart.Add(a.cfg.Window+a.cfg.Grace)) {
		a.startWindowLocked(now)
	}

	if r.IsFinal() {
		for attr, v := range contrib {
			a.totals[attr] = a.totals[attr].Add(v)
		}
		delete(a.pending, r.ID())
		a.samples++
	} else if !a.cfg.IgnoreIntermediate {
		a.pending[r.ID()] = contrib
	}

	elapsed := now.Sub(a.windowStart)
	denom := max(elapsed, a.cfg.Window)
	seconds, err := NewDecimalFromFloat(denom.Seconds())
	if err != nil {
		a.logger.Warn("rate window length not representable",
			slog.String("rate.name", a.cfg.Name),
			slog.String("error", err.Error()),
		)
		return out
	}

	fields := make([]domain.Field, 0, len(a.cfg.Attributes)+2)
	for _, attr := range a.cfg.Attributes {
		sum := a.totals[attr]
		for _, p := range a.pending {
			sum = sum.Add(p[attr])
		}
		fields = append(fields, domain.F(attr, sum.Div(seconds).Float64()))
	}
	fields = append(fields,
		domain.F(FieldElapsed, elapsed.Seconds()),
		domain.F(FieldSamples, a.samples),
	)
	a.current.Update(domain.Patch{Fields: fields})

	if elapsed >= a.cfg.Window && r.IsFinal() {
		a.current.Finalize()
		out = append(out, a.current.Clone())
		a.logger.Debug("rate window closed",
			slog.String("rate.name", a.cfg.Name),
			slog.String("watch.id", a.current.ID().String()),
			slog.Int64("rate.samples", a.samples),
		)
		a.current = nil
		return out
	}

	a.current.SetDeadline(a.windowStart.Add(a.cfg.Window + a.cfg.Grace))
	if a.cfg.DropPartial && !r.IsFinal() && a.emitted {
		return out
	}
	a.emitted = true
	return append(out, a.current.Clone())
}

func (a *Aggregator) startWindowLocked(now time.Time) {
	a.windowStart = now
	a.samples = 0
	a.emitted = false
	clear(a.totals)
	clear(a.pending)
	a.current = domain.NewRecord(0,
		domain.F(FieldRate, a.cfg.Name),
		domain.F(FieldWindowStart, now),
	)
	a.current.DefaultKeys = append([]string{FieldRate}, a.cfg.Attributes...)
	a.instr.IncrementRateWindows(context.Background(), a.cfg.Name)
}

// contribution extracts the tracked attributes of r. Values that are not
// numbers count as one. It returns nil when r has none of them.
func (a *Aggregator) contribution(r *domain.Record) map[string]Decimal {
	var out map[string]Decimal
	for _, attr := range a.cfg.Attributes {
		raw, ok := r.Get(attr)
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]Decimal, len(a.cfg.Attributes))
		}
		d := NewDecimalFromInt64(1)
		if f, ok := domain.ToFloat(raw); ok {
			if v, err := NewDecimalFromFloat(f); err == nil {
				d = v
			}
		}
		out[attr] = d
	}
	return out
}

// Snapshot returns a copy of the in-progress rate record, or nil between windows.
func (a *Aggregator) Snapshot() *domain.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	return a.current.Clone()
}
