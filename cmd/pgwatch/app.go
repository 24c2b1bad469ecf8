package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/guillermoBallester/pgwatch/internal/adapter/policy"
	"github.com/guillermoBallester/pgwatch/internal/adapter/postgres"
	"github.com/guillermoBallester/pgwatch/internal/audit"
	"github.com/guillermoBallester/pgwatch/internal/config"
	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
	"github.com/guillermoBallester/pgwatch/internal/delivery"
	"github.com/guillermoBallester/pgwatch/internal/metrics"
	"github.com/guillermoBallester/pgwatch/internal/queue"
	"github.com/guillermoBallester/pgwatch/internal/rate"
	"github.com/guillermoBallester/pgwatch/internal/telemetry"
)

// app holds what every command shares: config, policy, logger and the
// observability stack.
type app struct {
	cfg      *config.Config
	pol      *policy.Policy
	logger   *slog.Logger
	tracer   trace.Tracer
	inst     port.Instrumentation
	registry *prometheus.Registry // nil unless METRICS_ADDR is set
	otel     *telemetry.Provider
}

func newApp(ctx context.Context, overrides config.Overrides) (*app, error) {
	cfg, err := config.Load(overrides)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr; stdout is reserved for the MCP stdio transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	a := &app{
		cfg:    cfg,
		pol:    &policy.Policy{},
		logger: logger,
		tracer: telemetry.NoopTracer(),
		inst:   port.NoopInstrumentation{},
	}

	if cfg.PolicyFile != "" {
		pol, err := policy.LoadFromFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("loading policy: %w", err)
		}
		a.pol = pol
		logger.Info("policy loaded", slog.String("file", cfg.PolicyFile))
	}

	if cfg.OTelEnabled {
		provider, err := telemetry.Init(ctx, telemetry.Options{ServiceName: serviceName, Version: version})
		if err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
		a.otel = provider
		a.tracer = provider.Tracer()
		a.inst = telemetry.NewInstruments()
		logger.Info("opentelemetry enabled")
	}

	// Prometheus takes over the instruments when both are configured; traces
	// still go to OTLP.
	if cfg.MetricsAddr != "" {
		a.registry = prometheus.NewRegistry()
		a.inst = metrics.NewCollectors(a.registry)
	}

	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.otel == nil {
		return
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
	}
}

// openSink opens the audit sink selected by AUDIT_FORMAT and AUDIT_LOG.
func (a *app) openSink() (port.RecordSink, error) {
	switch {
	case a.cfg.AuditFormat == config.FormatCSV:
		columns := []string{domain.FieldWatchID, domain.FieldIteration}
		columns = append(columns, postgres.DefaultKeys...)
		addHeader := true
		if csv := a.pol.CSV; csv != nil {
			if len(csv.Columns) > 0 {
				columns = csv.Columns
			}
			addHeader = csv.AddHeadersIfEmpty
		}
		return audit.NewCSVSink(a.cfg.AuditLog, columns, addHeader)
	case a.cfg.AuditLog == "":
		// Hide Close so the sink never closes stderr.
		return audit.NewTextSink(struct{ io.Writer }{os.Stderr}, false), nil
	case a.cfg.AuditFormat == config.FormatText:
		f, err := os.OpenFile(a.cfg.AuditLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		return audit.NewTextSink(f, false), nil
	default:
		return audit.NewFileSink(a.cfg.AuditLog)
	}
}

// rateConfigs returns the policy rates plus the one configured through
// RATE_ATTRIBUTES, if any.
func (a *app) rateConfigs() []rate.Config {
	cfgs := a.pol.RateConfigs()
	if len(a.cfg.RateAttributes) > 0 && !slices.ContainsFunc(cfgs, func(c rate.Config) bool { return c.Name == defaultRateName }) {
		cfgs = append(cfgs, rate.Config{
			Name:       defaultRateName,
			Window:     a.cfg.RateWindow,
			Grace:      a.cfg.RateGrace,
			Attributes: a.cfg.RateAttributes,
			Clone:      true,
		})
	}
	return cfgs
}

// newDelivery builds the delivery context over the configured sink. The
// returned Recent keeps the latest deliveries for inspection; the sink is
// closed by the returned close function after Shutdown.
func (a *app) newDelivery() (*delivery.Context, *audit.Recent, func() error, error) {
	sink, err := a.openSink()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening audit sink: %w", err)
	}

	fail := func(err error) (*delivery.Context, *audit.Recent, func() error, error) {
		return nil, nil, nil, errors.Join(err, sink.Close())
	}

	var aggs []*rate.Aggregator
	for _, rc := range a.rateConfigs() {
		agg, err := rate.New(rc, rate.WithLogger(a.logger), rate.WithInstrumentation(a.inst))
		if err != nil {
			return fail(fmt.Errorf("rate %q: %w", rc.Name, err))
		}
		aggs = append(aggs, agg)
	}

	filters, err := a.pol.BuildFilters()
	if err != nil {
		return fail(err)
	}
	levels, err := a.pol.Levels()
	if err != nil {
		return fail(err)
	}

	q := queue.New(
		queue.WithCapacity(a.cfg.QueueCapacity),
		queue.WithGCLimit(a.cfg.QueueGCLimit),
		queue.WithInstrumentation(a.inst),
		queue.WithLogger(a.logger),
	)

	recent := audit.NewRecent(a.cfg.RecentSize)
	dc := delivery.New(q, audit.Multi{sink, recent}, a.logger,
		delivery.WithWorkers(a.cfg.DeliveryWorkers),
		delivery.WithAggregators(aggs...),
		delivery.WithFilters(filters...),
		delivery.WithLevels(levels),
		delivery.WithInstrumentation(a.inst),
	)
	return dc, recent, sink.Close, nil
}

func (a *app) poolOptions() postgres.PoolOptions {
	return postgres.PoolOptions{
		MaxConns:        a.cfg.PoolMaxConns,
		MinConns:        a.cfg.PoolMinConns,
		MaxConnLifetime: a.cfg.PoolMaxConnLifetime,
		ApplicationName: serviceName,
	}
}

// watcherOptions configures a watcher from the config and policy.
func (a *app) watcherOptions(database string) ([]postgres.WatcherOption, error) {
	ops, err := a.pol.OperationSpecs()
	if err != nil {
		return nil, err
	}
	timeout := a.cfg.WatchTimeout
	if t := a.pol.Global.Timeout.Duration(); t > 0 {
		timeout = t
	}

	opts := []postgres.WatcherOption{
		postgres.WithOperations(ops),
		postgres.WithTimeout(timeout),
		postgres.WithDatabase(database),
		postgres.WithDefaultFields(a.pol.StaticFields()...),
		postgres.WithTracer(a.tracer),
		postgres.WithWatcherInstrumentation(a.inst),
		postgres.WithWatcherLogger(a.logger),
	}
	if len(a.pol.Global.DefaultFields) > 0 {
		opts = append(opts, postgres.WithDefaultKeys(a.pol.Global.DefaultFields))
	}
	return opts, nil
}

// drain shuts dc down within the configured timeout and closes its sink.
func (a *app) drain(dc *delivery.Context, closeSink func() error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := dc.Shutdown(ctx); err != nil {
		a.logger.Error("delivery shutdown", slog.String("error", err.Error()))
	}
	if err := closeSink(); err != nil {
		a.logger.Error("closing audit sink", slog.String("error", err.Error()))
	}
}
