package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/guillermoBallester/pgwatch/internal/adapter/mcp"
	"github.com/guillermoBallester/pgwatch/internal/adapter/nsq"
	"github.com/guillermoBallester/pgwatch/internal/adapter/postgres"
	"github.com/guillermoBallester/pgwatch/internal/audit"
	"github.com/guillermoBallester/pgwatch/internal/config"
	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
	"github.com/guillermoBallester/pgwatch/internal/core/service"
)

var version = "dev"

const (
	serviceName     = "pgwatch"
	defaultRateName = "default"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pgwatch",
		Short: "Audit every PostgreSQL statement as a deferred, rate-aggregated record",
		Long: `pgwatch watches SQL statements, keeps one record per statement that is
updated while the statement runs, and delivers each record exactly once:
when it is finalized, when it goes silent past its timeout, or at shutdown.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	overrides := bindFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(overrides),
		newQueryCmd(overrides),
		newRelayCmd(overrides),
		newCSVAggregateCmd(),
	)
	return root
}

func newServeCmd(overrides func() config.Overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP query tools with every statement audited",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runServe(ctx, overrides())
		},
	}
}

func runServe(ctx context.Context, overrides config.Overrides) error {
	a, err := newApp(ctx, overrides)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	cfg, logger := a.cfg, a.logger

	logger.Info("starting pgwatch",
		slog.String("version", version),
		slog.String("database_url", redactDSN(cfg.DatabaseURL)),
		slog.String("log_level", cfg.LogLevel.String()),
		slog.Bool("read_only", cfg.ReadOnly),
		slog.Int("max_rows", cfg.MaxRows),
		slog.String("query_timeout", cfg.QueryTimeout.String()),
		slog.String("watch_timeout", cfg.WatchTimeout.String()),
	)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, a.poolOptions())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()
	logger.Info("database pool connected", slog.String("db.system", "postgresql"))

	// Records either go through the local delivery context, or to NSQ for a
	// relay to deliver. The inspection tools only exist in the local case.
	var (
		emitter port.RecordEmitter
		recent  *audit.Recent
		status  mcp.DeliveryStatus
	)
	if cfg.NSQDTCPAddr != "" {
		producer, err := nsq.NewProducer(cfg.NSQDTCPAddr, logger)
		if err != nil {
			return err
		}
		defer producer.Stop()
		emitter = nsq.NewPublisher(producer, cfg.NSQTopic)
		logger.Info("publishing records to nsq",
			slog.String("nsq.addr", cfg.NSQDTCPAddr),
			slog.String("nsq.topic", cfg.NSQTopic),
		)
	} else {
		dc, r, closeSink, err := a.newDelivery()
		if err != nil {
			return err
		}
		dc.Start(ctx)
		defer a.drain(dc, closeSink)
		emitter, recent, status = dc, r, dc
	}

	opts, err := a.watcherOptions(pool.Config().ConnConfig.Database)
	if err != nil {
		return err
	}
	watcher := postgres.NewWatcher(pool, emitter, opts...)
	executor := postgres.NewExecutor(pool, watcher, cfg.ReadOnly, cfg.MaxRows, cfg.QueryTimeout)
	querySvc := service.NewQueryService(domain.NewPgQueryValidator(), executor, logger, a.pol.Masks, a.tracer, a.inst,
		service.WithRejectionRecorder(watcher))

	mcpServer := mcp.NewServer(version, querySvc, recent, status, logger, a.tracer, a.inst)

	if a.registry != nil {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(a.registry, logger), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := listen(ctx, metricsSrv, logger); err != nil {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
	}

	switch cfg.Transport {
	case "http":
		handler := mcpMux(mcpserver.NewStreamableHTTPServer(mcpServer), cfg.HTTPBearerToken, logger)
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		if err := listen(ctx, srv, logger); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	default:
		logger.Info("serving MCP over stdio")
		if err := mcpserver.NewStdioServer(mcpServer).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stdio server: %w", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func newQueryCmd(overrides func() config.Overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "query SQL",
		Short: "Run one read-only statement, print its rows as JSON and deliver its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), overrides(), args[0], cmd.OutOrStdout())
		},
	}
}

func runQuery(ctx context.Context, overrides config.Overrides, sql string, out io.Writer) error {
	a, err := newApp(ctx, overrides)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	pool, err := postgres.NewPool(ctx, a.cfg.DatabaseURL, a.poolOptions())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	dc, _, closeSink, err := a.newDelivery()
	if err != nil {
		return err
	}
	dc.Start(ctx)
	defer a.drain(dc, closeSink)

	opts, err := a.watcherOptions(pool.Config().ConnConfig.Database)
	if err != nil {
		return err
	}
	watcher := postgres.NewWatcher(pool, dc, opts...)
	executor := postgres.NewExecutor(pool, watcher, a.cfg.ReadOnly, a.cfg.MaxRows, a.cfg.QueryTimeout)
	querySvc := service.NewQueryService(domain.NewPgQueryValidator(), executor, a.logger, a.pol.Masks, a.tracer, a.inst,
		service.WithRejectionRecorder(watcher))

	rows, err := querySvc.Execute(ctx, sql)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func newRelayCmd(overrides func() config.Overrides) *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Consume records published to NSQ and deliver them to the audit sink",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			o := overrides()
			o.SkipDatabase = true
			return runRelay(ctx, o, channel)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "NSQ channel to consume from (overrides NSQ_CHANNEL)")
	return cmd
}

func runRelay(ctx context.Context, overrides config.Overrides, channel string) error {
	a, err := newApp(ctx, overrides)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	cfg, logger := a.cfg, a.logger

	if cfg.NSQDTCPAddr == "" && cfg.NSQLookupHTTPAddr == "" {
		return errors.New("relay needs NSQD_TCP_ADDR or NSQ_LOOKUP_HTTP_ADDR")
	}
	if channel == "" {
		channel = cfg.NSQChannel
	}

	dc, _, closeSink, err := a.newDelivery()
	if err != nil {
		return err
	}
	dc.Start(ctx)

	consumer, err := nsq.Subscribe(nsq.ConsumerConfig{
		Topic:          cfg.NSQTopic,
		Channel:        channel,
		NsqdTCPAddr:    cfg.NSQDTCPAddr,
		LookupHTTPAddr: cfg.NSQLookupHTTPAddr,
		MaxInFlight:    cfg.DeliveryWorkers,
	}, nsq.NewRelay(ctx, dc, logger), logger)
	if err != nil {
		a.drain(dc, closeSink)
		return err
	}
	logger.Info("relaying records",
		slog.String("nsq.topic", cfg.NSQTopic),
		slog.String("nsq.channel", channel),
	)

	if a.registry != nil {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(a.registry, logger), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := listen(ctx, metricsSrv, logger); err != nil {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
	}

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	a.drain(dc, closeSink)

	logger.Info("shutdown complete")
	return nil
}

func newCSVAggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "csv-aggregate INPUT [OUTPUT]",
		Short: "Keep only the latest row of every record in a CSV audit log",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 2 {
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return runCSVAggregate(args[0], out, cmd.ErrOrStderr())
		},
	}
}

func runCSVAggregate(inPath string, out, report io.Writer) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	stats, err := audit.AggregateCSV(in, out)
	if err != nil {
		return fmt.Errorf("aggregating %s: %w", inPath, err)
	}
	_, err = fmt.Fprintf(report, "read %d rows, wrote %d, skipped %d invalid\n",
		stats.InputRows, stats.OutputRows, stats.Errors)
	return err
}
