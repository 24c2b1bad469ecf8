package main

import (
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/guillermoBallester/pgwatch/internal/config"
)

// bindFlags registers the configuration flags on fs. The returned function
// builds Overrides from the flags that were explicitly set.
func bindFlags(fs *pflag.FlagSet) func() config.Overrides {
	var (
		databaseURL     string
		logLevel        string
		maxRows         int
		queryTimeout    time.Duration
		policyFile      string
		transport       string
		httpAddr        string
		httpBearerToken string
		otelEnabled     bool
		auditLog        string
		auditFormat     string
		poolMaxConns    int32
		poolMinConns    int32
		poolMaxLifetime time.Duration
		watchTimeout    time.Duration
		queueCapacity   int
		workers         int
		nsqdAddr        string
		nsqTopic        string
		metricsAddr     string
	)

	fs.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	fs.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.IntVar(&maxRows, "max-rows", 0, "maximum rows returned per query")
	fs.DurationVar(&queryTimeout, "query-timeout", 0, "per-query timeout")
	fs.StringVar(&policyFile, "policy-file", "", "path to the watch policy YAML")
	fs.StringVar(&transport, "transport", "", "MCP transport: stdio or http")
	fs.StringVar(&httpAddr, "http-addr", "", "listen address for the http transport")
	fs.StringVar(&httpBearerToken, "http-bearer-token", "", "bearer token required by the http transport")
	fs.BoolVar(&otelEnabled, "otel", false, "enable OpenTelemetry tracing and metrics")
	fs.StringVar(&auditLog, "audit-log", "", "audit sink file (default stderr)")
	fs.StringVar(&auditFormat, "audit-format", "", "audit sink format: json, text or csv")
	fs.Int32Var(&poolMaxConns, "pool-max-conns", 0, "maximum pool connections")
	fs.Int32Var(&poolMinConns, "pool-min-conns", 0, "minimum pool connections")
	fs.DurationVar(&poolMaxLifetime, "pool-max-conn-lifetime", 0, "maximum connection lifetime")
	fs.DurationVar(&watchTimeout, "watch-timeout", 0, "silence allowed before a watched operation times out")
	fs.IntVar(&queueCapacity, "queue-capacity", 0, "maximum live records waiting for delivery (0 is unbounded)")
	fs.IntVar(&workers, "workers", 0, "delivery worker goroutines")
	fs.StringVar(&nsqdAddr, "nsqd-tcp-addr", "", "nsqd TCP address for publishing or relaying records")
	fs.StringVar(&nsqTopic, "nsq-topic", "", "NSQ topic records are published to")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address")

	return func() config.Overrides {
		var o config.Overrides
		setIfChanged(fs, "database-url", &o.DatabaseURL, databaseURL)
		setIfChanged(fs, "log-level", &o.LogLevel, logLevel)
		setIfChanged(fs, "max-rows", &o.MaxRows, maxRows)
		setIfChanged(fs, "query-timeout", &o.QueryTimeout, queryTimeout)
		setIfChanged(fs, "policy-file", &o.PolicyFile, policyFile)
		setIfChanged(fs, "transport", &o.Transport, transport)
		setIfChanged(fs, "http-addr", &o.HTTPAddr, httpAddr)
		setIfChanged(fs, "http-bearer-token", &o.HTTPBearerToken, httpBearerToken)
		setIfChanged(fs, "audit-log", &o.AuditLog, auditLog)
		setIfChanged(fs, "audit-format", &o.AuditFormat, auditFormat)
		setIfChanged(fs, "pool-max-conns", &o.PoolMaxConns, poolMaxConns)
		setIfChanged(fs, "pool-min-conns", &o.PoolMinConns, poolMinConns)
		setIfChanged(fs, "pool-max-conn-lifetime", &o.PoolMaxConnLifetime, poolMaxLifetime)
		setIfChanged(fs, "watch-timeout", &o.WatchTimeout, watchTimeout)
		setIfChanged(fs, "queue-capacity", &o.QueueCapacity, queueCapacity)
		setIfChanged(fs, "workers", &o.DeliveryWorkers, workers)
		setIfChanged(fs, "nsqd-tcp-addr", &o.NSQDTCPAddr, nsqdAddr)
		setIfChanged(fs, "nsq-topic", &o.NSQTopic, nsqTopic)
		setIfChanged(fs, "metrics-addr", &o.MetricsAddr, metricsAddr)
		o.OTelEnabled = otelEnabled
		return o
	}
}

func setIfChanged[T any](fs *pflag.FlagSet, name string, dst **T, v T) {
	if fs.Changed(name) {
		*dst = &v
	}
}

// parseFlags parses args into Overrides without a command tree.
func parseFlags(args []string) (config.Overrides, error) {
	fs := pflag.NewFlagSet("pgwatch", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	collect := bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Overrides{}, err
	}
	return collect(), nil
}
