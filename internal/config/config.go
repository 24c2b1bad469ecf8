package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Audit sink formats.
const (
	FormatJSON = "json"
	FormatText = "text"
	FormatCSV  = "csv"
)

type Config struct {
	// Database connection.
	DatabaseURL  string
	ReadOnly     bool
	MaxRows      int
	QueryTimeout time.Duration

	PolicyFile string // optional path to the watch policy YAML

	// Logging.
	LogLevel slog.Level

	// Transport.
	Transport       string // "stdio" (default) or "http"
	HTTPAddr        string // listen address for HTTP transport (default ":8080")
	HTTPBearerToken string // required when transport=http

	// Connection pool.
	PoolMaxConns        int32         // default: 5
	PoolMinConns        int32         // default: 1
	PoolMaxConnLifetime time.Duration // default: 30m

	// Watching and delivery.
	WatchTimeout    time.Duration // silence allowed before a record is delivered as timed out
	QueueCapacity   int           // 0 means unbounded
	QueueGCLimit    int
	DeliveryWorkers int
	ShutdownTimeout time.Duration
	RecentSize      int // deliveries kept for the recent_events tool

	// Default rate aggregator, enabled when RateAttributes is set.
	RateWindow     time.Duration
	RateGrace      time.Duration
	RateAttributes []string

	// Audit sink.
	AuditLog    string // path; empty writes to stderr
	AuditFormat string // json, text or csv

	// NSQ relay.
	NSQDTCPAddr       string
	NSQLookupHTTPAddr string
	NSQTopic          string
	NSQChannel        string

	// Observability.
	OTelEnabled bool   // enable OpenTelemetry tracing and metrics
	MetricsAddr string // Prometheus /metrics listen address; empty disables it
}

// Overrides holds CLI flag values that override environment variables.
// Pointer fields distinguish "not set" from zero values.
type Overrides struct {
	DatabaseURL     *string
	LogLevel        *string
	MaxRows         *int
	QueryTimeout    *time.Duration
	PolicyFile      *string
	Transport       *string
	HTTPAddr        *string
	HTTPBearerToken *string
	OTelEnabled     bool
	AuditLog        *string
	AuditFormat     *string

	// Connection pool overrides.
	PoolMaxConns        *int32
	PoolMinConns        *int32
	PoolMaxConnLifetime *time.Duration

	// Watch overrides.
	WatchTimeout    *time.Duration
	QueueCapacity   *int
	DeliveryWorkers *int

	NSQDTCPAddr *string
	NSQTopic    *string
	MetricsAddr *string

	// SkipDatabase drops the DATABASE_URL requirement for commands that
	// never connect, such as the relay.
	SkipDatabase bool
}

// Load builds a Config from environment variables, then applies CLI overrides,
// then validates the result.
func Load(overrides Overrides) (*Config, error) {
	cfg := defaults()

	if err := loadEnvVars(cfg); err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	if err := validate(cfg, overrides.SkipDatabase); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a Config populated with default values.
func defaults() *Config {
	return &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		ReadOnly:            true,
		MaxRows:             100,
		QueryTimeout:        10 * time.Second,
		Transport:           "stdio",
		HTTPAddr:            ":8080",
		PoolMaxConns:        5,
		PoolMinConns:        1,
		PoolMaxConnLifetime: 30 * time.Minute,
		WatchTimeout:        600 * time.Second,
		QueueGCLimit:        10000,
		DeliveryWorkers:     1,
		ShutdownTimeout:     10 * time.Second,
		RecentSize:          100,
		RateWindow:          time.Minute,
		AuditFormat:         FormatJSON,
		NSQTopic:            "pgwatch.records",
		NSQChannel:          "relay",
	}
}

// loadEnvVars reads all supported environment variables into cfg.
func loadEnvVars(cfg *Config) error {
	if v := os.Getenv("READ_ONLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid READ_ONLY value %q: %w", v, err)
		}
		cfg.ReadOnly = b
	}

	if v := os.Getenv("MAX_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_ROWS value %q: must be a positive integer", v)
		}
		cfg.MaxRows = n
	}

	if v := os.Getenv("QUERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid QUERY_TIMEOUT value %q: %w", v, err)
		}
		cfg.QueryTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	cfg.PolicyFile = os.Getenv("POLICY_FILE")

	if v := os.Getenv("TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.HTTPBearerToken = os.Getenv("HTTP_BEARER_TOKEN")

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_ENABLED value %q: %w", v, err)
		}
		cfg.OTelEnabled = b
	}
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	if err := loadPoolEnvVars(cfg); err != nil {
		return err
	}
	if err := loadWatchEnvVars(cfg); err != nil {
		return err
	}
	loadNSQEnvVars(cfg)

	return nil
}

// loadPoolEnvVars reads connection pool environment variables.
func loadPoolEnvVars(cfg *Config) error {
	if v := os.Getenv("POOL_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid POOL_MAX_CONNS value %q: must be a positive integer", v)
		}
		cfg.PoolMaxConns = int32(n)
	}
	if v := os.Getenv("POOL_MIN_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid POOL_MIN_CONNS value %q: must be a non-negative integer", v)
		}
		cfg.PoolMinConns = int32(n)
	}
	if v := os.Getenv("POOL_MAX_CONN_LIFETIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid POOL_MAX_CONN_LIFETIME value %q: %w", v, err)
		}
		cfg.PoolMaxConnLifetime = d
	}
	return nil
}

// loadWatchEnvVars reads the watcher, queue, rate and audit sink variables.
func loadWatchEnvVars(cfg *Config) error {
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"WATCH_TIMEOUT", &cfg.WatchTimeout},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"RATE_WINDOW", &cfg.RateWindow},
		{"RATE_GRACE", &cfg.RateGrace},
	}
	for _, d := range durations {
		if v := os.Getenv(d.name); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s value %q: %w", d.name, v, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		name     string
		dst      *int
		positive bool
	}{
		{"QUEUE_CAPACITY", &cfg.QueueCapacity, false},
		{"QUEUE_GC_LIMIT", &cfg.QueueGCLimit, true},
		{"DELIVERY_WORKERS", &cfg.DeliveryWorkers, true},
		{"RECENT_SIZE", &cfg.RecentSize, true},
	}
	for _, n := range ints {
		if v := os.Getenv(n.name); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 0 || (n.positive && parsed == 0) {
				return fmt.Errorf("invalid %s value %q: must be a %s integer", n.name, v, map[bool]string{true: "positive", false: "non-negative"}[n.positive])
			}
			*n.dst = parsed
		}
	}

	if v := os.Getenv("RATE_ATTRIBUTES"); v != "" {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				cfg.RateAttributes = append(cfg.RateAttributes, s)
			}
		}
	}

	cfg.AuditLog = os.Getenv("AUDIT_LOG")
	if v := os.Getenv("AUDIT_FORMAT"); v != "" {
		cfg.AuditFormat = strings.ToLower(v)
	}
	return nil
}

func loadNSQEnvVars(cfg *Config) {
	cfg.NSQDTCPAddr = os.Getenv("NSQD_TCP_ADDR")
	cfg.NSQLookupHTTPAddr = os.Getenv("NSQ_LOOKUP_HTTP_ADDR")
	if v := os.Getenv("NSQ_TOPIC"); v != "" {
		cfg.NSQTopic = v
	}
	if v := os.Getenv("NSQ_CHANNEL"); v != "" {
		cfg.NSQChannel = v
	}
}

// applyOverrides applies CLI flag values on top of the env-loaded config.
func applyOverrides(cfg *Config, o Overrides) error {
	if o.DatabaseURL != nil {
		cfg.DatabaseURL = *o.DatabaseURL
	}
	if o.LogLevel != nil {
		level, err := parseLogLevel(*o.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if o.MaxRows != nil {
		if *o.MaxRows <= 0 {
			return fmt.Errorf("invalid --max-rows value: must be a positive integer")
		}
		cfg.MaxRows = *o.MaxRows
	}
	if o.QueryTimeout != nil {
		cfg.QueryTimeout = *o.QueryTimeout
	}
	if o.PolicyFile != nil {
		cfg.PolicyFile = *o.PolicyFile
	}
	if o.Transport != nil {
		cfg.Transport = *o.Transport
	}
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	if o.HTTPBearerToken != nil {
		cfg.HTTPBearerToken = *o.HTTPBearerToken
	}
	if o.AuditLog != nil {
		cfg.AuditLog = *o.AuditLog
	}
	if o.AuditFormat != nil {
		cfg.AuditFormat = strings.ToLower(*o.AuditFormat)
	}

	if err := applyPoolOverrides(cfg, o); err != nil {
		return err
	}
	if err := applyWatchOverrides(cfg, o); err != nil {
		return err
	}

	if o.NSQDTCPAddr != nil {
		cfg.NSQDTCPAddr = *o.NSQDTCPAddr
	}
	if o.NSQTopic != nil {
		cfg.NSQTopic = *o.NSQTopic
	}
	if o.MetricsAddr != nil {
		cfg.MetricsAddr = *o.MetricsAddr
	}
	cfg.OTelEnabled = cfg.OTelEnabled || o.OTelEnabled

	return nil
}

// applyPoolOverrides applies connection pool CLI flag overrides.
func applyPoolOverrides(cfg *Config, o Overrides) error {
	if o.PoolMaxConns != nil {
		if *o.PoolMaxConns <= 0 {
			return fmt.Errorf("invalid --pool-max-conns value: must be a positive integer")
		}
		cfg.PoolMaxConns = *o.PoolMaxConns
	}
	if o.PoolMinConns != nil {
		if *o.PoolMinConns < 0 {
			return fmt.Errorf("invalid --pool-min-conns value: must be a non-negative integer")
		}
		cfg.PoolMinConns = *o.PoolMinConns
	}
	if o.PoolMaxConnLifetime != nil {
		cfg.PoolMaxConnLifetime = *o.PoolMaxConnLifetime
	}
	return nil
}

func applyWatchOverrides(cfg *Config, o Overrides) error {
	if o.WatchTimeout != nil {
		cfg.WatchTimeout = *o.WatchTimeout
	}
	if o.QueueCapacity != nil {
		if *o.QueueCapacity < 0 {
			return fmt.Errorf("invalid --queue-capacity value: must be a non-negative integer")
		}
		cfg.QueueCapacity = *o.QueueCapacity
	}
	if o.DeliveryWorkers != nil {
		if *o.DeliveryWorkers <= 0 {
			return fmt.Errorf("invalid --workers value: must be a positive integer")
		}
		cfg.DeliveryWorkers = *o.DeliveryWorkers
	}
	return nil
}

// validate checks cross-field constraints on the final config.
func validate(cfg *Config, skipDatabase bool) error {
	if cfg.DatabaseURL == "" && !skipDatabase {
		return fmt.Errorf("DATABASE_URL is required (set via env var or --database-url flag)")
	}

	switch cfg.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid TRANSPORT value %q: must be \"stdio\" or \"http\"", cfg.Transport)
	}

	if cfg.Transport == "http" && cfg.HTTPBearerToken == "" {
		return fmt.Errorf("HTTP_BEARER_TOKEN is required when transport is \"http\" (set via env var or --http-bearer-token flag)")
	}

	if cfg.PoolMinConns > cfg.PoolMaxConns {
		return fmt.Errorf("POOL_MIN_CONNS (%d) must not exceed POOL_MAX_CONNS (%d)", cfg.PoolMinConns, cfg.PoolMaxConns)
	}

	switch cfg.AuditFormat {
	case FormatJSON, FormatText, FormatCSV:
	default:
		return fmt.Errorf("invalid AUDIT_FORMAT value %q: must be json, text, or csv", cfg.AuditFormat)
	}
	if cfg.AuditFormat == FormatCSV && cfg.AuditLog == "" {
		return fmt.Errorf("AUDIT_LOG is required when AUDIT_FORMAT is \"csv\"")
	}

	if len(cfg.RateAttributes) > 0 && cfg.RateWindow <= 0 {
		return fmt.Errorf("RATE_WINDOW must be positive when RATE_ATTRIBUTES is set")
	}
	if cfg.RateGrace < 0 {
		return fmt.Errorf("RATE_GRACE must not be negative")
	}

	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL value %q: must be debug, info, warn, or error", s)
	}
}
