// Package observability provides logging, metrics, and tracing capabilities
package observability

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const namespace = "threatlane"

// Telemetry provides unified observability for ThreatLane
type Telemetry struct {
	logger       *zap.Logger
	tracer       trace.Tracer
	metrics      *Metrics
	registry     *prometheus.Registry
	logFile      *lumberjack.Logger
	config       Config
	shutdownOnce sync.Once
}

// Config configures telemetry
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment" env:"ENVIRONMENT"`

	// Logging
	LogLevel  string  `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string  `yaml:"log_format" env:"LOG_FORMAT"` // json, console
	LogFile   LogFile `yaml:"log_file"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
}

// LogFile mirrors logs as JSON into a size-rotated file. An empty Path
// disables it.
type LogFile struct {
	Path       string `yaml:"path" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "threatlane",
		ServiceVersion: "dev",
		Environment:    "development",
		LogLevel:       "info",
		LogFormat:      "json",
		MetricsEnabled: true,
		LogFile: LogFile{
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// Metrics holds Prometheus metrics for ThreatLane
type Metrics struct {
	// Ingestion metrics
	RecordsIngested *prometheus.CounterVec
	RecordsDropped  *prometheus.CounterVec
	FormatErrors    *prometheus.CounterVec
	IngestDuration  *prometheus.HistogramVec

	// Correlation metrics
	HostsPerSnapshot prometheus.Histogram
	EdgesEmitted     prometheus.Counter

	// Transport metrics
	HECEvents      *prometheus.CounterVec
	StreamMessages *prometheus.CounterVec
	Exported       *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a new Telemetry instance
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		config: cfg,
	}

	logger, err := t.initLogger()
	if err != nil {
		return nil, err
	}
	t.logger = logger
	t.tracer = otel.Tracer(cfg.ServiceName)

	if cfg.MetricsEnabled {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(collectors.NewGoCollector())
		t.metrics = newMetrics(t.registry)
	}

	return t, nil
}

// NewNop returns telemetry that discards logs and records no metrics.
func NewNop() *Telemetry {
	return &Telemetry{
		logger: zap.NewNop(),
		tracer: otel.Tracer("threatlane"),
	}
}

// initLogger initializes structured logging
func (t *Telemetry) initLogger() (*zap.Logger, error) {
	var config zap.Config

	if t.config.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	config.Level = zap.NewAtomicLevelAt(ParseLevel(t.config.LogLevel))

	config.InitialFields = map[string]interface{}{
		"service":     t.config.ServiceName,
		"version":     t.config.ServiceVersion,
		"environment": t.config.Environment,
	}

	if t.config.LogFile.Path == "" {
		return config.Build()
	}

	t.logFile = &lumberjack.Logger{
		Filename:   t.config.LogFile.Path,
		MaxSize:    t.config.LogFile.MaxSizeMB,
		MaxAge:     t.config.LogFile.MaxAgeDays,
		MaxBackups: t.config.LogFile.MaxBackups,
		Compress:   t.config.LogFile.Compress,
	}
	fileEncoder := zap.NewProductionEncoderConfig()
	fileEncoder.TimeKey = "timestamp"
	fileEncoder.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), zapcore.AddSync(t.logFile), config.Level)

	return config.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
}

// ParseLevel maps a config level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_ingested_total",
				Help:      "Records normalized into events, by category",
			},
			[]string{"category"},
		),
		RecordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_dropped_total",
				Help:      "Records or lines excluded from output, by reason",
			},
			[]string{"reason"}, // no_timestamp, duplicate, unparseable
		),
		FormatErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "format_errors_total",
				Help:      "Rejected ingestion batches, by error kind",
			},
			[]string{"kind"},
		),
		IngestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_seconds",
				Help:      "Time spent normalizing and correlating a batch",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"operation"},
		),
		HostsPerSnapshot: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_hosts",
				Help:      "Hosts in the registry of each built snapshot",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		EdgesEmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_edges_total",
				Help:      "Host-to-host connection edges emitted by snapshot builds",
			},
		),
		HECEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hec_events_total",
				Help:      "Events received on the HEC endpoints",
			},
			[]string{"status"},
		),
		StreamMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_messages_total",
				Help:      "Kafka messages consumed, by outcome",
			},
			[]string{"status"},
		),
		Exported: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exported_events_total",
				Help:      "Raw payloads forwarded to external sinks",
			},
			[]string{"sink", "status"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// Logger returns the logger
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Metrics returns the metrics, or nil when metrics are disabled
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// StartSpan starts a new trace span
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// RecordError records an error to the current span and logs it
func (t *Telemetry) RecordError(ctx context.Context, err error, fields ...zap.Field) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
	}
	t.logger.Error(err.Error(), fields...)
}

// MetricsHandler returns the Prometheus metrics handler
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// StartSystemMetricsCollector starts collecting system metrics
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				t.metrics.MemoryUsage.Set(float64(m.Alloc))
			}
		}
	}()
}

// Shutdown flushes buffered logs and closes the log file
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		err = t.logger.Sync()
		if t.logFile != nil {
			if cerr := t.logFile.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
