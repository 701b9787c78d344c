// Package stream consumes telemetry from Kafka topics into timeline sessions.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlane/internal/observability"
	"github.com/lvonguyen/threatlane/internal/session"
	"github.com/lvonguyen/threatlane/internal/telemetry/ingestion"
)

// Config holds Kafka consumer settings.
type Config struct {
	Enabled        bool          `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers        []string      `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic          string        `yaml:"topic" env:"KAFKA_TOPIC"`
	GroupID        string        `yaml:"group_id" env:"KAFKA_GROUP_ID"`
	DefaultSession string        `yaml:"default_session"` // used when a message has no key
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Topic:          "threatlane.telemetry",
		GroupID:        "threatlane",
		DefaultSession: "stream",
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        time.Second,
		RetryDelay:     500 * time.Millisecond,
		MaxRetryDelay:  30 * time.Second,
	}
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler appends one message's payload to a session.
type Handler func(ctx context.Context, sessionID string, input any) error

// NewReader creates a consumer-group reader for cfg.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})
}

// Consumer feeds Kafka messages to a Handler. A message is committed only
// after it has been appended or found permanently unusable.
type Consumer struct {
	config  Config
	reader  Reader
	handler Handler
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewConsumer creates a consumer reading from reader.
func NewConsumer(cfg Config, reader Reader, handler Handler, logger *zap.Logger, metrics *observability.Metrics) *Consumer {
	defaults := DefaultConfig()
	if cfg.DefaultSession == "" {
		cfg.DefaultSession = defaults.DefaultSession
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Consumer{
		config:  cfg,
		reader:  reader,
		handler: handler,
		logger:  logger.With(zap.String("component", "kafka_consumer"), zap.String("topic", cfg.Topic)),
		metrics: metrics,
	}
}

// Run consumes until ctx is cancelled or the reader fails.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started", zap.Strings("brokers", c.config.Brokers))
	defer c.logger.Info("Kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if !c.process(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// SessionID returns the session a message belongs to.
func (c *Consumer) SessionID(msg kafka.Message) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return c.config.DefaultSession
}

// process hands msg to the handler, retrying transient failures with
// capped exponential backoff. It reports false only when ctx ends first.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	sessionID := c.SessionID(msg)
	delay := c.config.RetryDelay

	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, sessionID, string(msg.Value))
		if err == nil {
			c.count("accepted")
			return true
		}

		if errors.Is(err, ingestion.ErrFormat) || errors.Is(err, session.ErrInvalidSessionID) {
			c.logger.Warn("Skipping unusable message",
				zap.String("session", sessionID),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			c.count("rejected")
			return true
		}

		c.count("retried")
		c.logger.Warn("Failed to ingest message, retrying",
			zap.String("session", sessionID),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.config.MaxRetryDelay {
			delay = c.config.MaxRetryDelay
		}
	}
}

func (c *Consumer) count(status string) {
	if c.metrics != nil {
		c.metrics.StreamMessages.WithLabelValues(status).Inc()
	}
}
