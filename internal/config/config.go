// Package config provides configuration management for ThreatLane.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatlane/internal/api/gateway"
	"github.com/lvonguyen/threatlane/internal/observability"
	"github.com/lvonguyen/threatlane/internal/session"
	"github.com/lvonguyen/threatlane/internal/splunk"
	"github.com/lvonguyen/threatlane/internal/stream"
)

// Config holds all ThreatLane configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Redis         RedisConfig             `yaml:"redis"`
	Session       session.Config          `yaml:"session"`
	Splunk        SplunkConfig            `yaml:"splunk"`
	Kafka         stream.Config           `yaml:"kafka"`
	RateLimit     gateway.RateLimitConfig `yaml:"rate_limit"`
	Observability observability.Config    `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr" env:"REDIS_ADDR"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db" env:"REDIS_DB"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the configured env var.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// SplunkConfig holds Splunk HEC settings.
type SplunkConfig struct {
	Receiver splunk.ReceiverConfig `yaml:"receiver"`
	Sender   splunk.SenderConfig   `yaml:"sender"`
}

// EnvPrefix prefixes every environment override, e.g. THREATLANE_PORT.
const EnvPrefix = "THREATLANE_"

// Load reads configuration from a YAML file, then applies environment
// overrides. Missing keys keep their defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    32 << 20,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Session: session.DefaultConfig(),
		Splunk: SplunkConfig{
			Receiver: splunk.DefaultReceiverConfig(),
			Sender:   splunk.DefaultSenderConfig(),
		},
		Kafka:         stream.DefaultConfig(),
		RateLimit:     gateway.DefaultConfig(),
		Observability: observability.DefaultConfig(),
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		err = multierr.Append(err, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Redis.Addr == "" {
		err = multierr.Append(err, errors.New("redis.addr is required"))
	}
	if c.Session.TTL < 0 {
		err = multierr.Append(err, errors.New("session.ttl must not be negative"))
	}

	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("observability.log_level %q is not one of debug, info, warn, error", c.Observability.LogLevel))
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("observability.log_format %q is not json or console", c.Observability.LogFormat))
	}

	if r := c.Splunk.Receiver; r.Enabled {
		if r.TokenEnv == "" {
			err = multierr.Append(err, errors.New("splunk.receiver.token_env is required when the receiver is enabled"))
		}
		if r.Port < 0 || r.Port > 65535 || (r.Port != 0 && r.Port == c.Server.Port) {
			err = multierr.Append(err, fmt.Errorf("splunk.receiver.port %d must be 0 or a free port", r.Port))
		}
	}
	if s := c.Splunk.Sender; s.Enabled {
		if s.HECURL == "" {
			err = multierr.Append(err, errors.New("splunk.sender.hec_url is required when the sender is enabled"))
		}
		if s.TokenEnv == "" {
			err = multierr.Append(err, errors.New("splunk.sender.token_env is required when the sender is enabled"))
		}
	}

	if k := c.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			err = multierr.Append(err, errors.New("kafka.brokers is required when the consumer is enabled"))
		}
		if k.Topic == "" || k.GroupID == "" {
			err = multierr.Append(err, errors.New("kafka.topic and kafka.group_id are required when the consumer is enabled"))
		}
	}

	return err
}
