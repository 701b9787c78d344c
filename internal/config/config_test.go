package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  max_body_bytes: 1048576
redis:
  addr: redis:6379
session:
  ttl: 48h
rate_limit:
  requests_per_minute: 30
splunk:
  receiver:
    port: 8088
    default_channel: soc
observability:
  log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.MaxBodyBytes != 1<<20 {
		t.Errorf("server settings not applied: %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("unset keys should keep defaults, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("expected redis addr override, got %q", cfg.Redis.Addr)
	}
	if cfg.Session.TTL != 48*time.Hour || cfg.Session.KeyPrefix != "threatlane:session" {
		t.Errorf("unexpected session config %+v", cfg.Session)
	}
	if cfg.RateLimit.RequestsPerMinute != 30 || cfg.RateLimit.Endpoints["export"].RequestsPerMinute != 5 {
		t.Errorf("unexpected rate limit config %+v", cfg.RateLimit)
	}
	if cfg.Splunk.Receiver.Port != 8088 || cfg.Splunk.Receiver.DefaultChannel != "soc" {
		t.Errorf("unexpected receiver config %+v", cfg.Splunk.Receiver)
	}
	if cfg.Observability.LogLevel != "debug" || cfg.Observability.ServiceName != "threatlane" {
		t.Errorf("unexpected observability config %+v", cfg.Observability)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
redis:
  addr: redis:6379
`)
	t.Setenv("THREATLANE_PORT", "9191")
	t.Setenv("THREATLANE_REDIS_ADDR", "cache:6380")
	t.Setenv("THREATLANE_SESSION_TTL", "2h")
	t.Setenv("THREATLANE_LOG_LEVEL", "warn")
	t.Setenv("THREATLANE_RATE_LIMIT_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("env should win over the file, got port %d", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "cache:6380" {
		t.Errorf("unexpected redis addr %q", cfg.Redis.Addr)
	}
	if cfg.Session.TTL != 2*time.Hour {
		t.Errorf("unexpected session ttl %v", cfg.Session.TTL)
	}
	if cfg.Observability.LogLevel != "warn" {
		t.Errorf("unexpected log level %q", cfg.Observability.LogLevel)
	}
	if cfg.RateLimit.Enabled {
		t.Error("rate limiting should be disabled by env")
	}
}

func TestLoad_WithoutFile(t *testing.T) {
	t.Setenv("THREATLANE_PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected defaults plus env, got %+v %+v", cfg.Server, cfg.Redis)
	}

	t.Setenv("THREATLANE_PORT", "not-a-port")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "environment overrides") {
		t.Errorf("expected env parse error, got %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	if _, err := Load(writeConfig(t, "server: [not, a, map]")); err == nil || !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Redis.Addr = ""
	cfg.Observability.LogLevel = "verbose"
	cfg.Splunk.Sender.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	errs := multierr.Errors(err)
	if len(errs) != 4 {
		t.Errorf("expected 4 problems, got %d: %v", len(errs), err)
	}
	for _, want := range []string{"server.port", "redis.addr", "log_level", "hec_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidate_ReceiverPortConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Splunk.Receiver.Port = cfg.Server.Port

	if err := cfg.Validate(); err == nil {
		t.Error("receiver must not share the API port")
	}
}

func TestValidate_Kafka(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kafka.Enabled = true
	cfg.Kafka.GroupID = ""

	errs := multierr.Errors(cfg.Validate())
	if len(errs) != 2 {
		t.Fatalf("expected brokers and group problems, got %v", errs)
	}

	t.Setenv("THREATLANE_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("THREATLANE_KAFKA_GROUP_ID", "soc")
	t.Setenv("THREATLANE_KAFKA_ENABLED", "true")
	loaded, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Kafka.Brokers) != 2 || loaded.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers %v", loaded.Kafka.Brokers)
	}
}

func TestRedisPassword(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")

	r := RedisConfig{PasswordEnv: "TEST_REDIS_PASSWORD"}
	if r.Password() != "s3cret" {
		t.Errorf("expected password from env, got %q", r.Password())
	}
	if (RedisConfig{}).Password() != "" {
		t.Error("no env var means no password")
	}
}
