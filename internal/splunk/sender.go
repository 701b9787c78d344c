package splunk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlane/internal/observability"
	"github.com/lvonguyen/threatlane/internal/telemetry"
)

// ===========================================================================
// HEC Sender - Forwards session payloads to Splunk
// ===========================================================================

// HECSender sends events to Splunk via HEC.
type HECSender struct {
	config     SenderConfig
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *observability.Metrics
	mu         sync.RWMutex
	stats      SenderStats
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	Enabled    bool          `yaml:"enabled" env:"HEC_SENDER_ENABLED"`
	HECURL     string        `yaml:"hec_url" env:"HEC_SENDER_URL"`
	TokenEnv   string        `yaml:"token_env"`
	Index      string        `yaml:"index"`
	SourceType string        `yaml:"sourcetype"`
	Source     string        `yaml:"source"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:   "SPLUNK_HEC_TOKEN_OUTBOUND",
		Index:      "threatlane",
		SourceType: "_json",
		Source:     "threatlane",
		BatchSize:  100,
		Timeout:    30 * time.Second,
		RetryCount: 3,
		RetryDelay: time.Second,
	}
}

// SenderStats tracks sender metrics.
type SenderStats struct {
	EventsSent   int64     `json:"events_sent"`
	EventsFailed int64     `json:"events_failed"`
	BytesSent    int64     `json:"bytes_sent"`
	LastSendAt   time.Time `json:"last_send_at"`
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config SenderConfig, logger *zap.Logger, metrics *observability.Metrics) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}

	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSenderConfig().BatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HECSender{
		config: config,
		token:  token,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:  logger.With(zap.String("component", "hec_sender")),
		metrics: metrics,
	}, nil
}

// SendBatch forwards the raw payloads of events to Splunk in batches of
// BatchSize. Only the payload and its identifier leave the process; derived
// fields are recomputed by whoever ingests them. Returns how many events
// were delivered before the first failing batch.
func (s *HECSender) SendBatch(ctx context.Context, events []*telemetry.Event) (int, error) {
	sent := 0
	for start := 0; start < len(events); start += s.config.BatchSize {
		end := min(start+s.config.BatchSize, len(events))
		batch := events[start:end]

		data, err := s.encode(batch)
		if err != nil {
			return sent, err
		}

		if err := s.sendWithRetry(ctx, data, len(batch)); err != nil {
			s.record("failed", len(events)-sent)
			return sent, err
		}
		sent += len(batch)
		s.record("sent", len(batch))
	}
	return sent, nil
}

// encode serializes events as concatenated HEC envelopes.
func (s *HECSender) encode(events []*telemetry.Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range events {
		entry := e.ToRawEntry()
		data, err := json.Marshal(HECEvent{
			Time:       float64(e.Timestamp.UnixNano()) / 1e9,
			Host:       e.Host.Hostname,
			Source:     s.config.Source,
			SourceType: s.config.SourceType,
			Index:      s.config.Index,
			Event:      entry.Payload,
			Fields:     map[string]any{IDField: entry.ID},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", entry.ID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// sendWithRetry sends data with retries.
func (s *HECSender) sendWithRetry(ctx context.Context, data []byte, count int) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			// Quadratic backoff
			delay := time.Duration(attempt*attempt) * s.config.RetryDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := s.send(ctx, data, count)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("HEC send failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	s.mu.Lock()
	s.stats.EventsFailed += int64(count)
	s.mu.Unlock()

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

// send performs the actual HTTP request.
func (s *HECSender) send(ctx context.Context, data []byte, count int) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(count)
	s.stats.BytesSent += int64(len(data))
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()

	return nil
}

func (s *HECSender) record(status string, n int) {
	if s.metrics != nil {
		s.metrics.Exported.WithLabelValues("splunk", status).Add(float64(n))
	}
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("splunk HEC returned status %d", resp.StatusCode)
	}

	return nil
}
