// Package splunk provides bidirectional Splunk HEC integration.
// Receives telemetry via HEC endpoints into timeline sessions and forwards
// session payloads back to Splunk.
package splunk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlane/internal/observability"
	"github.com/lvonguyen/threatlane/internal/session"
	"github.com/lvonguyen/threatlane/internal/telemetry/fields"
	"github.com/lvonguyen/threatlane/internal/telemetry/ingestion"
	"github.com/lvonguyen/threatlane/internal/telemetry/normalization"
)

// ChannelHeader selects the session a request is appended to.
const ChannelHeader = "X-Splunk-Request-Channel"

// IDField is the indexed field carrying an event's identifier across HEC.
const IDField = "threatlane_id"

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	metrics *observability.Metrics
	server  *http.Server
	mu      sync.RWMutex
	stats   ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Enabled        bool          `yaml:"enabled" env:"HEC_RECEIVER_ENABLED"`
	Port           int           `yaml:"port" env:"HEC_RECEIVER_PORT"` // 0 serves on the API listener only
	TokenEnv       string        `yaml:"token_env"`
	DefaultChannel string        `yaml:"default_channel"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxEventSize   int           `yaml:"max_event_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Enabled:        true,
		TokenEnv:       "SPLUNK_HEC_TOKEN_INBOUND",
		DefaultChannel: "hec",
		MaxBatchSize:   1000,
		MaxEventSize:   1024 * 1024, // 1MB
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// EventHandler appends received input to the session named by channel. The
// input is either []fields.Record (event endpoint) or the raw body text.
type EventHandler func(ctx context.Context, channel string, input any) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Option configures a receiver.
type Option func(*HECReceiver)

// WithLogger sets the receiver's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *HECReceiver) { r.logger = logger }
}

// WithMetrics records receive outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *HECReceiver) { r.metrics = m }
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler, opts ...Option) *HECReceiver {
	r := &HECReceiver{
		config:  config,
		handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "hec_receiver"))
	return r
}

// Register mounts the HEC endpoints on a router.
func (r *HECReceiver) Register(router chi.Router) {
	router.Route("/services/collector", func(c chi.Router) {
		c.Post("/", r.handleEvent)
		c.Post("/event", r.handleEvent)
		c.Post("/event/1.0", r.handleEvent)
		c.Post("/raw", r.handleRaw)
		c.Post("/raw/1.0", r.handleRaw)
		c.Get("/health", r.handleHealth)
		c.Get("/health/1.0", r.handleHealth)
	})
}

// Start serves the HEC endpoints on a dedicated port until ctx is cancelled.
func (r *HECReceiver) Start(ctx context.Context) error {
	router := chi.NewRouter()
	r.Register(router)

	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.config.Port),
		Handler:      router,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.server.Shutdown(shutdownCtx)
	}()

	r.logger.Info("HEC receiver listening", zap.String("addr", r.server.Addr))

	var err error
	if r.config.TLSCertFile != "" && r.config.TLSKeyFile != "" {
		err = r.server.ListenAndServeTLS(r.config.TLSCertFile, r.config.TLSKeyFile)
	} else {
		err = r.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// handleEvent processes HEC event endpoint requests.
func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		r.reject(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	events, err := r.parseEvents(body)
	if err != nil {
		r.reject(w, http.StatusBadRequest, err.Error(), 6)
		return
	}

	records := make([]fields.Record, 0, len(events))
	for _, ev := range events {
		records = append(records, toRecord(ev))
	}

	r.dispatch(w, req, records, len(events), len(body))
}

// handleRaw processes raw HEC endpoint requests. The body goes through the
// same shape detection as API uploads.
func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		r.reject(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	r.dispatch(w, req, string(body), 1, len(body))
}

// handleHealth handles health check requests.
func (r *HECReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"text":"HEC is healthy","code":17}`))
}

func (r *HECReceiver) dispatch(w http.ResponseWriter, req *http.Request, input any, count, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(count)
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(req.Context(), r.channel(req), input); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(count)
			r.mu.Unlock()
			r.count("dropped", count)

			if errors.Is(err, ingestion.ErrFormat) || errors.Is(err, session.ErrInvalidSessionID) {
				r.reject(w, http.StatusBadRequest, err.Error(), 6)
				return
			}
			r.logger.Error("Failed to process HEC events", zap.Error(err))
			r.reject(w, http.StatusInternalServerError, "Error processing events", 8)
			return
		}
	}
	r.count("accepted", count)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"text":"Success","code":0}`))
}

func (r *HECReceiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	reader := io.Reader(req.Body)
	if r.config.MaxEventSize > 0 {
		reader = http.MaxBytesReader(w, req.Body, int64(r.config.MaxEventSize))
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.reject(w, http.StatusRequestEntityTooLarge, "Request body too large", 6)
			return nil, false
		}
		r.reject(w, http.StatusBadRequest, "Error reading body", 6)
		return nil, false
	}
	return body, true
}

// channel picks the target session: request channel header, then the
// channel query parameter, then the configured default.
func (r *HECReceiver) channel(req *http.Request) string {
	if ch := req.Header.Get(ChannelHeader); ch != "" {
		return ch
	}
	if ch := req.URL.Query().Get("channel"); ch != "" {
		return ch
	}
	if r.config.DefaultChannel != "" {
		return r.config.DefaultChannel
	}
	return DefaultReceiverConfig().DefaultChannel
}

func (r *HECReceiver) count(status string, n int) {
	if r.metrics != nil {
		r.metrics.HECEvents.WithLabelValues(status).Add(float64(n))
	}
}

func (r *HECReceiver) reject(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"text": text, "code": code})
}

// validateToken checks the HEC token. Only the Authorization header is
// accepted, and an unset token rejects everything.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expectedToken := os.Getenv(r.config.TokenEnv)
	if expectedToken == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Splunk ") {
		return false
	}
	return strings.TrimPrefix(auth, "Splunk ") == expectedToken
}

// parseEvents parses HEC event body (single object or concatenated objects).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	var single HECEvent
	if err := decodeEvent(body, &single); err == nil {
		return []HECEvent{single}, nil
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	for decoder.More() {
		if r.config.MaxBatchSize > 0 && len(events) >= r.config.MaxBatchSize {
			return nil, fmt.Errorf("batch exceeds maximum size of %d events", r.config.MaxBatchSize)
		}
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		return nil, errors.New("no valid events found")
	}

	return events, nil
}

func decodeEvent(body []byte, ev *HECEvent) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(ev); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("more than one event")
	}
	return nil
}

// toRecord turns a HEC envelope into a telemetry record. Structured events
// are used as-is; string events are decoded when they hold a JSON object
// and kept under "message" otherwise. HEC metadata only fills gaps. An
// IDField value is kept as the envelope id so the event keeps its identity.
func toRecord(ev HECEvent) fields.Record {
	var rec fields.Record
	switch body := ev.Event.(type) {
	case map[string]any:
		rec = body
	case string:
		if decoded, err := ingestion.DecodeRecord([]byte(body)); err == nil && decoded != nil {
			rec = decoded
		} else {
			rec = fields.Record{"message": body}
		}
	default:
		rec = fields.Record{"message": ev.Event}
	}

	if ev.Time > 0 {
		if _, err := normalization.ResolveTimestamp(rec); err != nil {
			sec := int64(ev.Time)
			nsec := int64((ev.Time - float64(sec)) * 1e9)
			rec["@timestamp"] = time.Unix(sec, nsec).UTC().Format(time.RFC3339Nano)
		}
	}

	if ev.Host != "" && normalization.ResolveHost(rec).IsUnknown() {
		switch host := rec["host"].(type) {
		case nil:
			rec["host"] = map[string]any{"name": ev.Host}
		case map[string]any:
			host["name"] = ev.Host
		}
	}

	id, _ := ev.Fields[IDField].(string)

	labels := make(map[string]any, len(ev.Fields))
	for k, v := range ev.Fields {
		if k != IDField {
			labels[k] = v
		}
	}
	if len(labels) > 0 {
		if _, exists := rec["labels"]; !exists {
			rec["labels"] = labels
		}
	}

	if id != "" {
		return ingestion.Wrap(id, rec)
	}
	return rec
}
