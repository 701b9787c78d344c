package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/threatlane/internal/api/gateway"
	"github.com/lvonguyen/threatlane/internal/session"
	"github.com/lvonguyen/threatlane/internal/splunk"
	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/timeline"
)

const ndjson = `{"@timestamp":"2024-03-01T12:00:00Z","host":{"hostname":"ws-07","ip":"10.1.0.7"},"event":{"category":"network"},"source":{"ip":"10.1.0.7"},"destination":{"ip":"10.1.0.20","port":445}}
{"@timestamp":"2024-03-01T12:00:02Z","host":{"hostname":"fs-01","ip":"10.1.0.20"},"event":{"category":"file","action":"creation"},"file":{"path":"C:\\share\\a.txt"}}
{"no_timestamp":true}`

type testEnv struct {
	server *Server
	mr     *miniredis.Miniredis
	client *redis.Client
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := session.NewRedisStore(client, session.DefaultConfig(), nil)
	svc := timeline.NewService(store, nil)
	return &testEnv{
		server: NewServer(Config{Version: "test", MaxBodyBytes: 1 << 20}, svc, nil, opts...),
		mr:     mr,
		client: client,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
		t.Errorf("ready: expected 200, got %d", rr.Code)
	}

	env.mr.Close()
	if rr := env.do(http.MethodGet, "/ready", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("ready without redis: expected 503, got %d", rr.Code)
	}
}

func TestReady_ReportsTransports(t *testing.T) {
	exporter := &fakeExporter{}
	receiver := splunk.NewHECReceiver(splunk.ReceiverConfig{}, nil)
	env := newTestEnv(t, WithExporter(exporter), WithHECReceiver(receiver))

	rr := env.do(http.MethodGet, "/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "ready" {
		t.Errorf("expected ready, got %v", body["status"])
	}
	export, _ := body["splunk_export"].(map[string]any)
	if export["status"] != "ok" {
		t.Errorf("expected healthy export sink, got %v", body["splunk_export"])
	}
	hec, _ := body["hec_receiver"].(map[string]any)
	if _, ok := hec["events_received"]; !ok {
		t.Errorf("expected receiver stats, got %v", body["hec_receiver"])
	}

	exporter.healthErr = errors.New("connection refused")
	rr = env.do(http.MethodGet, "/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("an unhealthy sink must not fail readiness, got %d", rr.Code)
	}
	body = decode[map[string]any](t, rr)
	export, _ = body["splunk_export"].(map[string]any)
	if body["status"] != "degraded" || export["status"] != "unavailable" {
		t.Errorf("expected degraded status, got %v", body)
	}
}

func TestSchema(t *testing.T) {
	env := newTestEnv(t)

	body := decode[map[string]any](t, env.do(http.MethodGet, "/api/v1/schema", ""))
	categories, _ := body["categories"].([]any)
	if len(categories) != len(telemetry.Categories()) {
		t.Errorf("expected every category, got %v", body["categories"])
	}
	if body["unknown_host"] != telemetry.UnknownHost {
		t.Errorf("unexpected unknown host label %v", body["unknown_host"])
	}
}

// =============================================================================
// Timeline Endpoint Tests
// =============================================================================

func TestNormalize(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/api/v1/normalize", ndjson)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decode[TimelineResponse](t, rr)
	if resp.Stats.Records != 3 || resp.Stats.Events != 2 || resp.Stats.Dropped != 1 {
		t.Errorf("unexpected stats %+v", resp.Stats)
	}
	if len(resp.Hosts) != 2 {
		t.Errorf("expected 2 hosts, got %+v", resp.Hosts)
	}
	if len(resp.Connections) != 1 || resp.Connections[0].DestHost != "fs-01" {
		t.Errorf("expected ws-07 -> fs-01 edge, got %+v", resp.Connections)
	}

	if keys, _ := env.client.Keys(context.Background(), "*").Result(); len(keys) != 0 {
		t.Errorf("normalize must not persist anything, found %v", keys)
	}
}

func TestNormalize_FormatErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		body     string
		wantKind string
	}{
		{"plain text", "hello world", "not_json"},
		{"broken array", `[{"a":1},`, "array_syntax"},
		{"glued objects", `{"a":1}{"b":2}`, "ambiguous_multi_object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(http.MethodPost, "/api/v1/normalize", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			resp := decode[ErrorResponse](t, rr)
			if resp.Error != "invalid_input" || resp.Kind != tt.wantKind {
				t.Errorf("unexpected error response %+v", resp)
			}
		})
	}
}

func TestNormalize_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.server.config.MaxBodyBytes = 8

	if rr := env.do(http.MethodPost, "/api/v1/normalize", ndjson); rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rr.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	lines := strings.Split(ndjson, "\n")

	rr := env.do(http.MethodPost, "/api/v1/sessions/ir-2024-17/events", lines[0])
	if rr.Code != http.StatusOK {
		t.Fatalf("first ingest: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	first := decode[TimelineResponse](t, rr)
	if first.Connections[0].DestHost != "10.1.0.20" {
		t.Errorf("peer should be unresolved after the first batch, got %+v", first.Connections)
	}

	rr = env.do(http.MethodPost, "/api/v1/sessions/ir-2024-17/events", lines[1])
	second := decode[TimelineResponse](t, rr)
	if second.Stats.Added != 1 || second.Stats.Events != 2 {
		t.Errorf("unexpected stats %+v", second.Stats)
	}
	if second.Connections[0].DestHost != "fs-01" {
		t.Errorf("peer should resolve once its events arrive, got %+v", second.Connections)
	}

	snap := decode[timeline.Snapshot](t, env.do(http.MethodGet, "/api/v1/sessions/ir-2024-17", ""))
	if len(snap.Events) != 2 || snap.Events[0].ID != second.Events[0].ID {
		t.Errorf("stored snapshot should match the ingest response, got %+v", snap.Events)
	}

	raw := decode[map[string]any](t, env.do(http.MethodGet, "/api/v1/sessions/ir-2024-17/raw", ""))
	if raw["count"] != float64(2) {
		t.Errorf("expected 2 raw entries, got %v", raw["count"])
	}

	if rr := env.do(http.MethodDelete, "/api/v1/sessions/ir-2024-17", ""); rr.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rr.Code)
	}
	snap = decode[timeline.Snapshot](t, env.do(http.MethodGet, "/api/v1/sessions/ir-2024-17", ""))
	if len(snap.Events) != 0 {
		t.Errorf("expected empty session after delete, got %d events", len(snap.Events))
	}
}

func TestSession_InvalidID(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/api/v1/sessions/bad:id", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if resp := decode[ErrorResponse](t, rr); resp.Error != "invalid_session_id" {
		t.Errorf("unexpected error %+v", resp)
	}
}

// =============================================================================
// Export and Rate Limit Tests
// =============================================================================

type fakeExporter struct {
	events    []*telemetry.Event
	err       error
	healthErr error
}

func (f *fakeExporter) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeExporter) Stats() splunk.SenderStats {
	return splunk.SenderStats{EventsSent: int64(len(f.events))}
}

func (f *fakeExporter) SendBatch(ctx context.Context, events []*telemetry.Event) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.events = append(f.events, events...)
	return len(events), nil
}

func TestExport(t *testing.T) {
	if rr := newTestEnv(t).do(http.MethodPost, "/api/v1/sessions/s/export/splunk", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("export without sender: expected 503, got %d", rr.Code)
	}

	exporter := &fakeExporter{}
	env := newTestEnv(t, WithExporter(exporter))
	env.do(http.MethodPost, "/api/v1/sessions/s/events", ndjson)

	rr := env.do(http.MethodPost, "/api/v1/sessions/s/export/splunk", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(exporter.events) != 2 {
		t.Errorf("expected 2 exported events, got %d", len(exporter.events))
	}

	exporter.err = errors.New("splunk down")
	if rr := env.do(http.MethodPost, "/api/v1/sessions/s/export/splunk", ""); rr.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on sink failure, got %d", rr.Code)
	}
}

func TestRateLimitedIngest(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := gateway.NewRateLimiter(client, gateway.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Endpoints:         map[string]gateway.EndpointLimits{},
	}, nil)
	env := newTestEnv(t, WithRateLimiter(limiter))

	line := strings.Split(ndjson, "\n")[0]
	if rr := env.do(http.MethodPost, "/api/v1/sessions/s/events", line); rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/v1/sessions/s/events", line); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/v1/sessions/s", ""); rr.Code != http.StatusOK {
		t.Errorf("reads are not limited, got %d", rr.Code)
	}
}

func TestHECReceiverMounted(t *testing.T) {
	t.Setenv("TEST_API_HEC_TOKEN", "tok")

	var env *testEnv
	receiver := splunk.NewHECReceiver(splunk.ReceiverConfig{TokenEnv: "TEST_API_HEC_TOKEN", DefaultChannel: "hec"},
		func(ctx context.Context, channel string, input any) error {
			_, err := env.server.service.Ingest(ctx, channel, input)
			return err
		})
	env = newTestEnv(t, WithHECReceiver(receiver))

	req := httptest.NewRequest(http.MethodPost, "/services/collector/event",
		strings.NewReader(`{"time":1709294400,"host":"edge-fw","event":{"event":{"action":"deny"}}}`))
	req.Header.Set("Authorization", "Splunk tok")
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	snap := decode[timeline.Snapshot](t, env.do(http.MethodGet, "/api/v1/sessions/hec", ""))
	if len(snap.Events) != 1 || snap.Events[0].Host.Hostname != "edge-fw" {
		t.Errorf("HEC event should land in the default channel session, got %+v", snap.Events)
	}
}
