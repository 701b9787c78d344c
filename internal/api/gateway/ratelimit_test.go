package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, cfg, nil), mr
}

func TestCheck_EnforcesLimitPerClient(t *testing.T) {
	rl, _ := newLimiter(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 3, Endpoints: map[string]EndpointLimits{}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Check(ctx, "10.0.0.1", "normalize")
		if err != nil || !res.Allowed {
			t.Fatalf("request %d should be allowed: %+v (%v)", i+1, res, err)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d: expected %d remaining, got %d", i+1, 2-i, res.Remaining)
		}
	}

	res, _ := rl.Check(ctx, "10.0.0.1", "normalize")
	if res.Allowed {
		t.Error("fourth request should be rejected")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("unexpected retry-after %v", res.RetryAfter)
	}

	if res, _ := rl.Check(ctx, "10.0.0.2", "normalize"); !res.Allowed {
		t.Error("other clients should have their own budget")
	}
}

func TestCheck_WindowExpires(t *testing.T) {
	rl, mr := newLimiter(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 1})
	ctx := context.Background()

	rl.Check(ctx, "c", "normalize")
	if res, _ := rl.Check(ctx, "c", "normalize"); res.Allowed {
		t.Fatal("second request should be rejected")
	}

	mr.FastForward(time.Minute + time.Second)

	if res, _ := rl.Check(ctx, "c", "normalize"); !res.Allowed {
		t.Error("budget should reset after the window")
	}
}

func TestEffectiveLimit(t *testing.T) {
	rl, _ := newLimiter(t, DefaultConfig())

	tests := []struct {
		endpoint  string
		wantLimit int
		wantCost  int
	}{
		{"ingest", 60, 2},
		{"export", 5, 1},
		{"unknown", 120, 1},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			limit, cost := rl.effectiveLimit(tt.endpoint)
			if limit != tt.wantLimit || cost != tt.wantCost {
				t.Errorf("effectiveLimit(%s) = %d, %d; want %d, %d", tt.endpoint, limit, cost, tt.wantLimit, tt.wantCost)
			}
		})
	}
}

func TestCheck_FallsBackToLocalLimiter(t *testing.T) {
	rl, mr := newLimiter(t, RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 2,
		Endpoints:         map[string]EndpointLimits{},
	})
	mr.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := rl.Check(ctx, "c", "ingest")
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: expected allowed while redis is down, got %+v (%v)", i+1, res, err)
		}
	}

	res, err := rl.Check(ctx, "c", "ingest")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Allowed {
		t.Error("local limiter should still enforce the budget")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("expected a retry hint, got %v", res.RetryAfter)
	}

	if res, _ := rl.Check(ctx, "other", "ingest"); !res.Allowed {
		t.Error("local budgets are per client")
	}
}

func TestMiddleware(t *testing.T) {
	rl, _ := newLimiter(t, RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 10,
		Endpoints:         map[string]EndpointLimits{"ingest": {RequestsPerMinute: 4, CostMultiplier: 2}},
		IncludeHeaders:    true,
	})
	handler := rl.Middleware("ingest")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s/events", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}

	want := []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: expected %d, got %d", i+1, want[i], codes[i])
		}
	}
	if last.Header().Get("Retry-After") == "" || last.Header().Get("X-RateLimit-Limit") != "4" {
		t.Errorf("unexpected headers %v", last.Header())
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	rl, _ := newLimiter(t, RateLimitConfig{Enabled: false, RequestsPerMinute: 1})
	handler := rl.Middleware("ingest")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("disabled limiter should pass everything, got %d", rr.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "10.0.0.1:1234", "198.51.100.1"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:1234", "198.51.100.2"},
		{"remote addr", nil, "192.0.2.9:5555", "192.0.2.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
