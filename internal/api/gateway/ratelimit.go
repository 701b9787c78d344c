// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// windowScript counts cost units in a fixed window.
// KEYS[1] = counter, ARGV[1] = cost, ARGV[2] = window ms.
var windowScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// RateLimiter provides configurable rate limiting for API endpoints
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig

	// Per-instance token buckets used while Redis is unreachable
	localLimits sync.Map // key -> *rate.Limiter
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled           bool                      `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	KeyPrefix         string                    `yaml:"key_prefix"`
	RequestsPerMinute int                       `yaml:"requests_per_minute" env:"RATE_LIMIT_RPM"`
	Window            time.Duration             `yaml:"window"`
	Endpoints         map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders    bool                      `yaml:"include_headers"`
}

// EndpointLimits overrides the default limit for a named endpoint
type EndpointLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	CostMultiplier    int `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		KeyPrefix:         "threatlane:ratelimit",
		RequestsPerMinute: 120,
		Window:            time.Minute,
		Endpoints:         DefaultEndpointLimits(),
		IncludeHeaders:    true,
	}
}

// DefaultEndpointLimits returns default endpoint-specific limits
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Every call re-normalizes the whole session
		"ingest": {
			RequestsPerMinute: 60,
			CostMultiplier:    2,
		},
		"normalize": {
			RequestsPerMinute: 60,
			CostMultiplier:    1,
		},
		// Forwards every stored payload
		"export": {
			RequestsPerMinute: 5,
			CostMultiplier:    1,
		},
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	defaults := DefaultConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:  redisClient,
		logger: logger.With(zap.String("component", "rate_limiter")),
		config: cfg,
	}
}

// Check charges one request against the client's budget for endpoint.
// While Redis is unavailable the budget is enforced per instance.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint string) (*RateLimitResult, error) {
	limit, cost := rl.effectiveLimit(endpoint)
	redisKey := fmt.Sprintf("%s:%s:%s", rl.config.KeyPrefix, endpoint, clientID)
	now := time.Now()

	values, err := windowScript.Run(ctx, rl.redis, []string{redisKey}, cost, rl.config.Window.Milliseconds()).Int64Slice()
	if err != nil || len(values) != 2 {
		rl.logger.Warn("Rate limit check failed, using local limiter", zap.Error(err))
		return rl.checkLocal(redisKey, limit, cost, now), nil
	}

	used := int(values[0])
	ttl := time.Duration(values[1]) * time.Millisecond
	if ttl < 0 {
		ttl = rl.config.Window
	}

	allowed := used <= limit
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result, nil
}

// checkLocal spends cost tokens from an in-memory bucket refilled at
// limit per window.
func (rl *RateLimiter) checkLocal(key string, limit, cost int, now time.Time) *RateLimitResult {
	every := rl.config.Window / time.Duration(limit)
	v, _ := rl.localLimits.LoadOrStore(key, rate.NewLimiter(rate.Every(every), limit))
	limiter := v.(*rate.Limiter)

	result := &RateLimitResult{
		Limit:   limit,
		ResetAt: now.Add(rl.config.Window),
	}
	if limiter.AllowN(now, cost) {
		result.Allowed = true
		result.Remaining = int(limiter.TokensAt(now))
		return result
	}

	result.Reason = "Rate limit exceeded"
	result.RetryAfter = time.Duration(cost) * every
	return result
}

// effectiveLimit returns the window limit and per-request cost for endpoint.
func (rl *RateLimiter) effectiveLimit(endpoint string) (int, int) {
	limit, cost := rl.config.RequestsPerMinute, 1
	if ep, ok := rl.config.Endpoints[endpoint]; ok {
		if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
			limit = ep.RequestsPerMinute
		}
		if ep.CostMultiplier > 1 {
			cost = ep.CostMultiplier
		}
	}
	return limit, cost
}

// Middleware returns an HTTP middleware limiting requests to the named
// endpoint per client address.
func (rl *RateLimiter) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !rl.config.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := rl.Check(r.Context(), ClientIP(r), endpoint)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"%s","retry_after":%d}`,
					result.Reason, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP identifies the caller: first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
