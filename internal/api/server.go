// Package api exposes the timeline engine over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlane/internal/api/gateway"
	"github.com/lvonguyen/threatlane/internal/observability"
	"github.com/lvonguyen/threatlane/internal/splunk"
	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/timeline"
)

// Exporter forwards events to an external sink.
type Exporter interface {
	SendBatch(ctx context.Context, events []*telemetry.Event) (int, error)
	HealthCheck(ctx context.Context) error
	Stats() splunk.SenderStats
}

// Config holds HTTP layer settings.
type Config struct {
	Version        string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// Server routes API requests to the timeline service.
type Server struct {
	config   Config
	service  *timeline.Service
	tel      *observability.Telemetry
	logger   *zap.Logger
	limiter  *gateway.RateLimiter
	exporter Exporter
	receiver *splunk.HECReceiver
	router   chi.Router
}

// Option configures a server.
type Option func(*Server)

// WithRateLimiter limits the write endpoints.
func WithRateLimiter(rl *gateway.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithExporter enables session export to Splunk.
func WithExporter(e Exporter) Option {
	return func(s *Server) { s.exporter = e }
}

// WithHECReceiver serves the HEC endpoints on the API listener.
func WithHECReceiver(r *splunk.HECReceiver) Option {
	return func(s *Server) { s.receiver = r }
}

// NewServer creates a new API server.
func NewServer(cfg Config, service *timeline.Service, tel *observability.Telemetry, opts ...Option) *Server {
	if tel == nil {
		tel = observability.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		config:  cfg,
		service: service,
		tel:     tel,
		logger:  tel.Logger().With(zap.String("component", "api")),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))

	// Health endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.tel.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/schema", s.handleSchema)
		r.With(s.limit("normalize")).Post("/normalize", s.handleNormalize)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/raw", s.handleGetRaw)
			r.With(s.limit("ingest")).Post("/events", s.handleIngest)
			r.With(s.limit("export")).Post("/export/splunk", s.handleExport)
		})
	})

	// HEC-compatible endpoints (for Splunk integration)
	if s.receiver != nil {
		s.receiver.Register(r)
	}

	return r
}

func (s *Server) limit(endpoint string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.limiter.Middleware(endpoint)
}

// requestLogger logs each request and records request metrics by route
// pattern so session ids do not blow up label cardinality.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		if m := s.tel.Metrics(); m != nil {
			m.RequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(elapsed.Seconds())
		}

		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", pattern),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
