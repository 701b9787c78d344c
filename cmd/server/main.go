// Package main provides the entry point for ThreatLane server.
// ThreatLane normalizes security telemetry into per-host timelines and
// correlates the hosts through the network connections between them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlane/internal/api"
	"github.com/lvonguyen/threatlane/internal/api/gateway"
	"github.com/lvonguyen/threatlane/internal/config"
	"github.com/lvonguyen/threatlane/internal/observability"
	"github.com/lvonguyen/threatlane/internal/session"
	"github.com/lvonguyen/threatlane/internal/splunk"
	"github.com/lvonguyen/threatlane/internal/stream"
	"github.com/lvonguyen/threatlane/internal/timeline"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ThreatLane %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	// Local development: pick up a .env file when present.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "threatlane: %v\n", err)
		os.Exit(1)
	}
	cfg.Observability.ServiceVersion = Version

	tel, err := observability.New(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "threatlane: failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	if err := run(cfg, tel); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		tel.Shutdown(context.Background())
		os.Exit(1)
	}
	tel.Shutdown(context.Background())
}

// loadConfig runs on defaults and environment alone when the default
// config path is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == "configs/config.yaml" {
		return config.Load("")
	}
	return cfg, err
}

func run(cfg *config.Config, tel *observability.Telemetry) error {
	logger := tel.Logger()
	logger.Info("Starting ThreatLane",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel.StartSystemMetricsCollector(ctx)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password(),
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	store := session.NewRedisStore(redisClient, cfg.Session, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn("Redis not reachable at startup, readiness will fail until it is", zap.Error(err))
	}
	cancel()

	service := timeline.NewService(store, tel)

	opts := []api.Option{
		api.WithRateLimiter(gateway.NewRateLimiter(redisClient, cfg.RateLimit, logger)),
	}

	if cfg.Splunk.Sender.Enabled {
		sender, err := splunk.NewHECSender(cfg.Splunk.Sender, logger, tel.Metrics())
		if err != nil {
			return fmt.Errorf("failed to create HEC sender: %w", err)
		}
		opts = append(opts, api.WithExporter(sender))
		logger.Info("Splunk export enabled", zap.String("hec_url", cfg.Splunk.Sender.HECURL))
	}

	errCh := make(chan error, 3)

	ingest := func(ctx context.Context, sessionID string, input any) error {
		_, err := service.Ingest(ctx, sessionID, input)
		return err
	}

	if cfg.Splunk.Receiver.Enabled {
		receiver := splunk.NewHECReceiver(cfg.Splunk.Receiver, ingest,
			splunk.WithLogger(logger),
			splunk.WithMetrics(tel.Metrics()),
		)
		if cfg.Splunk.Receiver.Port == 0 {
			opts = append(opts, api.WithHECReceiver(receiver))
		} else {
			go func() {
				if err := receiver.Start(ctx); err != nil {
					errCh <- fmt.Errorf("HEC receiver: %w", err)
				}
			}()
		}
	}

	if cfg.Kafka.Enabled {
		consumer := stream.NewConsumer(cfg.Kafka, stream.NewReader(cfg.Kafka), ingest, logger, tel.Metrics())
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewServer(api.Config{
			Version:        Version,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
			RequestTimeout: cfg.Server.WriteTimeout,
		}, service, tel, opts...).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return runErr
}
