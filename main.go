package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atelier-ai/atelier/internal/agents"
	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/db"
	"github.com/atelier-ai/atelier/internal/health"
	"github.com/atelier-ai/atelier/internal/httpapi"
	"github.com/atelier-ai/atelier/internal/ratecontrol"
	"github.com/atelier-ai/atelier/internal/registry"
	"github.com/atelier-ai/atelier/internal/streaming"
	"github.com/atelier-ai/atelier/internal/tracing"
	"github.com/atelier-ai/atelier/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Durable store
	store, err := db.NewClient(&db.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		QueueSize:    cfg.Database.QueueSize,
		Workers:      cfg.Database.Workers,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to ensure database schema", zap.Error(err))
	}

	// Redis is optional: it adds the event mirror and the rate-limit and
	// idempotency middleware. The engine runs fine without it.
	var (
		redisClient *redis.Client
		redisV8     *redisv8.Client
		mirror      *streaming.RedisMirror
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup; mirror and middleware will degrade",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err))
		}
		mirror = streaming.NewRedisMirror(redisClient, logger)
		redisV8 = redisv8.NewClient(&redisv8.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	bus := streaming.NewBus(cfg.Engine.TailCapacity)

	// Stage pacing, hot-reloaded when the pacing file changes.
	ratecontrol.SetPath(cfg.Pacing.Path)
	var pacingWatcher *config.Watcher
	if cfg.Pacing.Watch {
		pacingWatcher, err = config.NewWatcher(cfg.Pacing.Path, logger, ratecontrol.Reload)
		if err != nil {
			logger.Warn("Pacing watcher init failed", zap.Error(err))
		} else {
			pacingWatcher.Start()
		}
	}

	// A nil *RedisMirror must stay a nil interface, or the worker would call
	// through it.
	var sink worker.EventSink
	if mirror != nil {
		sink = mirror
	}

	reg := registry.NewRegistry(&registry.Config{
		MaxTaskDuration:  cfg.Engine.MaxTaskDuration(),
		SubscriberBuffer: cfg.Engine.SubscriberBuffer,
		TestMode:         cfg.Engine.TestMode,
		StepDelay:        cfg.Simulator.StepDelay(),
	}, logger, store, bus, sink)

	// The simulator doubles as the built-in stage implementation; a
	// deployment with a real agent backend swaps this factory.
	reg.SetStageFactory(func(taskID, requirement string) []agents.Stage {
		return agents.SimulatedPipeline(agents.SimulatorOptions{StepDelay: cfg.Simulator.StepDelay()})
	})

	// Health checks: database is critical, redis is best-effort.
	hm := health.NewManager(logger)
	if err := hm.RegisterChecker(health.NewDatabaseHealthChecker(store.GetDB().DB, logger)); err != nil {
		logger.Warn("Failed to register database health checker", zap.Error(err))
	}
	if redisV8 != nil {
		if err := hm.RegisterChecker(health.NewRedisHealthChecker(redisV8, logger)); err != nil {
			logger.Warn("Failed to register redis health checker", zap.Error(err))
		}
	}

	apiOpts := httpapi.Options{
		Registry:          reg,
		Store:             store,
		Logger:            logger,
		Redis:             redisClient,
		TracingEnabled:    cfg.Tracing.Enabled,
		StatePollInterval: cfg.Engine.StatePollInterval(),
		DrainGrace:        cfg.Engine.DrainGrace(),
		IdleTimeout:       cfg.Engine.IdleTimeout(),
	}
	if mirror != nil {
		apiOpts.Mirror = mirror
	}
	srv := httpapi.NewServer(apiOpts)

	// Health probes sit on the root mux, outside the API middleware, so
	// rate limiting can never starve a liveness probe.
	mux := http.NewServeMux()
	health.NewHandler(hm, logger).RegisterRoutes(mux)
	mux.Handle("/", srv.Routes())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
		// No WriteTimeout: SSE responses stay open for the life of the task.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Workers first: cancelling them flips tasks terminal, which lets stream
	// sessions finish their close handshake before the listener drains.
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Worker shutdown incomplete", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
	}
	if pacingWatcher != nil {
		pacingWatcher.Stop()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if redisV8 != nil {
		redisV8.Close()
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse logging.level: %w", err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}
