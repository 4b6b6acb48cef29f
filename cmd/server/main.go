package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carebridge/webhook-dispatch/internal/api"
	"github.com/carebridge/webhook-dispatch/internal/cache"
	"github.com/carebridge/webhook-dispatch/internal/config"
	"github.com/carebridge/webhook-dispatch/internal/engine"
	"github.com/carebridge/webhook-dispatch/internal/metrics"
	"github.com/carebridge/webhook-dispatch/internal/queue"
	"github.com/carebridge/webhook-dispatch/internal/store"
	ws "github.com/carebridge/webhook-dispatch/internal/websocket"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, cfg.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis: circuit breaker and rate limiter flags plus the
	// delivery queue live there.
	redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	deliveryQueue := queue.NewRedis(redisCache.Client(), logger)
	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

	// Engine components
	breaker := engine.NewCircuitBreaker(redisCache, logger,
		time.Duration(cfg.CircuitTripSeconds)*time.Second)
	limiter := engine.NewRateLimiter(redisCache, logger, engine.RateLimiterOptions{
		Mode:        cfg.RateLimitMode,
		Window:      time.Duration(cfg.RateLimitWindowMinutes) * time.Minute,
		MaxAttempts: cfg.RateLimitMaxAttempts,
	})
	registry := engine.NewRegistry(pgStore, logger)
	dispatcher := engine.NewDispatcher(engine.DispatcherParams{
		Subscriptions: pgStore,
		Metrics:       pgStore,
		Queue:         deliveryQueue,
		Breaker:       breaker,
		Limiter:       limiter,
		Sink:          sink,
		Logger:        logger,
		PlatformTag:   cfg.PlatformTag,
	})
	monitor := engine.NewHealthMonitor(pgStore, pgStore, breaker, sink, logger,
		time.Duration(cfg.HealthLookbackHours)*time.Hour)

	// Background work: WebSocket hub, delivery feed bridge, health sweep.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := ws.NewHub(logger)
	go hub.Run(runCtx)

	go func() {
		for ev := range deliveryQueue.DeliveryEvents(runCtx) {
			hub.Broadcast(ev)
		}
	}()

	if cfg.MonitorIntervalSeconds > 0 {
		go monitor.Watch(runCtx, time.Duration(cfg.MonitorIntervalSeconds)*time.Second)
		logger.Info("health monitor sweep enabled", "interval_seconds", cfg.MonitorIntervalSeconds)
	}

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		Store:      pgStore,
		Registry:   registry,
		Dispatcher: dispatcher,
		Monitor:    monitor,
		Queue:      deliveryQueue,
		Hub:        hub,
		Metrics:    promhttp.Handler(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
