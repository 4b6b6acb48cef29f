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

	"github.com/carebridge/webhook-dispatch/internal/cache"
	"github.com/carebridge/webhook-dispatch/internal/config"
	"github.com/carebridge/webhook-dispatch/internal/metrics"
	"github.com/carebridge/webhook-dispatch/internal/queue"
	"github.com/carebridge/webhook-dispatch/internal/store"
	"github.com/carebridge/webhook-dispatch/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	deliveryQueue := queue.NewRedis(redisCache.Client(), logger)
	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

	// The queue doubles as retry scheduler and live feed publisher.
	deliverer := worker.NewDeliverer(pgStore, deliveryQueue, deliveryQueue, sink, logger)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	consumer := worker.NewConsumer(deliveryQueue, pool, sink, logger)

	// Prometheus scrape endpoint on its own port
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}
	go func() {
		logger.Info("metrics server listening", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The pool runs on the root context so in-flight and already-claimed
	// jobs still drain after the consumer stops.
	pool.Start(ctx)

	consumerDone := make(chan struct{})
	go func() {
		consumer.Start(runCtx)
		close(consumerDone)
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")

	// Stop claiming first, then drain in-flight deliveries.
	cancel()
	<-consumerDone
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server forced to shutdown", "error", err)
	}

	logger.Info("worker stopped")
}
