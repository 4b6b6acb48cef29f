package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/carebridge/webhook-dispatch/internal/engine"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	MetricsPort string
	DatabaseURL string
	RedisURL    string
	NumWorkers  int
	PlatformTag string

	// Circuit breaker trip duration, in seconds.
	CircuitTripSeconds int

	// Rate limiter admission policy.
	RateLimitMode          string
	RateLimitWindowMinutes int
	RateLimitMaxAttempts   int

	// Health monitor window and sweep cadence. A zero interval disables
	// the background sweep; health is then evaluated only on demand.
	HealthLookbackHours    int
	MonitorIntervalSeconds int

	MigrationsDir string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		MetricsPort:            getEnv("METRICS_PORT", "9091"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		NumWorkers:             getEnvInt("NUM_WORKERS", 50),
		PlatformTag:            getEnv("PLATFORM_TAG", engine.DefaultPlatformTag),
		CircuitTripSeconds:     getEnvInt("CIRCUIT_TRIP_SECONDS", 300),
		RateLimitMode:          getEnv("RATE_LIMIT_MODE", engine.ModeGate),
		RateLimitWindowMinutes: getEnvInt("RATE_LIMIT_WINDOW_MINUTES", 60),
		RateLimitMaxAttempts:   getEnvInt("RATE_LIMIT_MAX_ATTEMPTS", 100),
		HealthLookbackHours:    getEnvInt("HEALTH_LOOKBACK_HOURS", 24),
		MonitorIntervalSeconds: getEnvInt("MONITOR_INTERVAL_SECONDS", 0),
		MigrationsDir:          getEnv("MIGRATIONS_DIR", "migrations"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.RateLimitMode != engine.ModeGate && cfg.RateLimitMode != engine.ModeCounter {
		return nil, fmt.Errorf("RATE_LIMIT_MODE must be %q or %q, got %q",
			engine.ModeGate, engine.ModeCounter, cfg.RateLimitMode)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}
