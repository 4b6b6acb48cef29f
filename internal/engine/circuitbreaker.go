package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTripTimeout is how long a tripped circuit stays open.
const DefaultTripTimeout = 300 * time.Second

// CircuitBreaker tracks per-subscriber trip flags in the shared cache.
// The state machine is closed → open → closed: a trip sets a flag with a
// TTL, and flag expiry is the only path back to closed. There is no
// half-open probe; a recovered endpoint is simply retried once the TTL
// lapses. Trips come exclusively from the HealthMonitor.
type CircuitBreaker struct {
	store       CircuitBreakerStore
	logger      *slog.Logger
	tripTimeout time.Duration
}

func NewCircuitBreaker(store CircuitBreakerStore, logger *slog.Logger, tripTimeout time.Duration) *CircuitBreaker {
	if tripTimeout <= 0 {
		tripTimeout = DefaultTripTimeout
	}
	return &CircuitBreaker{
		store:       store,
		logger:      logger,
		tripTimeout: tripTimeout,
	}
}

func cbKey(subscriptionID string) string {
	return fmt.Sprintf("cb:%s", subscriptionID)
}

// IsOpen reports whether the circuit for this subscriber is tripped.
// Cache errors fail open: a broken cache must not halt dispatch.
func (cb *CircuitBreaker) IsOpen(ctx context.Context, subscriptionID string) bool {
	open, err := cb.store.Exists(ctx, cbKey(subscriptionID))
	if err != nil {
		cb.logger.Error("circuit breaker check failed", "error", err, "subscription_id", subscriptionID)
		return false
	}
	return open
}

// Trip opens the circuit for the subscriber. A timeout of zero or less
// uses the configured default. Tripping an already-open circuit keeps
// the original expiry; the returned bool is true only when the flag was
// newly set.
func (cb *CircuitBreaker) Trip(ctx context.Context, subscriptionID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = cb.tripTimeout
	}
	trippedAt := time.Now().UTC().Format(time.RFC3339)
	set, err := cb.store.SetIfAbsent(ctx, cbKey(subscriptionID), trippedAt, timeout)
	if err != nil {
		return false, fmt.Errorf("tripping circuit for %s: %w", subscriptionID, err)
	}
	if set {
		cb.logger.Warn("circuit breaker opened",
			"subscription_id", subscriptionID,
			"timeout", timeout,
		)
	}
	return set, nil
}
