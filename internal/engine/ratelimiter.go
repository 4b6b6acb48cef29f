package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Rate limiter admission modes.
const (
	// ModeGate admits only the first dispatch per window and suppresses
	// the rest. This is the default.
	ModeGate = "gate"
	// ModeCounter admits up to MaxAttempts dispatches per window.
	ModeCounter = "counter"
)

// Rate limiter defaults.
const (
	DefaultRateWindow  = 60 * time.Minute
	DefaultMaxAttempts = 100
)

// RateLimiterOptions configures admission behavior. The zero value means
// gate mode with the default window.
type RateLimiterOptions struct {
	Mode        string
	Window      time.Duration
	MaxAttempts int
}

// RateLimiter performs per-subscriber admission control against the
// shared cache. Denial is silent: the dispatcher skips the subscriber
// without surfacing an error.
type RateLimiter struct {
	store       RateLimiterStore
	logger      *slog.Logger
	mode        string
	window      time.Duration
	maxAttempts int64
}

func NewRateLimiter(store RateLimiterStore, logger *slog.Logger, opts RateLimiterOptions) *RateLimiter {
	if opts.Mode == "" {
		opts.Mode = ModeGate
	}
	if opts.Window <= 0 {
		opts.Window = DefaultRateWindow
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &RateLimiter{
		store:       store,
		logger:      logger,
		mode:        opts.Mode,
		window:      opts.Window,
		maxAttempts: int64(opts.MaxAttempts),
	}
}

func rlKey(subscriptionID string) string {
	return fmt.Sprintf("rl:%s", subscriptionID)
}

// TryAdmit reports whether a dispatch to this subscriber is within the
// rate limit. Cache errors fail open.
func (rl *RateLimiter) TryAdmit(ctx context.Context, subscriptionID string) bool {
	key := rlKey(subscriptionID)

	if rl.mode == ModeCounter {
		count, err := rl.store.Increment(ctx, key, rl.window)
		if err != nil {
			rl.logger.Error("rate limiter increment failed", "error", err, "subscription_id", subscriptionID)
			return true
		}
		return count <= rl.maxAttempts
	}

	admitted, err := rl.store.SetIfAbsent(ctx, key, time.Now().UTC().Format(time.RFC3339), rl.window)
	if err != nil {
		rl.logger.Error("rate limiter gate failed", "error", err, "subscription_id", subscriptionID)
		return true
	}
	if !admitted {
		rl.logger.Debug("rate limited", "subscription_id", subscriptionID)
	}
	return admitted
}
