package engine

import (
	"context"
	"time"

	"github.com/carebridge/webhook-dispatch/internal/domain"
)

// The engine reaches its collaborators through narrow interfaces so
// admission logic can run against in-memory implementations in tests.
// Production wiring uses internal/store, internal/cache and internal/queue.

// SubscriptionStore persists subscriber registrations.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	ListSubscriptionsForEvent(ctx context.Context, eventType string) ([]domain.Subscription, error)
}

// MetricStore records dispatch admissions and delivery outcomes.
type MetricStore interface {
	InsertMetric(ctx context.Context, metric domain.DeliveryMetric) error
	SummarizeDeliveries(ctx context.Context, subscriptionID string, since time.Time) (domain.DeliverySummary, error)
}

// CircuitBreakerStore holds per-subscriber trip flags with a TTL.
type CircuitBreakerStore interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// RateLimiterStore holds per-subscriber admission windows with a TTL.
type RateLimiterStore interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// DeliveryQueue accepts delivery jobs for asynchronous execution.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, job domain.DeliveryJob) error
}
