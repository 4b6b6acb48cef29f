package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carebridge/webhook-dispatch/internal/domain"
	"github.com/carebridge/webhook-dispatch/internal/metrics"
)

// DefaultHealthLookback bounds how far back delivery outcomes count
// toward the health score.
const DefaultHealthLookback = 24 * time.Hour

// Health score thresholds. Scores above healthyThreshold are healthy;
// scores below tripThreshold open the circuit.
const (
	healthyThreshold = 0.8
	tripThreshold    = 0.5
)

// HealthMonitor derives a reliability score from recorded delivery
// outcomes and trips the circuit breaker for failing subscribers. It is
// the only component that trips circuits.
type HealthMonitor struct {
	subscriptions SubscriptionStore
	metricStore   MetricStore
	breaker       *CircuitBreaker
	sink          metrics.Sink
	logger        *slog.Logger
	lookback      time.Duration
}

func NewHealthMonitor(subscriptions SubscriptionStore, metricStore MetricStore, breaker *CircuitBreaker, sink metrics.Sink, logger *slog.Logger, lookback time.Duration) *HealthMonitor {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if lookback <= 0 {
		lookback = DefaultHealthLookback
	}
	return &HealthMonitor{
		subscriptions: subscriptions,
		metricStore:   metricStore,
		breaker:       breaker,
		sink:          sink,
		logger:        logger,
		lookback:      lookback,
	}
}

// Monitor computes the health snapshot for one subscriber from its
// recent delivery outcomes. Scores below 0.5 trip the circuit breaker.
// Returns ErrSubscriptionNotFound for unknown ids.
func (m *HealthMonitor) Monitor(ctx context.Context, subscriptionID string) (*domain.HealthSnapshot, error) {
	sub, err := m.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("loading subscription %s: %w", subscriptionID, err)
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}

	since := time.Now().UTC().Add(-m.lookback)
	summary, err := m.metricStore.SummarizeDeliveries(ctx, subscriptionID, since)
	if err != nil {
		return nil, fmt.Errorf("aggregating metrics for %s: %w", subscriptionID, err)
	}

	score := healthScore(summary)

	snapshot := &domain.HealthSnapshot{
		SubscriptionID: subscriptionID,
		HealthScore:    score,
		Status:         domain.HealthStatusHealthy,
		LastChecked:    time.Now().UTC(),
		Metrics:        summary,
	}
	if score <= healthyThreshold {
		snapshot.Status = domain.HealthStatusDegraded
	}

	if score < tripThreshold {
		tripped, err := m.breaker.Trip(ctx, subscriptionID, 0)
		if err != nil {
			m.logger.Error("failed to trip circuit", "error", err, "subscription_id", subscriptionID)
		} else {
			if tripped {
				m.sink.CircuitTripped()
				m.logger.Warn("subscriber unhealthy, circuit tripped",
					"subscription_id", subscriptionID,
					"health_score", score,
					"total_deliveries", summary.TotalDeliveries,
				)
			}
			snapshot.CircuitBreaker = "open"
		}
	} else if m.breaker.IsOpen(ctx, subscriptionID) {
		snapshot.CircuitBreaker = "open"
	}

	return snapshot, nil
}

// Watch re-scores every subscription on a fixed interval until ctx is
// cancelled.
func (m *HealthMonitor) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *HealthMonitor) sweep(ctx context.Context) {
	subs, err := m.subscriptions.ListSubscriptions(ctx)
	if err != nil {
		m.logger.Error("health sweep: listing subscriptions failed", "error", err)
		return
	}
	for _, sub := range subs {
		if _, err := m.Monitor(ctx, sub.ID); err != nil {
			m.logger.Error("health sweep: monitor failed", "error", err, "subscription_id", sub.ID)
		}
	}
}

// healthScore blends success rate (70%) with a latency band (30%).
// Subscribers with no recorded outcomes score a full 1.0.
func healthScore(summary domain.DeliverySummary) float64 {
	if summary.TotalDeliveries == 0 {
		return 1.0
	}
	successRate := float64(summary.SuccessfulDeliveries) / float64(summary.TotalDeliveries)
	latencyScore := 1.0
	if summary.AverageLatencyMs >= 1000 {
		latencyScore = 0.5
	}
	return successRate*0.7 + latencyScore*0.3
}
