package store

import (
	"context"
	"fmt"
	"time"

	"github.com/carebridge/webhook-dispatch/internal/domain"
)

func (s *PostgresStore) InsertMetric(ctx context.Context, m domain.DeliveryMetric) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var deliveryID *string
	if m.DeliveryID != "" {
		deliveryID = &m.DeliveryID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_metrics (subscription_id, type, latency_ms, delivery_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.SubscriptionID, m.Type, m.LatencyMs, deliveryID, ts)
	if err != nil {
		return fmt.Errorf("inserting delivery metric: %w", err)
	}
	return nil
}

// SummarizeDeliveries aggregates terminal (success/failure) metric rows for
// one subscription since the given time. Dispatch rows are not deliveries
// yet and are excluded from the counts.
func (s *PostgresStore) SummarizeDeliveries(ctx context.Context, subscriptionID string, since time.Time) (domain.DeliverySummary, error) {
	var sum domain.DeliverySummary
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE type IN ('success', 'failure')) AS total,
			COUNT(*) FILTER (WHERE type = 'success') AS successes,
			COUNT(*) FILTER (WHERE type = 'failure') AS failures,
			COALESCE(AVG(latency_ms) FILTER (WHERE type IN ('success', 'failure') AND latency_ms IS NOT NULL), 0) AS avg_latency_ms
		FROM delivery_metrics
		WHERE subscription_id = $1 AND recorded_at >= $2
	`, subscriptionID, since).Scan(
		&sum.TotalDeliveries, &sum.SuccessfulDeliveries, &sum.FailedDeliveries, &sum.AverageLatencyMs,
	)
	if err != nil {
		return domain.DeliverySummary{}, fmt.Errorf("summarizing deliveries: %w", err)
	}
	return sum, nil
}

// ListMetrics returns recent metric rows, optionally filtered by
// subscription and metric type.
func (s *PostgresStore) ListMetrics(ctx context.Context, subscriptionID, metricType string, limit int) ([]domain.DeliveryMetric, error) {
	query := `SELECT id, subscription_id, type, latency_ms, COALESCE(delivery_id::text, ''), recorded_at FROM delivery_metrics`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if subscriptionID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, subscriptionID)
		argIdx++
	}
	if metricType != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, metricType)
		argIdx++
	}

	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	query += " ORDER BY recorded_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}
	defer rows.Close()

	var metrics []domain.DeliveryMetric
	for rows.Next() {
		var m domain.DeliveryMetric
		if err := rows.Scan(&m.ID, &m.SubscriptionID, &m.Type, &m.LatencyMs, &m.DeliveryID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning delivery metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery metrics: %w", err)
	}

	if metrics == nil {
		metrics = []domain.DeliveryMetric{}
	}
	return metrics, nil
}

// DashboardMetrics holds the aggregate counters shown on the ops dashboard.
type DashboardMetrics struct {
	TotalDispatches     int     `json:"total_dispatches"`
	TotalDeliveries     int     `json:"total_deliveries"`
	SuccessCount        int     `json:"success_count"`
	FailureCount        int     `json:"failure_count"`
	SuccessRate         float64 `json:"success_rate"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	DeadLetterCount     int     `json:"dead_letter_count"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
}

func (s *PostgresStore) GetDashboardMetrics(ctx context.Context) (*DashboardMetrics, error) {
	var m DashboardMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE type = 'dispatch') AS dispatches,
			COUNT(*) FILTER (WHERE type IN ('success', 'failure')) AS total,
			COUNT(*) FILTER (WHERE type = 'success') AS successes,
			COUNT(*) FILTER (WHERE type = 'failure') AS failures,
			COALESCE(AVG(latency_ms) FILTER (WHERE latency_ms IS NOT NULL), 0) AS avg_latency_ms
		FROM delivery_metrics
	`).Scan(&m.TotalDispatches, &m.TotalDeliveries, &m.SuccessCount, &m.FailureCount, &m.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("querying delivery totals: %w", err)
	}

	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`,
	).Scan(&m.DeadLetterCount)
	if err != nil {
		return nil, fmt.Errorf("querying dead letter count: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE status = 'active'`,
	).Scan(&m.ActiveSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}

	return &m, nil
}
