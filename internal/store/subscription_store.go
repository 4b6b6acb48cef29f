package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/carebridge/webhook-dispatch/internal/domain"
)

const subscriptionColumns = `id, url, events, signing_key_hash, status,
	timeout_ms, max_retries, ssl_verify, ip_whitelist, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.URL, &sub.Events, &sub.SigningKeyHash, &sub.Status,
		&sub.Config.TimeoutMs, &sub.Config.MaxRetries, &sub.Config.SSLVerify,
		&sub.Config.IPWhitelist, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	whitelist := sub.Config.IPWhitelist
	if whitelist == nil {
		whitelist = []string{}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, url, events, signing_key_hash, status, timeout_ms, max_retries, ssl_verify, ip_whitelist)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, sub.ID, sub.URL, sub.Events, sub.SigningKeyHash, sub.Status,
		sub.Config.TimeoutMs, sub.Config.MaxRetries, sub.Config.SSLVerify, whitelist,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// ListSubscriptionsForEvent returns active subscriptions registered for the
// given event type.
func (s *PostgresStore) ListSubscriptionsForEvent(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'active' AND $1 = ANY(events)
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions for event: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// UpdateSubscriptionStatus flips a subscription between active and
// suspended. Returns nil when the subscription does not exist.
func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, id, status string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns, id, status))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subscription status: %w", err)
	}
	return sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}

	if subs == nil {
		subs = []domain.Subscription{}
	}
	return subs, nil
}
