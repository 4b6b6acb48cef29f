package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/webhook-dispatch/internal/domain"
)

// MemoryStore is an in-memory store used by tests. It mirrors the behavior
// of PostgresStore, including the nil-on-not-found convention.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]domain.Subscription
	metrics       []domain.DeliveryMetric
	deadLetters   []domain.DeadLetter

	// MetricErr, when set, is returned by InsertMetric.
	MetricErr error
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]domain.Subscription),
	}
}

func (s *MemoryStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	s.subscriptions[sub.ID] = *sub
	return nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (s *MemoryStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]domain.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
	return subs, nil
}

func (s *MemoryStore) ListSubscriptionsForEvent(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := []domain.Subscription{}
	for _, sub := range s.subscriptions {
		if sub.Status != domain.SubscriptionActive {
			continue
		}
		for _, ev := range sub.Events {
			if ev == eventType {
				subs = append(subs, sub)
				break
			}
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

func (s *MemoryStore) UpdateSubscriptionStatus(ctx context.Context, id, status string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, nil
	}
	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()
	s.subscriptions[id] = sub
	return &sub, nil
}

func (s *MemoryStore) InsertMetric(ctx context.Context, metric domain.DeliveryMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MetricErr != nil {
		return s.MetricErr
	}
	if metric.ID == "" {
		metric.ID = uuid.NewString()
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	s.metrics = append(s.metrics, metric)
	return nil
}

func (s *MemoryStore) SummarizeDeliveries(ctx context.Context, subscriptionID string, since time.Time) (domain.DeliverySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summary domain.DeliverySummary
	var latencySum, latencyCount int64
	for _, m := range s.metrics {
		if m.SubscriptionID != subscriptionID || m.Timestamp.Before(since) {
			continue
		}
		switch m.Type {
		case domain.MetricSuccess:
			summary.SuccessfulDeliveries++
		case domain.MetricFailure:
			summary.FailedDeliveries++
		default:
			continue
		}
		summary.TotalDeliveries++
		if m.LatencyMs != nil {
			latencySum += int64(*m.LatencyMs)
			latencyCount++
		}
	}
	if latencyCount > 0 {
		summary.AverageLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	return summary, nil
}

func (s *MemoryStore) ListMetrics(ctx context.Context, subscriptionID, metricType string, limit int) ([]domain.DeliveryMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := []domain.DeliveryMetric{}
	for i := len(s.metrics) - 1; i >= 0; i-- {
		m := s.metrics[i]
		if subscriptionID != "" && m.SubscriptionID != subscriptionID {
			continue
		}
		if metricType != "" && m.Type != metricType {
			continue
		}
		metrics = append(metrics, m)
		if limit > 0 && len(metrics) >= limit {
			break
		}
	}
	return metrics, nil
}

// Metrics returns a snapshot of all recorded metrics.
func (s *MemoryStore) Metrics() []domain.DeliveryMetric {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeliveryMetric, len(s.metrics))
	copy(out, s.metrics)
	return out
}

func (s *MemoryStore) InsertDeadLetter(ctx context.Context, rec DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl := domain.DeadLetter{
		ID:             uuid.NewString(),
		DeliveryID:     rec.DeliveryID,
		SubscriptionID: rec.SubscriptionID,
		EventType:      rec.EventType,
		TotalAttempts:  rec.TotalAttempts,
		LastHTTPStatus: rec.LastHTTPStatus,
		CreatedAt:      time.Now().UTC(),
	}
	if rec.LastError != "" {
		lastErr := rec.LastError
		dl.LastError = &lastErr
	}
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, subscriptionID string, resolved bool, limit int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letters := []domain.DeadLetter{}
	for i := len(s.deadLetters) - 1; i >= 0; i-- {
		dl := s.deadLetters[i]
		if subscriptionID != "" && dl.SubscriptionID != subscriptionID {
			continue
		}
		if resolved != (dl.ResolvedAt != nil) {
			continue
		}
		letters = append(letters, dl)
		if limit > 0 && len(letters) >= limit {
			break
		}
	}
	return letters, nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dl := range s.deadLetters {
		if dl.ID == id {
			out := dl
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.deadLetters {
		if s.deadLetters[i].ID == id && s.deadLetters[i].ResolvedAt == nil {
			now := time.Now().UTC()
			s.deadLetters[i].ResolvedAt = &now
			s.deadLetters[i].ResolvedBy = &resolvedBy
			return nil
		}
	}
	return fmt.Errorf("dead letter not found or already resolved")
}

func (s *MemoryStore) GetDashboardMetrics(ctx context.Context) (*DashboardMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m DashboardMetrics
	var latencySum, latencyCount int64
	for _, row := range s.metrics {
		switch row.Type {
		case domain.MetricDispatch:
			m.TotalDispatches++
		case domain.MetricSuccess:
			m.SuccessCount++
		case domain.MetricFailure:
			m.FailureCount++
		}
		if row.LatencyMs != nil {
			latencySum += int64(*row.LatencyMs)
			latencyCount++
		}
	}
	m.TotalDeliveries = m.SuccessCount + m.FailureCount
	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}
	if latencyCount > 0 {
		m.AvgLatencyMs = float64(latencySum) / float64(latencyCount)
	}

	for _, dl := range s.deadLetters {
		if dl.ResolvedAt == nil {
			m.DeadLetterCount++
		}
	}
	for _, sub := range s.subscriptions {
		if sub.Status == domain.SubscriptionActive {
			m.ActiveSubscriptions++
		}
	}
	return &m, nil
}
