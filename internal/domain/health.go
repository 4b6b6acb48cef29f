package domain

import "time"

// Health statuses derived from the reliability score.
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
)

// HealthSnapshot is the result of one health evaluation. It is computed on
// demand and never persisted. CircuitBreaker is "open" when the evaluation
// tripped the circuit or found it already tripped.
type HealthSnapshot struct {
	SubscriptionID string          `json:"subscription_id"`
	HealthScore    float64         `json:"health_score"`
	Status         string          `json:"status"`
	LastChecked    time.Time       `json:"last_checked"`
	Metrics        DeliverySummary `json:"metrics"`
	CircuitBreaker string          `json:"circuit_breaker,omitempty"`
}
