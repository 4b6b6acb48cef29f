package domain

import "time"

// Subscription statuses. Suspension is a soft state change; rows are never
// hard-deleted.
const (
	SubscriptionActive    = "active"
	SubscriptionSuspended = "suspended"
)

type Subscription struct {
	ID             string         `json:"id"`
	URL            string         `json:"url"`
	Events         []string       `json:"events"`
	SigningKeyHash string         `json:"-"`
	Status         string         `json:"status"`
	Config         DeliveryConfig `json:"config"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DeliveryConfig holds the per-subscription delivery policy enforced by the
// delivery worker. IPWhitelist entries are exact IPs or CIDR prefixes; an
// empty whitelist admits every caller.
type DeliveryConfig struct {
	TimeoutMs   int      `json:"timeout_ms"`
	MaxRetries  int      `json:"max_retries"`
	SSLVerify   bool     `json:"ssl_verify"`
	IPWhitelist []string `json:"ip_whitelist,omitempty"`
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		TimeoutMs:  10000,
		MaxRetries: 5,
		SSLVerify:  true,
	}
}

func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive
}
