package domain

import (
	"encoding/json"
	"time"
)

// Delivery metric types. A dispatch row is written when a delivery is queued;
// exactly one success or failure row is written later, when the delivery
// reaches a terminal outcome.
const (
	MetricDispatch = "dispatch"
	MetricSuccess  = "success"
	MetricFailure  = "failure"
)

type DeliveryMetric struct {
	ID             string    `json:"id,omitempty"`
	SubscriptionID string    `json:"subscription_id"`
	Type           string    `json:"type"`
	LatencyMs      *int      `json:"latency_ms,omitempty"`
	DeliveryID     string    `json:"delivery_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DeliverySummary aggregates terminal metric rows for one subscription.
// Dispatch rows are excluded: a queued delivery without an outcome yet is
// neither a success nor a failure.
type DeliverySummary struct {
	TotalDeliveries      int     `json:"total_deliveries"`
	SuccessfulDeliveries int     `json:"successful_deliveries"`
	FailedDeliveries     int     `json:"failed_deliveries"`
	AverageLatencyMs     float64 `json:"average_latency_ms"`
}

// DeliveryJob is one queued outbound notification. Payload is the enveloped
// event, already marshaled; SigningKey is the subscription's stored key hash,
// used as the HMAC key so the plaintext secret never travels.
type DeliveryJob struct {
	DeliveryID     string          `json:"delivery_id"`
	SubscriptionID string          `json:"subscription_id"`
	EndpointURL    string          `json:"endpoint_url"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	SigningKey     string          `json:"signing_key"`
	TimeoutMs      int             `json:"timeout_ms"`
	MaxRetries     int             `json:"max_retries"`
	SSLVerify      bool            `json:"ssl_verify"`
	Attempt        int             `json:"attempt"`
}

// Envelope is the wire payload POSTed to subscriber endpoints: the caller's
// event data wrapped with delivery metadata.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Meta  EnvelopeMeta    `json:"meta"`
}

type EnvelopeMeta struct {
	DeliveryID string `json:"delivery_id"`
	Timestamp  string `json:"timestamp"`
	Platform   string `json:"platform"`
}

type DeadLetter struct {
	ID             string     `json:"id"`
	DeliveryID     string     `json:"delivery_id"`
	SubscriptionID string     `json:"subscription_id"`
	EventType      string     `json:"event_type"`
	TotalAttempts  int        `json:"total_attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	LastHTTPStatus *int       `json:"last_http_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     *string    `json:"resolved_by,omitempty"`
}

// DeliveryEvent is a real-time update published by the worker on the
// delivery feed channel and rebroadcast to WebSocket clients.
type DeliveryEvent struct {
	Type           string    `json:"type"` // "delivery_success", "delivery_retrying", "delivery_failed"
	DeliveryID     string    `json:"delivery_id"`
	SubscriptionID string    `json:"subscription_id"`
	EndpointURL    string    `json:"endpoint_url"`
	EventType      string    `json:"event_type"`
	Attempt        int       `json:"attempt"`
	StatusCode     *int      `json:"status_code,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Feed event types.
const (
	DeliverySuccess  = "delivery_success"
	DeliveryRetrying = "delivery_retrying"
	DeliveryFailed   = "delivery_failed"
)
