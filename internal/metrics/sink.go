package metrics

import (
	"strings"
	"time"
)

// Sink records operational metrics. All methods are fire-and-forget:
// implementations must not block or propagate errors.
type Sink interface {
	// Dispatch admission metrics
	EventReceived(eventType string)
	DeliveryQueued(eventType string)
	DispatchSkipped(reason string)
	CircuitTripped()

	// Delivery worker metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)

	// Queue metrics
	QueueDepthUpdate(depth int64)
}

// Skip reason constants for DispatchSkipped.
const (
	SkipInactive      = "inactive"
	SkipIPBlocked     = "ip_blocked"
	SkipCircuitOpen   = "circuit_open"
	SkipRateLimited   = "rate_limited"
	SkipEnqueueFailed = "enqueue_failed"
)

// Outcome constants for DeliveryOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// StatusClass constants for DeliveryAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class label.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
			return StatusClassTimeout
		}
		if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "dial") {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
