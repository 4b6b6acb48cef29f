package metrics

import "time"

// NoopSink is a no-op implementation of Sink. Used when metrics are
// disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventReceived(eventType string)                                            {}
func (n *NoopSink) DeliveryQueued(eventType string)                                           {}
func (n *NoopSink) DispatchSkipped(reason string)                                             {}
func (n *NoopSink) CircuitTripped()                                                           {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryAttempt(retryable bool)                                               {}
func (n *NoopSink) QueueDepthUpdate(depth int64)                                              {}
