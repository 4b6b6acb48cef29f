package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg), reg
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_DispatchCounters(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventReceived("enrollment.created")
	sink.DeliveryQueued("enrollment.created")
	sink.DeliveryQueued("enrollment.created")
	sink.DispatchSkipped(SkipCircuitOpen)

	received := getCounterVecValue(t, reg, "webhookdispatch_events_received_total",
		map[string]string{"event_type": "enrollment.created"})
	if received != 1 {
		t.Errorf("events_received_total = %v, want 1", received)
	}

	queued := getCounterVecValue(t, reg, "webhookdispatch_deliveries_queued_total",
		map[string]string{"event_type": "enrollment.created"})
	if queued != 2 {
		t.Errorf("deliveries_queued_total = %v, want 2", queued)
	}

	skipped := getCounterVecValue(t, reg, "webhookdispatch_dispatch_skips_total",
		map[string]string{"reason": SkipCircuitOpen})
	if skipped != 1 {
		t.Errorf("dispatch_skips_total = %v, want 1", skipped)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted(1, StatusClass2xx, 100*time.Millisecond)
	sink.DeliveryAttemptCompleted(2, StatusClass5xx, 200*time.Millisecond)

	val1 := getCounterVecValue(t, reg, "webhookdispatch_delivery_attempts_total",
		map[string]string{"attempt": "1", "status_class": "2xx"})
	if val1 != 1 {
		t.Errorf("attempt=1,status=2xx = %v, want 1", val1)
	}

	val2 := getCounterVecValue(t, reg, "webhookdispatch_delivery_attempts_total",
		map[string]string{"attempt": "2", "status_class": "5xx"})
	if val2 != 1 {
		t.Errorf("attempt=2,status=5xx = %v, want 1", val2)
	}
}

func TestPrometheusSink_DeliveryOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryOutcome(OutcomeSuccess)
	sink.DeliveryOutcome(OutcomeSuccess)
	sink.DeliveryOutcome(OutcomeFailed)

	successVal := getCounterVecValue(t, reg, "webhookdispatch_delivery_outcomes_total",
		map[string]string{"outcome": "success"})
	if successVal != 2 {
		t.Errorf("outcome=success = %v, want 2", successVal)
	}

	failedVal := getCounterVecValue(t, reg, "webhookdispatch_delivery_outcomes_total",
		map[string]string{"outcome": "failed"})
	if failedVal != 1 {
		t.Errorf("outcome=failed = %v, want 1", failedVal)
	}
}

func TestPrometheusSink_QueueDepth(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.QueueDepthUpdate(42)

	val := getGaugeValue(t, reg, "webhookdispatch_queue_depth")
	if val != 42 {
		t.Errorf("queue_depth = %v, want 42", val)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Second registration fails for every collector but must not panic.
	reg := prometheus.NewRegistry()

	if sink := NewPrometheusSink(reg); sink == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	if sink := NewPrometheusSink(reg); sink == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify both implementations satisfy Sink.
var (
	_ Sink = (*PrometheusSink)(nil)
	_ Sink = (*NoopSink)(nil)
)
