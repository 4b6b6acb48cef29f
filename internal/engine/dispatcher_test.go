package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/carebridge/webhook-dispatch/internal/cache"
	"github.com/carebridge/webhook-dispatch/internal/domain"
	"github.com/carebridge/webhook-dispatch/internal/queue"
	"github.com/carebridge/webhook-dispatch/internal/store"
)

type dispatchHarness struct {
	store      *store.MemoryStore
	queue      *queue.Memory
	breaker    *CircuitBreaker
	limiter    *RateLimiter
	dispatcher *Dispatcher
}

func setupDispatcher(t *testing.T, limiterOpts RateLimiterOptions) *dispatchHarness {
	t.Helper()
	logger := testLogger()
	st := store.NewMemory()
	q := queue.NewMemory()
	c := cache.NewMemory()

	h := &dispatchHarness{
		store:   st,
		queue:   q,
		breaker: NewCircuitBreaker(c, logger, time.Minute),
		limiter: NewRateLimiter(c, logger, limiterOpts),
	}
	h.dispatcher = NewDispatcher(DispatcherParams{
		Subscriptions: st,
		Metrics:       st,
		Queue:         q,
		Breaker:       h.breaker,
		Limiter:       h.limiter,
		Logger:        logger,
	})
	return h
}

func (h *dispatchHarness) addSubscription(t *testing.T, id string, events ...string) *domain.Subscription {
	t.Helper()
	sub := &domain.Subscription{
		ID:             id,
		URL:            "https://partner.example.com/hooks/" + id,
		Events:         events,
		SigningKeyHash: HashSecret("whsec_" + id),
		Status:         domain.SubscriptionActive,
		Config:         domain.DefaultDeliveryConfig(),
	}
	if err := h.store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	return sub
}

func TestDispatcher_RejectsUnsupportedEventType(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{})
	h.addSubscription(t, "sub-1", "enrollment.created")

	_, err := h.dispatcher.Dispatch(context.Background(), "payment.settled", json.RawMessage(`{}`), DispatchOptions{})
	assertValidationError(t, err, "event_type")

	if len(h.queue.Jobs()) != 0 {
		t.Error("no delivery should be queued for an unsupported event")
	}
}

func TestDispatcher_QueuesDeliveryWithEnvelope(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{})
	sub := h.addSubscription(t, "sub-1", "enrollment.created")

	payload := json.RawMessage(`{"enrollment_id":"enr-42"}`)
	result, err := h.dispatcher.Dispatch(context.Background(), "enrollment.created", payload, DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if result.DispatchCount != 1 {
		t.Fatalf("expected dispatch count 1, got %d", result.DispatchCount)
	}
	delivery := result.Deliveries[0]
	if delivery.SubscriptionID != sub.ID {
		t.Errorf("expected delivery for %s, got %s", sub.ID, delivery.SubscriptionID)
	}
	if delivery.DeliveryID == "" {
		t.Error("delivery id should be set")
	}
	if delivery.Status != "queued" {
		t.Errorf("expected status queued, got %q", delivery.Status)
	}

	jobs := h.queue.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.DeliveryID != delivery.DeliveryID {
		t.Errorf("job delivery id %s does not match result %s", job.DeliveryID, delivery.DeliveryID)
	}
	if job.EndpointURL != sub.URL {
		t.Errorf("expected endpoint %s, got %s", sub.URL, job.EndpointURL)
	}
	if job.SigningKey != sub.SigningKeyHash {
		t.Error("job should carry the subscriber's signing key")
	}
	if job.Attempt != 1 {
		t.Errorf("expected first attempt, got %d", job.Attempt)
	}
	if job.TimeoutMs != 10000 || job.MaxRetries != 5 || !job.SSLVerify {
		t.Errorf("job should carry the subscriber config, got %+v", job)
	}

	var env domain.Envelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		t.Fatalf("job payload is not a valid envelope: %v", err)
	}
	if env.Event != "enrollment.created" {
		t.Errorf("expected envelope event enrollment.created, got %q", env.Event)
	}
	if string(env.Data) != string(payload) {
		t.Errorf("envelope data mismatch: %s", env.Data)
	}
	if env.Meta.DeliveryID != delivery.DeliveryID {
		t.Error("envelope meta should carry the delivery id")
	}
	if env.Meta.Platform != DefaultPlatformTag {
		t.Errorf("expected platform tag %q, got %q", DefaultPlatformTag, env.Meta.Platform)
	}
	if _, err := time.Parse(time.RFC3339, env.Meta.Timestamp); err != nil {
		t.Errorf("envelope timestamp is not RFC 3339: %q", env.Meta.Timestamp)
	}
}

func TestDispatcher_RecordsDispatchMetric(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{})
	sub := h.addSubscription(t, "sub-1", "document.uploaded")

	result, err := h.dispatcher.Dispatch(context.Background(), "document.uploaded", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	rows := h.store.Metrics()
	if len(rows) != 1 {
		t.Fatalf("expected 1 metric row, got %d", len(rows))
	}
	if rows[0].Type != domain.MetricDispatch {
		t.Errorf("expected dispatch metric, got %q", rows[0].Type)
	}
	if rows[0].SubscriptionID != sub.ID {
		t.Errorf("metric recorded for wrong subscriber: %s", rows[0].SubscriptionID)
	}
	if rows[0].DeliveryID != result.Deliveries[0].DeliveryID {
		t.Error("metric should reference the queued delivery")
	}
}

func TestDispatcher_OnlyMatchingSubscribers(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{})
	h.addSubscription(t, "sub-1", "enrollment.created")
	h.addSubscription(t, "sub-2", "document.uploaded")

	result, err := h.dispatcher.Dispatch(context.Background(), "enrollment.created", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if result.DispatchCount != 1 {
		t.Fatalf("expected 1 delivery, got %d", result.DispatchCount)
	}
	if result.Deliveries[0].SubscriptionID != "sub-1" {
		t.Errorf("expected delivery for sub-1, got %s", result.Deliveries[0].SubscriptionID)
	}
}

func TestDispatcher_NoSubscribers(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{})

	result, err := h.dispatcher.Dispatch(context.Background(), "interview.completed", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.DispatchCount != 0 {
		t.Errorf("expected 0 deliveries, got %d", result.DispatchCount)
	}
	if result.Deliveries == nil {
		t.Error("deliveries should be an empty list, not nil")
	}
}

// Two active subscribers for the same event, one with an open circuit:
// only the healthy one receives the delivery.
func TestDispatcher_SkipsOpenCircuitSubscriber(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{})
	h.addSubscription(t, "sub-healthy", "enrollment.completed")
	h.addSubscription(t, "sub-tripped", "enrollment.completed")

	ctx := context.Background()
	if _, err := h.breaker.Trip(ctx, "sub-tripped", 0); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}

	result, err := h.dispatcher.Dispatch(ctx, "enrollment.completed", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if result.DispatchCount != 1 {
		t.Fatalf("expected dispatch count 1, got %d", result.DispatchCount)
	}
	if result.Deliveries[0].SubscriptionID != "sub-healthy" {
		t.Errorf("expected only the healthy subscriber, got %s", result.Deliveries[0].SubscriptionID)
	}

	jobs := h.queue.Jobs()
	if len(jobs) != 1 || jobs[0].SubscriptionID != "sub-healthy" {
		t.Errorf("queue should hold exactly the healthy subscriber's job, got %+v", jobs)
	}
}

func TestDispatcher_RateLimitGate(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{Mode: ModeGate})
	h.addSubscription(t, "sub-1", "enrollment.created")
	ctx := context.Background()

	first, err := h.dispatcher.Dispatch(ctx, "enrollment.created", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if first.DispatchCount != 1 {
		t.Fatalf("first dispatch should be admitted, got count %d", first.DispatchCount)
	}

	second, err := h.dispatcher.Dispatch(ctx, "enrollment.created", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if second.DispatchCount != 0 {
		t.Errorf("second dispatch in the window should be rate limited, got count %d", second.DispatchCount)
	}

	if len(h.queue.Jobs()) != 1 {
		t.Errorf("expected 1 queued job total, got %d", len(h.queue.Jobs()))
	}
}

func TestDispatcher_CounterModeAdmitsRepeatedDispatches(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{Mode: ModeCounter, MaxAttempts: 3})
	h.addSubscription(t, "sub-1", "enrollment.created")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := h.dispatcher.Dispatch(ctx, "enrollment.created", json.RawMessage(`{}`), DispatchOptions{})
		if err != nil {
			t.Fatalf("Dispatch %d failed: %v", i+1, err)
		}
		if result.DispatchCount != 1 {
			t.Errorf("dispatch %d should be admitted, got count %d", i+1, result.DispatchCount)
		}
	}

	result, err := h.dispatcher.Dispatch(ctx, "enrollment.created", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.DispatchCount != 0 {
		t.Errorf("dispatch over the limit should be skipped, got count %d", result.DispatchCount)
	}
}

func TestDispatcher_IPWhitelist(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{Mode: ModeCounter, MaxAttempts: 100})
	sub := h.addSubscription(t, "sub-1", "enrollment.created")
	sub.Config.IPWhitelist = []string{"203.0.113.10", "10.0.0.0/8"}
	if err := h.store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("updating subscription failed: %v", err)
	}

	tests := []struct {
		name     string
		sourceIP string
		admitted bool
	}{
		{"exact match", "203.0.113.10", true},
		{"cidr match", "10.42.7.1", true},
		{"no match", "198.51.100.7", false},
		{"missing source", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.dispatcher.Dispatch(context.Background(), "enrollment.created", json.RawMessage(`{}`), DispatchOptions{SourceIP: tt.sourceIP})
			if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			queued := result.DispatchCount == 1
			if queued != tt.admitted {
				t.Errorf("source %q: admitted=%v, want %v", tt.sourceIP, queued, tt.admitted)
			}
		})
	}
}

func TestDispatcher_EmptyWhitelistAllowsAnySource(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{Mode: ModeCounter, MaxAttempts: 100})
	h.addSubscription(t, "sub-1", "enrollment.created")

	for _, sourceIP := range []string{"", "198.51.100.7"} {
		result, err := h.dispatcher.Dispatch(context.Background(), "enrollment.created", json.RawMessage(`{}`), DispatchOptions{SourceIP: sourceIP})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if result.DispatchCount != 1 {
			t.Errorf("source %q should be admitted with an empty whitelist", sourceIP)
		}
	}
}

// staleListStore returns every subscription regardless of status,
// simulating a stale read that still includes a just-suspended
// subscriber.
type staleListStore struct {
	*store.MemoryStore
}

func (s staleListStore) ListSubscriptionsForEvent(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	return s.MemoryStore.ListSubscriptions(ctx)
}

func TestDispatcher_SkipsSuspendedSubscriber(t *testing.T) {
	logger := testLogger()
	st := store.NewMemory()
	q := queue.NewMemory()
	c := cache.NewMemory()

	sub := &domain.Subscription{
		ID:     "sub-suspended",
		URL:    "https://partner.example.com/hooks",
		Events: []string{"enrollment.created"},
		Status: domain.SubscriptionSuspended,
		Config: domain.DefaultDeliveryConfig(),
	}
	if err := st.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	d := NewDispatcher(DispatcherParams{
		Subscriptions: staleListStore{st},
		Metrics:       st,
		Queue:         q,
		Breaker:       NewCircuitBreaker(c, logger, time.Minute),
		Limiter:       NewRateLimiter(c, logger, RateLimiterOptions{}),
		Logger:        logger,
	})

	result, err := d.Dispatch(context.Background(), "enrollment.created", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.DispatchCount != 0 {
		t.Errorf("suspended subscriber should be skipped even on a stale read, got count %d", result.DispatchCount)
	}
	if len(q.Jobs()) != 0 {
		t.Error("no job should be queued for a suspended subscriber")
	}
}

func TestDispatcher_EnqueueFailureOmitsDelivery(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{})
	h.addSubscription(t, "sub-1", "enrollment.created")
	h.queue.Err = errors.New("queue unavailable")

	result, err := h.dispatcher.Dispatch(context.Background(), "enrollment.created", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch should not fail when one enqueue fails: %v", err)
	}
	if result.DispatchCount != 0 {
		t.Errorf("failed enqueue should not appear as a delivery, got count %d", result.DispatchCount)
	}
	if len(h.store.Metrics()) != 0 {
		t.Error("no dispatch metric should be recorded when the enqueue fails")
	}
}

func TestDispatcher_MetricFailureStillQueues(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{})
	h.addSubscription(t, "sub-1", "enrollment.created")
	h.store.MetricErr = errors.New("metrics store unavailable")

	result, err := h.dispatcher.Dispatch(context.Background(), "enrollment.created", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.DispatchCount != 1 {
		t.Errorf("delivery should still be reported queued, got count %d", result.DispatchCount)
	}
	if len(h.queue.Jobs()) != 1 {
		t.Errorf("job should be queued despite the metric failure, got %d", len(h.queue.Jobs()))
	}
}

func TestDispatcher_ConcurrentFanOut(t *testing.T) {
	h := setupDispatcher(t, RateLimiterOptions{Mode: ModeCounter, MaxAttempts: 100})

	const subscribers = 25
	want := make(map[string]bool, subscribers)
	for i := 0; i < subscribers; i++ {
		id := "sub-" + string(rune('a'+i))
		h.addSubscription(t, id, "enrollment.completed")
		want[id] = true
	}

	result, err := h.dispatcher.Dispatch(context.Background(), "enrollment.completed", json.RawMessage(`{}`), DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.DispatchCount != subscribers {
		t.Fatalf("expected %d deliveries, got %d", subscribers, result.DispatchCount)
	}

	seenSubs := make(map[string]bool)
	seenDeliveries := make(map[string]bool)
	for _, delivery := range result.Deliveries {
		if seenSubs[delivery.SubscriptionID] {
			t.Errorf("subscriber %s queued twice", delivery.SubscriptionID)
		}
		seenSubs[delivery.SubscriptionID] = true
		if seenDeliveries[delivery.DeliveryID] {
			t.Errorf("delivery id %s reused", delivery.DeliveryID)
		}
		seenDeliveries[delivery.DeliveryID] = true
		if !want[delivery.SubscriptionID] {
			t.Errorf("unexpected subscriber %s", delivery.SubscriptionID)
		}
	}

	if len(h.queue.Jobs()) != subscribers {
		t.Errorf("expected %d queued jobs, got %d", subscribers, len(h.queue.Jobs()))
	}
}
