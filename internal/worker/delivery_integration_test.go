package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/carebridge/webhook-dispatch/internal/cache"
	"github.com/carebridge/webhook-dispatch/internal/domain"
	"github.com/carebridge/webhook-dispatch/internal/engine"
	"github.com/carebridge/webhook-dispatch/internal/queue"
	"github.com/carebridge/webhook-dispatch/internal/store"
)

// pipelineHarness wires the dispatch engine to the delivery worker through a
// real Redis queue (miniredis), the same path the two binaries share in
// production.
type pipelineHarness struct {
	store      *store.MemoryStore
	queue      *queue.Redis
	dispatcher *engine.Dispatcher
	pool       *Pool
	consumer   *Consumer
}

func setupPipeline(t *testing.T) *pipelineHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := testLogger()
	memStore := store.NewMemory()
	redisCache := cache.NewRedisWithClient(client)
	deliveryQueue := queue.NewRedis(client, logger)

	breaker := engine.NewCircuitBreaker(redisCache, logger, time.Minute)
	limiter := engine.NewRateLimiter(redisCache, logger, engine.RateLimiterOptions{
		Mode: engine.ModeCounter,
	})

	dispatcher := engine.NewDispatcher(engine.DispatcherParams{
		Subscriptions: memStore,
		Metrics:       memStore,
		Queue:         deliveryQueue,
		Breaker:       breaker,
		Limiter:       limiter,
		Logger:        logger,
	})

	deliverer := NewDeliverer(memStore, deliveryQueue, deliveryQueue, nil, logger)
	pool := NewPool(2, deliverer, logger)
	consumer := NewConsumer(deliveryQueue, pool, nil, logger)
	consumer.pollInterval = 10 * time.Millisecond

	return &pipelineHarness{
		store:      memStore,
		queue:      deliveryQueue,
		dispatcher: dispatcher,
		pool:       pool,
		consumer:   consumer,
	}
}

func (h *pipelineHarness) seedSubscription(t *testing.T, endpointURL string) *domain.Subscription {
	t.Helper()

	sub := &domain.Subscription{
		ID:             uuid.NewString(),
		URL:            endpointURL,
		Events:         []string{"enrollment.created"},
		SigningKeyHash: "b9c1f2aa41f6b8d2ce00a1f7d3b5e8c94407d2a1b6f3c8e5d90417a2c3b6f8e1",
		Status:         domain.SubscriptionActive,
		Config: domain.DeliveryConfig{
			TimeoutMs:  5000,
			MaxRetries: 5,
			SSLVerify:  true,
		},
	}
	if err := h.store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	return sub
}

// run starts the pool and consumer and returns a stop func that drains both.
func (h *pipelineHarness) run(t *testing.T) func() {
	t.Helper()

	runCtx, cancel := context.WithCancel(context.Background())
	h.pool.Start(context.Background())

	done := make(chan struct{})
	go func() {
		h.consumer.Start(runCtx)
		close(done)
	}()

	return func() {
		cancel()
		<-done
		h.pool.Stop()
	}
}

func TestPipeline_EventReachesSubscriber(t *testing.T) {
	h := setupPipeline(t)
	ctx := context.Background()

	var hits atomic.Int32
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := h.seedSubscription(t, srv.URL)

	feedCtx, feedCancel := context.WithCancel(ctx)
	defer feedCancel()
	feed := h.queue.DeliveryEvents(feedCtx)

	// Give the subscription time to establish before publishing.
	time.Sleep(50 * time.Millisecond)

	result, err := h.dispatcher.Dispatch(ctx, "enrollment.created",
		json.RawMessage(`{"enrollment_id":"enr-301","member_id":"mbr-204"}`),
		engine.DispatchOptions{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.DispatchCount != 1 {
		t.Fatalf("dispatch count = %d, want 1", result.DispatchCount)
	}

	stop := h.run(t)

	deadline := time.Now().Add(3 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stop()

	if hits.Load() != 1 {
		t.Fatalf("endpoint hit %d times, want 1", hits.Load())
	}

	var envelope domain.Envelope
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("endpoint received invalid envelope: %v", err)
	}
	if envelope.Event != "enrollment.created" {
		t.Errorf("envelope event = %q, want %q", envelope.Event, "enrollment.created")
	}
	if envelope.Meta.DeliveryID != result.Deliveries[0].DeliveryID {
		t.Errorf("envelope delivery id = %q, want %q",
			envelope.Meta.DeliveryID, result.Deliveries[0].DeliveryID)
	}

	if want := computeHMAC(gotBody, sub.SigningKeyHash); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var dispatchRows, successRows int
	for _, m := range h.store.Metrics() {
		switch m.Type {
		case domain.MetricDispatch:
			dispatchRows++
		case domain.MetricSuccess:
			successRows++
		}
	}
	if dispatchRows != 1 || successRows != 1 {
		t.Errorf("metric rows = %d dispatch / %d success, want 1 / 1", dispatchRows, successRows)
	}

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d after delivery, want 0", depth)
	}

	select {
	case ev := <-feed:
		if ev.Type != domain.DeliverySuccess {
			t.Errorf("feed event type = %q, want %q", ev.Type, domain.DeliverySuccess)
		}
		if ev.SubscriptionID != sub.ID {
			t.Errorf("feed subscription id = %q, want %q", ev.SubscriptionID, sub.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery feed event")
	}
}

func TestPipeline_ServerErrorSchedulesRetry(t *testing.T) {
	h := setupPipeline(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h.seedSubscription(t, srv.URL)

	if _, err := h.dispatcher.Dispatch(ctx, "enrollment.created",
		json.RawMessage(`{"enrollment_id":"enr-302"}`), engine.DispatchOptions{}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	stop := h.run(t)

	// Wait for the first attempt and its backoff re-enqueue.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hits.Load() >= 1 {
			if depth, _ := h.queue.Depth(ctx); depth == 1 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	stop()

	if hits.Load() != 1 {
		t.Fatalf("endpoint hit %d times, want 1", hits.Load())
	}

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1 rescheduled job", depth)
	}

	// The retry is delayed by the backoff ladder, so it must not be
	// claimable yet.
	jobs, err := h.queue.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("claimed %d jobs before backoff elapsed, want 0", len(jobs))
	}

	for _, m := range h.store.Metrics() {
		if m.Type == domain.MetricSuccess || m.Type == domain.MetricFailure {
			t.Errorf("unexpected terminal metric row %q while retries remain", m.Type)
		}
	}
}
