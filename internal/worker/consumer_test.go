package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carebridge/webhook-dispatch/internal/metrics"
	"github.com/carebridge/webhook-dispatch/internal/queue"
	"github.com/carebridge/webhook-dispatch/internal/store"
)

func TestConsumerDrainsReadyJobs(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemory()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	deliverer := NewDeliverer(st, q, nil, nil, testLogger())
	pool := NewPool(2, deliverer, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	const jobCount = 3
	for i := 0; i < jobCount; i++ {
		job := testJob(srv.URL)
		job.DeliveryID = fmt.Sprintf("del-%03d", i)
		if err := q.Enqueue(context.Background(), job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	consumer := NewConsumer(q, pool, nil, testLogger())
	consumer.pollInterval = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		consumer.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < jobCount && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
	pool.Stop()

	if got := hits.Load(); got != jobCount {
		t.Errorf("endpoint hits = %d, want %d", got, jobCount)
	}

	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0 after drain", depth)
	}
}

// depthRecorder overrides the queue depth gauge to capture reported values.
type depthRecorder struct {
	*metrics.NoopSink
	mu     sync.Mutex
	depths []int64
}

func (r *depthRecorder) QueueDepthUpdate(depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depths = append(r.depths, depth)
}

func (r *depthRecorder) Depths() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.depths...)
}

func TestConsumerReportsQueueDepth(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemory()

	deliverer := NewDeliverer(st, q, nil, nil, testLogger())
	pool := NewPool(1, deliverer, testLogger())

	for i := 0; i < 4; i++ {
		job := testJob("http://localhost:1")
		job.DeliveryID = fmt.Sprintf("del-%03d", i)
		if err := q.Enqueue(context.Background(), job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	rec := &depthRecorder{NoopSink: metrics.NewNoopSink()}
	consumer := NewConsumer(q, pool, rec, testLogger())
	consumer.reportDepth(context.Background())

	depths := rec.Depths()
	if len(depths) != 1 || depths[0] != 4 {
		t.Fatalf("reported depths = %v, want [4]", depths)
	}
}
