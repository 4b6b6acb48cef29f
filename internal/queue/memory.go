package queue

import (
	"context"
	"sync"
	"time"

	"github.com/carebridge/webhook-dispatch/internal/domain"
)

type scheduledJob struct {
	job     domain.DeliveryJob
	readyAt time.Time
}

// Memory is an in-process delivery queue for tests. Err, when set, is
// returned by every enqueue to exercise failure paths.
type Memory struct {
	mu   sync.Mutex
	jobs []scheduledJob

	Err error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (q *Memory) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	return q.EnqueueAt(ctx, job, time.Now())
}

func (q *Memory) EnqueueAt(ctx context.Context, job domain.DeliveryJob, readyAt time.Time) error {
	if q.Err != nil {
		return q.Err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, scheduledJob{job: job, readyAt: readyAt})
	return nil
}

func (q *Memory) Claim(ctx context.Context, limit int64) ([]domain.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var claimed []domain.DeliveryJob
	var remaining []scheduledJob
	for _, s := range q.jobs {
		if int64(len(claimed)) < limit && !s.readyAt.After(now) {
			claimed = append(claimed, s.job)
			continue
		}
		remaining = append(remaining, s)
	}
	q.jobs = remaining
	return claimed, nil
}

func (q *Memory) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

// Jobs returns a snapshot of everything enqueued, ready or not.
func (q *Memory) Jobs() []domain.DeliveryJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.DeliveryJob, 0, len(q.jobs))
	for _, s := range q.jobs {
		out = append(out, s.job)
	}
	return out
}
