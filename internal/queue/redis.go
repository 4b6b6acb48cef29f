package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carebridge/webhook-dispatch/internal/domain"
)

const (
	deliveryQueueKey      = "delivery_queue"
	deliveryEventsChannel = "delivery.events"
)

// Redis is the delivery queue: a sorted set scored by ready-at time in
// microseconds, so immediate dispatches and delayed retries share one
// structure and claims come back in enqueue order.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

// Enqueue adds a job ready for immediate delivery.
func (q *Redis) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	return q.EnqueueAt(ctx, job, time.Now())
}

// EnqueueAt adds a job that becomes claimable at readyAt. Used for retry
// backoff re-enqueues.
func (q *Redis) EnqueueAt(ctx context.Context, job domain.DeliveryJob, readyAt time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling delivery job: %w", err)
	}

	err = q.client.ZAdd(ctx, deliveryQueueKey, redis.Z{
		Score:  float64(readyAt.UnixMicro()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("queuing delivery: %w", err)
	}
	return nil
}

// Claim fetches up to limit ready jobs and removes them from the queue.
// The ZRem acts as the claim: if another worker instance already removed a
// member, it is skipped here.
func (q *Redis) Claim(ctx context.Context, limit int64) ([]domain.DeliveryJob, error) {
	now := float64(time.Now().UnixMicro())

	results, err := q.client.ZRangeByScoreWithScores(ctx, deliveryQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	var jobs []domain.DeliveryJob
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}

		removed, err := q.client.ZRem(ctx, deliveryQueueKey, member).Result()
		if err != nil {
			q.logger.Error("failed to claim delivery job", "error", err)
			continue
		}
		if removed == 0 {
			continue
		}

		var job domain.DeliveryJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("failed to unmarshal delivery job", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Depth returns the number of jobs waiting in the queue, including delayed
// retries not yet ready.
func (q *Redis) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, deliveryQueueKey).Result()
}

// PublishDeliveryEvent pushes a real-time update onto the delivery feed
// channel for the live dashboard.
func (q *Redis) PublishDeliveryEvent(ctx context.Context, ev domain.DeliveryEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling delivery event: %w", err)
	}
	if err := q.client.Publish(ctx, deliveryEventsChannel, data).Err(); err != nil {
		return fmt.Errorf("publishing delivery event: %w", err)
	}
	return nil
}

// DeliveryEvents subscribes to the delivery feed and returns a channel of
// decoded events. The channel closes when ctx is cancelled.
func (q *Redis) DeliveryEvents(ctx context.Context) <-chan domain.DeliveryEvent {
	sub := q.client.Subscribe(ctx, deliveryEventsChannel)
	out := make(chan domain.DeliveryEvent, 64)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.DeliveryEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					q.logger.Error("failed to decode delivery event", "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					q.logger.Warn("delivery feed consumer behind, dropping event")
				}
			}
		}
	}()

	return out
}
