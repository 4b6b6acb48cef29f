package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/carebridge/webhook-dispatch/internal/domain"
	"github.com/carebridge/webhook-dispatch/internal/metrics"
)

// JobSource is the queue side the consumer drains. Claim must remove the
// returned jobs so concurrent consumer instances never double-deliver.
type JobSource interface {
	Claim(ctx context.Context, limit int64) ([]domain.DeliveryJob, error)
	Depth(ctx context.Context) (int64, error)
}

// Consumer continuously polls the delivery queue and feeds ready jobs to the
// worker pool. It also reports queue depth on a slower cadence.
type Consumer struct {
	source        JobSource
	pool          *Pool
	sink          metrics.Sink
	logger        *slog.Logger
	pollInterval  time.Duration
	depthInterval time.Duration
	batchSize     int64
}

// NewConsumer creates a consumer that drains the given source.
func NewConsumer(source JobSource, pool *Pool, sink metrics.Sink, logger *slog.Logger) *Consumer {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Consumer{
		source:        source,
		pool:          pool,
		sink:          sink,
		logger:        logger,
		pollInterval:  100 * time.Millisecond,
		depthInterval: 5 * time.Second,
		batchSize:     10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("queue consumer started")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	depthTicker := time.NewTicker(c.depthInterval)
	defer depthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("queue consumer stopping")
			return
		case <-ticker.C:
			c.poll(ctx)
		case <-depthTicker.C:
			c.reportDepth(ctx)
		}
	}
}

// poll claims a batch of ready jobs and hands them to the workers.
func (c *Consumer) poll(ctx context.Context) {
	jobs, err := c.source.Claim(ctx, c.batchSize)
	if err != nil {
		c.logger.Error("failed to poll delivery queue", "error", err)
		return
	}

	for _, job := range jobs {
		c.pool.Submit(job)
	}
}

func (c *Consumer) reportDepth(ctx context.Context) {
	depth, err := c.source.Depth(ctx)
	if err != nil {
		c.logger.Error("failed to read queue depth", "error", err)
		return
	}
	c.sink.QueueDepthUpdate(depth)
}
