package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/carebridge/webhook-dispatch/internal/domain"
	"github.com/carebridge/webhook-dispatch/internal/metrics"
	"github.com/carebridge/webhook-dispatch/internal/store"
)

// Retry backoff ladder. The delay before attempt N is retryBackoff[N-2],
// clamped to the last rung for long retry budgets.
var retryBackoff = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// OutcomeStore persists terminal delivery results.
type OutcomeStore interface {
	InsertMetric(ctx context.Context, m domain.DeliveryMetric) error
	InsertDeadLetter(ctx context.Context, rec store.DeadLetterRecord) error
}

// RetryQueue re-schedules failed jobs for a later attempt.
type RetryQueue interface {
	EnqueueAt(ctx context.Context, job domain.DeliveryJob, readyAt time.Time) error
}

// EventPublisher pushes real-time delivery updates onto the live feed.
// May be nil when no feed is wired.
type EventPublisher interface {
	PublishDeliveryEvent(ctx context.Context, ev domain.DeliveryEvent) error
}

// Deliverer handles the HTTP delivery of webhook payloads to subscriber
// endpoints: it signs the payload, POSTs it, and either records a terminal
// outcome or schedules a retry.
type Deliverer struct {
	client         *http.Client
	insecureClient *http.Client
	outcomes       OutcomeStore
	retries        RetryQueue
	feed           EventPublisher
	sink           metrics.Sink
	logger         *slog.Logger
}

// NewDeliverer creates a deliverer. Request timeouts come from each job's
// configured timeout, so the clients carry none of their own.
func NewDeliverer(outcomes OutcomeStore, retries RetryQueue, feed EventPublisher, sink metrics.Sink, logger *slog.Logger) *Deliverer {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Deliverer{
		client: &http.Client{},
		insecureClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		outcomes: outcomes,
		retries:  retries,
		feed:     feed,
		sink:     sink,
		logger:   logger,
	}
}

// Deliver executes one delivery attempt for the job. A 2xx response is a
// terminal success. Retryable failures (network errors, 5xx, 429) go back on
// the queue with backoff while attempts remain; everything else is a terminal
// failure and lands in the dead letter table.
func (d *Deliverer) Deliver(ctx context.Context, job domain.DeliveryJob) {
	statusCode, elapsed, err := d.attempt(ctx, job)

	code := 0
	if statusCode != nil {
		code = *statusCode
	}
	d.sink.DeliveryAttemptCompleted(job.Attempt, metrics.ClassifyStatus(code, err), elapsed)

	if err == nil && code >= 200 && code < 300 {
		d.recordSuccess(ctx, job, statusCode, elapsed)
		return
	}

	if retryable(statusCode, err) && job.Attempt < job.MaxRetries {
		d.scheduleRetry(ctx, job, statusCode, elapsed, err)
		return
	}

	d.recordFailure(ctx, job, statusCode, elapsed, err)
}

// attempt signs and POSTs the payload, returning the response status code
// (nil if the request never completed) and the round-trip time.
func (d *Deliverer) attempt(ctx context.Context, job domain.DeliveryJob) (*int, time.Duration, error) {
	timeout := time.Duration(job.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	signature := computeHMAC(job.Payload, job.SigningKey)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, job.EndpointURL, bytes.NewReader(job.Payload))
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", job.EventType)
	req.Header.Set("X-Webhook-ID", job.DeliveryID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(job.Attempt))

	client := d.client
	if !job.SSLVerify {
		client = d.insecureClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, err
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return &resp.StatusCode, elapsed, nil
}

// retryable reports whether a failed attempt is worth repeating. Network
// errors and timeouts are transient; on the HTTP side only server errors and
// 429 qualify. Other 4xx responses mean the request itself is bad and no
// retry will fix it.
func retryable(statusCode *int, err error) bool {
	if err != nil || statusCode == nil {
		return true
	}
	return *statusCode >= 500 || *statusCode == http.StatusTooManyRequests
}

func (d *Deliverer) scheduleRetry(ctx context.Context, job domain.DeliveryJob, statusCode *int, elapsed time.Duration, attemptErr error) {
	next := job
	next.Attempt = job.Attempt + 1
	delay := backoffForAttempt(next.Attempt)

	if err := d.retries.EnqueueAt(ctx, next, time.Now().Add(delay)); err != nil {
		d.logger.Error("failed to schedule retry",
			"error", err,
			"delivery_id", job.DeliveryID,
			"subscription_id", job.SubscriptionID,
		)
		// The job would be lost otherwise; close it out as a failure.
		d.recordFailure(ctx, job, statusCode, elapsed, attemptErr)
		return
	}

	d.sink.RetryAttempt(true)
	d.publishFeed(ctx, job, domain.DeliveryRetrying, statusCode, elapsed, attemptErr)

	d.logger.Warn("delivery failed, retry scheduled",
		"delivery_id", job.DeliveryID,
		"subscription_id", job.SubscriptionID,
		"attempt", job.Attempt,
		"next_attempt", next.Attempt,
		"delay", delay.String(),
		"status_code", statusCode,
		"error", errString(attemptErr),
	)
}

func (d *Deliverer) recordSuccess(ctx context.Context, job domain.DeliveryJob, statusCode *int, elapsed time.Duration) {
	latencyMs := int(elapsed.Milliseconds())
	err := d.outcomes.InsertMetric(ctx, domain.DeliveryMetric{
		SubscriptionID: job.SubscriptionID,
		Type:           domain.MetricSuccess,
		LatencyMs:      &latencyMs,
		DeliveryID:     job.DeliveryID,
	})
	if err != nil {
		d.logger.Error("failed to record delivery success",
			"error", err,
			"delivery_id", job.DeliveryID,
			"subscription_id", job.SubscriptionID,
		)
	}

	d.sink.DeliveryOutcome(metrics.OutcomeSuccess)
	d.publishFeed(ctx, job, domain.DeliverySuccess, statusCode, elapsed, nil)

	d.logger.Info("delivery successful",
		"delivery_id", job.DeliveryID,
		"subscription_id", job.SubscriptionID,
		"attempt", job.Attempt,
		"status_code", statusCode,
		"latency_ms", latencyMs,
	)
}

func (d *Deliverer) recordFailure(ctx context.Context, job domain.DeliveryJob, statusCode *int, elapsed time.Duration, attemptErr error) {
	latencyMs := int(elapsed.Milliseconds())
	err := d.outcomes.InsertMetric(ctx, domain.DeliveryMetric{
		SubscriptionID: job.SubscriptionID,
		Type:           domain.MetricFailure,
		LatencyMs:      &latencyMs,
		DeliveryID:     job.DeliveryID,
	})
	if err != nil {
		d.logger.Error("failed to record delivery failure",
			"error", err,
			"delivery_id", job.DeliveryID,
			"subscription_id", job.SubscriptionID,
		)
	}

	err = d.outcomes.InsertDeadLetter(ctx, store.DeadLetterRecord{
		DeliveryID:     job.DeliveryID,
		SubscriptionID: job.SubscriptionID,
		EventType:      job.EventType,
		TotalAttempts:  job.Attempt,
		LastHTTPStatus: statusCode,
		LastError:      errString(attemptErr),
	})
	if err != nil {
		d.logger.Error("failed to record dead letter",
			"error", err,
			"delivery_id", job.DeliveryID,
			"subscription_id", job.SubscriptionID,
		)
	}

	d.sink.DeliveryOutcome(metrics.OutcomeFailed)
	d.publishFeed(ctx, job, domain.DeliveryFailed, statusCode, elapsed, attemptErr)

	d.logger.Warn("delivery failed permanently",
		"delivery_id", job.DeliveryID,
		"subscription_id", job.SubscriptionID,
		"total_attempts", job.Attempt,
		"status_code", statusCode,
		"error", errString(attemptErr),
	)
}

func (d *Deliverer) publishFeed(ctx context.Context, job domain.DeliveryJob, feedType string, statusCode *int, elapsed time.Duration, attemptErr error) {
	if d.feed == nil {
		return
	}
	ev := domain.DeliveryEvent{
		Type:           feedType,
		DeliveryID:     job.DeliveryID,
		SubscriptionID: job.SubscriptionID,
		EndpointURL:    job.EndpointURL,
		EventType:      job.EventType,
		Attempt:        job.Attempt,
		StatusCode:     statusCode,
		LatencyMs:      elapsed.Milliseconds(),
		Error:          errString(attemptErr),
		Timestamp:      time.Now().UTC(),
	}
	if err := d.feed.PublishDeliveryEvent(ctx, ev); err != nil {
		d.logger.Error("failed to publish delivery event",
			"error", err,
			"delivery_id", job.DeliveryID,
		)
	}
}

// backoffForAttempt returns the delay to wait before the given attempt
// number. The first retry is attempt 2.
func backoffForAttempt(attempt int) time.Duration {
	idx := attempt - 2
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	return retryBackoff[idx]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// computeHMAC generates an HMAC-SHA256 signature for the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
