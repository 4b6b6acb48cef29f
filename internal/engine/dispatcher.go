package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/webhook-dispatch/internal/domain"
	"github.com/carebridge/webhook-dispatch/internal/metrics"
)

// DefaultPlatformTag identifies this platform in delivery envelopes.
const DefaultPlatformTag = "carebridge"

// Dispatcher fans an event out to every matching subscriber that passes
// admission: active status, IP whitelist, circuit breaker, rate limiter.
// Skipped subscribers are omitted from the result, never reported as
// errors, and one subscriber's failure does not abort the others.
type Dispatcher struct {
	subscriptions SubscriptionStore
	metricStore   MetricStore
	queue         DeliveryQueue
	breaker       *CircuitBreaker
	limiter       *RateLimiter
	sink          metrics.Sink
	logger        *slog.Logger
	platformTag   string
}

// DispatcherParams bundles the dispatcher's collaborators.
type DispatcherParams struct {
	Subscriptions SubscriptionStore
	Metrics       MetricStore
	Queue         DeliveryQueue
	Breaker       *CircuitBreaker
	Limiter       *RateLimiter
	Sink          metrics.Sink
	Logger        *slog.Logger
	PlatformTag   string
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	if p.Sink == nil {
		p.Sink = metrics.NewNoopSink()
	}
	if p.PlatformTag == "" {
		p.PlatformTag = DefaultPlatformTag
	}
	return &Dispatcher{
		subscriptions: p.Subscriptions,
		metricStore:   p.Metrics,
		queue:         p.Queue,
		breaker:       p.Breaker,
		limiter:       p.Limiter,
		sink:          p.Sink,
		logger:        p.Logger,
		platformTag:   p.PlatformTag,
	}
}

// DispatchOptions carries optional per-call dispatch context.
type DispatchOptions struct {
	// SourceIP is checked against each subscriber's IP whitelist.
	SourceIP string
}

// QueuedDelivery identifies one delivery admitted to the queue.
type QueuedDelivery struct {
	SubscriptionID string `json:"subscription_id"`
	DeliveryID     string `json:"delivery_id"`
	Status         string `json:"status"`
}

// DispatchResult summarizes a fan-out.
type DispatchResult struct {
	EventType     string           `json:"event_type"`
	DispatchCount int              `json:"dispatch_count"`
	Deliveries    []QueuedDelivery `json:"deliveries"`
}

// Dispatch fans eventType out to all matching active subscribers.
// Subscribers are processed concurrently; the result lists only the
// deliveries that were actually queued.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload json.RawMessage, opts DispatchOptions) (*DispatchResult, error) {
	if !IsSupportedEventType(eventType) {
		return nil, &ValidationError{Field: "event_type", Reason: fmt.Sprintf("unsupported event type %q", eventType)}
	}

	d.sink.EventReceived(eventType)

	subs, err := d.subscriptions.ListSubscriptionsForEvent(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding subscribers for %s: %w", eventType, err)
	}

	result := &DispatchResult{EventType: eventType, Deliveries: []QueuedDelivery{}}
	if len(subs) == 0 {
		d.logger.Info("no matching subscribers", "event_type", eventType)
		return result, nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, sub := range subs {
		wg.Add(1)
		go func(sub domain.Subscription) {
			defer wg.Done()

			delivery, queued := d.dispatchOne(ctx, sub, eventType, payload, opts)
			if !queued {
				return
			}
			mu.Lock()
			result.Deliveries = append(result.Deliveries, delivery)
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	result.DispatchCount = len(result.Deliveries)

	d.logger.Info("fan-out complete",
		"event_type", eventType,
		"subscribers", len(subs),
		"deliveries_queued", result.DispatchCount,
	)

	return result, nil
}

// dispatchOne runs the admission checks for one subscriber and queues
// the delivery when all of them pass.
func (d *Dispatcher) dispatchOne(ctx context.Context, sub domain.Subscription, eventType string, payload json.RawMessage, opts DispatchOptions) (QueuedDelivery, bool) {
	if !sub.IsActive() {
		d.sink.DispatchSkipped(metrics.SkipInactive)
		return QueuedDelivery{}, false
	}

	if !ipAllowed(sub.Config.IPWhitelist, opts.SourceIP) {
		d.sink.DispatchSkipped(metrics.SkipIPBlocked)
		d.logger.Info("dispatch skipped: source IP not whitelisted",
			"subscription_id", sub.ID,
			"source_ip", opts.SourceIP,
		)
		return QueuedDelivery{}, false
	}

	if d.breaker.IsOpen(ctx, sub.ID) {
		d.sink.DispatchSkipped(metrics.SkipCircuitOpen)
		d.logger.Info("dispatch skipped: circuit open", "subscription_id", sub.ID)
		return QueuedDelivery{}, false
	}

	if !d.limiter.TryAdmit(ctx, sub.ID) {
		d.sink.DispatchSkipped(metrics.SkipRateLimited)
		d.logger.Info("dispatch skipped: rate limited", "subscription_id", sub.ID)
		return QueuedDelivery{}, false
	}

	deliveryID := uuid.NewString()

	envelope := domain.Envelope{
		Event: eventType,
		Data:  payload,
		Meta: domain.EnvelopeMeta{
			DeliveryID: deliveryID,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Platform:   d.platformTag,
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error("failed to marshal envelope", "error", err, "subscription_id", sub.ID)
		return QueuedDelivery{}, false
	}

	job := domain.DeliveryJob{
		DeliveryID:     deliveryID,
		SubscriptionID: sub.ID,
		EndpointURL:    sub.URL,
		EventType:      eventType,
		Payload:        body,
		SigningKey:     sub.SigningKeyHash,
		TimeoutMs:      sub.Config.TimeoutMs,
		MaxRetries:     sub.Config.MaxRetries,
		SSLVerify:      sub.Config.SSLVerify,
		Attempt:        1,
	}

	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.sink.DispatchSkipped(metrics.SkipEnqueueFailed)
		d.logger.Error("failed to enqueue delivery",
			"error", err,
			"subscription_id", sub.ID,
			"delivery_id", deliveryID,
		)
		return QueuedDelivery{}, false
	}

	d.sink.DeliveryQueued(eventType)

	metric := domain.DeliveryMetric{
		SubscriptionID: sub.ID,
		Type:           domain.MetricDispatch,
		DeliveryID:     deliveryID,
	}
	if err := d.metricStore.InsertMetric(ctx, metric); err != nil {
		// The job is already queued; the dispatch row is lost, not the delivery.
		d.logger.Error("failed to record dispatch metric", "error", err, "delivery_id", deliveryID)
	}

	return QueuedDelivery{
		SubscriptionID: sub.ID,
		DeliveryID:     deliveryID,
		Status:         "queued",
	}, true
}

// ipAllowed checks sourceIP against a whitelist of exact IPs and CIDR
// ranges. An empty whitelist admits everything.
func ipAllowed(whitelist []string, sourceIP string) bool {
	if len(whitelist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(sourceIP)
	if err != nil {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowed, err := netip.ParseAddr(entry)
		if err == nil && allowed == addr {
			return true
		}
	}
	return false
}
