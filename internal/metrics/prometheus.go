package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	eventsReceivedTotal *prometheus.CounterVec
	deliveriesQueued    *prometheus.CounterVec
	dispatchSkipsTotal  *prometheus.CounterVec
	circuitTripsTotal   prometheus.Counter
	attemptsTotal       *prometheus.CounterVec
	outcomesTotal       *prometheus.CounterVec
	endpointDuration    prometheus.Histogram
	retryAttemptsTotal  *prometheus.CounterVec
	queueDepth          prometheus.Gauge
}

// NewPrometheusSink creates a Prometheus metrics sink. Collectors that fail
// to register still function; their samples are simply never exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initDispatchMetrics(reg)
	s.initDeliveryMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatchMetrics(reg prometheus.Registerer) {
	s.eventsReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhookdispatch_events_received_total",
		Help: "Total platform events accepted for fan-out.",
	}, []string{"event_type"})

	s.deliveriesQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhookdispatch_deliveries_queued_total",
		Help: "Total deliveries admitted to the queue.",
	}, []string{"event_type"})

	s.dispatchSkipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhookdispatch_dispatch_skips_total",
		Help: "Total subscribers skipped during fan-out, by reason.",
	}, []string{"reason"})

	s.circuitTripsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhookdispatch_circuit_trips_total",
		Help: "Total circuit breaker trips.",
	})

	s.register(reg, s.eventsReceivedTotal, "webhookdispatch_events_received_total")
	s.register(reg, s.deliveriesQueued, "webhookdispatch_deliveries_queued_total")
	s.register(reg, s.dispatchSkipsTotal, "webhookdispatch_dispatch_skips_total")
	s.register(reg, s.circuitTripsTotal, "webhookdispatch_circuit_trips_total")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhookdispatch_delivery_attempts_total",
		Help: "Total webhook delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhookdispatch_delivery_outcomes_total",
		Help: "Total terminal delivery outcomes.",
	}, []string{"outcome"})

	s.endpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhookdispatch_endpoint_duration_seconds",
		Help:    "Webhook request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhookdispatch_retry_attempts_total",
		Help: "Total retry attempts (excludes first attempt).",
	}, []string{"retryable"})

	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhookdispatch_queue_depth",
		Help: "Number of deliveries currently waiting in the queue.",
	})

	s.register(reg, s.attemptsTotal, "webhookdispatch_delivery_attempts_total")
	s.register(reg, s.outcomesTotal, "webhookdispatch_delivery_outcomes_total")
	s.register(reg, s.endpointDuration, "webhookdispatch_endpoint_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "webhookdispatch_retry_attempts_total")
	s.register(reg, s.queueDepth, "webhookdispatch_queue_depth")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("failed to register metric", "name", name, "error", err)
	}
}

func (s *PrometheusSink) EventReceived(eventType string) {
	s.eventsReceivedTotal.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) DeliveryQueued(eventType string) {
	s.deliveriesQueued.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) DispatchSkipped(reason string) {
	s.dispatchSkipsTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) CircuitTripped() {
	s.circuitTripsTotal.Inc()
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.attemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.endpointDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.outcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	label := "false"
	if retryable {
		label = "true"
	}
	s.retryAttemptsTotal.WithLabelValues(label).Inc()
}

func (s *PrometheusSink) QueueDepthUpdate(depth int64) {
	s.queueDepth.Set(float64(depth))
}
