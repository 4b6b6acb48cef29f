package api

import (
	"context"
	"net/http"

	"github.com/carebridge/webhook-dispatch/internal/domain"
	"github.com/carebridge/webhook-dispatch/internal/engine"
	"github.com/carebridge/webhook-dispatch/internal/store"
	ws "github.com/carebridge/webhook-dispatch/internal/websocket"
)

// DashboardStore supplies the aggregate counters behind the ops dashboard.
type DashboardStore interface {
	GetDashboardMetrics(ctx context.Context) (*store.DashboardMetrics, error)
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
}

// QueueStats exposes the delivery queue's current depth.
type QueueStats interface {
	Depth(ctx context.Context) (int64, error)
}

type DashboardHandler struct {
	store   DashboardStore
	queue   QueueStats
	monitor *engine.HealthMonitor
	hub     *ws.Hub
}

func NewDashboardHandler(store DashboardStore, queue QueueStats, monitor *engine.HealthMonitor, hub *ws.Hub) *DashboardHandler {
	return &DashboardHandler{store: store, queue: queue, monitor: monitor, hub: hub}
}

// Metrics returns aggregated system counters for the dashboard.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	agg, err := h.store.GetDashboardMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	var queueDepth int64
	if h.queue != nil {
		if depth, err := h.queue.Depth(r.Context()); err == nil {
			queueDepth = depth
		}
	}

	clients := 0
	if h.hub != nil {
		clients = h.hub.ClientCount()
	}

	type metricsResponse struct {
		store.DashboardMetrics
		QueueDepth       int64 `json:"queue_depth"`
		WebSocketClients int   `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		DashboardMetrics: *agg,
		QueueDepth:       queueDepth,
		WebSocketClients: clients,
	})
}

// SubscriptionHealth evaluates every subscription and returns the snapshots.
// Subscriptions whose evaluation fails are left out rather than failing the
// whole request.
func (h *DashboardHandler) SubscriptionHealth(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	snapshots := make([]domain.HealthSnapshot, 0, len(subs))
	for _, sub := range subs {
		snapshot, err := h.monitor.Monitor(r.Context(), sub.ID)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, *snapshot)
	}

	respondJSON(w, http.StatusOK, snapshots)
}
