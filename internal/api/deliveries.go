package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/carebridge/webhook-dispatch/internal/domain"
)

// MetricLister reads the delivery metric log.
type MetricLister interface {
	ListMetrics(ctx context.Context, subscriptionID, metricType string, limit int) ([]domain.DeliveryMetric, error)
}

type DeliveryHandler struct {
	store MetricLister
}

func NewDeliveryHandler(store MetricLister) *DeliveryHandler {
	return &DeliveryHandler{store: store}
}

// List returns recent delivery metric rows, newest first. Filterable by
// subscription_id and type (dispatch, success, failure).
func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.URL.Query().Get("subscription_id")
	metricType := r.URL.Query().Get("type")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := h.store.ListMetrics(r.Context(), subscriptionID, metricType, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, rows)
}
