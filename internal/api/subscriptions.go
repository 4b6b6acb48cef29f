package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carebridge/webhook-dispatch/internal/domain"
	"github.com/carebridge/webhook-dispatch/internal/engine"
)

// SubscriptionStore is the persistence surface the subscription handlers
// read from. Both the Postgres store and the in-memory test store satisfy it.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id, status string) (*domain.Subscription, error)
}

type SubscriptionHandler struct {
	store    SubscriptionStore
	registry *engine.Registry
	monitor  *engine.HealthMonitor
}

func NewSubscriptionHandler(store SubscriptionStore, registry *engine.Registry, monitor *engine.HealthMonitor) *SubscriptionHandler {
	return &SubscriptionHandler{store: store, registry: registry, monitor: monitor}
}

// Register creates a subscription. The response carries the plaintext
// signing secret exactly once; only its hash is stored.
func (h *SubscriptionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req engine.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reg, err := h.registry.Register(r.Context(), req)
	if err != nil {
		respondEngineError(w, err, "failed to register subscription")
		return
	}

	respondJSON(w, http.StatusCreated, reg)
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// Suspend pauses dispatch to the subscription. Suspended subscribers are
// skipped during fan-out; nothing is deleted.
func (h *SubscriptionHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.SubscriptionSuspended)
}

// Resume re-activates a suspended subscription.
func (h *SubscriptionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.SubscriptionActive)
}

func (h *SubscriptionHandler) setStatus(w http.ResponseWriter, r *http.Request, status string) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.UpdateSubscriptionStatus(r.Context(), id, status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// Health evaluates the subscription's recent delivery record on demand. The
// evaluation can trip the circuit breaker when the score has collapsed.
func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snapshot, err := h.monitor.Monitor(r.Context(), id)
	if err != nil {
		respondEngineError(w, err, "failed to evaluate subscription health")
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}
