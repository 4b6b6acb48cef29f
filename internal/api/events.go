package api

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/carebridge/webhook-dispatch/internal/engine"
)

type EventHandler struct {
	dispatcher *engine.Dispatcher
}

func NewEventHandler(dispatcher *engine.Dispatcher) *EventHandler {
	return &EventHandler{dispatcher: dispatcher}
}

type dispatchRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// Dispatch fans an event out to all matching subscribers. Deliveries are
// queued, not executed inline, so the response is 202 with the per-subscriber
// admission results.
func (h *EventHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if len(req.Data) == 0 {
		respondError(w, http.StatusBadRequest, "data is required")
		return
	}
	if !json.Valid(req.Data) {
		respondError(w, http.StatusBadRequest, "data must be valid JSON")
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), req.EventType, req.Data, engine.DispatchOptions{
		SourceIP: clientIP(r),
	})
	if err != nil {
		respondEngineError(w, err, "failed to dispatch event")
		return
	}

	respondJSON(w, http.StatusAccepted, result)
}

// ListEventTypes returns the platform's supported event catalogue.
func ListEventTypes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string][]string{
			"event_types": engine.SupportedEventTypes,
		})
	}
}

// clientIP extracts the caller address for IP whitelist checks. The RealIP
// middleware has already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
