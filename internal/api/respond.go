package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/carebridge/webhook-dispatch/internal/engine"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondEngineError maps engine errors onto HTTP statuses: validation
// failures are the caller's fault, unknown subscriptions are 404, anything
// else is reported as the fallback message without leaking internals.
func respondEngineError(w http.ResponseWriter, err error, fallback string) {
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		respondError(w, http.StatusBadRequest, verr.Error())
		return
	}
	if errors.Is(err, engine.ErrSubscriptionNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, fallback)
}
