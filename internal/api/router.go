package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carebridge/webhook-dispatch/internal/engine"
	ws "github.com/carebridge/webhook-dispatch/internal/websocket"
)

// Store is the full persistence surface the API needs. Both
// *store.PostgresStore and *store.MemoryStore satisfy it.
type Store interface {
	SubscriptionStore
	MetricLister
	DeadLetterStore
	DashboardStore
}

// RouterConfig bundles the router's collaborators. Hub and Metrics are
// optional; their routes are omitted when nil.
type RouterConfig struct {
	Store      Store
	Registry   *engine.Registry
	Dispatcher *engine.Dispatcher
	Monitor    *engine.HealthMonitor
	Queue      QueueStats
	Hub        *ws.Hub
	Metrics    http.Handler
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for dashboard
	r.Use(corsMiddleware)

	// Handlers
	subHandler := NewSubscriptionHandler(cfg.Store, cfg.Registry, cfg.Monitor)
	eventHandler := NewEventHandler(cfg.Dispatcher)
	deliveryHandler := NewDeliveryHandler(cfg.Store)
	dlqHandler := NewDeadLetterHandler(cfg.Store)
	dashHandler := NewDashboardHandler(cfg.Store, cfg.Queue, cfg.Monitor, cfg.Hub)

	// WebSocket endpoint for the live delivery feed
	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.HandleWebSocket)
	}

	// Prometheus scrape endpoint
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())
		r.Get("/event-types", ListEventTypes())

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Register)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Post("/{id}/suspend", subHandler.Suspend)
			r.Post("/{id}/resume", subHandler.Resume)
			r.Get("/{id}/health", subHandler.Health)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", eventHandler.Dispatch)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Get("/{id}", dlqHandler.Get)
			r.Post("/{id}/resolve", dlqHandler.Resolve)
		})

		r.Get("/dashboard", dashHandler.Metrics)
		r.Get("/subscriptions-health", dashHandler.SubscriptionHealth)
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
