package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentfleet/orchestrator/internal/api/handlers"
	"github.com/agentfleet/orchestrator/internal/api/middleware"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.HealthCheck)
	r.Get("/version", h.Version)
	r.Get("/status", h.Status)

	// Orchestration
	r.Post("/orchestrate", h.Orchestrate)
	r.Post("/direct/{agentName}/{actionName}", h.Direct)

	// Registry introspection & control
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", h.ListAgents)
		r.Get("/{agentName}", h.GetAgent)
	})
	r.Route("/chains", func(r chi.Router) {
		r.Get("/", h.ListChains)
		r.Get("/{chainName}", h.GetChain)
	})
	r.Post("/reload", h.Reload)

	// Drift
	r.Get("/validate-sync", h.ValidateSync)
	r.Post("/repair-drift", h.RepairDrift)

	return r
}
