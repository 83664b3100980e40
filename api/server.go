/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/guilds/{gid}/members/{uid}/*   Sessions, snapshots, histories
  /api/guilds/{gid}/*                 Economy operations
  /api/guilds/{gid}/admin/*           Adjustments, reconcile, rate refresh
  /api/admin/*                        Process-wide operations
  /metrics                            Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/guilds/{gid}", func(r chi.Router) {
			// Member routes
			r.Route("/members/{uid}", func(r chi.Router) {
				r.Get("/", h.GetMember)
				r.Get("/transactions", h.GetTransactions)
				r.Get("/sessions", h.GetSessionHistory)

				r.Route("/session", func(r chi.Router) {
					r.Get("/", h.GetSession)
					r.Post("/start", h.StartSession)
					r.Post("/tick", h.TickSession)
					r.Post("/close", h.CloseSession)
				})
			})

			// Economy routes
			r.Post("/transfers", h.Transfer)
			r.Post("/purchases", h.Purchase)
			r.Post("/refunds", h.Refund)
			r.Post("/tasks", h.RewardTasks)

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Post("/adjustments", h.AdminAdjust)
				r.Post("/reconcile", h.Reconcile)
				r.Post("/rates/refresh", h.RefreshRates)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	// Metrics
	if h.Metrics != nil {
		r.Method("GET", "/metrics", h.Metrics.Handler())
	}

	return r
}
