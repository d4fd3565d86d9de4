/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/orders/*   Order lifecycle
  /api/events/*   Catalog and attendee report
  /api/users/*    Point balances
  /api/admin/*    Point grants
  /api/health     Liveness

SECURITY NOTE:
  Identity comes from gateway-injected headers; see identity.go. There
  is no authentication middleware in this service.

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-User-Role"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/", h.ListOrders)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/payment-proof", h.SubmitPaymentProof)
			r.Post("/{id}/approve", h.ApproveOrder)
			r.Post("/{id}/reject", h.RejectOrder)
			r.Get("/{id}/tickets", h.ListTickets)
			r.Post("/{id}/resend-tickets", h.ResendTickets)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/{id}", h.GetEvent)
			r.Get("/{id}/attendees", h.ListAttendees)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/{id}/points", h.GetPoints)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/points/grant", h.GrantPoints)
		})

		r.Get("/health", h.Health)
	})

	return r
}
