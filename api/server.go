/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

ROUTER: chi, for the same reasons as ever - lightweight, context-based,
  RESTful route patterns.

MIDDLEWARE STACK:
  1. Logger:     request logging
  2. Recoverer:  panic recovery (500 instead of crash)
  3. RequestID:  unique ID per request for tracing
  4. CORS:       cross-origin requests for frontend
  5. Auth:       JWT bearer verification, scoped to everything under /api/v1

ROUTE GROUPS (under /api/v1):
  /laboratories            Laboratory registry
  /rebate/templates        Reusable vendor-family grids
  /rebate/agreements       LaboratoryAgreement CRUD + versioning lifecycle
  /invoices-labo           Invoice ingestion, verification, rebate schedule
  /emac                    EMAC declarations and reconciliation
  /scenarios               Demo data loaders (dev/test convenience)

SEE ALSO:
  - handlers*.go: handler implementations
  - middleware_auth.go: AuthMiddleware
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, jwtSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Route("/laboratories", func(r chi.Router) {
			r.Get("/", h.ListLaboratories)
			r.Post("/", h.CreateLaboratory)
		})

		r.Route("/rebate/templates", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Post("/", h.CreateTemplate)
			r.Get("/{id}", h.GetTemplate)
		})

		r.Route("/rebate/agreements", func(r chi.Router) {
			r.Post("/", h.CreateAgreement)
			r.Get("/{id}", h.GetAgreement)
			r.Get("/{id}/history", h.AgreementHistory)
			r.Post("/{id}/activate", h.ActivateAgreement)
			r.Post("/{id}/version", h.CreateAgreementVersion)
			r.Get("/active/{labID}", h.GetActiveAgreement)
		})

		r.Route("/invoices-labo", func(r chi.Router) {
			r.Post("/upload", h.UploadInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/verify", h.VerifyInvoice)
			r.Get("/{id}/anomalies", h.ListInvoiceAnomalies)
			r.Post("/{id}/schedule", h.ComputeSchedule)
			r.Get("/{id}/schedule", h.GetSchedule)
			r.Post("/{id}/schedule/receive", h.ReceiveSchedule)
		})

		r.Route("/emac", func(r chi.Router) {
			r.Post("/", h.CreateEMAC)
			r.Get("/", h.ListEMACs)
			r.Get("/missing", h.DetectMissingEMACs)
			r.Post("/{id}/verify", h.VerifyEMAC)
			r.Get("/{id}/anomalies", h.ListEMACAnomalies)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
