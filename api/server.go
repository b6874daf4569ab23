/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the bursar frontend

ROUTE GROUPS:
  /api/invoices/*       Invoice ledger
  /api/bulk-invoices/*  Batch invoicing
  /api/payments/*       Payment ledger and refund creation
  /api/refunds/*        Refund lifecycle
  /api/students/*       Allocation runs
  /api/admin/*          Admin operations
  /api/summary          Financial summary
  /api/fee-items        Fee catalog
  /api/health           Liveness

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

// NewRouter creates a new router with all routes configured. An empty
// origins list allows any origin.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorName},
		AllowCredentials: !allowsAll(origins),
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/summary", h.GetSummary)
		r.Get("/fee-items", h.ListFeeItems)

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/", h.CreateInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Put("/{id}", h.UpdateInvoice)
			r.Post("/{id}/cancel", h.CancelInvoice)
			r.Post("/{id}/activate", h.ActivateInvoice)
			r.Post("/{id}/issue", h.IssueInvoice)
		})

		r.Route("/bulk-invoices", func(r chi.Router) {
			r.Get("/", h.ListBulkInvoices)
			r.Post("/", h.CreateBulkInvoice)
			r.Get("/{id}", h.GetBulkInvoice)
			r.Post("/{id}/cancel", h.CancelBulkInvoice)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.CreatePayment)
			r.Post("/pending", h.CreatePendingPayment)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/approve", h.ApprovePayment)
			r.Post("/{id}/fail", h.FailPayment)
			r.Post("/{id}/reverse", h.ReversePayment)
			r.Post("/{id}/refunds", h.CreateRefund)
		})

		r.Route("/refunds", func(r chi.Router) {
			r.Post("/{id}/complete", h.CompleteRefund)
			r.Post("/{id}/cancel", h.CancelRefund)
			r.Post("/{id}/fail", h.FailRefund)
		})

		r.Post("/students/{id}/allocate", h.AllocateStudent)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/refresh-statuses", h.RefreshStatuses)
		})
	})

	return r
}

func allowsAll(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
