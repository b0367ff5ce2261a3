package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the HTTP surface.
func NewRouter(h *HTTPHandler, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/approvals", func(r chi.Router) {
			r.Post("/submit", h.Submit)
			r.Post("/resubmit", h.Resubmit)
			r.Post("/decide", h.Decide)
			r.Post("/request-information", h.RequestInformation)
			r.Get("/state", h.GetState)
			r.Get("/pending", h.Pending)
			r.Get("/audit", h.AuditTrail)
		})

		r.Route("/hierarchies", func(r chi.Router) {
			r.Get("/", h.ListHierarchyTypes)
			r.Get("/{approvalType}", h.GetHierarchy)
			r.Put("/{approvalType}", h.ReplaceHierarchy)
		})
	})

	r.Route("/internal/reconciliation", func(r chi.Router) {
		r.Get("/", h.ListReconciliation)
		r.Post("/{requestID}", h.Reconcile)
	})

	return r
}
