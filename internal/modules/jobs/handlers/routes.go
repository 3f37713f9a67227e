package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all job routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.HandleSubmit)
		r.Get("/", h.HandleList)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleStatus)
			r.Delete("/", h.HandleDelete)
			r.Get("/result", h.HandleResult)
			r.Post("/cancel", h.HandleCancel)
			r.Get("/stream", h.HandleStream)
		})
	})
}
