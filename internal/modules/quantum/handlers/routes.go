package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all quantum routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/quantum", func(r chi.Router) {
		r.Post("/circuit", h.HandleCircuit)
		r.Post("/sample", h.HandleSample)
		r.Post("/expectation", h.HandleExpectation)
	})
}
