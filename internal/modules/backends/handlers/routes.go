package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all backend routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/backends", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/recommend", h.HandleRecommend)
		r.Post("/refresh", h.HandleRefresh)
	})
}
