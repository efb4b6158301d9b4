package sse

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts GET /events/stream
func RegisterRoutes(r chi.Router, handler *Handler) {
	r.Route("/events", func(r chi.Router) {
		r.Get("/stream", handler.HandleStream)
	})
}
