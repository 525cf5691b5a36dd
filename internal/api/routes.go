package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Sessions
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.HandleListSessions)
		r.Route("/{udid}", func(r chi.Router) {
			r.Get("/", s.HandleGetSession)
			r.Delete("/", s.HandleStopSession)
			r.Post("/settings", s.HandleUpdateSettings)
		})
	})

	// Operator control channel
	r.Get("/devices/{udid}/control", s.HandleControl)

	// Events
	r.Route("/events", func(r chi.Router) {
		r.Get("/", s.HandleListEvents)
	})
}
