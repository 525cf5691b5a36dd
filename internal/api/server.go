// Package api exposes the gateway's HTTP surface: session introspection and
// the operator control websocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/config"
	"github.com/devicelab-server/devicelab-gateway/internal/session"
	"github.com/devicelab-server/devicelab-gateway/internal/storage"
	"github.com/devicelab-server/devicelab-gateway/internal/validation"
)

// RESTServer represents the gateway HTTP server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	registry  *session.Registry
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates the gateway HTTP server
func NewRESTServer(cfg *config.Config, store storage.Store, registry *session.Registry) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     store,
		registry:  registry,
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams outlive any fixed write deadline
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("starting gateway API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
