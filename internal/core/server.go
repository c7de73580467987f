// Package core provides the HTTP chassis for the BillFetch trigger surface:
// a chi router with the cross-cutting middleware chain (panic recovery,
// request timeout, correlation IDs, structured request logging) applied
// before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billfetch/internal/config"
)

// Pinger reports backing-store liveness for the health endpoint. Satisfied
// by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouteRegistrar mounts a group of domain routes onto the v1 router. The
// indirection keeps core free of handler imports.
type RouteRegistrar func(r chi.Router)

// Server bundles the router and its cross-cutting dependencies.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	DB        Pinger

	// V1RouteRegistrars is populated by the application entry point before
	// MountRoutes is called.
	V1RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer initializes the chassis. Fails fast on missing dependencies.
func NewServer(cfg *config.Config, db Pinger, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		DB:        db,
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the v1 API group, and
// the health endpoint. Middleware order matters: Recoverer is outermost so
// it catches everything, then the timeout, then correlation, then logging.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.Config.Server.RequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}

// HandleHealth reports process and database liveness. Returns 200 when the
// database answers a ping, 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK

	if s.DB != nil {
		if err := s.DB.Ping(r.Context()); err != nil {
			s.Logger.Error("health check database ping failed", "error", err)
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	JSON(w, r, httpStatus, map[string]string{
		"status":      status,
		"service":     s.Config.Service,
		"environment": s.Config.Environment,
	})
}
