// Package api exposes the HTTP interface of the capture service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/artifact"
	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/logging"
	"github.com/JakeFAU/capture-service/internal/metrics"
	"github.com/JakeFAU/capture-service/internal/probe"
	"github.com/JakeFAU/capture-service/internal/ratelimit"
)

// Prober validates candidate capture URLs.
type Prober interface {
	Probe(ctx context.Context, raw string) probe.Outcome
}

// Deps are the collaborators behind the HTTP handlers.
type Deps struct {
	Store     capture.Store
	Prober    Prober
	Artifacts *artifact.Service
	IDGen     capture.IDGenerator
	Clock     capture.Clock
	Limiter   *ratelimit.Limiter
}

// Server wires HTTP handlers to the capture store, prober, and artifact service.
type Server struct {
	router chi.Router
	deps   Deps
	api    config.APIConfig
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, auth config.AuthConfig, apiCfg config.APIConfig, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		api:    apiCfg,
		logger: logging.OrNop(logger).Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		r.Use(accessKeyMiddleware(auth))
		r.Post("/capture", s.submitCapture)
		r.Get("/capture/{id_capture}", s.getCapture)
		r.Post("/validate", s.validate)
	})

	r.Get("/artifact/{id_capture}/{filename}", s.getArtifact)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) projection() capture.ProjectionOptions {
	return capture.ProjectionOptions{
		APIDomain:     s.api.Domain,
		ExposeLogs:    s.api.ExposeLogs,
		ExposeSummary: s.api.ExposeSummary,
	}
}
