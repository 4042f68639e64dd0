// Package server exposes the NAS core's admin HTTP surface, grounded on
// the teacher's per-NF chi server (router setup, logging middleware,
// respondJSON/respondError helpers) generalized from session-management
// REST endpoints to read-only operational introspection.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openmme/mme-nas-core/internal/nascontext"
	"github.com/openmme/mme-nas-core/internal/registry"
)

// Server is the admin HTTP server: health, Prometheus metrics, and a
// read-only UE context dump for operators.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    *zap.Logger
	store  *nascontext.Store
	reg    *registry.Registry
}

// New constructs the admin server bound to addr (e.g. ":9096").
func New(addr string, store *nascontext.Store, reg *registry.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		router: chi.NewRouter(),
		log:    log,
		store:  store,
		reg:    reg,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/debug", func(r chi.Router) {
		r.Get("/ue/{id}", s.handleDebugUE)
	})
}

// Start runs the server; it blocks until Stop shuts it down.
func (s *Server) Start() error {
	s.log.Info("starting admin server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping admin server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("admin http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode json response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := map[string]any{"status": status, "title": message}
	if err != nil {
		resp["detail"] = err.Error()
	}
	s.respondJSON(w, status, resp)
}
