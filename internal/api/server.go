// Package api provides the backup management REST API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/vmbackup/internal/api/handler"
	mw "github.com/edvin/vmbackup/internal/api/middleware"
	"github.com/edvin/vmbackup/internal/core"
	"github.com/edvin/vmbackup/internal/scheduler"
)

type Server struct {
	router chi.Router
	logger zerolog.Logger
	orch   *core.Orchestrator
	sched  *scheduler.Scheduler

	backendName string
}

func NewServer(logger zerolog.Logger, orch *core.Orchestrator, sched *scheduler.Scheduler, backendName string) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger,
		orch:        orch,
		sched:       sched,
		backendName: backendName,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		backup := handler.NewBackup(s.orch)
		r.Post("/backups", backup.Create)
		r.Get("/backups", backup.List)
		r.Get("/backups/{id}", backup.Get)
		r.Post("/backups/{id}/restore", backup.Restore)
		r.Delete("/backups/{id}", backup.Delete)

		operation := handler.NewOperation(s.orch)
		r.Get("/operations", operation.List)
		r.Get("/operations/{id}", operation.Get)

		var jobs handler.Jobs
		if s.sched != nil {
			jobs = s.sched
		}
		status := handler.NewStatus(s.orch, jobs, s.backendName)
		r.Get("/status", status.Status)
		r.Get("/metrics", status.Metrics)
		r.Get("/health", status.Health)
		r.Get("/schedules", status.Schedules)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h := s.orch.Health(r.Context()); !h.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
