// Package api exposes the HTTP surface: identity, workflow and execution
// management, audit listing, and the health and metrics endpoints. Handlers
// translate between the wire shapes and the engine and store contracts; all
// policy (tenant scoping, token checks, quotas) lives in the packages they
// call.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"goa.design/clue/health"

	"github.com/fieldline/fieldline/audit"
	"github.com/fieldline/fieldline/auth"
	"github.com/fieldline/fieldline/engine/executor"
	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/fieldline/fieldline/ratelimit"
	"github.com/fieldline/fieldline/store"
)

// StatusFunc reports backing store health for the detailed /health endpoint.
// details is merged into the response body.
type StatusFunc func(ctx context.Context) (healthy bool, details map[string]any)

// Options configures the server.
type Options struct {
	Auth       *auth.Service
	Gate       *auth.Gate
	Workflows  store.WorkflowStore
	Executions store.ExecutionStore
	Engine     *executor.Engine
	Auditor    *audit.Recorder
	AuditLog   audit.Store
	Limiter    *ratelimit.Limiter

	// Pingers back the /ready probe through the clue health checker.
	Pingers []health.Pinger
	// StoreStatus backs the detailed /health endpoint. Optional.
	StoreStatus StatusFunc
	// MetricsHandler serves GET /metrics. Optional.
	MetricsHandler http.Handler

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// RequestTimeout bounds each request. Defaults to 30s.
	RequestTimeout time.Duration
	Version        string
}

// Server is the HTTP handler set.
type Server struct {
	opts    Options
	started time.Time
}

// New constructs the server. Nil logger and metrics are substituted with
// noops.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{opts: opts, started: time.Now()}
}

// Router assembles the route tree with the shared middleware chain.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	r.Use(s.recordMetrics)

	r.Post("/auth/login", s.login)
	r.Post("/auth/refresh", s.refresh)
	r.Group(func(r chi.Router) {
		r.Use(s.opts.Gate.RequireAuth, s.limit("auth"))
		r.Get("/auth/me", s.me)
		r.Post("/auth/switch-tenant", s.switchTenant)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Gate.RequireAuth, s.limit("workflows"))
		r.Get("/workflows", s.listWorkflows)
		r.Post("/workflows", s.createWorkflow)
		r.Get("/workflows/{id}", s.getWorkflow)
		r.Put("/workflows/{id}", s.updateWorkflow)
		r.Delete("/workflows/{id}", s.deleteWorkflow)
		r.Post("/workflows/{id}/execute", s.executeWorkflow)
		r.Get("/workflows/{id}/executions", s.listExecutions)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Gate.RequireAuth, s.limit("executions"))
		r.Get("/executions/{executionId}", s.getExecution)
		r.Post("/executions/{executionId}/signal", s.signalExecution)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Gate.RequireAuth, s.limit("audit"))
		r.Get("/audit-logs", s.listAuditLogs)
	})

	r.Get("/health", s.health)
	r.Get("/ready", s.ready())
	r.Get("/alive", s.alive)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}
	return r
}
