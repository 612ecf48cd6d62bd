// Package server implements the admin HTTP surface of the leaseq consumer.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	leaseq "github.com/eugener/leaseq/internal"
	"github.com/eugener/leaseq/internal/deadletter"
	"github.com/eugener/leaseq/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// HistoryReader serves recently resolved tasks.
type HistoryReader interface {
	Get(task string) (leaseq.Disposition, bool)
	Recent(limit int) []leaseq.Disposition
	Purge()
}

// DeadletterReader lists stored deadletter rows.
type DeadletterReader interface {
	Get(ctx context.Context, id string) (*deadletter.Record, error)
	List(ctx context.Context, f deadletter.Filter) ([]deadletter.Record, error)
	Count(ctx context.Context) (int, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	History        HistoryReader      // nil = history routes return 404
	Deadletters    DeadletterReader   // nil = deadletter routes return 404
	AdminToken     string             // empty = /v1 routes unauthenticated
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics route
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		if deps.History != nil {
			r.Get("/dispositions", s.handleListDispositions)
			r.Delete("/dispositions", s.handlePurgeDispositions)
			r.Get("/tasks/*", s.handleGetTask)
		}
		if deps.Deadletters != nil {
			r.Get("/deadletters", s.handleListDeadletters)
			r.Get("/deadletters/{id}", s.handleGetDeadletter)
		}
	})

	return r
}

type server struct {
	deps Deps
}
