// Package api implements the Kinect notification HTTP API using chi.
package api

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"kinect/shared/reminders"
)

// Notifier is the part of the reminder engine the API drives.
type Notifier interface {
	RunForAllUsers(ctx context.Context, now time.Time) (reminders.RunSummary, error)
	RunForUser(ctx context.Context, userID int64, now time.Time) (reminders.UserResult, error)
	Stats(ctx context.Context, userID int64, now time.Time) (reminders.Stats, error)
}

// Trigger is the daily scheduler. When set, manual batch runs go through it
// so they show up in its run history.
type Trigger interface {
	RunNow(ctx context.Context) (reminders.RunSummary, error)
	LastRun() (reminders.RunSummary, bool)
	Next() time.Time
	IsRunning() bool
}

var (
	_ Notifier = (*reminders.Engine)(nil)
	_ Trigger  = (*reminders.Scheduler)(nil)
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	AdminToken string
	// TriggerTimeout bounds a batch run started over HTTP when the request
	// does not set its own.
	TriggerTimeout time.Duration
	// Trigger is nil when the daily schedule is disabled.
	Trigger Trigger
	// Checks are pinged by /readyz, keyed by name.
	Checks   map[string]Pinger
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	Clock    func() time.Time
}

// NewRouter builds the HTTP handler tree.
func NewRouter(engine Notifier, opts Options) chi.Router {
	h := newHandler(engine, opts)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/notifications", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(opts.AdminToken))
			r.Post("/trigger-daily", h.triggerDaily)
			r.Get("/schedule", h.schedule)
		})
		r.Group(func(r chi.Router) {
			r.Use(UserIdentity)
			r.Post("/test", h.sendTest)
			r.Get("/stats", h.stats)
		})
	})

	return r
}
