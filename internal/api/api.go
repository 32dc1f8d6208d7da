// SPDX-License-Identifier: MIT

// Package api is the daemon's ops HTTP surface: health probes, metrics
// and the thin REST contract the UI polls. Handlers read through the
// data index and the settings stores; mutations go through the
// scheduler's trigger methods so the ops surface never races the
// check loop.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/checkarr/checkarr/internal/changelog"
	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/deadtrack"
	"github.com/checkarr/checkarr/internal/health"
	"github.com/checkarr/checkarr/internal/history"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/queue"
	"github.com/checkarr/checkarr/internal/udi"
)

// Rate limits for the /api subtree. Triggers are expensive upstream;
// they get a much tighter budget than the polling endpoints.
const (
	pollRequestsPerMinute    = 240
	triggerRequestsPerMinute = 12
)

// Control is the slice of the scheduler the ops surface drives.
type Control interface {
	TriggerPlaylistCycle()
	TriggerGlobalAction()
	GlobalActionActive() bool
	CheckSingleChannel(ctx context.Context, channelID int) (changelog.ChannelCheck, error)
}

// Deps wires the ops surface to the rest of the daemon. History may be
// nil when the probe ledger is disabled.
type Deps struct {
	Health     *health.Manager
	Index      *udi.Index
	Queue      *queue.Queue
	Dead       *deadtrack.Tracker
	Control    Control
	Settings   *config.CheckerStore
	Automation *config.AutomationStore
	Progress   *changelog.Progress
	Changelog  *changelog.Log
	History    *history.Store
}

// Server serves the ops API.
type Server struct {
	deps   Deps
	logger zerolog.Logger
}

// New builds a Server.
func New(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}
}

// Handler builds the router with the canonical middleware stack:
// recoverer, request id, security headers, metrics, logging, then
// per-subtree rate limits. Tracing wraps the whole mux so the noop
// provider costs nothing when telemetry is off.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(securityHeaders)
	r.Use(instrument)
	r.Use(log.Middleware())

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(pollRequestsPerMinute, time.Minute))

		r.Get("/status", s.handleStatus)
		r.Get("/progress", s.handleProgress)
		r.Get("/changelog", s.handleChangelog)
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Get("/queue", s.handleQueue)
		r.Post("/queue/clear", s.handleQueueClear)
		r.Get("/dead", s.handleDead)
		r.Delete("/dead", s.handleDeadClear)
		r.Get("/history", s.handleHistory)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(triggerRequestsPerMinute, time.Minute))
			r.Post("/check/channel/{id}", s.handleCheckChannel)
			r.Post("/check/all", s.handleCheckAll)
			r.Post("/playlist/refresh", s.handlePlaylistRefresh)
		})
	})

	return otelhttp.NewHandler(r, "checkarr.api")
}
