// SPDX-License-Identifier: MIT

// Package health backs the daemon's liveness and readiness probes.
// Liveness always reports 200 while the process runs; readiness turns
// red when the aggregator is unreachable, the data index snapshot goes
// stale or the queue worker stops draining.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/checkarr/checkarr/internal/log"
)

// Status grades one component or the daemon as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one named component check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs the registered checkers and serves the probe endpoints.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a manager reporting the given daemon version.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// Register adds a checker. Not safe to call once the server runs.
func (m *Manager) Register(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Health performs a liveness check. Component results are included only
// when verbose is set; the status still reflects them either way.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if !verbose || len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult)
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		resp.Checks[checker.Name()] = result
		resp.Status = worse(resp.Status, result.Status)
	}
	return resp
}

// Ready performs a readiness check. Any unhealthy component makes the
// daemon not ready; degraded components keep it ready but flagged.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult)
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		resp.Checks[checker.Name()] = result
		resp.Status = worse(resp.Status, result.Status)
		if result.Status == StatusUnhealthy {
			resp.Ready = false
		}
	}
	return resp
}

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// ServeHealth handles GET /healthz.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // liveness is about the process, not the deps
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("encode health response")
	}
}

// ServeReady handles GET /readyz.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("encode readiness response")
	}
}
