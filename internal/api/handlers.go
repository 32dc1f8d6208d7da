// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/history"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/queue"
)

// manualCheckTimeout bounds a detached single-channel check; probing a
// large channel with failover can legitimately take many minutes.
const manualCheckTimeout = 30 * time.Minute

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// limitParam reads ?limit= with a default and an upper cap.
func limitParam(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

type statusResponse struct {
	Enabled            bool                    `json:"enabled"`
	GlobalActionActive bool                    `json:"global_action_active"`
	Queue              queue.Status            `json:"queue"`
	LastPlaylistUpdate *time.Time              `json:"last_playlist_update,omitempty"`
	LastGlobalCheck    *time.Time              `json:"last_global_check,omitempty"`
	LastFullRefresh    *time.Time              `json:"last_full_refresh,omitempty"`
	Channels           int                     `json:"channels"`
	Streams            int                     `json:"streams"`
	Providers          int                     `json:"providers"`
	DeadStreams        int                     `json:"dead_streams"`
	ProviderFailures   []history.ProviderStats `json:"provider_failures,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Settings.Get()
	auto := s.deps.Automation.Get()

	resp := statusResponse{
		Enabled:            cfg.Enabled,
		GlobalActionActive: s.deps.Control.GlobalActionActive(),
		Queue:              s.deps.Queue.Snapshot(),
		LastPlaylistUpdate: auto.LastPlaylistUpdate,
		LastGlobalCheck:    auto.LastGlobalCheck,
		Channels:           len(s.deps.Index.Channels()),
		Streams:            len(s.deps.Index.Streams()),
		Providers:          len(s.deps.Index.Providers()),
		DeadStreams:        s.deps.Dead.Len(),
	}
	if t := s.deps.Index.LastFullRefresh(); !t.IsZero() {
		resp.LastFullRefresh = &t
	}
	if s.deps.History != nil {
		stats, err := s.deps.History.ProviderFailureRates(r.Context(), time.Now().Add(-24*time.Hour))
		if err == nil {
			resp.ProviderFailures = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Progress.Snapshot())
}

func (s *Server) handleChangelog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Changelog.Recent(limitParam(r, 50, 500)))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Settings.Get())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var next config.CheckerSettings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "malformed settings document: "+err.Error())
		return
	}
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	saved, err := s.deps.Settings.Replace(r.Context(), next)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persisting settings failed")
		return
	}
	s.logger.Info().
		Str(log.FieldEvent, "config.replaced").
		Msg("stream checker settings replaced via API")
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleCheckChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || channelID < 1 {
		writeError(w, http.StatusBadRequest, "channel id must be a positive integer")
		return
	}
	if s.deps.Control.GlobalActionActive() {
		writeError(w, http.StatusConflict, "global action in progress")
		return
	}

	// The fast path probes synchronously and can run for minutes, so it
	// is detached from the request context.
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), manualCheckTimeout)
		defer cancel()
		if _, err := s.deps.Control.CheckSingleChannel(ctx, channelID); err != nil {
			logger.Error().Err(err).
				Str(log.FieldEvent, "api.manual_check_failed").
				Int(log.FieldChannelID, channelID).
				Msg("manual channel check failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"channel_id": channelID,
		"status":     "started",
	})
}

func (s *Server) handleCheckAll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Control.GlobalActionActive() {
		writeError(w, http.StatusConflict, "global action already in progress")
		return
	}
	s.deps.Control.TriggerGlobalAction()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handlePlaylistRefresh(w http.ResponseWriter, r *http.Request) {
	s.deps.Control.TriggerPlaylistCycle()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Snapshot())
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.deps.Queue.Clear()
	s.logger.Info().
		Str(log.FieldEvent, "api.queue_cleared").
		Int("cleared", cleared).
		Msg("check queue cleared via API")
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleDead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Dead.All())
}

func (s *Server) handleDeadClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.deps.Dead.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "probe history is disabled")
		return
	}
	limit := limitParam(r, 100, 1000)

	var (
		records []history.Record
		err     error
	)
	if raw := r.URL.Query().Get("stream_id"); raw != "" {
		streamID, convErr := strconv.Atoi(raw)
		if convErr != nil {
			writeError(w, http.StatusBadRequest, "stream_id must be an integer")
			return
		}
		records, err = s.deps.History.ByStream(r.Context(), streamID, limit)
	} else {
		records, err = s.deps.History.Recent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading probe history failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
