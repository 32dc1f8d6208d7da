// SPDX-License-Identifier: MIT

// Package changelog records what the automation did: playlist cycles,
// stream assignment, channel-check batches, global actions. The log is
// an append-only JSON sequence with a retention cap, written atomically
// so UI polls never see a partial file.
package changelog

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/fsio"
	"github.com/checkarr/checkarr/internal/log"
)

// Changelog actions.
const (
	ActionPlaylistRefresh    = "playlist_refresh"
	ActionStreamsAssigned    = "streams_assigned"
	ActionBatchStreamCheck   = "batch_stream_check"
	ActionSingleChannelCheck = "single_channel_check"
	ActionStreamValidation   = "stream_validation"
	ActionGlobalCheck        = "global_check"
)

// defaultMaxEntries caps the on-disk log.
const defaultMaxEntries = 500

// Entry is one changelog record. Details are per-action and opaque to
// the log itself.
type Entry struct {
	ID         string                    `json:"id"`
	Timestamp  time.Time                 `json:"timestamp"`
	Action     string                    `json:"action"`
	Details    map[string]any            `json:"details,omitempty"`
	Subentries map[string][]ChannelCheck `json:"subentries,omitempty"`
}

// ChannelCheck is the per-channel item inside a batch's "check" group.
type ChannelCheck struct {
	ChannelID     int          `json:"channel_id"`
	Name          string       `json:"name"`
	LogoURL       string       `json:"logo_url,omitempty"`
	Success       bool         `json:"success"`
	Error         string       `json:"error,omitempty"`
	Skipped       bool         `json:"skipped,omitempty"`
	SkippedReason string       `json:"skipped_reason,omitempty"`
	Stats         ChannelStats `json:"stats"`
}

// ChannelStats aggregates one channel's check outcome.
type ChannelStats struct {
	TotalStreams  int            `json:"total_streams"`
	Analyzed      int            `json:"analyzed"`
	Dead          int            `json:"dead"`
	Revived       int            `json:"revived"`
	AvgResolution string         `json:"avg_resolution"`
	AvgBitrate    string         `json:"avg_bitrate"`
	AvgFPS        string         `json:"avg_fps"`
	Streams       []StreamDetail `json:"streams,omitempty"`
}

// StreamDetail is one analyzed stream inside the channel stats; only
// the top few are kept.
type StreamDetail struct {
	StreamID      int     `json:"stream_id"`
	Name          string  `json:"name"`
	Resolution    string  `json:"resolution,omitempty"`
	BitrateKbps   float64 `json:"bitrate_kbps,omitempty"`
	FPS           float64 `json:"fps,omitempty"`
	VideoCodec    string  `json:"video_codec,omitempty"`
	Score         float64 `json:"score"`
	Dead          bool    `json:"dead,omitempty"`
	SkippedReason string  `json:"skipped_reason,omitempty"`
}

// Log is the append-only changelog file.
type Log struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	max     int
	logger  zerolog.Logger
}

// Open loads the existing log; a missing file starts empty, a corrupt
// one is reset with a warning.
func Open(ctx context.Context, path string) (*Log, error) {
	l := &Log{path: path, max: defaultMaxEntries, logger: log.WithComponent("changelog")}

	var entries []Entry
	if err := fsio.LoadJSON(path, &entries); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn().Err(err).Str("path", path).Msg("changelog unreadable, starting empty")
		}
	} else {
		l.entries = entries
	}
	return l, nil
}

// Append writes one entry. ID and timestamp are filled when absent.
func (l *Log) Append(ctx context.Context, e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	snapshot := append([]Entry(nil), l.entries...)
	l.mu.Unlock()

	if err := fsio.SaveJSON(ctx, l.path, snapshot); err != nil {
		l.logger.Error().Err(err).Str("path", l.path).Msg("persist changelog")
	}
	l.logger.Info().
		Str("event", "changelog.appended").
		Str("action", e.Action).
		Str("entry_id", e.ID).
		Msg("changelog entry recorded")
	return e
}

// Record is the common helper for simple action entries.
func (l *Log) Record(ctx context.Context, action string, details map[string]any) Entry {
	return l.Append(ctx, Entry{Action: action, Details: details})
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len reports how many entries the log holds.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
