// SPDX-License-Identifier: MIT

// Package scheduler drives the automation loops: the periodic playlist
// cycle, the cron-gated global check, EPG-triggered one-shot checks and
// the per-channel update tracker that feeds the check queue.
package scheduler

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/fsio"
	"github.com/checkarr/checkarr/internal/log"
)

// defaultCheckImmunity is how long a freshly checked channel is left
// alone by automation when no window is configured. Forced checks
// ignore it.
const defaultCheckImmunity = 2 * time.Hour

// ChannelRecord is one channel's entry in channel_updates.json.
type ChannelRecord struct {
	LastUpdate       *time.Time `json:"last_update,omitempty"`
	LastCheck        *time.Time `json:"last_check,omitempty"`
	NeedsCheck       bool       `json:"needs_check"`
	Force            bool       `json:"force_check,omitempty"`
	StreamCount      int        `json:"stream_count"`
	CheckedStreamIDs []int      `json:"checked_stream_ids,omitempty"`
}

// UpdateTracker remembers what was checked when, per channel. It is the
// pipeline's immunity source and the scheduler's queue-fill source.
type UpdateTracker struct {
	mu       sync.Mutex
	path     string
	records  map[int]ChannelRecord
	immunity func() time.Duration
	logger   zerolog.Logger
}

// OpenTracker loads channel_updates.json, starting empty when the file
// is missing or unreadable.
func OpenTracker(ctx context.Context, path string) *UpdateTracker {
	t := &UpdateTracker{
		path:    path,
		records: make(map[int]ChannelRecord),
		logger:  log.WithComponent("scheduler"),
	}
	var loaded map[int]ChannelRecord
	err := fsio.LoadJSON(path, &loaded)
	switch {
	case err == nil:
		if loaded != nil {
			t.records = loaded
		}
	case errors.Is(err, os.ErrNotExist):
		// first start
	default:
		t.logger.Warn().Err(err).Str(log.FieldPath, path).
			Str("event", "tracker.load_failed").Msg("starting with empty update tracker")
	}
	return t
}

// SetImmunitySource points the tracker at the configured immunity
// window, read fresh on every query so settings changes apply without
// a restart.
func (t *UpdateTracker) SetImmunitySource(f func() time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.immunity = f
}

// immunityWindow is called with t.mu held.
func (t *UpdateTracker) immunityWindow() time.Duration {
	if t.immunity != nil {
		if d := t.immunity(); d > 0 {
			return d
		}
	}
	return defaultCheckImmunity
}

// CheckedStreamIDs returns the stream ids recorded at the channel's
// last completed check.
func (t *UpdateTracker) CheckedStreamIDs(channelID int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[channelID]
	out := make([]int, len(rec.CheckedStreamIDs))
	copy(out, rec.CheckedStreamIDs)
	return out
}

// ForceCheck reports whether the channel's next check must ignore the
// immunity set.
func (t *UpdateTracker) ForceCheck(channelID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[channelID].Force
}

// SetForceCheck flags the channel for a full re-probe.
func (t *UpdateTracker) SetForceCheck(ctx context.Context, channelID int) {
	t.mu.Lock()
	rec := t.records[channelID]
	rec.Force = true
	rec.NeedsCheck = true
	t.records[channelID] = rec
	t.mu.Unlock()
	t.persist(ctx)
}

// ClearForceCheck drops the force flag once the pipeline consumed it.
func (t *UpdateTracker) ClearForceCheck(ctx context.Context, channelID int) {
	t.mu.Lock()
	rec := t.records[channelID]
	rec.Force = false
	t.records[channelID] = rec
	t.mu.Unlock()
	t.persist(ctx)
}

// MarkChecked records a completed check and its final stream set.
func (t *UpdateTracker) MarkChecked(ctx context.Context, channelID int, streamIDs []int) {
	now := time.Now()
	ids := make([]int, len(streamIDs))
	copy(ids, streamIDs)

	t.mu.Lock()
	rec := t.records[channelID]
	rec.LastCheck = &now
	rec.NeedsCheck = false
	rec.StreamCount = len(ids)
	rec.CheckedStreamIDs = ids
	t.records[channelID] = rec
	t.mu.Unlock()
	t.persist(ctx)
}

// MarkUpdated records that the channel received new streams and needs a
// check. streamCount is the channel's current stream total.
func (t *UpdateTracker) MarkUpdated(ctx context.Context, channelID, streamCount int) {
	now := time.Now()

	t.mu.Lock()
	rec := t.records[channelID]
	rec.LastUpdate = &now
	rec.NeedsCheck = true
	rec.StreamCount = streamCount
	t.records[channelID] = rec
	t.mu.Unlock()
	t.persist(ctx)
}

// Immune reports whether the channel was checked recently enough that
// automation should leave it alone.
func (t *UpdateTracker) Immune(channelID int, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[channelID]
	if rec.Force {
		return false
	}
	return rec.LastCheck != nil && now.Sub(*rec.LastCheck) < t.immunityWindow()
}

// NeedsCheck lists channels flagged for a check and past their immunity
// window, sorted for stable queue fills.
func (t *UpdateTracker) NeedsCheck(now time.Time) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	window := t.immunityWindow()
	var out []int
	for id, rec := range t.records {
		if !rec.NeedsCheck {
			continue
		}
		if !rec.Force && rec.LastCheck != nil && now.Sub(*rec.LastCheck) < window {
			continue
		}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Record returns the channel's raw entry.
func (t *UpdateTracker) Record(channelID int) (ChannelRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[channelID]
	return rec, ok
}

func (t *UpdateTracker) persist(ctx context.Context) {
	t.mu.Lock()
	snapshot := make(map[int]ChannelRecord, len(t.records))
	for id, rec := range t.records {
		snapshot[id] = rec
	}
	t.mu.Unlock()

	if err := fsio.SaveJSON(ctx, t.path, snapshot); err != nil {
		t.logger.Error().Err(err).Str(log.FieldPath, t.path).
			Str("event", "tracker.persist_failed").Msg("update tracker not saved")
	}
}
