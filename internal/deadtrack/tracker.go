// SPDX-License-Identifier: MIT

// Package deadtrack persists which stream URLs are currently considered
// dead. The key is the URL, not the stream id: providers recycle ids
// across playlist refreshes but a dead source stays dead under the same
// address.
package deadtrack

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/fsio"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/metrics"
)

// Entry records one dead stream URL.
type Entry struct {
	URL           string    `json:"url"`
	StreamID      int       `json:"stream_id"`
	StreamName    string    `json:"stream_name"`
	ChannelID     int       `json:"channel_id"`
	FirstDetected time.Time `json:"first_detected"`
	LastDetected  time.Time `json:"last_detected"`
}

// Tracker is the persistent dead-stream map.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
	path    string
	logger  zerolog.Logger
}

// Open loads the tracker from path, starting empty when the file is
// missing or unreadable.
func Open(ctx context.Context, path string) *Tracker {
	t := &Tracker{
		entries: make(map[string]Entry),
		path:    path,
		logger:  log.WithComponent("deadtrack"),
	}

	var stored map[string]Entry
	err := fsio.LoadJSON(path, &stored)
	switch {
	case err == nil:
		t.entries = stored
		if t.entries == nil {
			t.entries = make(map[string]Entry)
		}
	case errors.Is(err, os.ErrNotExist):
		// first start
	default:
		t.logger.Warn().Err(err).Str("path", path).Msg("dead stream file unreadable, starting empty")
		if saveErr := fsio.SaveJSON(ctx, path, t.entries); saveErr != nil {
			t.logger.Error().Err(saveErr).Msg("rewrite dead stream file")
		}
	}
	metrics.SetDeadTracked(len(t.entries))
	return t
}

// IsDead reports whether url is currently marked dead.
func (t *Tracker) IsDead(url string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[url]
	return ok
}

// MarkDead records url as dead. An existing entry keeps its first
// detection time and refreshes the last one. It reports whether the
// entry is new.
func (t *Tracker) MarkDead(ctx context.Context, url string, streamID int, name string, channelID int) bool {
	now := time.Now()

	t.mu.Lock()
	entry, existed := t.entries[url]
	if !existed {
		entry = Entry{URL: url, FirstDetected: now}
	}
	entry.StreamID = streamID
	entry.StreamName = name
	entry.ChannelID = channelID
	entry.LastDetected = now
	t.entries[url] = entry
	t.mu.Unlock()

	t.persist(ctx)
	if !existed {
		t.logger.Info().
			Str("event", "deadtrack.marked").
			Str(log.FieldURL, url).
			Int(log.FieldStreamID, streamID).
			Int(log.FieldChannelID, channelID).
			Msg("stream marked dead")
	}
	return !existed
}

// MarkAlive removes url from the dead set, reporting whether it was
// present (a revival).
func (t *Tracker) MarkAlive(ctx context.Context, url string) bool {
	t.mu.Lock()
	_, existed := t.entries[url]
	delete(t.entries, url)
	t.mu.Unlock()

	if existed {
		t.persist(ctx)
		t.logger.Info().
			Str("event", "deadtrack.revived").
			Str(log.FieldURL, url).
			Msg("stream revived")
	}
	return existed
}

// Get returns the entry for url.
func (t *Tracker) Get(url string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[url]
	return e, ok
}

// ForChannel returns all entries recorded against one channel.
func (t *Tracker) ForChannel(channelID int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.entries {
		if e.ChannelID == channelID {
			out = append(out, e)
		}
	}
	return out
}

// All returns a copy of every entry.
func (t *Tracker) All() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Len returns the number of tracked URLs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// RemoveByChannel drops every entry recorded against channelID and
// returns how many were removed. Used by the single-channel fast path
// to give that channel's streams a fresh start.
func (t *Tracker) RemoveByChannel(ctx context.Context, channelID int) int {
	t.mu.Lock()
	removed := 0
	for url, e := range t.entries {
		if e.ChannelID == channelID {
			delete(t.entries, url)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.persist(ctx)
	}
	return removed
}

// Cleanup drops entries whose URL no longer appears in any provider
// playlist and returns how many were removed.
func (t *Tracker) Cleanup(ctx context.Context, currentURLs map[string]struct{}) int {
	t.mu.Lock()
	removed := 0
	for url := range t.entries {
		if _, ok := currentURLs[url]; !ok {
			delete(t.entries, url)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.persist(ctx)
		t.logger.Info().
			Str("event", "deadtrack.cleanup").
			Int("removed", removed).
			Msg("dropped dead entries for vanished urls")
	}
	return removed
}

// Clear empties the tracker. The global action calls this so every
// stream gets a fresh chance once a day.
func (t *Tracker) Clear(ctx context.Context) int {
	t.mu.Lock()
	n := len(t.entries)
	t.entries = make(map[string]Entry)
	t.mu.Unlock()

	t.persist(ctx)
	if n > 0 {
		t.logger.Info().
			Str("event", "deadtrack.cleared").
			Int("removed", n).
			Msg("dead stream tracker cleared")
	}
	return n
}

func (t *Tracker) persist(ctx context.Context) {
	t.mu.RLock()
	snapshot := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		snapshot[k] = v
	}
	t.mu.RUnlock()

	metrics.SetDeadTracked(len(snapshot))
	if err := fsio.SaveJSON(ctx, t.path, snapshot); err != nil {
		t.logger.Error().Err(err).Str("path", t.path).Msg("persist dead stream file")
	}
}
