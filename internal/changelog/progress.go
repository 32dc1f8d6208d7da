package changelog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/fsio"
	"github.com/checkarr/checkarr/internal/log"
)

// ChannelProgress is the live state of one channel mid-check, polled
// by the UI.
type ChannelProgress struct {
	ChannelID  int       `json:"channel_id"`
	Name       string    `json:"name"`
	Current    int       `json:"current_streams"`
	Total      int       `json:"total_streams"`
	Step       string    `json:"step"`
	Detail     string    `json:"detail,omitempty"`
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

// Progress holds one record per channel in progress and mirrors the
// set to a small JSON file on every change.
type Progress struct {
	mu       sync.Mutex
	path     string
	channels map[int]ChannelProgress
	logger   zerolog.Logger
}

// NewProgress builds a reporter writing to path. Stale state from a
// previous run is overwritten on the first update, not loaded.
func NewProgress(path string) *Progress {
	return &Progress{
		path:     path,
		channels: make(map[int]ChannelProgress),
		logger:   log.WithComponent("progress"),
	}
}

// Update sets a channel's progress record. Percentage is derived from
// current/total when left at zero.
func (p *Progress) Update(ctx context.Context, cp ChannelProgress) {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	if cp.Percentage == 0 && cp.Total > 0 {
		cp.Percentage = float64(cp.Current) / float64(cp.Total) * 100
	}

	p.mu.Lock()
	p.channels[cp.ChannelID] = cp
	p.mu.Unlock()
	p.flush(ctx)
}

// Step is the shorthand for advancing a channel to a named step.
func (p *Progress) Step(ctx context.Context, channelID int, name, step, detail string, current, total int) {
	p.Update(ctx, ChannelProgress{
		ChannelID: channelID,
		Name:      name,
		Step:      step,
		Detail:    detail,
		Current:   current,
		Total:     total,
	})
}

// Done removes the channel's record once its check finishes.
func (p *Progress) Done(ctx context.Context, channelID int) {
	p.mu.Lock()
	delete(p.channels, channelID)
	p.mu.Unlock()
	p.flush(ctx)
}

// Snapshot returns the in-progress channels ordered by id.
func (p *Progress) Snapshot() []ChannelProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChannelProgress, 0, len(p.channels))
	for _, cp := range p.channels {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

func (p *Progress) flush(ctx context.Context) {
	snapshot := p.Snapshot()
	if err := fsio.SaveJSON(ctx, p.path, snapshot); err != nil {
		p.logger.Error().Err(err).Str("path", p.path).Msg("persist progress")
	}
}
