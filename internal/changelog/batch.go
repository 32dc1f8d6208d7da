// SPDX-License-Identifier: MIT

package changelog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxStreamDetails bounds the per-channel stream list in a batch item.
const maxStreamDetails = 10

// Batch consolidates a contiguous run of channel checks into one
// changelog entry. The queue worker opens a batch on the first dequeue
// after idle and finalizes it when the queue drains.
type Batch struct {
	mu      sync.Mutex
	id      string
	started time.Time
	global  bool
	items   []ChannelCheck
}

// NewBatch starts an empty batch. A global batch finalizes under
// the global_check action instead of batch_stream_check.
func NewBatch(global bool) *Batch {
	return &Batch{id: uuid.NewString(), started: time.Now(), global: global}
}

// ID returns the batch id carried into the changelog entry.
func (b *Batch) ID() string { return b.id }

// Add records one channel's outcome. Stream details are trimmed to the
// top entries by score.
func (b *Batch) Add(item ChannelCheck) {
	item.Stats.Streams = topStreams(item.Stats.Streams)
	b.mu.Lock()
	b.items = append(b.items, item)
	b.mu.Unlock()
}

// Size reports how many channels the batch holds.
func (b *Batch) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Finalize writes the consolidated entry. An empty batch writes
// nothing and returns a zero entry.
func (b *Batch) Finalize(ctx context.Context, l *Log) (Entry, bool) {
	b.mu.Lock()
	items := append([]ChannelCheck(nil), b.items...)
	b.mu.Unlock()

	if len(items) == 0 {
		return Entry{}, false
	}

	var analyzed, dead, revived, failed int
	for _, it := range items {
		analyzed += it.Stats.Analyzed
		dead += it.Stats.Dead
		revived += it.Stats.Revived
		if !it.Success {
			failed++
		}
	}

	action := ActionBatchStreamCheck
	if b.global {
		action = ActionGlobalCheck
	}

	entry := Entry{
		ID:        b.id,
		Timestamp: b.started,
		Action:    action,
		Details: map[string]any{
			"channels_checked":      len(items),
			"channels_failed":       failed,
			"streams_analyzed":      analyzed,
			"dead_streams_detected": dead,
			"streams_revived":       revived,
			"duration_seconds":      int(time.Since(b.started).Seconds()),
		},
		Subentries: map[string][]ChannelCheck{"check": items},
	}
	return l.Append(ctx, entry), true
}

// topStreams keeps the highest-scoring details, capped.
func topStreams(details []StreamDetail) []StreamDetail {
	if len(details) <= maxStreamDetails {
		return details
	}
	out := append([]StreamDetail(nil), details...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out[:maxStreamDetails]
}

// Averages renders the display-string aggregates over the non-dead
// analyzed streams: the most common resolution, the mean bitrate and
// the mean fps. Missing data renders as "N/A".
func Averages(details []StreamDetail) (resolution, bitrate, fps string) {
	resCount := make(map[string]int)
	var bitrateSum float64
	var bitrateN int
	var fpsSum float64
	var fpsN int

	for _, d := range details {
		if d.Dead {
			continue
		}
		if d.Resolution != "" && d.Resolution != "N/A" {
			resCount[d.Resolution]++
		}
		if d.BitrateKbps > 0 {
			bitrateSum += d.BitrateKbps
			bitrateN++
		}
		if d.FPS > 0 {
			fpsSum += d.FPS
			fpsN++
		}
	}

	resolution, bitrate, fps = "N/A", "N/A", "N/A"

	best, bestN := "", 0
	for r, n := range resCount {
		if n > bestN || (n == bestN && r > best) {
			best, bestN = r, n
		}
	}
	if best != "" {
		resolution = best
	}
	if bitrateN > 0 {
		bitrate = fmt.Sprintf("%d kbps", int(bitrateSum/float64(bitrateN)+0.5))
	}
	if fpsN > 0 {
		fps = strconv.FormatFloat(round2(fpsSum/float64(fpsN)), 'f', -1, 64) + " fps"
	}
	return resolution, bitrate, fps
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
