// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/queue"
)

// epgTimeLayouts covers the timestamp renderings seen in aggregator
// EPG grids.
var epgTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

type epgEvent struct {
	channelID int
	start     time.Time
}

// WakeEPG nudges the EPG loop, e.g. after a preference change.
func (s *Scheduler) WakeEPG() {
	select {
	case s.epgWake <- struct{}{}:
	default:
	}
}

// RunEPGEvents watches the EPG grid and queues a check for every
// flagged channel when a new programme starts on it.
func (s *Scheduler) RunEPGEvents(ctx context.Context) {
	s.logger.Info().Str("event", "epg.start").Msg("EPG event loop running")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var events []epgEvent
	var lastFetch time.Time

	for {
		now := s.clock()
		if lastFetch.IsZero() || now.Sub(lastFetch) >= s.epgRefreshAge {
			if fresh, ok := s.loadEPGEvents(ctx, now); ok {
				events = fresh
				lastFetch = now
			}
		}
		events = s.fireDueEvents(ctx, events, now)

		select {
		case <-ctx.Done():
			s.logger.Info().Str("event", "epg.stop").Msg("EPG event loop stopped")
			return
		case <-ticker.C:
		case <-s.epgWake:
			lastFetch = time.Time{} // re-read the grid on demand
		}
	}
}

// fireDueEvents queues every event whose start has passed and returns
// the remainder. The check is forced: a programme boundary is exactly
// when a recently checked channel must be probed again, so the
// immunity window does not apply.
func (s *Scheduler) fireDueEvents(ctx context.Context, events []epgEvent, now time.Time) []epgEvent {
	remaining := events[:0]
	for _, ev := range events {
		if ev.start.After(now) {
			remaining = append(remaining, ev)
			continue
		}
		s.deps.Tracker.SetForceCheck(ctx, ev.channelID)
		s.deps.Queue.RemoveFromCompleted(ev.channelID)
		s.deps.Queue.Enqueue(ev.channelID, queue.PriorityManual)
		s.logger.Info().
			Str("event", "epg.check_queued").
			Int(log.FieldChannelID, ev.channelID).
			Time("program_start", ev.start).
			Msg("programme started, channel queued for check")
	}
	return remaining
}

// loadEPGEvents reads the grid and keeps the upcoming programme starts
// of channels flagged check_at_program_start, soonest first.
func (s *Scheduler) loadEPGEvents(ctx context.Context, now time.Time) ([]epgEvent, bool) {
	flagged := make(map[int]struct{})
	byTVGID := make(map[string]int)
	prefs := s.deps.Channels.Get()
	for channelID, pref := range prefs.Channels {
		if pref.CheckAtProgramStart {
			flagged[channelID] = struct{}{}
		}
	}
	if len(flagged) == 0 {
		return nil, true
	}
	for _, ch := range s.deps.Index.Channels() {
		if _, ok := flagged[ch.ID]; ok && ch.TVGID != "" {
			byTVGID[ch.TVGID] = ch.ID
		}
	}

	grid, err := s.deps.Client.EPGGrid(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", "epg.grid_failed").Msg("EPG grid not available")
		return nil, false
	}

	var events []epgEvent
	for _, prog := range grid {
		channelID := prog.ChannelID.Int()
		if channelID == 0 {
			channelID = byTVGID[prog.TVGID]
		}
		if _, ok := flagged[channelID]; !ok {
			continue
		}
		start, ok := parseEPGTime(prog.StartTime)
		if !ok || !start.After(now) {
			continue
		}
		events = append(events, epgEvent{channelID: channelID, start: start})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].start.Before(events[j].start) })
	return events, true
}

func parseEPGTime(s string) (time.Time, bool) {
	for _, layout := range epgTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
