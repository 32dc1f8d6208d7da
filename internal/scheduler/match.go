// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"

	"github.com/checkarr/checkarr/internal/changelog"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/metrics"
	"github.com/checkarr/checkarr/internal/model"
)

// removeNonMatching prunes streams that no longer match their channel's
// rules. Custom streams are never pruned. Returns how many streams were
// dropped across all channels.
func (s *Scheduler) removeNonMatching(ctx context.Context) int {
	removed := 0
	for _, ch := range s.deps.Index.Channels() {
		rule, ok := s.deps.Match.Rule(ch.ID)
		if !ok || !rule.Enabled {
			continue
		}
		kept := make([]int, 0, len(ch.Streams))
		for _, st := range s.deps.Index.ChannelStreams(ch.ID) {
			if st.IsCustom || s.deps.Match.Matches(ch.ID, st.Name, providerPtr(st)) {
				kept = append(kept, st.ID)
			}
		}
		dropped := len(ch.Streams) - len(kept)
		if dropped <= 0 {
			continue
		}
		updated, err := s.deps.Client.UpdateChannelStreams(ctx, ch.ID, kept)
		if err != nil {
			s.logger.Warn().Err(err).Int(log.FieldChannelID, ch.ID).
				Str("event", "scheduler.prune_failed").Msg("non-matching streams not removed")
			continue
		}
		s.deps.Index.UpdateChannel(ctx, updated)
		removed += dropped
		s.logger.Info().
			Str("event", "scheduler.streams_pruned").
			Int(log.FieldChannelID, ch.ID).
			Int("removed", dropped).
			Msg("non-matching streams removed")
	}
	if removed > 0 {
		metrics.AddStreamsUnassigned(removed)
	}
	return removed
}

// assignStreams runs the matcher over every stream of an enabled
// provider (plus custom streams) and appends new matches to their
// channels. Returns per-channel counts of streams added.
func (s *Scheduler) assignStreams(ctx context.Context) map[int]int {
	cfg := s.deps.Settings.Get()
	additions := make(map[int][]int)
	for _, st := range s.deps.Index.Streams() {
		if s.skipForMatching(st, cfg.DeadStreamHandling.Enabled) {
			continue
		}
		for _, channelID := range s.deps.Match.Match(st.Name, providerPtr(st)) {
			additions[channelID] = append(additions[channelID], st.ID)
		}
	}

	touched := make(map[int]int, len(additions))
	total := 0
	for channelID, streamIDs := range additions {
		ch, ok := s.deps.Index.ChannelByID(channelID)
		if !ok {
			continue
		}
		current := make(map[int]struct{}, len(ch.Streams))
		for _, id := range ch.Streams {
			current[id] = struct{}{}
		}
		next := append([]int(nil), ch.Streams...)
		added := 0
		for _, id := range streamIDs {
			if _, dup := current[id]; dup {
				continue
			}
			current[id] = struct{}{}
			next = append(next, id)
			added++
		}
		if added == 0 {
			continue
		}
		updated, err := s.deps.Client.UpdateChannelStreams(ctx, channelID, next)
		if err != nil {
			s.logger.Warn().Err(err).Int(log.FieldChannelID, channelID).
				Str("event", "scheduler.assign_failed").Msg("matched streams not assigned")
			continue
		}
		s.deps.Index.UpdateChannel(ctx, updated)
		s.deps.Tracker.MarkUpdated(ctx, channelID, len(next))
		touched[channelID] = added
		total += added
	}

	if total > 0 {
		metrics.AddStreamsAssigned(total)
		if s.deps.Log != nil {
			s.deps.Log.Record(ctx, changelog.ActionStreamsAssigned, map[string]any{
				"streams_assigned": total,
				"channels_touched": len(touched),
			})
		}
	}
	return touched
}

// matchChannel re-runs matching for a single channel, used by the
// manual fast path.
func (s *Scheduler) matchChannel(ctx context.Context, channelID int) {
	rule, ok := s.deps.Match.Rule(channelID)
	if !ok || !rule.Enabled {
		return
	}
	ch, ok := s.deps.Index.ChannelByID(channelID)
	if !ok {
		return
	}
	cfg := s.deps.Settings.Get()
	current := make(map[int]struct{}, len(ch.Streams))
	for _, id := range ch.Streams {
		current[id] = struct{}{}
	}
	next := append([]int(nil), ch.Streams...)
	added := 0
	for _, st := range s.deps.Index.Streams() {
		if _, dup := current[st.ID]; dup {
			continue
		}
		if s.skipForMatching(st, cfg.DeadStreamHandling.Enabled) {
			continue
		}
		if !s.deps.Match.Matches(channelID, st.Name, providerPtr(st)) {
			continue
		}
		current[st.ID] = struct{}{}
		next = append(next, st.ID)
		added++
	}
	if added == 0 {
		return
	}
	updated, err := s.deps.Client.UpdateChannelStreams(ctx, channelID, next)
	if err != nil {
		s.logger.Warn().Err(err).Int(log.FieldChannelID, channelID).
			Str("event", "scheduler.assign_failed").Msg("matched streams not assigned")
		return
	}
	s.deps.Index.UpdateChannel(ctx, updated)
	s.deps.Tracker.MarkUpdated(ctx, channelID, len(next))
}

// skipForMatching filters streams the matcher should not assign: dead
// ones (while dead handling is on) and streams of disabled providers.
func (s *Scheduler) skipForMatching(st model.Stream, deadHandling bool) bool {
	if deadHandling && s.deps.Dead.IsDead(st.URL) {
		return true
	}
	if pid, ok := st.ProviderID(); ok {
		if prov, found := s.deps.Index.ProviderByID(pid); found && !prov.IsActive {
			return true
		}
	}
	return false
}

// providerPtr adapts a stream's optional provider id for the matcher.
func providerPtr(st model.Stream) *int {
	if pid, ok := st.ProviderID(); ok && !st.IsCustom {
		return &pid
	}
	return nil
}
