// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/changelog"
	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/deadtrack"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/matcher"
	"github.com/checkarr/checkarr/internal/metrics"
	"github.com/checkarr/checkarr/internal/model"
	"github.com/checkarr/checkarr/internal/pipeline"
	"github.com/checkarr/checkarr/internal/queue"
	"github.com/checkarr/checkarr/internal/udi"
)

// tickInterval is how often the loops wake on their own.
const tickInterval = time.Minute

// coldStartWindow bounds how far past a cron instant a fresh install
// will still run the missed global action.
const coldStartWindow = 10 * time.Minute

// Client is the slice of the aggregator client the scheduler drives.
type Client interface {
	RefreshAllPlaylists(ctx context.Context) error
	RefreshPlaylist(ctx context.Context, providerID int) error
	UpdateChannelStreams(ctx context.Context, channelID int, streamIDs []int) (model.Channel, error)
	EPGGrid(ctx context.Context) ([]model.EPGProgram, error)
}

// Deps wires the scheduler to the rest of the system.
type Deps struct {
	Index      *udi.Index
	Client     Client
	Match      *matcher.Matcher
	Queue      *queue.Queue
	Worker     *queue.Worker
	Pipe       *pipeline.Pipeline
	Dead       *deadtrack.Tracker
	Settings   *config.CheckerStore
	Automation *config.AutomationStore
	Channels   *config.ChannelSettingsStore
	Tracker    *UpdateTracker
	Log        *changelog.Log
}

// Scheduler owns the playlist cycle and the global action. Both run on
// one goroutine; manual triggers flip a flag and wake it.
type Scheduler struct {
	deps   Deps
	logger zerolog.Logger

	wake    chan struct{}
	epgWake chan struct{}

	globalActive  atomic.Bool
	manualCycle   atomic.Bool
	manualGlobal  atomic.Bool
	clock         func() time.Time
	epgRefreshAge time.Duration
}

// New builds a Scheduler and points the update tracker at the
// configured immunity window.
func New(deps Deps) *Scheduler {
	deps.Tracker.SetImmunitySource(func() time.Duration {
		return deps.Settings.Get().Queue.CheckImmunity()
	})
	return &Scheduler{
		deps:          deps,
		logger:        log.WithComponent("scheduler"),
		wake:          make(chan struct{}, 1),
		epgWake:       make(chan struct{}, 1),
		clock:         time.Now,
		epgRefreshAge: 30 * time.Minute,
	}
}

// Wake nudges the main loop without waiting for the next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// GlobalActionActive reports whether a global action is running.
func (s *Scheduler) GlobalActionActive() bool { return s.globalActive.Load() }

// TriggerPlaylistCycle asks the loop to run the playlist cycle now.
func (s *Scheduler) TriggerPlaylistCycle() {
	s.manualCycle.Store(true)
	s.Wake()
}

// TriggerGlobalAction asks the loop to run the global action now.
func (s *Scheduler) TriggerGlobalAction() {
	s.manualGlobal.Store(true)
	s.Wake()
}

// Run drives the playlist and global loops until ctx ends. Errors never
// escape a tick; they are logged and retried on the next one.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Str("event", "scheduler.start").Msg("automation loop running")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info().Str("event", "scheduler.stop").Msg("automation loop stopped")
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	cfg := s.deps.Settings.Get()
	if !cfg.Enabled {
		s.manualCycle.Store(false)
		s.manualGlobal.Store(false)
		return
	}
	now := s.clock()

	if s.manualGlobal.Swap(false) || s.globalDue(now, cfg) {
		s.RunGlobalAction(ctx)
		return
	}
	if s.manualCycle.Swap(false) || s.cycleDue(now) {
		s.RunPlaylistCycle(ctx)
	}
}

// cycleDue applies the playlist cadence: the configured cron when set,
// otherwise the update interval.
func (s *Scheduler) cycleDue(now time.Time) bool {
	st := s.deps.Automation.Get()
	if st.LastPlaylistUpdate == nil {
		return true
	}
	if st.UpdateCron != "" {
		sched, err := cron.ParseStandard(st.UpdateCron)
		if err != nil {
			s.logger.Warn().Err(err).Str("event", "scheduler.bad_cron").
				Str("cron", st.UpdateCron).Msg("update cron unparsable, falling back to interval")
			return now.Sub(*st.LastPlaylistUpdate) >= st.UpdateInterval()
		}
		prev, ok := prevFire(sched, now)
		return ok && prev.After(*st.LastPlaylistUpdate)
	}
	return now.Sub(*st.LastPlaylistUpdate) >= st.UpdateInterval()
}

// globalDue applies the cron gate for the global action. On a cold start
// the missed instant only counts when it is still fresh.
func (s *Scheduler) globalDue(now time.Time, cfg config.CheckerSettings) bool {
	if !cfg.GlobalCheckSchedule.Enabled || !cfg.AutomationControls.ScheduledGlobalAction {
		return false
	}
	sched, err := cron.ParseStandard(cfg.GlobalCheckSchedule.CronExpression)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", "scheduler.bad_cron").
			Str("cron", cfg.GlobalCheckSchedule.CronExpression).Msg("global check cron unparsable")
		return false
	}
	prev, ok := prevFire(sched, now)
	if !ok {
		return false
	}
	st := s.deps.Automation.Get()
	if st.LastGlobalCheck == nil {
		return now.Sub(prev) <= coldStartWindow
	}
	return prev.After(*st.LastGlobalCheck)
}

// prevFire finds the most recent instant at or before now that the
// schedule fired. cron only exposes Next, so walk forward from a point
// far enough back to cover monthly expressions.
func prevFire(sched cron.Schedule, now time.Time) (time.Time, bool) {
	t := now.AddDate(0, 0, -35)
	var prev time.Time
	found := false
	for {
		n := sched.Next(t)
		if n.IsZero() || n.After(now) {
			return prev, found
		}
		prev, found = n, true
		t = n
	}
}

// RunPlaylistCycle executes one playlist pipeline pass: refresh the
// provider playlists, rebuild the index, prune non-matching streams,
// assign new ones and queue the touched channels.
func (s *Scheduler) RunPlaylistCycle(ctx context.Context) {
	if s.globalActive.Load() {
		s.logger.Debug().Str("event", "scheduler.cycle_skipped").Msg("global action in progress")
		return
	}
	cfg := s.deps.Settings.Get()
	ac := cfg.AutomationControls
	now := s.clock()
	s.logger.Info().Str("event", "scheduler.cycle_start").Msg("playlist cycle starting")

	if ac.AutoM3UUpdates {
		s.refreshProviderPlaylists(ctx)
	}
	if err := s.deps.Index.RefreshAll(ctx); err != nil {
		s.logger.Error().Err(err).Str("event", "scheduler.refresh_failed").Msg("index refresh incomplete")
	}

	removed := 0
	if ac.RemoveNonMatchingStreams {
		removed = s.removeNonMatching(ctx)
	}

	var touched map[int]int
	assigned := 0
	if ac.AutoStreamMatching {
		touched = s.assignStreams(ctx)
		for _, n := range touched {
			assigned += n
		}
	}

	queued := 0
	if ac.AutoQualityChecking {
		queued = s.queueTouched(ctx, touched, now)
	}

	if err := s.deps.Automation.MarkPlaylistUpdate(ctx, now); err != nil {
		s.logger.Error().Err(err).Str("event", "scheduler.mark_failed").Msg("last playlist update not persisted")
	}
	if s.deps.Log != nil {
		s.deps.Log.Record(ctx, changelog.ActionPlaylistRefresh, map[string]any{
			"streams_assigned": assigned,
			"streams_removed":  removed,
			"channels_queued":  queued,
		})
	}
	metrics.IncPlaylistCycle("ok")
	s.logger.Info().
		Str("event", "scheduler.cycle_done").
		Int("assigned", assigned).
		Int("removed", removed).
		Int("queued", queued).
		Msg("playlist cycle complete")
}

// RunGlobalAction executes the full nightly pass: wipe the dead list,
// refresh everything, re-match and force-check every managed channel.
func (s *Scheduler) RunGlobalAction(ctx context.Context) {
	if !s.globalActive.CompareAndSwap(false, true) {
		return
	}
	defer s.globalActive.Store(false)
	now := s.clock()
	s.logger.Info().Str("event", "scheduler.global_start").Msg("global action starting")

	s.deps.Dead.Clear(ctx)
	if err := s.deps.Client.RefreshAllPlaylists(ctx); err != nil {
		s.logger.Error().Err(err).Str("event", "scheduler.playlist_refresh_failed").Msg("continuing with stale playlists")
	}
	if err := s.deps.Index.RefreshAll(ctx); err != nil {
		s.logger.Error().Err(err).Str("event", "scheduler.refresh_failed").Msg("index refresh incomplete")
	}

	cfg := s.deps.Settings.Get()
	if cfg.AutomationControls.RemoveNonMatchingStreams {
		s.removeNonMatching(ctx)
	}
	if cfg.AutomationControls.AutoStreamMatching {
		s.assignStreams(ctx)
	}

	s.deps.Worker.SetGlobalBatch(true)
	defer s.deps.Worker.SetGlobalBatch(false)

	queued := 0
	limit := cfg.Queue.MaxChannelsPerRun
	for _, channelID := range s.managedChannels() {
		if limit > 0 && queued >= limit {
			break
		}
		s.deps.Tracker.SetForceCheck(ctx, channelID)
		s.deps.Queue.RemoveFromCompleted(channelID)
		if s.deps.Queue.Enqueue(channelID, queue.PriorityGlobal) {
			queued++
		}
	}
	if err := s.deps.Worker.Drain(ctx); err != nil {
		s.logger.Warn().Err(err).Str("event", "scheduler.drain_interrupted").Msg("global action drained partially")
		metrics.IncGlobalAction("interrupted")
	} else {
		metrics.IncGlobalAction("ok")
	}

	if err := s.deps.Automation.MarkGlobalCheck(ctx, now); err != nil {
		s.logger.Error().Err(err).Str("event", "scheduler.mark_failed").Msg("last global check not persisted")
	}
	s.logger.Info().
		Str("event", "scheduler.global_done").
		Int("queued", queued).
		Msg("global action complete")
}

// CheckSingleChannel is the manual fast path: refresh just this
// channel's providers, forget its dead entries, re-match and force a
// full check, outside any batch.
func (s *Scheduler) CheckSingleChannel(ctx context.Context, channelID int) (changelog.ChannelCheck, error) {
	for _, pid := range s.channelProviders(channelID) {
		if err := s.deps.Client.RefreshPlaylist(ctx, pid); err != nil {
			s.logger.Warn().Err(err).Int(log.FieldProviderID, pid).
				Str("event", "scheduler.provider_refresh_failed").Msg("continuing with stale playlist")
		}
	}
	if err := s.deps.Index.RefreshStreams(ctx); err != nil {
		s.logger.Warn().Err(err).Str("event", "scheduler.refresh_failed").Msg("stream refresh incomplete")
	}
	if _, err := s.deps.Index.RefreshChannelByID(ctx, channelID); err != nil {
		s.logger.Warn().Err(err).Int(log.FieldChannelID, channelID).
			Str("event", "scheduler.refresh_failed").Msg("channel refresh incomplete")
	}

	s.deps.Dead.RemoveByChannel(ctx, channelID)
	s.matchChannel(ctx, channelID)
	return s.deps.Pipe.CheckSingle(ctx, channelID)
}

// refreshProviderPlaylists asks the aggregator to reparse every
// enabled, non-custom provider.
func (s *Scheduler) refreshProviderPlaylists(ctx context.Context) {
	for _, prov := range s.deps.Index.Providers() {
		if !prov.IsActive || prov.IsCustomAccount() {
			continue
		}
		if err := s.deps.Client.RefreshPlaylist(ctx, prov.ID); err != nil {
			s.logger.Warn().Err(err).Int(log.FieldProviderID, prov.ID).
				Str("event", "scheduler.provider_refresh_failed").Msg("provider playlist not refreshed")
		}
	}
}

// queueTouched fills the check queue with the channels that gained
// streams this cycle plus any older flagged ones past their immunity.
func (s *Scheduler) queueTouched(ctx context.Context, touched map[int]int, now time.Time) int {
	want := make(map[int]struct{}, len(touched))
	for channelID := range touched {
		if !s.deps.Tracker.Immune(channelID, now) {
			want[channelID] = struct{}{}
		}
	}
	for _, channelID := range s.deps.Tracker.NeedsCheck(now) {
		want[channelID] = struct{}{}
	}

	queued := 0
	limit := s.deps.Settings.Get().Queue.MaxChannelsPerRun
	for channelID := range want {
		if limit > 0 && queued >= limit {
			break
		}
		s.deps.Queue.RemoveFromCompleted(channelID)
		if s.deps.Queue.Enqueue(channelID, queue.PriorityUpdate) {
			queued++
		}
	}
	return queued
}

// managedChannels lists every channel with an enabled rule set, the
// population a global action force-checks.
func (s *Scheduler) managedChannels() []int {
	var out []int
	for _, channelID := range s.deps.Match.ChannelIDs() {
		if rule, ok := s.deps.Match.Rule(channelID); ok && rule.Enabled {
			out = append(out, channelID)
		}
	}
	return out
}

// channelProviders collects the distinct provider ids behind a
// channel's current streams.
func (s *Scheduler) channelProviders(channelID int) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, st := range s.deps.Index.ChannelStreams(channelID) {
		pid, ok := st.ProviderID()
		if !ok {
			continue
		}
		if prov, found := s.deps.Index.ProviderByID(pid); !found || prov.IsCustomAccount() {
			continue
		}
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	return out
}
