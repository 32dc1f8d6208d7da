// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/checkarr/checkarr/internal/cache"
	"github.com/checkarr/checkarr/internal/changelog"
	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/deadtrack"
	"github.com/checkarr/checkarr/internal/matcher"
	"github.com/checkarr/checkarr/internal/model"
	"github.com/checkarr/checkarr/internal/queue"
	"github.com/checkarr/checkarr/internal/udi"
)

// fakeBackend feeds the index and records scheduler-driven writes.
type fakeBackend struct {
	mu            sync.Mutex
	channels      map[int]model.Channel
	streams       map[int]model.Stream
	providers     []model.Provider
	epg           []model.EPGProgram
	orderPatches  map[int][]int
	refreshedAll  int
	refreshedByID []int
}

func (f *fakeBackend) Channels(ctx context.Context) ([]model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Channel, 0, len(f.channels))
	for _, c := range f.channels {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeBackend) Channel(ctx context.Context, id int) (model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[id]
	if !ok {
		return model.Channel{}, errors.New("channel not found")
	}
	return c, nil
}

func (f *fakeBackend) Streams(ctx context.Context) ([]model.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Stream, 0, len(f.streams))
	for _, s := range f.streams {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeBackend) Groups(ctx context.Context) ([]model.ChannelGroup, error) { return nil, nil }
func (f *fakeBackend) Logos(ctx context.Context) ([]model.Logo, error)          { return nil, nil }

func (f *fakeBackend) Providers(ctx context.Context) ([]model.Provider, error) {
	return f.providers, nil
}

func (f *fakeBackend) ChannelProfiles(ctx context.Context) ([]model.ChannelProfile, error) {
	return nil, nil
}

func (f *fakeBackend) ProxyStatus(ctx context.Context) (model.ProxyStatus, error) {
	return model.ProxyStatus{}, nil
}

func (f *fakeBackend) RefreshAllPlaylists(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshedAll++
	return nil
}

func (f *fakeBackend) RefreshPlaylist(ctx context.Context, providerID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshedByID = append(f.refreshedByID, providerID)
	return nil
}

func (f *fakeBackend) UpdateChannelStreams(ctx context.Context, channelID int, streamIDs []int) (model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderPatches[channelID] = streamIDs
	ch := f.channels[channelID]
	ch.Streams = streamIDs
	f.channels[channelID] = ch
	return ch, nil
}

func (f *fakeBackend) EPGGrid(ctx context.Context) ([]model.EPGProgram, error) {
	return f.epg, nil
}

// checkerFunc lets tests stand in for the pipeline behind the worker.
type checkerFunc func(ctx context.Context, channelID int) (changelog.ChannelCheck, error)

func (f checkerFunc) CheckChannel(ctx context.Context, channelID int) (changelog.ChannelCheck, error) {
	return f(ctx, channelID)
}

func flexInt(v int) *model.FlexInt {
	fi := model.FlexInt(v)
	return &fi
}

func testBackend() *fakeBackend {
	return &fakeBackend{
		channels: map[int]model.Channel{
			1: {ID: 1, Name: "News One", Streams: []int{10}},
			2: {ID: 2, Name: "Sports", Streams: []int{12}},
		},
		streams: map[int]model.Stream{
			10: {ID: 10, Name: "News A", URL: "http://p1/a.ts", M3UAccount: flexInt(100)},
			11: {ID: 11, Name: "News B HD", URL: "http://p1/b.ts", M3UAccount: flexInt(100)},
			12: {ID: 12, Name: "Sports A", URL: "http://p2/c.ts", M3UAccount: flexInt(200)},
			13: {ID: 13, Name: "Movie C", URL: "http://p1/d.ts", M3UAccount: flexInt(100)},
		},
		providers: []model.Provider{
			{ID: 100, Name: "Provider One", IsActive: true, MaxStreams: 5},
			{ID: 200, Name: "Provider Two", IsActive: true, MaxStreams: 5},
		},
		orderPatches: map[int][]int{},
	}
}

type harness struct {
	backend *fakeBackend
	sched   *Scheduler
	queue   *queue.Queue
	tracker *UpdateTracker
	dead    *deadtrack.Tracker
	match   *matcher.Matcher
	auto    *config.AutomationStore
	store   *config.CheckerStore
	clog    *changelog.Log
}

func newHarness(t *testing.T, backend *fakeBackend, check checkerFunc) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	idx := udi.New(backend, filepath.Join(dir, "udi"), cache.NewMemory(0))
	require.NoError(t, idx.RefreshAll(ctx))

	clog, err := changelog.Open(ctx, filepath.Join(dir, "changelog.json"))
	require.NoError(t, err)

	q := queue.New(100)
	if check == nil {
		check = func(ctx context.Context, channelID int) (changelog.ChannelCheck, error) {
			return changelog.ChannelCheck{ChannelID: channelID, Success: true}, nil
		}
	}

	h := &harness{
		backend: backend,
		queue:   q,
		tracker: OpenTracker(ctx, filepath.Join(dir, "channel_updates.json")),
		dead:    deadtrack.Open(ctx, filepath.Join(dir, "dead.json")),
		match:   matcher.Open(ctx, filepath.Join(dir, "regex.json")),
		auto:    config.OpenAutomationStore(ctx, filepath.Join(dir, "automation.json")),
		store:   config.OpenCheckerStore(ctx, filepath.Join(dir, "checker.json")),
		clog:    clog,
	}
	h.sched = New(Deps{
		Index:      idx,
		Client:     backend,
		Match:      h.match,
		Queue:      q,
		Worker:     queue.NewWorker(q, check, clog),
		Dead:       h.dead,
		Settings:   h.store,
		Automation: h.auto,
		Channels:   config.OpenChannelSettingsStore(ctx, filepath.Join(dir, "channels.json")),
		Tracker:    h.tracker,
		Log:        clog,
	})
	return h
}

func newsRule() matcher.ChannelRule {
	return matcher.ChannelRule{
		Name:     "News One",
		Patterns: []matcher.Pattern{{Pattern: "News"}},
		Enabled:  true,
	}
}

func TestPrevFire(t *testing.T) {
	sched, err := cron.ParseStandard("0 3 * * *")
	require.NoError(t, err)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	prev, ok := prevFire(sched, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC), prev)
}

func TestGlobalDueColdStart(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	_, err := h.store.Update(ctx, func(s *config.CheckerSettings) {
		s.GlobalCheckSchedule.Enabled = true
		s.AutomationControls.ScheduledGlobalAction = true
	})
	require.NoError(t, err)
	cfg := h.store.Get()

	// Default cron fires at 03:00; a start shortly after still runs it.
	assert.True(t, h.sched.globalDue(time.Date(2026, 8, 26, 3, 5, 0, 0, time.UTC), cfg))
	// Hours later the missed instant is stale.
	assert.False(t, h.sched.globalDue(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC), cfg))
}

func TestGlobalDueAfterLastCheck(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	_, err := h.store.Update(ctx, func(s *config.CheckerSettings) {
		s.GlobalCheckSchedule.Enabled = true
		s.AutomationControls.ScheduledGlobalAction = true
	})
	require.NoError(t, err)
	cfg := h.store.Get()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.auto.MarkGlobalCheck(ctx, now.AddDate(0, 0, -1)))
	assert.True(t, h.sched.globalDue(now, cfg), "crossed today's 03:00 boundary")

	require.NoError(t, h.auto.MarkGlobalCheck(ctx, time.Date(2026, 8, 26, 3, 30, 0, 0, time.UTC)))
	assert.False(t, h.sched.globalDue(now, cfg), "already ran after the boundary")
}

func TestGlobalDueDisabled(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	cfg := h.store.Get() // schedule disabled by default

	assert.False(t, h.sched.globalDue(time.Date(2026, 8, 26, 3, 1, 0, 0, time.UTC), cfg))
}

func TestCycleDueInterval(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	now := time.Now()

	assert.True(t, h.sched.cycleDue(now), "never ran")

	require.NoError(t, h.auto.MarkPlaylistUpdate(ctx, now.Add(-time.Minute)))
	assert.False(t, h.sched.cycleDue(now))

	interval := h.auto.Get().UpdateInterval()
	require.NoError(t, h.auto.MarkPlaylistUpdate(ctx, now.Add(-interval-time.Minute)))
	assert.True(t, h.sched.cycleDue(now))
}

func TestAssignStreamsAddsMatches(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	require.NoError(t, h.match.SetRule(ctx, 1, newsRule()))

	touched := h.sched.assignStreams(ctx)

	// Stream 11 "News B HD" matches; 10 is already a member; "Movie C"
	// and "Sports A" do not match.
	assert.Equal(t, map[int]int{1: 1}, touched)
	assert.Equal(t, []int{10, 11}, h.backend.orderPatches[1])

	rec, ok := h.tracker.Record(1)
	require.True(t, ok)
	assert.True(t, rec.NeedsCheck)
	assert.Equal(t, 2, rec.StreamCount)
}

func TestAssignStreamsSkipsDeadStreams(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	require.NoError(t, h.match.SetRule(ctx, 1, newsRule()))
	h.dead.MarkDead(ctx, "http://p1/b.ts", 11, "News B HD", 1)

	touched := h.sched.assignStreams(ctx)

	assert.Empty(t, touched)
}

func TestAssignStreamsKeepsDeadWhenHandlingDisabled(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	require.NoError(t, h.match.SetRule(ctx, 1, newsRule()))
	h.dead.MarkDead(ctx, "http://p1/b.ts", 11, "News B HD", 1)
	_, err := h.store.Update(ctx, func(s *config.CheckerSettings) {
		s.DeadStreamHandling.Enabled = false
	})
	require.NoError(t, err)

	touched := h.sched.assignStreams(ctx)

	assert.Equal(t, map[int]int{1: 1}, touched)
}

func TestRemoveNonMatchingPrunes(t *testing.T) {
	backend := testBackend()
	// Channel 1 carries a stream that no longer matches its rule.
	ch := backend.channels[1]
	ch.Streams = []int{10, 13}
	backend.channels[1] = ch
	h := newHarness(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, h.match.SetRule(ctx, 1, newsRule()))

	removed := h.sched.removeNonMatching(ctx)

	assert.Equal(t, 1, removed)
	assert.Equal(t, []int{10}, h.backend.orderPatches[1])
}

func TestRemoveNonMatchingSparesCustomStreams(t *testing.T) {
	backend := testBackend()
	backend.streams[14] = model.Stream{ID: 14, Name: "My Feed", URL: "http://me/x.ts", IsCustom: true}
	ch := backend.channels[1]
	ch.Streams = []int{10, 14}
	backend.channels[1] = ch
	h := newHarness(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, h.match.SetRule(ctx, 1, newsRule()))

	removed := h.sched.removeNonMatching(ctx)

	assert.Zero(t, removed)
}

func TestRunPlaylistCycleQueuesTouchedChannels(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	require.NoError(t, h.match.SetRule(ctx, 1, newsRule()))
	_, err := h.store.Update(ctx, func(s *config.CheckerSettings) {
		s.AutomationControls = config.AutomationControls{
			AutoM3UUpdates:      true,
			AutoStreamMatching:  true,
			AutoQualityChecking: true,
		}
	})
	require.NoError(t, err)

	h.sched.RunPlaylistCycle(ctx)

	// Both providers were refreshed and the touched channel queued.
	assert.ElementsMatch(t, []int{100, 200}, h.backend.refreshedByID)
	snap := h.queue.Snapshot()
	assert.Equal(t, []int{1}, snap.Queued)
	assert.NotNil(t, h.auto.Get().LastPlaylistUpdate)

	entries := h.clog.Recent(10)
	require.NotEmpty(t, entries)
	assert.Equal(t, changelog.ActionPlaylistRefresh, entries[0].Action)
}

func TestRunGlobalActionForceChecksManagedChannels(t *testing.T) {
	var mu sync.Mutex
	var checked []int
	check := checkerFunc(func(ctx context.Context, channelID int) (changelog.ChannelCheck, error) {
		mu.Lock()
		checked = append(checked, channelID)
		mu.Unlock()
		return changelog.ChannelCheck{ChannelID: channelID, Success: true}, nil
	})
	h := newHarness(t, testBackend(), check)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.match.SetRule(ctx, 1, newsRule()))
	require.NoError(t, h.match.SetRule(ctx, 2, matcher.ChannelRule{
		Name:     "Sports",
		Patterns: []matcher.Pattern{{Pattern: "Sports"}},
		Enabled:  false,
	}))

	go h.sched.deps.Worker.Run(ctx)

	h.sched.RunGlobalAction(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1}, checked, "only rule-enabled channels are force-checked")
	assert.Equal(t, 1, h.backend.refreshedAll)
	assert.Zero(t, h.dead.Len())
	assert.NotNil(t, h.auto.Get().LastGlobalCheck)
	assert.False(t, h.sched.GlobalActionActive())
}

func TestChannelProviders(t *testing.T) {
	backend := testBackend()
	ch := backend.channels[1]
	ch.Streams = []int{10, 11, 12} // two streams of provider 100, one of 200
	backend.channels[1] = ch
	h := newHarness(t, backend, nil)

	assert.ElementsMatch(t, []int{100, 200}, h.sched.channelProviders(1))
}

func TestMatchChannelAssignsForOneChannel(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	require.NoError(t, h.match.SetRule(ctx, 1, newsRule()))

	h.sched.matchChannel(ctx, 1)

	assert.Equal(t, []int{10, 11}, h.backend.orderPatches[1])
	rec, ok := h.tracker.Record(1)
	require.True(t, ok)
	assert.True(t, rec.NeedsCheck)
}

func TestEPGEventsQueueFlaggedChannels(t *testing.T) {
	backend := testBackend()
	now := time.Now()
	backend.epg = []model.EPGProgram{
		{ID: 1, ChannelID: 1, Title: "Evening News", StartTime: now.Add(30 * time.Second).Format(time.RFC3339)},
		{ID: 2, ChannelID: 2, Title: "Match Day", StartTime: now.Add(time.Minute).Format(time.RFC3339)},
		{ID: 3, ChannelID: 1, Title: "Old Show", StartTime: now.Add(-time.Hour).Format(time.RFC3339)},
	}
	h := newHarness(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, h.sched.deps.Channels.SetCheckAtProgramStart(ctx, 1, true))

	events, ok := h.sched.loadEPGEvents(ctx, now)
	require.True(t, ok)
	// Only the upcoming programme of the flagged channel survives.
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].channelID)

	remaining := h.sched.fireDueEvents(ctx, events, now.Add(time.Minute))
	assert.Empty(t, remaining)
	assert.Equal(t, []int{1}, h.queue.Snapshot().Queued)
}

func TestFireDueEventsKeepsFutureOnes(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	now := time.Now()
	events := []epgEvent{
		{channelID: 1, start: now.Add(-time.Second)},
		{channelID: 2, start: now.Add(time.Hour)},
	}

	remaining := h.sched.fireDueEvents(context.Background(), events, now)

	require.Len(t, remaining, 1)
	assert.Equal(t, 2, remaining[0].channelID)
	assert.Equal(t, []int{1}, h.queue.Snapshot().Queued)
}

func TestFireDueEventsForceImmuneChannels(t *testing.T) {
	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	now := time.Now()

	// Channel 1 was fully checked moments ago and sits inside the
	// immunity window.
	h.tracker.MarkChecked(ctx, 1, []int{10, 11})
	require.True(t, h.tracker.Immune(1, now))

	remaining := h.sched.fireDueEvents(ctx, []epgEvent{{channelID: 1, start: now.Add(-time.Second)}}, now)

	assert.Empty(t, remaining)
	assert.True(t, h.tracker.ForceCheck(1), "a programme start must bypass the immunity window")
	assert.False(t, h.tracker.Immune(1, now))
	assert.Equal(t, []int{1}, h.queue.Snapshot().Queued)
}

func TestSchedulerRunStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testBackend(), nil)
	ctx := context.Background()
	_, err := h.store.Update(ctx, func(s *config.CheckerSettings) { s.Enabled = false })
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		h.sched.Run(runCtx)
		close(done)
	}()

	h.sched.Wake()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
