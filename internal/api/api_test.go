// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkarr/checkarr/internal/cache"
	"github.com/checkarr/checkarr/internal/changelog"
	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/deadtrack"
	"github.com/checkarr/checkarr/internal/health"
	"github.com/checkarr/checkarr/internal/history"
	"github.com/checkarr/checkarr/internal/model"
	"github.com/checkarr/checkarr/internal/queue"
	"github.com/checkarr/checkarr/internal/udi"
)

// fakeBackend feeds the data index.
type fakeBackend struct {
	channels  []model.Channel
	streams   []model.Stream
	providers []model.Provider
}

func (f *fakeBackend) Channels(ctx context.Context) ([]model.Channel, error) {
	return f.channels, nil
}

func (f *fakeBackend) Channel(ctx context.Context, id int) (model.Channel, error) {
	for _, c := range f.channels {
		if c.ID == id {
			return c, nil
		}
	}
	return model.Channel{}, errors.New("channel not found")
}

func (f *fakeBackend) Streams(ctx context.Context) ([]model.Stream, error) { return f.streams, nil }

func (f *fakeBackend) Groups(ctx context.Context) ([]model.ChannelGroup, error) { return nil, nil }

func (f *fakeBackend) Logos(ctx context.Context) ([]model.Logo, error) { return nil, nil }

func (f *fakeBackend) Providers(ctx context.Context) ([]model.Provider, error) {
	return f.providers, nil
}

func (f *fakeBackend) ChannelProfiles(ctx context.Context) ([]model.ChannelProfile, error) {
	return nil, nil
}

func (f *fakeBackend) ProxyStatus(ctx context.Context) (model.ProxyStatus, error) {
	return model.ProxyStatus{}, nil
}

// fakeControl stands in for the scheduler.
type fakeControl struct {
	mu             sync.Mutex
	globalActive   bool
	cycleTriggers  int
	globalTriggers int
	checkErr       error
	checked        chan int
}

func newFakeControl() *fakeControl {
	return &fakeControl{checked: make(chan int, 1)}
}

func (f *fakeControl) TriggerPlaylistCycle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycleTriggers++
}

func (f *fakeControl) TriggerGlobalAction() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalTriggers++
}

func (f *fakeControl) GlobalActionActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.globalActive
}

func (f *fakeControl) CheckSingleChannel(ctx context.Context, channelID int) (changelog.ChannelCheck, error) {
	f.checked <- channelID
	return changelog.ChannelCheck{ChannelID: channelID}, f.checkErr
}

type harness struct {
	ts       *httptest.Server
	control  *fakeControl
	queue    *queue.Queue
	dead     *deadtrack.Tracker
	settings *config.CheckerStore
	clog     *changelog.Log
	progress *changelog.Progress
}

func testBackend() *fakeBackend {
	return &fakeBackend{
		channels: []model.Channel{
			{ID: 1, Name: "News HD", Streams: []int{10}},
			{ID: 2, Name: "Sports", Streams: []int{11}},
		},
		streams: []model.Stream{
			{ID: 10, Name: "News A", URL: "http://p1/a.ts"},
			{ID: 11, Name: "Sports A", URL: "http://p2/b.ts"},
		},
		providers: []model.Provider{
			{ID: 100, Name: "Provider One", IsActive: true, MaxStreams: 5},
		},
	}
}

func newHarness(t *testing.T, hist *history.Store) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	idx := udi.New(testBackend(), filepath.Join(dir, "udi"), cache.NewMemory(0))
	require.NoError(t, idx.RefreshAll(ctx))

	clog, err := changelog.Open(ctx, filepath.Join(dir, "changelog.json"))
	require.NoError(t, err)

	h := &harness{
		control:  newFakeControl(),
		queue:    queue.New(16),
		dead:     deadtrack.Open(ctx, filepath.Join(dir, "dead.json")),
		settings: config.OpenCheckerStore(ctx, filepath.Join(dir, "checker.json")),
		clog:     clog,
		progress: changelog.NewProgress(filepath.Join(dir, "progress.json")),
	}

	srv := New(Deps{
		Health:     health.NewManager("test"),
		Index:      idx,
		Queue:      h.queue,
		Dead:       h.dead,
		Control:    h.control,
		Settings:   h.settings,
		Automation: config.OpenAutomationStore(ctx, filepath.Join(dir, "automation.json")),
		Progress:   h.progress,
		Changelog:  clog,
		History:    hist,
	})
	h.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "healthy")

	code, _ = h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.Enqueue(1, queue.PriorityManual)

	code, body := h.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Enabled)
	assert.False(t, resp.GlobalActionActive)
	assert.Equal(t, 2, resp.Channels)
	assert.Equal(t, 2, resp.Streams)
	assert.Equal(t, 1, resp.Providers)
	assert.Equal(t, 0, resp.DeadStreams)
	assert.Equal(t, []int{1}, resp.Queue.Queued)
	require.NotNil(t, resp.LastFullRefresh)
}

func TestProgressEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.progress.Step(context.Background(), 1, "News HD", "probing", "stream 10", 1, 2)

	code, body := h.do(t, http.MethodGet, "/api/progress", nil)
	require.Equal(t, http.StatusOK, code)

	var snap []changelog.ChannelProgress
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].ChannelID)
	assert.Equal(t, "probing", snap[0].Step)
}

func TestChangelogEndpointHonorsLimit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.clog.Record(ctx, changelog.ActionPlaylistRefresh, nil)
	h.clog.Record(ctx, changelog.ActionGlobalCheck, nil)
	h.clog.Record(ctx, changelog.ActionSingleChannelCheck, nil)

	code, body := h.do(t, http.MethodGet, "/api/changelog?limit=2", nil)
	require.Equal(t, http.StatusOK, code)

	var entries []changelog.Entry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, changelog.ActionSingleChannelCheck, entries[0].Action)
	assert.Equal(t, changelog.ActionGlobalCheck, entries[1].Action)
}

func TestConfigRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, code)

	var cfg config.CheckerSettings
	require.NoError(t, json.Unmarshal(body, &cfg))
	cfg.ConcurrentStreams.GlobalLimit = 9

	code, _ = h.do(t, http.MethodPut, "/api/config", cfg)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 9, h.settings.Get().ConcurrentStreams.GlobalLimit)
}

func TestPutConfigRejectsBadCron(t *testing.T) {
	h := newHarness(t, nil)

	cfg := h.settings.Get()
	cfg.GlobalCheckSchedule.CronExpression = "not a cron"

	code, body := h.do(t, http.MethodPut, "/api/config", cfg)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, string(body), "cron_expression")
}

func TestPutConfigRejectsMalformedBody(t *testing.T) {
	h := newHarness(t, nil)

	req, err := http.NewRequest(http.MethodPut, h.ts.URL+"/api/config", bytes.NewBufferString("{nope"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckChannelStartsDetachedCheck(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodPost, "/api/check/channel/1", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Contains(t, string(body), `"started"`)

	select {
	case id := <-h.control.checked:
		assert.Equal(t, 1, id)
	case <-time.After(2 * time.Second):
		t.Fatal("check was never started")
	}
}

func TestCheckChannelRejectsBadID(t *testing.T) {
	h := newHarness(t, nil)

	code, _ := h.do(t, http.MethodPost, "/api/check/channel/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCheckChannelConflictsWithGlobalAction(t *testing.T) {
	h := newHarness(t, nil)
	h.control.globalActive = true

	code, _ := h.do(t, http.MethodPost, "/api/check/channel/1", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestCheckAllTriggersGlobalAction(t *testing.T) {
	h := newHarness(t, nil)

	code, _ := h.do(t, http.MethodPost, "/api/check/all", nil)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 1, h.control.globalTriggers)

	h.control.globalActive = true
	code, _ = h.do(t, http.MethodPost, "/api/check/all", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 1, h.control.globalTriggers)
}

func TestPlaylistRefreshTrigger(t *testing.T) {
	h := newHarness(t, nil)

	code, _ := h.do(t, http.MethodPost, "/api/playlist/refresh", nil)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 1, h.control.cycleTriggers)
}

func TestQueueSnapshotAndClear(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.Enqueue(1, queue.PriorityUpdate)
	h.queue.Enqueue(2, queue.PriorityManual)

	code, body := h.do(t, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, code)
	var snap queue.Status
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Len(t, snap.Queued, 2)

	code, body = h.do(t, http.MethodPost, "/api/queue/clear", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"cleared":2}`, string(body))
	assert.Equal(t, 0, h.queue.Depth())
}

func TestDeadStreamsViewAndReset(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.dead.MarkDead(ctx, "http://p1/a.ts", 10, "News A", 1)

	code, body := h.do(t, http.MethodGet, "/api/dead", nil)
	require.Equal(t, http.StatusOK, code)
	var entries []deadtrack.Entry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 10, entries[0].StreamID)

	code, body = h.do(t, http.MethodDelete, "/api/dead", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"cleared":1}`, string(body))
	assert.Equal(t, 0, h.dead.Len())
}

func TestHistoryDisabled(t *testing.T) {
	h := newHarness(t, nil)

	code, _ := h.do(t, http.MethodGet, "/api/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHistoryByStream(t *testing.T) {
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, hist.Add(ctx, history.Record{
		StreamID: 10, ChannelID: 1, ProviderID: 100,
		URL: "http://p1/a.ts", Status: "OK", Score: 0.91, ProbedAt: now,
	}))
	require.NoError(t, hist.Add(ctx, history.Record{
		StreamID: 11, ChannelID: 2, ProviderID: 100,
		URL: "http://p2/b.ts", Status: "Error", ProbedAt: now,
	}))

	h := newHarness(t, hist)

	code, body := h.do(t, http.MethodGet, "/api/history?stream_id=10", nil)
	require.Equal(t, http.StatusOK, code)
	var records []history.Record
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 1)
	assert.Equal(t, 10, records[0].StreamID)

	code, body = h.do(t, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &records))
	assert.Len(t, records, 2)

	code, _ = h.do(t, http.MethodGet, "/api/history?stream_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSecurityHeaders(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
}
