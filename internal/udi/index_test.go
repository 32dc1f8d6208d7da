// SPDX-License-Identifier: MIT

package udi

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkarr/checkarr/internal/cache"
	"github.com/checkarr/checkarr/internal/model"
)

type fakeAggregator struct {
	channels        []model.Channel
	streams         []model.Stream
	groups          []model.ChannelGroup
	logos           []model.Logo
	providers       []model.Provider
	channelProfiles []model.ChannelProfile
	proxyStatus     model.ProxyStatus

	channelsErr error
	streamsErr  error
	proxyErr    error

	proxyCalls int
}

func (f *fakeAggregator) Channels(ctx context.Context) ([]model.Channel, error) {
	return f.channels, f.channelsErr
}

func (f *fakeAggregator) Channel(ctx context.Context, id int) (model.Channel, error) {
	for _, c := range f.channels {
		if c.ID == id {
			return c, nil
		}
	}
	return model.Channel{}, errors.New("channel not found")
}

func (f *fakeAggregator) Streams(ctx context.Context) ([]model.Stream, error) {
	return f.streams, f.streamsErr
}

func (f *fakeAggregator) Groups(ctx context.Context) ([]model.ChannelGroup, error) {
	return f.groups, nil
}

func (f *fakeAggregator) Logos(ctx context.Context) ([]model.Logo, error) {
	return f.logos, nil
}

func (f *fakeAggregator) Providers(ctx context.Context) ([]model.Provider, error) {
	return f.providers, nil
}

func (f *fakeAggregator) ChannelProfiles(ctx context.Context) ([]model.ChannelProfile, error) {
	return f.channelProfiles, nil
}

func (f *fakeAggregator) ProxyStatus(ctx context.Context) (model.ProxyStatus, error) {
	f.proxyCalls++
	return f.proxyStatus, f.proxyErr
}

func intPtr(v int) *model.FlexInt {
	fi := model.FlexInt(v)
	return &fi
}

func testFixture() *fakeAggregator {
	return &fakeAggregator{
		channels: []model.Channel{
			{ID: 1, Name: "News One", Streams: []int{10, 11}},
			{ID: 2, Name: "Sports Two", Streams: []int{12}},
		},
		streams: []model.Stream{
			{ID: 10, Name: "News One HD", URL: "http://prov-a/news.ts", M3UAccount: intPtr(100)},
			{ID: 11, Name: "News One SD", URL: "http://prov-b/news.ts", M3UAccount: intPtr(200)},
			{ID: 12, Name: "Sports Two", URL: "http://prov-a/sports.ts", M3UAccount: intPtr(100)},
		},
		groups: []model.ChannelGroup{{ID: 5, Name: "News"}},
		logos:  []model.Logo{{ID: 7, Name: "news.png"}},
		providers: []model.Provider{
			{ID: 100, Name: "Provider A", IsActive: true, MaxStreams: 2, Profiles: []model.Profile{
				{ID: 1000, Name: "default", IsActive: true, MaxStreams: 2},
			}},
			{ID: 200, Name: "Provider B", IsActive: true, MaxStreams: 1},
		},
		channelProfiles: []model.ChannelProfile{{ID: 3, Name: "all"}},
		proxyStatus:     model.ProxyStatus{},
	}
}

func newTestIndex(t *testing.T, agg *fakeAggregator) *Index {
	t.Helper()
	return New(agg, t.TempDir(), cache.NewMemory(0))
}

func TestRefreshAllBuildsIndexes(t *testing.T) {
	agg := testFixture()
	idx := newTestIndex(t, agg)

	require.NoError(t, idx.RefreshAll(context.Background()))

	if diff := cmp.Diff(agg.channels, idx.Channels()); diff != "" {
		t.Fatalf("channels mismatch (-want +got):\n%s", diff)
	}

	ch, ok := idx.ChannelByID(2)
	require.True(t, ok)
	assert.Equal(t, "Sports Two", ch.Name)

	st, ok := idx.StreamByURL("http://prov-b/news.ts")
	require.True(t, ok)
	assert.Equal(t, 11, st.ID)

	prov, ok := idx.ProviderForProfile(1000)
	require.True(t, ok)
	assert.Equal(t, 100, prov.ID)

	assert.False(t, idx.LastFullRefresh().IsZero())
}

func TestRefreshAllKeepsFirstError(t *testing.T) {
	agg := testFixture()
	agg.streamsErr = errors.New("boom")
	idx := newTestIndex(t, agg)

	err := idx.RefreshAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh streams")

	// the entities before the failure still refreshed
	assert.Len(t, idx.Providers(), 2)
	assert.Empty(t, idx.Streams())
}

func TestChannelStreamsSkipsUnknownIDs(t *testing.T) {
	agg := testFixture()
	agg.channels[0].Streams = []int{10, 999, 11}
	idx := newTestIndex(t, agg)
	require.NoError(t, idx.RefreshAll(context.Background()))

	streams := idx.ChannelStreams(1)
	require.Len(t, streams, 2)
	assert.Equal(t, 10, streams[0].ID)
	assert.Equal(t, 11, streams[1].ID)
}

func TestSnapshotPersistRoundTrip(t *testing.T) {
	agg := testFixture()
	dir := t.TempDir()
	idx := New(agg, dir, cache.NewMemory(0))
	require.NoError(t, idx.RefreshAll(context.Background()))

	// a fresh index over the same directory restores everything without
	// touching the aggregator
	restored := New(&fakeAggregator{}, dir, cache.NewMemory(0))
	restored.LoadSnapshot(context.Background())

	if diff := cmp.Diff(idx.Channels(), restored.Channels()); diff != "" {
		t.Fatalf("restored channels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(idx.Streams(), restored.Streams()); diff != "" {
		t.Fatalf("restored streams mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, idx.LastFullRefresh().Unix(), restored.LastFullRefresh().Unix())
}

func TestLoadSnapshotMissingDirStartsEmpty(t *testing.T) {
	idx := newTestIndex(t, &fakeAggregator{})
	idx.LoadSnapshot(context.Background())
	assert.Empty(t, idx.Channels())
	assert.True(t, idx.LastFullRefresh().IsZero())
}

func TestUpdateChannelMirrorsWrite(t *testing.T) {
	agg := testFixture()
	idx := newTestIndex(t, agg)
	require.NoError(t, idx.RefreshAll(context.Background()))

	ch, _ := idx.ChannelByID(1)
	ch.Streams = []int{11, 10}
	idx.UpdateChannel(context.Background(), ch)

	got, ok := idx.ChannelByID(1)
	require.True(t, ok)
	assert.Equal(t, []int{11, 10}, got.Streams)

	// unseen channels are appended
	idx.UpdateChannel(context.Background(), model.Channel{ID: 3, Name: "Movies"})
	_, ok = idx.ChannelByID(3)
	assert.True(t, ok)
}

func TestUpdateStreamReindexesURL(t *testing.T) {
	agg := testFixture()
	idx := newTestIndex(t, agg)
	require.NoError(t, idx.RefreshAll(context.Background()))

	st, _ := idx.StreamByID(10)
	st.URL = "http://prov-a/news-v2.ts"
	idx.UpdateStream(context.Background(), st)

	_, ok := idx.StreamByURL("http://prov-a/news-v2.ts")
	assert.True(t, ok)
}

func TestValidStreamIDsAndURLs(t *testing.T) {
	agg := testFixture()
	idx := newTestIndex(t, agg)
	require.NoError(t, idx.RefreshAll(context.Background()))

	ids := idx.ValidStreamIDs()
	assert.Len(t, ids, 3)
	_, ok := ids[12]
	assert.True(t, ok)

	urls := idx.StreamURLs()
	_, ok = urls["http://prov-a/sports.ts"]
	assert.True(t, ok)
}

func TestHasCustomStreams(t *testing.T) {
	agg := testFixture()
	idx := newTestIndex(t, agg)
	require.NoError(t, idx.RefreshAll(context.Background()))
	assert.False(t, idx.HasCustomStreams())

	agg.streams = append(agg.streams, model.Stream{ID: 13, Name: "Hand-added", URL: "http://x/y.ts", IsCustom: true})
	require.NoError(t, idx.RefreshStreams(context.Background()))
	assert.True(t, idx.HasCustomStreams())
}

func TestRefreshChannelByID(t *testing.T) {
	agg := testFixture()
	idx := newTestIndex(t, agg)
	require.NoError(t, idx.RefreshAll(context.Background()))

	agg.channels[0].Name = "News One Renamed"
	ch, err := idx.RefreshChannelByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "News One Renamed", ch.Name)

	got, _ := idx.ChannelByID(1)
	assert.Equal(t, "News One Renamed", got.Name)
}
