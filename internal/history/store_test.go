// SPDX-License-Identifier: MIT

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndQueryByStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, Record{
		StreamID: 11, ChannelID: 3, ProviderID: 7, URL: "http://p/a",
		Status: "OK", Score: 2.8, Resolution: "1920x1080", FPS: 25, BitrateKbps: 6000,
		VideoCodec: "h264", AudioCodec: "aac", Elapsed: 12.3,
	}))
	require.NoError(t, s.Add(ctx, Record{
		StreamID: 11, ChannelID: 3, ProviderID: 7, URL: "http://p/a",
		Status: "Error", Elapsed: 30,
	}))
	require.NoError(t, s.Add(ctx, Record{
		StreamID: 12, ChannelID: 3, ProviderID: 7, URL: "http://p/b", Status: "OK",
	}))

	recs, err := s.ByStream(ctx, 11, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Newest first.
	assert.Equal(t, "Error", recs[0].Status)
	assert.Equal(t, "OK", recs[1].Status)
	assert.Equal(t, "1920x1080", recs[1].Resolution)
	assert.Equal(t, 7, recs[1].ProviderID)
}

func TestProviderFailureRates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Add(ctx, Record{StreamID: 1, ProviderID: 7, URL: "u", Status: "OK"}))
	}
	require.NoError(t, s.Add(ctx, Record{StreamID: 1, ProviderID: 7, URL: "u", Status: "Timeout"}))
	require.NoError(t, s.Add(ctx, Record{StreamID: 2, ProviderID: 9, URL: "v", Status: "OK"}))
	// Custom streams (provider 0) stay out of the aggregation.
	require.NoError(t, s.Add(ctx, Record{StreamID: 3, ProviderID: 0, URL: "w", Status: "Error"}))

	stats, err := s.ProviderFailureRates(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, 7, stats[0].ProviderID)
	assert.Equal(t, 4, stats[0].Probes)
	assert.Equal(t, 1, stats[0].Failures)
	assert.InDelta(t, 0.25, stats[0].FailRate, 1e-9)

	assert.Equal(t, 9, stats[1].ProviderID)
	assert.Zero(t, stats[1].Failures)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, Record{
		StreamID: 1, URL: "u", Status: "OK",
		ProbedAt: time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, s.Add(ctx, Record{StreamID: 1, URL: "u", Status: "OK"}))

	removed, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
