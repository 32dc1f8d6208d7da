// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerCreatesAllDocuments(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(context.Background(), dir)
	defer m.Stop()

	for _, name := range []string{FileCheckerSettings, FileAutomationState, FileChannelSettings} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, "document %s should exist after NewManager", name)
	}
}

func TestManagerHotReload(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(ctx, dir)
	require.NoError(t, m.StartWatcher(ctx))
	defer m.Stop()

	changed := make(chan struct{}, 1)
	m.RegisterListener(changed)

	// External edit: flip a control and drop the file in place.
	next := m.Checker.Get()
	next.AutomationControls.AutoStreamMatching = true
	data, err := json.MarshalIndent(next, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileCheckerSettings), data, 0o644))

	require.Eventually(t, func() bool {
		return m.Checker.Get().AutomationControls.AutoStreamMatching
	}, 5*time.Second, 50*time.Millisecond, "edited setting should be visible after reload")

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never notified")
	}
}

func TestManagerIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(ctx, dir)
	require.NoError(t, m.StartWatcher(ctx))
	defer m.Stop()

	changed := make(chan struct{}, 1)
	m.RegisterListener(changed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))

	select {
	case <-changed:
		t.Fatal("unrelated file must not trigger a reload")
	case <-time.After(time.Second):
	}
}

func TestAutomationStoreMarks(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := filepath.Join(dir, FileAutomationState)

	store := OpenAutomationStore(ctx, path)
	require.Nil(t, store.Get().LastGlobalCheck, "fresh state has no global check")

	at := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkGlobalCheck(ctx, at))
	require.NoError(t, store.MarkPlaylistUpdate(ctx, at.Add(time.Hour)))

	reopened := OpenAutomationStore(ctx, path)
	got := reopened.Get()
	require.NotNil(t, got.LastGlobalCheck)
	require.True(t, got.LastGlobalCheck.Equal(at))
	require.NotNil(t, got.LastPlaylistUpdate)
	require.True(t, got.LastPlaylistUpdate.Equal(at.Add(time.Hour)))
}

func TestChannelSettingsPreferences(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := filepath.Join(dir, FileChannelSettings)

	store := OpenChannelSettingsStore(ctx, path)
	require.NoError(t, store.SetGroupPreference(ctx, 3, Max1080p))
	require.NoError(t, store.SetChannelPreference(ctx, 12, Prefer4K))

	s := store.Get()
	require.Equal(t, Prefer4K, s.PreferenceFor(12, 3), "channel entry wins")
	require.Equal(t, Max1080p, s.PreferenceFor(13, 3), "group entry inherited")
	require.Equal(t, PreferNone, s.PreferenceFor(13, 4), "no entry anywhere")

	// Clearing removes the entry.
	require.NoError(t, store.SetChannelPreference(ctx, 12, PreferNone))
	require.Equal(t, Max1080p, store.Get().PreferenceFor(12, 3))
}
