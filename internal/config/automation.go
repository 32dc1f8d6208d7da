// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"time"

	"github.com/checkarr/checkarr/internal/log"
)

// DefaultUpdateIntervalMinutes is the playlist cycle cadence on first start.
const DefaultUpdateIntervalMinutes = 60

// AutomationState is the automation_config.json document: the scheduler's
// cadence plus its persisted high-water marks. A nil timestamp means
// "never happened".
type AutomationState struct {
	UpdateIntervalMinutes int        `json:"update_interval_minutes"`
	UpdateCron            string     `json:"update_cron,omitempty"`
	LastPlaylistUpdate    *time.Time `json:"last_playlist_update,omitempty"`
	LastGlobalCheck       *time.Time `json:"last_global_check,omitempty"`
}

// UpdateInterval is the playlist cycle cadence when no cron is configured.
func (a AutomationState) UpdateInterval() time.Duration {
	return time.Duration(a.UpdateIntervalMinutes) * time.Minute
}

// DefaultAutomationState returns the document written on first start.
func DefaultAutomationState() AutomationState {
	return AutomationState{UpdateIntervalMinutes: DefaultUpdateIntervalMinutes}
}

func cloneAutomationState(in AutomationState) AutomationState {
	out := in
	if in.LastPlaylistUpdate != nil {
		t := *in.LastPlaylistUpdate
		out.LastPlaylistUpdate = &t
	}
	if in.LastGlobalCheck != nil {
		t := *in.LastGlobalCheck
		out.LastGlobalCheck = &t
	}
	return out
}

func normalizeAutomationState(a *AutomationState) bool {
	if a.UpdateIntervalMinutes < 1 {
		a.UpdateIntervalMinutes = DefaultUpdateIntervalMinutes
		return true
	}
	return false
}

// AutomationStore guards the automation state document.
type AutomationStore struct {
	doc *document[AutomationState]
}

// OpenAutomationStore loads (or creates) the automation document at path.
func OpenAutomationStore(ctx context.Context, path string) *AutomationStore {
	return &AutomationStore{
		doc: openDocument(ctx, path, log.WithComponent("config"),
			DefaultAutomationState, cloneAutomationState, normalizeAutomationState),
	}
}

// Get returns a copy of the current state.
func (s *AutomationStore) Get() AutomationState { return s.doc.get() }

// Update mutates, persists and swaps the state atomically.
func (s *AutomationStore) Update(ctx context.Context, mutate func(*AutomationState)) (AutomationState, error) {
	return s.doc.update(ctx, mutate)
}

// MarkPlaylistUpdate records a completed playlist cycle.
func (s *AutomationStore) MarkPlaylistUpdate(ctx context.Context, at time.Time) error {
	_, err := s.Update(ctx, func(a *AutomationState) { a.LastPlaylistUpdate = &at })
	return err
}

// MarkGlobalCheck records a completed global action.
func (s *AutomationStore) MarkGlobalCheck(ctx context.Context, at time.Time) error {
	_, err := s.Update(ctx, func(a *AutomationState) { a.LastGlobalCheck = &at })
	return err
}

// Reload re-reads the document from disk.
func (s *AutomationStore) Reload(ctx context.Context) { s.doc.reload(ctx) }

// Path returns the backing file path.
func (s *AutomationStore) Path() string { return s.doc.path }
