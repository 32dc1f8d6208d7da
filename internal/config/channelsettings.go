// SPDX-License-Identifier: MIT

package config

import (
	"context"

	"github.com/checkarr/checkarr/internal/log"
)

// QualityPreference biases the scorer for a channel or a whole group.
type QualityPreference string

const (
	PreferNone QualityPreference = ""
	Prefer4K   QualityPreference = "prefer_4k"
	Avoid4K    QualityPreference = "avoid_4k"
	Max1080p   QualityPreference = "max_1080p"
	Max720p    QualityPreference = "max_720p"
)

// Known reports whether the value is one of the recognized preferences.
func (p QualityPreference) Known() bool {
	switch p {
	case PreferNone, Prefer4K, Avoid4K, Max1080p, Max720p:
		return true
	}
	return false
}

// ChannelPreference holds the per-channel (or per-group) knobs.
type ChannelPreference struct {
	QualityPreference QualityPreference `json:"quality_preference,omitempty"`

	// CheckAtProgramStart schedules a one-shot check of the channel
	// whenever a new programme begins on it.
	CheckAtProgramStart bool `json:"check_at_program_start,omitempty"`
}

// ChannelSettings is the channel_settings.json document. A channel entry
// overrides its group's entry.
type ChannelSettings struct {
	Channels map[int]ChannelPreference `json:"channels"`
	Groups   map[int]ChannelPreference `json:"groups"`
}

// PreferenceFor resolves the effective quality preference for a channel,
// consulting the channel entry first and the group entry second.
func (s ChannelSettings) PreferenceFor(channelID, groupID int) QualityPreference {
	if pref, ok := s.Channels[channelID]; ok && pref.QualityPreference != PreferNone {
		return pref.QualityPreference
	}
	if pref, ok := s.Groups[groupID]; ok {
		return pref.QualityPreference
	}
	return PreferNone
}

// DefaultChannelSettings returns the empty document.
func DefaultChannelSettings() ChannelSettings {
	return ChannelSettings{
		Channels: map[int]ChannelPreference{},
		Groups:   map[int]ChannelPreference{},
	}
}

func cloneChannelSettings(in ChannelSettings) ChannelSettings {
	out := ChannelSettings{
		Channels: make(map[int]ChannelPreference, len(in.Channels)),
		Groups:   make(map[int]ChannelPreference, len(in.Groups)),
	}
	for k, v := range in.Channels {
		out.Channels[k] = v
	}
	for k, v := range in.Groups {
		out.Groups[k] = v
	}
	return out
}

func normalizeChannelSettings(s *ChannelSettings) bool {
	changed := false
	if s.Channels == nil {
		s.Channels = map[int]ChannelPreference{}
	}
	if s.Groups == nil {
		s.Groups = map[int]ChannelPreference{}
	}
	for id, pref := range s.Channels {
		if !pref.QualityPreference.Known() {
			pref.QualityPreference = PreferNone
			s.Channels[id] = pref
			changed = true
		}
	}
	for id, pref := range s.Groups {
		if !pref.QualityPreference.Known() {
			pref.QualityPreference = PreferNone
			s.Groups[id] = pref
			changed = true
		}
	}
	return changed
}

// ChannelSettingsStore guards the channel settings document.
type ChannelSettingsStore struct {
	doc *document[ChannelSettings]
}

// OpenChannelSettingsStore loads (or creates) the document at path.
func OpenChannelSettingsStore(ctx context.Context, path string) *ChannelSettingsStore {
	return &ChannelSettingsStore{
		doc: openDocument(ctx, path, log.WithComponent("config"),
			DefaultChannelSettings, cloneChannelSettings, normalizeChannelSettings),
	}
}

// Get returns a copy of the current settings.
func (s *ChannelSettingsStore) Get() ChannelSettings { return s.doc.get() }

// SetChannelPreference persists a per-channel quality preference.
// PreferNone removes the entry.
func (s *ChannelSettingsStore) SetChannelPreference(ctx context.Context, channelID int, pref QualityPreference) error {
	_, err := s.doc.update(ctx, func(cur *ChannelSettings) {
		entry := cur.Channels[channelID]
		entry.QualityPreference = pref
		if entry == (ChannelPreference{}) {
			delete(cur.Channels, channelID)
			return
		}
		cur.Channels[channelID] = entry
	})
	return err
}

// SetCheckAtProgramStart toggles the per-channel EPG-triggered check.
func (s *ChannelSettingsStore) SetCheckAtProgramStart(ctx context.Context, channelID int, on bool) error {
	_, err := s.doc.update(ctx, func(cur *ChannelSettings) {
		entry := cur.Channels[channelID]
		entry.CheckAtProgramStart = on
		if entry == (ChannelPreference{}) {
			delete(cur.Channels, channelID)
			return
		}
		cur.Channels[channelID] = entry
	})
	return err
}

// SetGroupPreference persists a per-group quality preference.
// PreferNone removes the entry.
func (s *ChannelSettingsStore) SetGroupPreference(ctx context.Context, groupID int, pref QualityPreference) error {
	_, err := s.doc.update(ctx, func(cur *ChannelSettings) {
		entry := cur.Groups[groupID]
		entry.QualityPreference = pref
		if entry == (ChannelPreference{}) {
			delete(cur.Groups, groupID)
			return
		}
		cur.Groups[groupID] = entry
	})
	return err
}

// Reload re-reads the document from disk.
func (s *ChannelSettingsStore) Reload(ctx context.Context) { s.doc.reload(ctx) }

// Path returns the backing file path.
func (s *ChannelSettingsStore) Path() string { return s.doc.path }
