// SPDX-License-Identifier: MIT

// Package model holds the aggregator entities mirrored by the data index.
// Decoding is deliberately tolerant: the aggregator evolves, renders some
// numbers as strings, and occasionally wraps nested objects in JSON-encoded
// strings. Unknown fields are ignored everywhere.
package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Channel mirrors one channel record. The Streams slice is the channel's
// play order; position 0 is the preferred stream.
type Channel struct {
	ID             int       `json:"id"`
	Name           string    `json:"name"`
	ChannelNumber  FlexFloat `json:"channel_number,omitempty"`
	ChannelGroupID FlexInt   `json:"channel_group_id,omitempty"`
	TVGID          string    `json:"tvg_id,omitempty"`
	EPGDataID      FlexInt   `json:"epg_data_id,omitempty"`
	LogoID         FlexInt   `json:"logo_id,omitempty"`
	Streams        []int     `json:"streams"`
	UUID           string    `json:"uuid,omitempty"`
}

// Stream mirrors one stream record. StreamStats reflects the last
// successful probe; nil means never probed or last probe failed.
type Stream struct {
	ID             int          `json:"id"`
	Name           string       `json:"name"`
	URL            string       `json:"url"`
	M3UAccount     *FlexInt     `json:"m3u_account"`
	IsCustom       bool         `json:"is_custom,omitempty"`
	StreamStats    *StreamStats `json:"stream_stats,omitempty"`
	CurrentViewers FlexInt      `json:"current_viewers,omitempty"`
}

// ProviderID returns the owning M3U account id. Custom streams have none.
func (s Stream) ProviderID() (int, bool) {
	if s.M3UAccount == nil {
		return 0, false
	}
	return s.M3UAccount.Int(), true
}

// StreamStats is the probe result stored on a stream.
type StreamStats struct {
	Resolution        string  `json:"resolution,omitempty"`
	SourceFPS         float64 `json:"source_fps,omitempty"`
	VideoCodec        string  `json:"video_codec,omitempty"`
	AudioCodec        string  `json:"audio_codec,omitempty"`
	OutputBitrateKbps float64 `json:"ffmpeg_output_bitrate_kbps,omitempty"`
}

// UnmarshalJSON accepts stats as an object, as a JSON-encoded string
// wrapping an object, or as null. The bitrate is read from either the
// `_kbps`-suffixed key or the bare one; fps may arrive as a string.
func (s *StreamStats) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = StreamStats{}
		return nil
	}
	if b[0] == '"' {
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return err
		}
		inner = strings.TrimSpace(inner)
		if inner == "" || inner == "null" {
			*s = StreamStats{}
			return nil
		}
		return s.UnmarshalJSON([]byte(inner))
	}

	var raw struct {
		Resolution  string    `json:"resolution"`
		SourceFPS   FlexFloat `json:"source_fps"`
		VideoCodec  string    `json:"video_codec"`
		AudioCodec  string    `json:"audio_codec"`
		BitrateKbps FlexFloat `json:"ffmpeg_output_bitrate_kbps"`
		BitrateAlt  FlexFloat `json:"ffmpeg_output_bitrate"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Resolution = raw.Resolution
	s.SourceFPS = raw.SourceFPS.Float64()
	s.VideoCodec = raw.VideoCodec
	s.AudioCodec = raw.AudioCodec
	s.OutputBitrateKbps = raw.BitrateKbps.Float64()
	if s.OutputBitrateKbps == 0 {
		s.OutputBitrateKbps = raw.BitrateAlt.Float64()
	}
	return nil
}

// ChannelGroup is reference data for grouping channels.
type ChannelGroup struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	ChannelCount FlexInt `json:"channel_count,omitempty"`
}

// Logo is reference data for channel artwork.
type Logo struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	CacheURL string `json:"cache_url,omitempty"`
}

// PriorityMode controls how a provider's priority feeds into scoring.
type PriorityMode string

const (
	PriorityDisabled       PriorityMode = "disabled"
	PriorityAllStreams     PriorityMode = "all_streams"
	PrioritySameResolution PriorityMode = "same_resolution"
)

// Provider mirrors one M3U account: a source playlist with a
// concurrent-stream budget and zero or more profiles.
type Provider struct {
	ID           int          `json:"id"`
	Name         string       `json:"name"`
	IsActive     bool         `json:"is_active"`
	MaxStreams   int          `json:"max_streams"`
	Priority     FlexInt      `json:"priority,omitempty"`
	PriorityMode PriorityMode `json:"priority_mode,omitempty"`
	AccountType  string       `json:"account_type,omitempty"`
	Profiles     []Profile    `json:"profiles,omitempty"`
}

// IsCustomAccount reports whether this is the aggregator's synthetic
// account for hand-added streams. Its playlist cannot be refreshed.
func (p Provider) IsCustomAccount() bool {
	return strings.EqualFold(p.AccountType, "custom") || strings.EqualFold(p.Name, "custom")
}

// ActiveProfiles returns the provider's active profiles in order.
func (p Provider) ActiveProfiles() []Profile {
	var out []Profile
	for _, prof := range p.Profiles {
		if prof.IsActive {
			out = append(out, prof)
		}
	}
	return out
}

// ProfileByID looks up a profile of this provider by id.
func (p Provider) ProfileByID(id int) (Profile, bool) {
	for _, prof := range p.Profiles {
		if prof.ID == id {
			return prof, true
		}
	}
	return Profile{}, false
}

// EffectiveMaxStreams returns the provider's concurrent-stream capacity.
// With profiles present the capacity is the sum of active-profile budgets;
// a single unlimited profile makes the whole account unlimited. Zero means
// unlimited throughout.
func (p Provider) EffectiveMaxStreams() int {
	active := p.ActiveProfiles()
	if len(active) == 0 {
		return p.MaxStreams
	}
	sum := 0
	for _, prof := range active {
		if prof.MaxStreams == 0 {
			return 0
		}
		sum += prof.MaxStreams
	}
	return sum
}

// Profile is a sub-credential of a provider with its own budget and an
// optional URL rewrite rule.
type Profile struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	IsActive       bool   `json:"is_active"`
	MaxStreams     int    `json:"max_streams"`
	SearchPattern  string `json:"search_pattern,omitempty"`
	ReplacePattern string `json:"replace_pattern,omitempty"`
}

// HasTransform reports whether the profile carries a usable rewrite rule.
// Empty or whitespace-only patterns mean "no transformation".
func (p Profile) HasTransform() bool {
	return strings.TrimSpace(p.SearchPattern) != "" && strings.TrimSpace(p.ReplacePattern) != ""
}

// ChannelProfile is an output grouping of channels on the aggregator side.
type ChannelProfile struct {
	ID       int                        `json:"id"`
	Name     string                     `json:"name"`
	Channels []ChannelProfileMembership `json:"channels,omitempty"`
}

// ChannelProfileMembership links a channel into a channel profile.
type ChannelProfileMembership struct {
	ID        int  `json:"id"`
	ChannelID int  `json:"channel_id"`
	Enabled   bool `json:"enabled"`
}

// EPGProgram is one programme row from the aggregator's EPG grid.
type EPGProgram struct {
	ID        FlexInt `json:"id"`
	StartTime string  `json:"start_time"`
	EndTime   string  `json:"end_time"`
	Title     string  `json:"title"`
	TVGID     string  `json:"tvg_id"`
	ChannelID FlexInt `json:"channel,omitempty"`
}

// ParseResolution splits a "WxH" string into integer width and height.
// "0x0" parses fine; callers decide what zero means.
func ParseResolution(s string) (width, height int, ok bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "n/a" {
		return 0, 0, false
	}
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}
