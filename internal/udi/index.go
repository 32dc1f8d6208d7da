// SPDX-License-Identifier: MIT

// Package udi is the universal data index: the local mirror of the
// aggregator's channels, streams, groups, logos, providers and channel
// profiles. The index owns the canonical in-memory copy; everything else
// reads through it and mutates via its write-through methods.
package udi

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/cache"
	"github.com/checkarr/checkarr/internal/fsio"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/model"
)

// SchemaVersion guards the snapshot files; a bumped version discards
// and refetches rather than guessing at old shapes.
const SchemaVersion = 1

// proxyStatusTTL bounds how stale the live viewer map may be.
const proxyStatusTTL = 5 * time.Second

// Snapshot file names inside the udi directory.
const (
	fileChannels        = "channels.json"
	fileStreams         = "streams.json"
	fileGroups          = "channel_groups.json"
	fileLogos           = "logos.json"
	fileProviders       = "m3u_accounts.json"
	fileChannelProfiles = "channel_profiles.json"
	fileProfileChannels = "profile_channels.json"
	fileMetadata        = "metadata.json"
)

// Aggregator is the slice of the client the index consumes.
type Aggregator interface {
	Channels(ctx context.Context) ([]model.Channel, error)
	Channel(ctx context.Context, id int) (model.Channel, error)
	Streams(ctx context.Context) ([]model.Stream, error)
	Groups(ctx context.Context) ([]model.ChannelGroup, error)
	Logos(ctx context.Context) ([]model.Logo, error)
	Providers(ctx context.Context) ([]model.Provider, error)
	ChannelProfiles(ctx context.Context) ([]model.ChannelProfile, error)
	ProxyStatus(ctx context.Context) (model.ProxyStatus, error)
}

// CheckingSource reports in-flight probe counts. The concurrency
// limiter plugs in here so profile availability can count probes that
// have not yet shown up in the aggregator's viewer map.
type CheckingSource interface {
	CheckingForProvider(providerID int) int
	CheckingOnProfile(profileID int) int
}

// metadata is the snapshot bookkeeping document.
type metadata struct {
	SchemaVersion int                  `json:"schema_version"`
	RefreshedAt   map[string]time.Time `json:"refreshed_at"`
}

// snapshot holds one consistent view of every entity. Bulk refreshes
// build a new snapshot off to the side and swap it in under the write
// lock, so readers always see either the old state or the new one.
type snapshot struct {
	channels        []model.Channel
	streams         []model.Stream
	groups          []model.ChannelGroup
	logos           []model.Logo
	providers       []model.Provider
	channelProfiles []model.ChannelProfile

	channelByID  map[int]int // id -> index into channels
	streamByID   map[int]int
	streamByURL  map[string]int
	groupByID    map[int]int
	logoByID     map[int]int
	providerByID map[int]int
	// profileProvider maps a profile id to its owning provider id.
	profileProvider map[int]int
}

func buildSnapshot(s snapshot) snapshot {
	s.channelByID = make(map[int]int, len(s.channels))
	for i, c := range s.channels {
		s.channelByID[c.ID] = i
	}
	s.streamByID = make(map[int]int, len(s.streams))
	s.streamByURL = make(map[string]int, len(s.streams))
	for i, st := range s.streams {
		s.streamByID[st.ID] = i
		if st.URL != "" {
			s.streamByURL[st.URL] = i
		}
	}
	s.groupByID = make(map[int]int, len(s.groups))
	for i, g := range s.groups {
		s.groupByID[g.ID] = i
	}
	s.logoByID = make(map[int]int, len(s.logos))
	for i, l := range s.logos {
		s.logoByID[l.ID] = i
	}
	s.providerByID = make(map[int]int, len(s.providers))
	s.profileProvider = make(map[int]int)
	for i, p := range s.providers {
		s.providerByID[p.ID] = i
		for _, prof := range p.Profiles {
			s.profileProvider[prof.ID] = p.ID
		}
	}
	return s
}

// Index is the universal data index.
type Index struct {
	mu   sync.RWMutex
	snap snapshot
	meta metadata

	client   Aggregator
	dir      string
	logger   zerolog.Logger
	checking CheckingSource

	proxyStatus cache.Typed[model.ProxyStatus]
}

// New builds an index persisting under dir and caching the live proxy
// status on c.
func New(client Aggregator, dir string, c cache.Cache) *Index {
	return &Index{
		snap:        buildSnapshot(snapshot{}),
		meta:        metadata{SchemaVersion: SchemaVersion, RefreshedAt: make(map[string]time.Time)},
		client:      client,
		dir:         dir,
		logger:      log.WithComponent("udi"),
		proxyStatus: cache.NewTyped[model.ProxyStatus](c, "udi:proxy_status", proxyStatusTTL),
	}
}

// SetCheckingSource wires the limiter in after construction. Without a
// source, in-flight probes count as zero.
func (x *Index) SetCheckingSource(s CheckingSource) {
	x.mu.Lock()
	x.checking = s
	x.mu.Unlock()
}

// LoadSnapshot restores the persisted entity files. Missing files are
// normal on first start; a schema mismatch discards everything so the
// next refresh starts clean.
func (x *Index) LoadSnapshot(ctx context.Context) {
	var meta metadata
	if err := fsio.LoadJSON(filepath.Join(x.dir, fileMetadata), &meta); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			x.logger.Warn().Err(err).Msg("snapshot metadata unreadable, starting empty")
		}
		return
	}
	if meta.SchemaVersion != SchemaVersion {
		x.logger.Info().
			Int("found", meta.SchemaVersion).
			Int("want", SchemaVersion).
			Msg("snapshot schema changed, discarding persisted state")
		return
	}
	if meta.RefreshedAt == nil {
		meta.RefreshedAt = make(map[string]time.Time)
	}

	var s snapshot
	load := func(name string, v any) {
		if err := fsio.LoadJSON(filepath.Join(x.dir, name), v); err != nil && !errors.Is(err, os.ErrNotExist) {
			x.logger.Warn().Err(err).Str("file", name).Msg("snapshot file unreadable, leaving entity empty")
		}
	}
	load(fileChannels, &s.channels)
	load(fileStreams, &s.streams)
	load(fileGroups, &s.groups)
	load(fileLogos, &s.logos)
	load(fileProviders, &s.providers)
	load(fileChannelProfiles, &s.channelProfiles)

	x.mu.Lock()
	x.snap = buildSnapshot(s)
	x.meta = meta
	x.mu.Unlock()

	x.logger.Info().
		Str("event", "udi.snapshot_loaded").
		Int("channels", len(s.channels)).
		Int("streams", len(s.streams)).
		Int("providers", len(s.providers)).
		Msg("snapshot restored from disk")
}

// persist writes one entity file plus the metadata document.
func (x *Index) persist(ctx context.Context, name string, v any) {
	if err := fsio.SaveJSON(ctx, filepath.Join(x.dir, name), v); err != nil {
		x.logger.Error().Err(err).Str("file", name).Msg("persist snapshot file")
	}
	x.mu.RLock()
	meta := metadata{SchemaVersion: SchemaVersion, RefreshedAt: make(map[string]time.Time, len(x.meta.RefreshedAt))}
	for k, v := range x.meta.RefreshedAt {
		meta.RefreshedAt[k] = v
	}
	x.mu.RUnlock()
	if err := fsio.SaveJSON(ctx, filepath.Join(x.dir, fileMetadata), meta); err != nil {
		x.logger.Error().Err(err).Msg("persist snapshot metadata")
	}
}

// Channels returns every channel.
func (x *Index) Channels() []model.Channel {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]model.Channel(nil), x.snap.channels...)
}

// ChannelByID looks up one channel.
func (x *Index) ChannelByID(id int) (model.Channel, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, ok := x.snap.channelByID[id]
	if !ok {
		return model.Channel{}, false
	}
	return x.snap.channels[i], true
}

// Streams returns every stream.
func (x *Index) Streams() []model.Stream {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]model.Stream(nil), x.snap.streams...)
}

// StreamByID looks up one stream.
func (x *Index) StreamByID(id int) (model.Stream, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, ok := x.snap.streamByID[id]
	if !ok {
		return model.Stream{}, false
	}
	return x.snap.streams[i], true
}

// StreamByURL looks up a stream by its playlist URL.
func (x *Index) StreamByURL(url string) (model.Stream, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, ok := x.snap.streamByURL[url]
	if !ok {
		return model.Stream{}, false
	}
	return x.snap.streams[i], true
}

// ChannelStreams returns the channel's streams in play order. Stream
// ids the index does not know are skipped.
func (x *Index) ChannelStreams(channelID int) []model.Stream {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ci, ok := x.snap.channelByID[channelID]
	if !ok {
		return nil
	}
	var out []model.Stream
	for _, sid := range x.snap.channels[ci].Streams {
		if si, ok := x.snap.streamByID[sid]; ok {
			out = append(out, x.snap.streams[si])
		}
	}
	return out
}

// ValidStreamIDs returns the set of ids currently present.
func (x *Index) ValidStreamIDs() map[int]struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[int]struct{}, len(x.snap.streamByID))
	for id := range x.snap.streamByID {
		out[id] = struct{}{}
	}
	return out
}

// StreamURLs returns the set of URLs currently present, for dead-entry
// cleanup.
func (x *Index) StreamURLs() map[string]struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]struct{}, len(x.snap.streamByURL))
	for url := range x.snap.streamByURL {
		out[url] = struct{}{}
	}
	return out
}

// HasCustomStreams reports whether any hand-added stream exists.
func (x *Index) HasCustomStreams() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, s := range x.snap.streams {
		if s.IsCustom {
			return true
		}
	}
	return false
}

// Groups returns every channel group.
func (x *Index) Groups() []model.ChannelGroup {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]model.ChannelGroup(nil), x.snap.groups...)
}

// GroupByID looks up one group.
func (x *Index) GroupByID(id int) (model.ChannelGroup, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, ok := x.snap.groupByID[id]
	if !ok {
		return model.ChannelGroup{}, false
	}
	return x.snap.groups[i], true
}

// Logos returns every logo.
func (x *Index) Logos() []model.Logo {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]model.Logo(nil), x.snap.logos...)
}

// LogoByID looks up one logo.
func (x *Index) LogoByID(id int) (model.Logo, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, ok := x.snap.logoByID[id]
	if !ok {
		return model.Logo{}, false
	}
	return x.snap.logos[i], true
}

// Providers returns every provider.
func (x *Index) Providers() []model.Provider {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]model.Provider(nil), x.snap.providers...)
}

// ProviderByID looks up one provider.
func (x *Index) ProviderByID(id int) (model.Provider, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, ok := x.snap.providerByID[id]
	if !ok {
		return model.Provider{}, false
	}
	return x.snap.providers[i], true
}

// ProviderForProfile resolves which provider owns a profile.
func (x *Index) ProviderForProfile(profileID int) (model.Provider, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	pid, ok := x.snap.profileProvider[profileID]
	if !ok {
		return model.Provider{}, false
	}
	i, ok := x.snap.providerByID[pid]
	if !ok {
		return model.Provider{}, false
	}
	return x.snap.providers[i], true
}

// ChannelProfiles returns the aggregator's output profiles.
func (x *Index) ChannelProfiles() []model.ChannelProfile {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]model.ChannelProfile(nil), x.snap.channelProfiles...)
}

// LastFullRefresh returns when the streams entity was last refreshed,
// the proxy for overall snapshot freshness.
func (x *Index) LastFullRefresh() time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.meta.RefreshedAt["streams"]
}

// UpdateChannel mirrors an already-PATCHed channel into the index and
// snapshot. The caller performed the aggregator write.
func (x *Index) UpdateChannel(ctx context.Context, ch model.Channel) {
	x.mu.Lock()
	if i, ok := x.snap.channelByID[ch.ID]; ok {
		x.snap.channels[i] = ch
	} else {
		x.snap.channels = append(x.snap.channels, ch)
		x.snap.channelByID[ch.ID] = len(x.snap.channels) - 1
	}
	channels := append([]model.Channel(nil), x.snap.channels...)
	x.mu.Unlock()

	x.persist(ctx, fileChannels, channels)
}

// UpdateStream mirrors an already-PATCHed stream into the index and
// snapshot.
func (x *Index) UpdateStream(ctx context.Context, st model.Stream) {
	x.mu.Lock()
	if i, ok := x.snap.streamByID[st.ID]; ok {
		old := x.snap.streams[i]
		if old.URL != st.URL {
			delete(x.snap.streamByURL, old.URL)
			if st.URL != "" {
				x.snap.streamByURL[st.URL] = i
			}
		}
		x.snap.streams[i] = st
	} else {
		x.snap.streams = append(x.snap.streams, st)
		i := len(x.snap.streams) - 1
		x.snap.streamByID[st.ID] = i
		if st.URL != "" {
			x.snap.streamByURL[st.URL] = i
		}
	}
	streams := append([]model.Stream(nil), x.snap.streams...)
	x.mu.Unlock()

	x.persist(ctx, fileStreams, streams)
}
