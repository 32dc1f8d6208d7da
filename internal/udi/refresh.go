// SPDX-License-Identifier: MIT

package udi

import (
	"context"
	"fmt"
	"time"

	"github.com/checkarr/checkarr/internal/metrics"
	"github.com/checkarr/checkarr/internal/model"
)

// RefreshAll refetches every entity. Each entity refresh is idempotent
// and atomic on its own; a failure in one leaves the others updated.
func (x *Index) RefreshAll(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(x.RefreshProviders(ctx))
	keep(x.RefreshGroups(ctx))
	keep(x.RefreshLogos(ctx))
	keep(x.RefreshStreams(ctx))
	keep(x.RefreshChannels(ctx))
	keep(x.RefreshChannelProfiles(ctx))
	return firstErr
}

// RefreshChannels refetches the channel list.
func (x *Index) RefreshChannels(ctx context.Context) error {
	channels, err := x.client.Channels(ctx)
	if err != nil {
		metrics.IncUDIRefresh("channels", "failure")
		return fmt.Errorf("udi: refresh channels: %w", err)
	}

	x.mu.Lock()
	next := x.snap
	next.channels = channels
	x.snap = buildSnapshot(next)
	x.meta.RefreshedAt["channels"] = time.Now()
	x.mu.Unlock()

	metrics.IncUDIRefresh("channels", "success")
	metrics.SetUDIEntities("channels", len(channels))
	x.persist(ctx, fileChannels, channels)
	return nil
}

// RefreshChannelByID refetches one channel, the cheap hot-path update
// after a PATCH.
func (x *Index) RefreshChannelByID(ctx context.Context, id int) (model.Channel, error) {
	ch, err := x.client.Channel(ctx, id)
	if err != nil {
		return model.Channel{}, fmt.Errorf("udi: refresh channel %d: %w", id, err)
	}
	x.UpdateChannel(ctx, ch)
	return ch, nil
}

// RefreshStreams refetches the stream list.
func (x *Index) RefreshStreams(ctx context.Context) error {
	streams, err := x.client.Streams(ctx)
	if err != nil {
		metrics.IncUDIRefresh("streams", "failure")
		return fmt.Errorf("udi: refresh streams: %w", err)
	}

	x.mu.Lock()
	next := x.snap
	next.streams = streams
	x.snap = buildSnapshot(next)
	x.meta.RefreshedAt["streams"] = time.Now()
	x.mu.Unlock()

	metrics.IncUDIRefresh("streams", "success")
	metrics.SetUDIEntities("streams", len(streams))
	x.persist(ctx, fileStreams, streams)
	return nil
}

// RefreshGroups refetches the channel groups.
func (x *Index) RefreshGroups(ctx context.Context) error {
	groups, err := x.client.Groups(ctx)
	if err != nil {
		metrics.IncUDIRefresh("groups", "failure")
		return fmt.Errorf("udi: refresh groups: %w", err)
	}

	x.mu.Lock()
	next := x.snap
	next.groups = groups
	x.snap = buildSnapshot(next)
	x.meta.RefreshedAt["groups"] = time.Now()
	x.mu.Unlock()

	metrics.IncUDIRefresh("groups", "success")
	metrics.SetUDIEntities("groups", len(groups))
	x.persist(ctx, fileGroups, groups)
	return nil
}

// RefreshLogos refetches the logos.
func (x *Index) RefreshLogos(ctx context.Context) error {
	logos, err := x.client.Logos(ctx)
	if err != nil {
		metrics.IncUDIRefresh("logos", "failure")
		return fmt.Errorf("udi: refresh logos: %w", err)
	}

	x.mu.Lock()
	next := x.snap
	next.logos = logos
	x.snap = buildSnapshot(next)
	x.meta.RefreshedAt["logos"] = time.Now()
	x.mu.Unlock()

	metrics.IncUDIRefresh("logos", "success")
	metrics.SetUDIEntities("logos", len(logos))
	x.persist(ctx, fileLogos, logos)
	return nil
}

// RefreshProviders refetches the M3U accounts with their profiles.
func (x *Index) RefreshProviders(ctx context.Context) error {
	providers, err := x.client.Providers(ctx)
	if err != nil {
		metrics.IncUDIRefresh("providers", "failure")
		return fmt.Errorf("udi: refresh providers: %w", err)
	}

	x.mu.Lock()
	next := x.snap
	next.providers = providers
	x.snap = buildSnapshot(next)
	x.meta.RefreshedAt["providers"] = time.Now()
	x.mu.Unlock()

	metrics.IncUDIRefresh("providers", "success")
	metrics.SetUDIEntities("providers", len(providers))
	x.persist(ctx, fileProviders, providers)
	return nil
}

// RefreshChannelProfiles refetches the aggregator's output profiles and
// persists the derived profile-to-channels map alongside.
func (x *Index) RefreshChannelProfiles(ctx context.Context) error {
	profiles, err := x.client.ChannelProfiles(ctx)
	if err != nil {
		metrics.IncUDIRefresh("channel_profiles", "failure")
		return fmt.Errorf("udi: refresh channel profiles: %w", err)
	}

	x.mu.Lock()
	next := x.snap
	next.channelProfiles = profiles
	x.snap = buildSnapshot(next)
	x.meta.RefreshedAt["channel_profiles"] = time.Now()
	x.mu.Unlock()

	metrics.IncUDIRefresh("channel_profiles", "success")
	x.persist(ctx, fileChannelProfiles, profiles)

	profileChannels := make(map[int][]int, len(profiles))
	for _, p := range profiles {
		var enabled []int
		for _, m := range p.Channels {
			if m.Enabled {
				enabled = append(enabled, m.ChannelID)
			}
		}
		profileChannels[p.ID] = enabled
	}
	x.persist(ctx, fileProfileChannels, profileChannels)
	return nil
}
