// SPDX-License-Identifier: MIT

package dispatcharr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/checkarr/checkarr/internal/model"
)

// Aggregator endpoint paths.
const (
	channelsPath        = "/api/channels/channels/"
	streamsPath         = "/api/channels/streams/"
	groupsPath          = "/api/channels/groups/"
	logosPath           = "/api/channels/logos/"
	accountsPath        = "/api/m3u/accounts/"
	refreshPath         = "/api/m3u/refresh/"
	channelProfilesPath = "/api/channels/profiles/"
	epgGridPath         = "/api/epg/grid/"
	proxyStatusPath     = "/proxy/ts/status"
	fromStreamPath      = "/api/channels/channels/from-stream/"
)

// streamPageSize keeps stream list pages at a size the aggregator serves
// quickly even with tens of thousands of streams.
const streamPageSize = "100"

// decodeList accepts a bare JSON array, a DRF-style page with `results`
// and `next`, or a `data` wrapper. It returns the items plus the next
// page URL ("" when done).
func decodeList[T any](raw json.RawMessage) ([]T, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		err := json.Unmarshal(trimmed, &items)
		return items, "", err
	}

	var page struct {
		Results json.RawMessage `json:"results"`
		Data    json.RawMessage `json:"data"`
		Next    *string         `json:"next"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, "", err
	}
	body := page.Results
	if body == nil {
		body = page.Data
	}
	if body == nil {
		return nil, "", fmt.Errorf("response has neither results nor data")
	}

	var items []T
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, "", err
	}
	next := ""
	if page.Next != nil {
		next = *page.Next
	}
	return items, next, nil
}

// fetchPaged follows `next` links until null, collecting all items.
func fetchPaged[T any](ctx context.Context, c *Client, op, path string, query url.Values) ([]T, error) {
	var all []T
	next := path
	q := query
	for next != "" {
		raw, err := c.do(ctx, op, http.MethodGet, next, q, nil)
		if err != nil {
			return nil, err
		}
		items, nextURL, err := decodeList[T](raw)
		if err != nil {
			return nil, &APIError{Sentinel: ErrBadResponse, Operation: op, Err: err}
		}
		all = append(all, items...)
		next, q = nextURL, nil
	}
	return all, nil
}

// Channels lists every channel, following pagination.
func (c *Client) Channels(ctx context.Context) ([]model.Channel, error) {
	return fetchPaged[model.Channel](ctx, c, "channels.list", channelsPath, nil)
}

// Channel fetches one channel by id.
func (c *Client) Channel(ctx context.Context, id int) (model.Channel, error) {
	var out model.Channel
	raw, err := c.do(ctx, "channels.get", http.MethodGet, fmt.Sprintf("%s%d/", channelsPath, id), nil, nil)
	if err != nil {
		return out, err
	}
	return out, c.decode("channels.get", raw, &out)
}

// UpdateChannelStreams PATCHes the channel's ordered stream id list.
func (c *Client) UpdateChannelStreams(ctx context.Context, id int, streamIDs []int) (model.Channel, error) {
	if streamIDs == nil {
		streamIDs = []int{}
	}
	var out model.Channel
	raw, err := c.do(ctx, "channels.patch_streams", http.MethodPatch,
		fmt.Sprintf("%s%d/", channelsPath, id), nil, map[string]any{"streams": streamIDs})
	if err != nil {
		return out, err
	}
	return out, c.decode("channels.patch_streams", raw, &out)
}

// ChannelStreams lists the channel's streams in channel order.
func (c *Client) ChannelStreams(ctx context.Context, id int) ([]model.Stream, error) {
	return fetchPaged[model.Stream](ctx, c, "channels.streams",
		fmt.Sprintf("%s%d/streams/", channelsPath, id), nil)
}

// CreateChannelFromStream asks the aggregator to wrap a stream in a new
// channel.
func (c *Client) CreateChannelFromStream(ctx context.Context, body any) (model.Channel, error) {
	var out model.Channel
	raw, err := c.do(ctx, "channels.from_stream", http.MethodPost, fromStreamPath, nil, body)
	if err != nil {
		return out, err
	}
	return out, c.decode("channels.from_stream", raw, &out)
}

// Streams lists every stream, following pagination.
func (c *Client) Streams(ctx context.Context) ([]model.Stream, error) {
	q := url.Values{"page_size": {streamPageSize}}
	return fetchPaged[model.Stream](ctx, c, "streams.list", streamsPath, q)
}

// Stream fetches one stream by id.
func (c *Client) Stream(ctx context.Context, id int) (model.Stream, error) {
	var out model.Stream
	raw, err := c.do(ctx, "streams.get", http.MethodGet, fmt.Sprintf("%s%d/", streamsPath, id), nil, nil)
	if err != nil {
		return out, err
	}
	return out, c.decode("streams.get", raw, &out)
}

// UpdateStreamStats PATCHes probe results onto a stream. The stats map
// carries only non-null fields; the caller filters N/A values.
func (c *Client) UpdateStreamStats(ctx context.Context, id int, stats map[string]any) (model.Stream, error) {
	var out model.Stream
	raw, err := c.do(ctx, "streams.patch_stats", http.MethodPatch,
		fmt.Sprintf("%s%d/", streamsPath, id), nil, map[string]any{"stream_stats": stats})
	if err != nil {
		return out, err
	}
	return out, c.decode("streams.patch_stats", raw, &out)
}

// AnyCustomStream fetches a single custom stream if one exists.
func (c *Client) AnyCustomStream(ctx context.Context) (model.Stream, bool, error) {
	q := url.Values{"is_custom": {"true"}, "page_size": {"1"}}
	raw, err := c.do(ctx, "streams.any_custom", http.MethodGet, streamsPath, q, nil)
	if err != nil {
		return model.Stream{}, false, err
	}
	items, _, err := decodeList[model.Stream](raw)
	if err != nil {
		return model.Stream{}, false, &APIError{Sentinel: ErrBadResponse, Operation: "streams.any_custom", Err: err}
	}
	if len(items) == 0 {
		return model.Stream{}, false, nil
	}
	return items[0], true, nil
}

// Groups lists all channel groups.
func (c *Client) Groups(ctx context.Context) ([]model.ChannelGroup, error) {
	return fetchPaged[model.ChannelGroup](ctx, c, "groups.list", groupsPath, nil)
}

// Logos lists all logos.
func (c *Client) Logos(ctx context.Context) ([]model.Logo, error) {
	return fetchPaged[model.Logo](ctx, c, "logos.list", logosPath, nil)
}

// Logo fetches one logo by id.
func (c *Client) Logo(ctx context.Context, id int) (model.Logo, error) {
	var out model.Logo
	raw, err := c.do(ctx, "logos.get", http.MethodGet, fmt.Sprintf("%s%d/", logosPath, id), nil, nil)
	if err != nil {
		return out, err
	}
	return out, c.decode("logos.get", raw, &out)
}

// Providers lists all M3U accounts with their profiles.
func (c *Client) Providers(ctx context.Context) ([]model.Provider, error) {
	return fetchPaged[model.Provider](ctx, c, "providers.list", accountsPath, nil)
}

// RefreshAllPlaylists asks the aggregator to re-pull every playlist.
func (c *Client) RefreshAllPlaylists(ctx context.Context) error {
	_, err := c.do(ctx, "providers.refresh_all", http.MethodPost, refreshPath, nil, nil)
	return err
}

// RefreshPlaylist asks the aggregator to re-pull one provider's playlist.
func (c *Client) RefreshPlaylist(ctx context.Context, providerID int) error {
	_, err := c.do(ctx, "providers.refresh", http.MethodPost,
		fmt.Sprintf("%s%d/", refreshPath, providerID), nil, nil)
	return err
}

// ChannelProfiles lists the aggregator's output channel profiles.
func (c *Client) ChannelProfiles(ctx context.Context) ([]model.ChannelProfile, error) {
	return fetchPaged[model.ChannelProfile](ctx, c, "channel_profiles.list", channelProfilesPath, nil)
}

// EPGGrid fetches the current EPG grid.
func (c *Client) EPGGrid(ctx context.Context) ([]model.EPGProgram, error) {
	return fetchPaged[model.EPGProgram](ctx, c, "epg.grid", epgGridPath, nil)
}

// ProxyStatus fetches the real-time channel activity map.
func (c *Client) ProxyStatus(ctx context.Context) (model.ProxyStatus, error) {
	raw, err := c.do(ctx, "proxy.status", http.MethodGet, proxyStatusPath, nil, nil)
	if err != nil {
		return nil, err
	}

	var direct model.ProxyStatus
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}

	// Some builds wrap the map in a "channels" key.
	var wrapped struct {
		Channels model.ProxyStatus `json:"channels"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.Channels == nil {
		return nil, &APIError{Sentinel: ErrBadResponse, Operation: "proxy.status", Err: err}
	}
	return wrapped.Channels, nil
}
