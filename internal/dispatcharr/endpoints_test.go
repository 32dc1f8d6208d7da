// SPDX-License-Identifier: MIT

package dispatcharr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeAggregator serves canned responses keyed by path.
type fakeAggregator struct {
	t       *testing.T
	mux     *http.ServeMux
	server  *httptest.Server
	patches []json.RawMessage
}

func newFakeAggregator(t *testing.T) *fakeAggregator {
	t.Helper()
	f := &fakeAggregator{t: t, mux: http.NewServeMux()}
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAggregator) client() *Client {
	c, err := New(Options{
		BaseURL:  f.server.URL,
		Username: "admin",
		Password: "hunter2",
		Token:    "seeded",
		Timeout:  2 * time.Second,
	})
	if err != nil {
		f.t.Fatalf("New: %v", err)
	}
	return c
}

func (f *fakeAggregator) serveJSON(path string, payload any) {
	f.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(payload)
	})
}

func TestChannelsFollowsPagination(t *testing.T) {
	f := newFakeAggregator(t)
	page2 := f.server.URL + channelsPath + "?page=2"
	f.mux.HandleFunc(channelsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{{"id": 3, "name": "Gamma"}},
				"next":    nil,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"id": 1, "name": "Alpha"}, {"id": 2, "name": "Beta"}},
			"next":    page2,
		})
	})

	channels, err := f.client().Channels(context.Background())
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if len(channels) != 3 {
		t.Fatalf("expected 3 channels across pages, got %d", len(channels))
	}
	if channels[2].Name != "Gamma" {
		t.Fatalf("page order lost: %+v", channels)
	}
}

func TestChannelsAcceptsBareArray(t *testing.T) {
	f := newFakeAggregator(t)
	f.mux.HandleFunc(channelsPath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id": 7, "name": "Solo", "channel_number": "7.0"}]`))
	})

	channels, err := f.client().Channels(context.Background())
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != 7 {
		t.Fatalf("unexpected channels: %+v", channels)
	}
	if float64(channels[0].ChannelNumber) != 7.0 {
		t.Fatalf("channel_number not decoded: %+v", channels[0])
	}
}

func TestStreamsAcceptsDataWrapper(t *testing.T) {
	f := newFakeAggregator(t)
	f.mux.HandleFunc(streamsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_size") != streamPageSize {
			t.Errorf("expected page_size=%s, got %q", streamPageSize, r.URL.Query().Get("page_size"))
		}
		_, _ = w.Write([]byte(`{"data": [{"id": 11, "name": "Feed", "url": "http://src/11"}]}`))
	})

	streams, err := f.client().Streams(context.Background())
	if err != nil {
		t.Fatalf("Streams: %v", err)
	}
	if len(streams) != 1 || streams[0].URL != "http://src/11" {
		t.Fatalf("unexpected streams: %+v", streams)
	}
}

func TestUpdateChannelStreamsPatchBody(t *testing.T) {
	f := newFakeAggregator(t)
	f.mux.HandleFunc(channelsPath+"42/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if string(body["streams"]) != "[5,3,9]" {
			t.Errorf("unexpected streams payload: %s", body["streams"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42, "streams": []int{5, 3, 9}})
	})

	ch, err := f.client().UpdateChannelStreams(context.Background(), 42, []int{5, 3, 9})
	if err != nil {
		t.Fatalf("UpdateChannelStreams: %v", err)
	}
	if len(ch.Streams) != 3 || ch.Streams[0] != 5 {
		t.Fatalf("unexpected echo: %+v", ch)
	}
}

func TestUpdateChannelStreamsNilBecomesEmptyList(t *testing.T) {
	f := newFakeAggregator(t)
	f.mux.HandleFunc(channelsPath+"42/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		if string(body["streams"]) != "[]" {
			t.Errorf("nil slice must serialize as [], got %s", body["streams"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42})
	})

	if _, err := f.client().UpdateChannelStreams(context.Background(), 42, nil); err != nil {
		t.Fatalf("UpdateChannelStreams: %v", err)
	}
}

func TestUpdateStreamStatsBodyShape(t *testing.T) {
	f := newFakeAggregator(t)
	f.mux.HandleFunc(streamsPath+"9/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		var body struct {
			StreamStats map[string]any `json:"stream_stats"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.StreamStats["resolution"] != "1920x1080" {
			t.Errorf("unexpected stats: %v", body.StreamStats)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 9})
	})

	stats := map[string]any{
		"resolution":            "1920x1080",
		"source_fps":            29.97,
		"video_codec":           "h264",
		"audio_codec":           "aac",
		"ffmpeg_output_bitrate": 5100,
	}
	if _, err := f.client().UpdateStreamStats(context.Background(), 9, stats); err != nil {
		t.Fatalf("UpdateStreamStats: %v", err)
	}
}

func TestAnyCustomStream(t *testing.T) {
	f := newFakeAggregator(t)
	f.mux.HandleFunc(streamsPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("is_custom") != "true" || q.Get("page_size") != "1" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"id": 77, "name": "Custom", "is_custom": true}},
			"next":    nil,
		})
	})

	stream, ok, err := f.client().AnyCustomStream(context.Background())
	if err != nil {
		t.Fatalf("AnyCustomStream: %v", err)
	}
	if !ok || stream.ID != 77 || !stream.IsCustom {
		t.Fatalf("unexpected result: %+v ok=%v", stream, ok)
	}
}

func TestAnyCustomStreamEmpty(t *testing.T) {
	f := newFakeAggregator(t)
	f.serveJSON(streamsPath, map[string]any{"results": []any{}, "next": nil})

	_, ok, err := f.client().AnyCustomStream(context.Background())
	if err != nil {
		t.Fatalf("AnyCustomStream: %v", err)
	}
	if ok {
		t.Fatal("expected no custom stream")
	}
}

func TestProvidersDecodeProfiles(t *testing.T) {
	f := newFakeAggregator(t)
	f.serveJSON(accountsPath, []map[string]any{{
		"id":          3,
		"name":        "BigIPTV",
		"max_streams": 4,
		"is_active":   true,
		"profiles": []map[string]any{
			{"id": 30, "name": "default", "max_streams": 2, "is_active": true},
			{"id": 31, "name": "backup", "max_streams": 2, "is_active": false},
		},
	}})

	providers, err := f.client().Providers(context.Background())
	if err != nil {
		t.Fatalf("Providers: %v", err)
	}
	if len(providers) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(providers))
	}
	p := providers[0]
	if len(p.Profiles) != 2 || p.Profiles[1].Name != "backup" {
		t.Fatalf("profiles not decoded: %+v", p)
	}
	if got := p.EffectiveMaxStreams(); got != 2 {
		t.Fatalf("active profile capacity: expected 2, got %d", got)
	}
}

func TestRefreshPlaylistPaths(t *testing.T) {
	f := newFakeAggregator(t)
	var gotAll, gotOne bool
	f.mux.HandleFunc(refreshPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotAll = true
		w.WriteHeader(http.StatusAccepted)
	})
	f.mux.HandleFunc(refreshPath+"5/", func(w http.ResponseWriter, r *http.Request) {
		gotOne = true
		w.WriteHeader(http.StatusAccepted)
	})

	c := f.client()
	if err := c.RefreshAllPlaylists(context.Background()); err != nil {
		t.Fatalf("RefreshAllPlaylists: %v", err)
	}
	if err := c.RefreshPlaylist(context.Background(), 5); err != nil {
		t.Fatalf("RefreshPlaylist: %v", err)
	}
	if !gotAll || !gotOne {
		t.Fatalf("refresh endpoints not hit: all=%v one=%v", gotAll, gotOne)
	}
}

func TestProxyStatusDirectAndWrapped(t *testing.T) {
	direct := map[string]any{
		"12": map[string]any{"state": "active", "clients": 2},
		"13": map[string]any{"state": "idle"},
	}
	for _, wrapped := range []bool{false, true} {
		name := "direct"
		payload := any(direct)
		if wrapped {
			name = "wrapped"
			payload = map[string]any{"channels": direct}
		}
		t.Run(name, func(t *testing.T) {
			f := newFakeAggregator(t)
			f.serveJSON(proxyStatusPath, payload)

			status, err := f.client().ProxyStatus(context.Background())
			if err != nil {
				t.Fatalf("ProxyStatus: %v", err)
			}
			if !status.ChannelActive(12) {
				t.Fatal("channel 12 should be active")
			}
			if status.ChannelActive(13) {
				t.Fatal("channel 13 should be idle")
			}
		})
	}
}

func TestChannelStreamsOrderPreserved(t *testing.T) {
	f := newFakeAggregator(t)
	f.mux.HandleFunc(channelsPath+"8/streams/", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 30, "name": "first"},
			{"id": 10, "name": "second"},
			{"id": 20, "name": "third"},
		})
	})

	streams, err := f.client().ChannelStreams(context.Background(), 8)
	if err != nil {
		t.Fatalf("ChannelStreams: %v", err)
	}
	got := fmt.Sprintf("%d,%d,%d", streams[0].ID, streams[1].ID, streams[2].ID)
	if got != "30,10,20" {
		t.Fatalf("order must match the wire, got %s", got)
	}
}

func TestDecodeListRejectsUnknownShape(t *testing.T) {
	if _, _, err := decodeList[miniItem](json.RawMessage(`{"items": []}`)); err == nil {
		t.Fatal("expected error for unknown list shape")
	}
}

// miniItem is a tiny local type so decodeList can be exercised directly.
type miniItem struct {
	ID int `json:"id"`
}
