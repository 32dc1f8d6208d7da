// SPDX-License-Identifier: MIT

// Package dispatcharr is the HTTP client for the channel aggregator.
// All reads and writes go through here: bearer-token auth with one-shot
// re-login on 401, paginated list endpoints, and typed errors carrying
// status and body for the boundary.
package dispatcharr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/checkarr/checkarr/internal/httpx"
	"github.com/checkarr/checkarr/internal/log"
)

// Responses larger than this are treated as malformed.
const maxResponseBytes = 16 << 20

// Options configures the aggregator client.
type Options struct {
	BaseURL  string
	Username string
	Password string
	Token    string        // optional pre-seeded bearer token
	Timeout  time.Duration // outer bound per request

	// HTTPClient overrides the default hardened client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the aggregator API.
type Client struct {
	base     string
	http     *http.Client
	username string
	password string

	tokens  tokenStore
	refresh singleflight.Group

	logger zerolog.Logger
}

// New builds a Client. The transport is traced via otelhttp; spans are
// no-ops until a tracer provider is installed.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("dispatcharr: base URL required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = httpx.NewClient(opts.Timeout)
		httpClient.Transport = otelhttp.NewTransport(httpClient.Transport)
	}

	c := &Client{
		base:     base,
		http:     httpClient,
		username: opts.Username,
		password: opts.Password,
		logger:   log.WithComponent("dispatcharr"),
	}
	c.tokens.set(opts.Token)
	return c, nil
}

// Fetch GETs path and decodes the JSON response into out (out may be nil).
func (c *Client) Fetch(ctx context.Context, path string, query url.Values, out any) error {
	raw, err := c.do(ctx, "fetch", http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return c.decode("fetch", raw, out)
}

// Patch sends a JSON PATCH to path and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	raw, err := c.do(ctx, "patch", http.MethodPatch, path, nil, body)
	if err != nil {
		return err
	}
	return c.decode("patch", raw, out)
}

// Post sends a JSON POST to path and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	raw, err := c.do(ctx, "post", http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	return c.decode("post", raw, out)
}

func (c *Client) decode(op string, raw json.RawMessage, out any) error {
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Sentinel: ErrBadResponse, Operation: op, Err: err}
	}
	return nil
}

// do executes one JSON request. On 401 the token is refreshed (shared
// across concurrent callers) and the request replayed exactly once.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &APIError{Sentinel: ErrBadResponse, Operation: op, Err: err}
		}
	}

	raw, status, err := c.roundTrip(ctx, op, method, path, query, payload)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		if err := c.refreshToken(ctx); err != nil {
			return nil, err
		}
		raw, status, err = c.roundTrip(ctx, op, method, path, query, payload)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			observeRequest(op, "unauthorized")
			return nil, &APIError{Sentinel: ErrUnauthorized, Operation: op, Status: status, Body: snippet(raw)}
		}
	}

	if status < 200 || status > 299 {
		sentinel := sentinelForStatus(status)
		observeRequest(op, outcomeName(sentinel))
		return nil, &APIError{Sentinel: sentinel, Operation: op, Status: status, Body: snippet(raw)}
	}

	observeRequest(op, "success")
	return raw, nil
}

// roundTrip performs a single HTTP exchange and returns the body bytes
// and status. Transport failures come back as typed errors.
func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path, query), reader)
	if err != nil {
		return nil, 0, &APIError{Sentinel: ErrBadResponse, Operation: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.tokens.get(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	observeDuration(op, time.Since(start))
	if err != nil {
		sentinel := ErrUnavailable
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			sentinel = ErrTimeout
		}
		observeRequest(op, outcomeName(sentinel))
		return nil, 0, &APIError{Sentinel: sentinel, Operation: op, Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		observeRequest(op, outcomeName(ErrUnavailable))
		return nil, 0, &APIError{Sentinel: ErrUnavailable, Operation: op, Status: res.StatusCode, Err: err}
	}
	return data, res.StatusCode, nil
}

// resolve joins a path with the base URL. Absolute URLs (pagination
// `next` links) pass through untouched.
func (c *Client) resolve(path string, query url.Values) string {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = c.base + path
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u
}

// snippet trims a response body for inclusion in error messages.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

func outcomeName(sentinel error) string {
	switch {
	case errors.Is(sentinel, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(sentinel, ErrForbidden):
		return "forbidden"
	case errors.Is(sentinel, ErrNotFound):
		return "not_found"
	case errors.Is(sentinel, ErrServerError):
		return "server_error"
	case errors.Is(sentinel, ErrTimeout):
		return "timeout"
	case errors.Is(sentinel, ErrUnavailable):
		return "unavailable"
	default:
		return "bad_response"
	}
}
