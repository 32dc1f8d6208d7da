// SPDX-License-Identifier: MIT

package dispatcharr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
)

// envTokenKey mirrors the variable the daemon reads at startup; a
// refreshed token is written back so child processes see the same value.
const envTokenKey = "CHECKARR_DISPATCHARR_TOKEN"

const tokenPath = "/api/accounts/token/"

// tokenStore serializes access to the bearer token.
type tokenStore struct {
	mu    sync.RWMutex
	token string
}

func (t *tokenStore) get() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *tokenStore) set(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// refreshToken logs in with the configured credentials and swaps the
// bearer token. Concurrent callers share a single login request.
func (c *Client) refreshToken(ctx context.Context) error {
	_, err, _ := c.refresh.Do("token", func() (any, error) {
		if c.username == "" || c.password == "" {
			return nil, &APIError{
				Sentinel:  ErrUnauthorized,
				Operation: "token refresh",
				Err:       errors.New("no credentials configured"),
			}
		}

		payload, err := json.Marshal(map[string]string{
			"username": c.username,
			"password": c.password,
		})
		if err != nil {
			return nil, &APIError{Sentinel: ErrBadResponse, Operation: "token refresh", Err: err}
		}

		raw, status, err := c.roundTrip(ctx, "token_refresh", http.MethodPost, tokenPath, nil, payload)
		if err != nil {
			return nil, err
		}
		if status < 200 || status > 299 {
			return nil, &APIError{
				Sentinel:  ErrUnauthorized,
				Operation: "token refresh",
				Status:    status,
				Body:      snippet(raw),
			}
		}

		var res struct {
			Access string `json:"access"`
			Token  string `json:"token"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &APIError{Sentinel: ErrBadResponse, Operation: "token refresh", Err: err}
		}
		token := res.Access
		if token == "" {
			token = res.Token
		}
		if token == "" {
			return nil, &APIError{
				Sentinel:  ErrBadResponse,
				Operation: "token refresh",
				Err:       errors.New("login response carries no token"),
			}
		}

		c.tokens.set(token)
		_ = os.Setenv(envTokenKey, token)
		observeTokenRefresh()
		c.logger.Info().Str("event", "auth.token_refreshed").Msg("bearer token refreshed")
		return nil, nil
	})
	return err
}
