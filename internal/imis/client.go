// Package imis is the authenticated client for the remote membership API.
// It owns the token lifecycle, transient-failure backoff, the single
// 401-triggered reauthenticate-and-replay, and normalization of the two
// incompatible response generations into one canonical shape.
package imis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"imigrate/internal/metrics"
	"imigrate/internal/models"
	"imigrate/internal/vault"
	"imigrate/internal/worker"

	"github.com/rs/zerolog"
)

type Client struct {
	env    models.Environment
	vault  *vault.Vault
	httpc  *http.Client
	retry  worker.RetryPolicy
	logger zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithRetryPolicy replaces the transient-failure backoff policy.
func WithRetryPolicy(policy worker.RetryPolicy) Option {
	return func(c *Client) { c.retry = policy }
}

func NewClient(env models.Environment, v *vault.Vault, logger *zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		env:    env,
		vault:  v,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		retry:  worker.TransientPolicy(),
		logger: logger.With().Str("component", "imis-client").Int64("env_id", env.ID).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Environment returns the environment this client talks to.
func (c *Client) Environment() models.Environment {
	return c.env
}

// Ping acquires a token without issuing any further request. Used by job
// pre-flight to verify credentials before rows move.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ensureToken(ctx)
	return err
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.request(ctx, http.MethodGet, path, query, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.request(ctx, http.MethodPost, path, nil, body)
}

// request runs the full per-request protocol: cached-or-acquired token,
// transient retry, one reauthenticate-and-replay on 401, error mapping.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	endpoint := c.endpoint(path, query)

	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	data, status, err := c.attemptWithRetry(ctx, method, endpoint, body, token)
	if err != nil {
		return nil, &RequestError{Endpoint: endpoint, Err: err}
	}

	if status == http.StatusUnauthorized {
		c.logger.Warn().Str("endpoint", endpoint).Msg("401 after valid-looking token, reauthenticating")
		token, err = c.reauthenticate(ctx, token)
		if err != nil {
			return nil, err
		}

		data, status, err = c.attemptWithRetry(ctx, method, endpoint, body, token)
		if err != nil {
			return nil, &RequestError{Endpoint: endpoint, Err: err}
		}
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s rejected a freshly acquired token", ErrAuthenticationFailed, endpoint)
		}
	}

	if status >= 300 {
		return nil, &ResponseError{Endpoint: endpoint, StatusCode: status, Body: string(data)}
	}
	return data, nil
}

// attemptWithRetry retries transport errors, 5xx and 429 with backoff.
// Other statuses, 401 included, return to the caller on the first attempt.
// An exhausted 5xx/429 comes back as its final status, not an error, so the
// caller maps it to a ResponseError with the body intact.
func (c *Client) attemptWithRetry(ctx context.Context, method, endpoint string, body any, token string) ([]byte, int, error) {
	var lastData []byte
	var lastStatus int
	var lastErr error

	for attempt := 1; ; attempt++ {
		data, status, err := c.attempt(ctx, method, endpoint, body, token)
		switch {
		case err != nil:
			lastData, lastStatus, lastErr = nil, 0, err
		case status >= 500 || status == http.StatusTooManyRequests:
			lastData, lastStatus, lastErr = data, status, nil
		default:
			return data, status, nil
		}

		if attempt >= c.retry.MaxAttempts {
			return lastData, lastStatus, lastErr
		}

		c.logger.Debug().
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Int("status", lastStatus).
			Err(lastErr).
			Msg("transient failure, backing off")

		if err := c.retry.Sleep(ctx, attempt); err != nil {
			return nil, 0, err
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, body any, token string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// ensureToken returns a cached token or acquires one under the auth lock.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if token, ok := c.vault.GetToken(ctx, c.env.ID); ok {
		return token, nil
	}

	mu := c.vault.AuthLock(c.env.ID)
	mu.Lock()
	defer mu.Unlock()

	// Another worker may have refreshed while we waited on the lock.
	if token, ok := c.vault.GetToken(ctx, c.env.ID); ok {
		return token, nil
	}
	return c.acquireTokenLocked(ctx)
}

// reauthenticate discards the cached session and acquires a fresh token.
// If a concurrent worker already refreshed past the token we used, that
// token is reused instead of hitting the token endpoint again.
func (c *Client) reauthenticate(ctx context.Context, usedToken string) (string, error) {
	mu := c.vault.AuthLock(c.env.ID)
	mu.Lock()
	defer mu.Unlock()

	if token, ok := c.vault.GetToken(ctx, c.env.ID); ok && token != usedToken {
		return token, nil
	}

	if err := c.vault.ClearSession(ctx, c.env.ID); err != nil {
		c.logger.Warn().Err(err).Msg("clearing cached session failed")
	}
	return c.acquireTokenLocked(ctx)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// acquireTokenLocked performs the password grant. Caller holds the auth lock.
func (c *Client) acquireTokenLocked(ctx context.Context) (string, error) {
	password, ok := c.vault.GetPassword(c.env.ID)
	if !ok {
		return "", fmt.Errorf("environment %d: %w", c.env.ID, ErrMissingCredentials)
	}

	endpoint := strings.TrimSuffix(c.env.BaseURL, "/") + "/token"
	form := url.Values{
		"grant_type": {"password"},
		"username":   {c.env.Username},
		"password":   {password},
	}

	data, status, err := c.tokenAttemptWithRetry(ctx, endpoint, form)
	if err != nil {
		return "", &RequestError{Endpoint: endpoint, Err: err}
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return "", fmt.Errorf("%w: token endpoint rejected credentials for user %q", ErrAuthenticationFailed, c.env.Username)
	}
	if status >= 300 {
		return "", &ResponseError{Endpoint: endpoint, StatusCode: status, Body: string(data)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil || tr.AccessToken == "" {
		return "", &SchemaError{Endpoint: endpoint, Diagnostic: "token response missing access_token"}
	}

	expiry := time.Now().Add(models.DefaultTokenTTL)
	if tr.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if err := c.vault.SetToken(ctx, c.env.ID, tr.AccessToken, expiry); err != nil {
		c.logger.Warn().Err(err).Msg("caching acquired token failed")
	}

	metrics.IncReauthentication(c.env.Name)
	c.logger.Info().Time("expiry", expiry).Msg("acquired bearer token")
	return tr.AccessToken, nil
}

func (c *Client) tokenAttemptWithRetry(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	var lastData []byte
	var lastStatus int
	var lastErr error

	for attempt := 1; ; attempt++ {
		data, status, err := c.tokenAttempt(ctx, endpoint, form)
		switch {
		case err != nil:
			lastData, lastStatus, lastErr = nil, 0, err
		case status >= 500 || status == http.StatusTooManyRequests:
			lastData, lastStatus, lastErr = data, status, nil
		default:
			return data, status, nil
		}

		if attempt >= c.retry.MaxAttempts {
			return lastData, lastStatus, lastErr
		}
		if err := c.retry.Sleep(ctx, attempt); err != nil {
			return nil, 0, err
		}
	}
}

func (c *Client) tokenAttempt(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read token response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	endpoint := strings.TrimSuffix(c.env.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}
