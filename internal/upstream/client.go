// Package upstream talks to the external flag system of record. Hydration
// and toggle reconciliation are best-effort: every failure surfaces as a
// typed sentinel so callers can fall back to local state instead of failing
// the request.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrNotFound means the upstream answered authoritatively that the
	// resource does not exist.
	ErrNotFound = errors.New("upstream: not found")

	// ErrUnavailable covers every other upstream failure: network errors,
	// 5xx responses after retries, open circuit breaker, or an unusable
	// response body.
	ErrUnavailable = errors.New("upstream: unavailable")
)

// Flag is the raw external flag shape. Enabled and the legacy IsEnabled field
// are both accepted; normalization into the local shape happens in the
// registry.
type Flag struct {
	ID                string `json:"id"`
	Key               string `json:"key"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	Enabled           *bool  `json:"enabled"`
	IsEnabled         *bool  `json:"isEnabled"`
	RolloutPercentage *int   `json:"rolloutPercentage"`
	ConfigJSON        any    `json:"configJson"`
}

// ToggleResult is the upstream's answer to a toggle request. Enabled is nil
// when the response carried no usable enabled state.
type ToggleResult struct {
	Enabled *bool
}

// Config holds client settings. BaseURL is required; everything else has
// defaults.
type Config struct {
	BaseURL string
	// Token, when set, is sent as a bearer token on every request.
	Token string
	// Timeout bounds a single HTTP attempt. Default 10s.
	Timeout time.Duration
	// MaxRetries bounds retry attempts for transient failures. Default 3.
	MaxRetries uint64
	// InitialInterval is the first retry backoff delay. Default 100ms.
	InitialInterval time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client fetches flags from and reconciles toggles with the external system.
// Transient failures are retried with exponential backoff; sustained failure
// trips a circuit breaker so a dead upstream degrades fast instead of making
// every evaluation wait out its timeout.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// New returns a client for the system of record at cfg.BaseURL.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name: "upstream",
		}),
	}
}

// FetchFlag retrieves a single flag by id.
func (c *Client) FetchFlag(ctx context.Context, flagID string) (Flag, error) {
	var flag Flag
	if err := c.getJSON(ctx, "/flags/"+flagID, &flag); err != nil {
		return Flag{}, err
	}
	if flag.ID == "" {
		return Flag{}, ErrNotFound
	}
	return flag, nil
}

// ListFlags retrieves the full upstream flag list.
func (c *Client) ListFlags(ctx context.Context) ([]Flag, error) {
	var flags []Flag
	if err := c.getJSON(ctx, "/flags", &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

// Toggle asks the upstream to flip a flag. PATCH is tried first; servers
// that reject it with 404 or 405 get a POST retry. The caller flips locally
// when the result carries no enabled state.
func (c *Client) Toggle(ctx context.Context, flagID string) (ToggleResult, error) {
	path := "/flags/" + flagID + "/toggle"

	resp, err := c.do(ctx, http.MethodPatch, path)
	if err != nil {
		return ToggleResult{}, err
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = c.do(ctx, http.MethodPost, path)
		if err != nil {
			return ToggleResult{}, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ToggleResult{}, fmt.Errorf("%w: toggle status %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		Enabled   *bool `json:"enabled"`
		IsEnabled *bool `json:"isEnabled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ToggleResult{}, fmt.Errorf("%w: decode toggle response: %v", ErrUnavailable, err)
	}

	enabled := body.Enabled
	if enabled == nil {
		enabled = body.IsEnabled
	}
	return ToggleResult{Enabled: enabled}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

// do runs one request with circuit breaker protection and backoff retries.
// 5xx responses and network errors are retried; everything else is returned
// to the caller for status handling.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxElapsedTime = 0

	var resp *http.Response
	operation := func() error {
		r, err := c.breaker.Execute(func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
			if err != nil {
				return nil, err
			}
			if c.cfg.Token != "" {
				req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
			}

			r, err := c.httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 {
				r.Body.Close()
				return nil, fmt.Errorf("server error: status %d", r.StatusCode)
			}
			return r, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrUnavailable)
			}
			return err
		}

		resp = r
		return nil
	}

	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(operation, retryPolicy); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return resp, nil
}
