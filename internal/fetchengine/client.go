// Package fetchengine is the HTTP client for the external scrape/crawl engine.
package fetchengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 16 << 20

// Config controls the fetch engine client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	APIKey  string
}

// StatusError is returned for non-2xx responses. Body carries the engine's
// error message when the response had one.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("fetch engine returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("fetch engine returned status %d: %s", e.StatusCode, e.Body)
}

// Waiter throttles outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLimiter throttles dispatches through w.
func WithLimiter(w Waiter) Option {
	return func(c *Client) {
		c.limiter = w
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client dispatches firings to the fetch engine. It implements schedule.Fetcher.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger
}

// New constructs a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("fetch_engine.base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	metrics.Init()
	c := &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the URL a job type is posted to.
func (c *Client) Endpoint(jobType schedule.JobType) string {
	return fmt.Sprintf("%s/api/v1/%s", c.baseURL, jobType)
}

// Dispatch posts payload to the scrape or crawl endpoint and decodes the
// {success, data, error} envelope. Transport failures, timeouts and non-2xx
// responses are returned as errors; a 2xx envelope is returned as-is even
// when success is false.
func (c *Client) Dispatch(
	ctx context.Context,
	jobType schedule.JobType,
	payload schedule.Options,
) (schedule.FetchResult, error) {
	if !jobType.Valid() {
		return schedule.FetchResult{}, fmt.Errorf("unsupported job type %q", jobType)
	}
	endpoint := c.Endpoint(jobType)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return schedule.FetchResult{}, err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return schedule.FetchResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return schedule.FetchResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveDispatch(string(jobType), 0)
		return schedule.FetchResult{}, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	metrics.ObserveDispatch(string(jobType), resp.StatusCode)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return schedule.FetchResult{}, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("fetch engine responded",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	result, decodeErr := decodeResult(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := truncate(string(raw), 512)
		if decodeErr == nil && result.Error != "" {
			msg = result.Error
		}
		return schedule.FetchResult{}, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	if decodeErr != nil {
		return schedule.FetchResult{}, fmt.Errorf("decode response: %w", decodeErr)
	}
	return result, nil
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// decodeResult accepts error as either a string or an arbitrary JSON value.
func decodeResult(raw []byte) (schedule.FetchResult, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return schedule.FetchResult{}, err
	}
	if env.Success == nil {
		return schedule.FetchResult{}, errors.New("response has no success field")
	}
	result := schedule.FetchResult{Success: *env.Success}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		result.Data = env.Data
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		var msg string
		if err := json.Unmarshal(env.Error, &msg); err == nil {
			result.Error = msg
		} else {
			result.Error = string(env.Error)
		}
	}
	return result, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
