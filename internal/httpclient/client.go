// Package httpclient wraps outbound JSON HTTP calls with a per-client sliding-window
// rate limit and bounded exponential-backoff retries.
//
// Network-level failures are retried. Non-2xx responses surface as *HTTPError and are
// only retried when the caller's Config.Retryable marks the status as transient.
// Every attempt, including retries, draws a slot from the limiter, so the configured
// requests-per-second ceiling holds for the actual traffic on the wire.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/ratelimit"
)

// maxErrorBody bounds the response body kept on an HTTPError.
const maxErrorBody = 500

// Config holds client behavior
type Config struct {
	// Name identifies the upstream in logs and API call accounting.
	Name string
	// RateLimit is the maximum requests issued in any rolling second. <= 0 disables it.
	RateLimit int
	Timeout   time.Duration

	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	UserAgent string
	Headers   map[string]string

	// Retryable decides whether a non-2xx status is worth another attempt.
	// Nil means no status is retried.
	Retryable func(status int) bool

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// HTTPError is returned for non-2xx responses
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// NetworkError wraps transport-level failures (dial, TLS, reset, timeout).
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsStatus reports whether err carries an HTTPError with the given status.
func IsStatus(err error, status int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == status
}

// RetryTransientStatus retries 429 and 5xx.
func RetryTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Client issues rate-limited, retried JSON requests against one base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Window
	cfg        Config
	calls      atomic.Int64
}

// New creates a client for baseURL.
func New(baseURL string, cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter: ratelimit.NewWindow(cfg.RateLimit, time.Second),
		cfg:     cfg,
	}
}

// Name returns the configured upstream name.
func (c *Client) Name() string { return c.cfg.Name }

// Calls returns the number of requests issued so far, retries included.
func (c *Client) Calls() int64 { return c.calls.Load() }

// GetJSON is Do with GET and no body.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, params, nil, out)
}

// Do sends the request, retrying transient failures, and decodes a 2xx JSON body into out.
// out may be nil to discard the body.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt - 1)
			logger.Debug("%s: retrying %s %s in %v (attempt %d/%d): %v",
				c.cfg.Name, method, path, delay, attempt, c.cfg.MaxAttempts, lastErr)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}

		err := c.once(ctx, method, target, payload, out)
		if err == nil {
			return nil
		}
		if !c.shouldRetry(ctx, err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	c.calls.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", target, err)
	}
	return nil
}

func (c *Client) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return c.cfg.Retryable != nil && c.cfg.Retryable(he.StatusCode)
	}
	var ne *NetworkError
	return errors.As(err, &ne)
}

// backoff doubles from MinBackoff per retry, capped at MaxBackoff.
func (c *Client) backoff(retry int) time.Duration {
	d := c.cfg.MinBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
