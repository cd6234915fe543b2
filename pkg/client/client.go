package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultEndpoint is the daemon's default listen address.
const DefaultEndpoint = "http://127.0.0.1:8090"

// DefaultMaxRetries bounds the retries of a usage report.
const DefaultMaxRetries = 4

// Client is the cadence SDK client.
type Client struct {
	endpoint   string
	http       *http.Client
	token      string
	backoff    BackoffStrategy
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token on write requests.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithBackoff sets the retry strategy and the number of retries.
func WithBackoff(b BackoffStrategy, maxRetries int) Option {
	return func(c *Client) {
		if b != nil {
			c.backoff = b
		}
		c.maxRetries = maxRetries
	}
}

// NewClient creates a new cadence client.
// endpoint defaults to DefaultEndpoint if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint:   endpoint,
		http:       &http.Client{Timeout: 10 * time.Second},
		backoff:    DefaultBackoff(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Code   int
	Kind   string
	Reason string
	// RetryAfter is the daemon's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cadence: HTTP %d: %s (%s)", e.Code, e.Kind, e.Reason)
	}
	return fmt.Sprintf("cadence: HTTP %d: %s", e.Code, e.Kind)
}

// retryable reports whether a failed request may succeed when repeated.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// CanPerform asks whether an action is allowed. It is fail-closed: when the
// daemon cannot be reached the decision is a denial with the failure as reason.
func (c *Client) CanPerform(ctx context.Context, action string) (Decision, error) {
	var d Decision
	err := c.get(ctx, "/v1/gate?action="+url.QueryEscape(action), &d)
	if err == nil {
		return d, nil
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest {
		return Decision{}, err
	}
	return failClosed(action, err), nil
}

// Permissions fetches the post, generate and fetch-news answers.
func (c *Client) Permissions(ctx context.Context) (Permissions, error) {
	var p Permissions
	err := c.get(ctx, "/v1/permissions", &p)
	return p, err
}

// Limits fetches the per-provider quotas. With refresh set the daemon probes
// the providers instead of answering from its cache.
func (c *Client) Limits(ctx context.Context, refresh bool) (Limits, error) {
	path := "/v1/limits"
	if refresh {
		path += "?refresh=true"
	}
	var l Limits
	err := c.get(ctx, path, &l)
	return l, err
}

// Schedule runs an analysis, or with cached set returns the latest one.
func (c *Client) Schedule(ctx context.Context, cached bool) (Schedule, error) {
	path := "/v1/schedule"
	if cached {
		path += "?cached=true"
	}
	var s Schedule
	err := c.get(ctx, path, &s)
	return s, err
}

// ShouldActNow asks whether there is an opportunity worth acting on.
func (c *Client) ShouldActNow(ctx context.Context) (ActResult, error) {
	var r ActResult
	err := c.get(ctx, "/v1/act", &r)
	return r, err
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) (Status, error) {
	var s Status
	err := c.get(ctx, "/v1/health", &s)
	return s, err
}

// ReportUsage records count units against a provider window. Network errors,
// 429 and 5xx answers are retried with backoff, honouring the daemon's
// Retry-After, so usage is not silently lost.
func (c *Client) ReportUsage(ctx context.Context, provider, window string, count int) (Usage, error) {
	if provider == "" || window == "" {
		return Usage{}, fmt.Errorf("invalid usage report: provider and window are required")
	}
	var u Usage
	err := c.retry(ctx, func() error {
		return c.post(ctx, "/v1/usage", usageRequest{Provider: provider, Window: window, Count: count}, &u)
	})
	return u, err
}

// ReportRateLimited tells the daemon a provider answered with a rate limit.
// It returns the end of the provider's cooldown.
func (c *Client) ReportRateLimited(ctx context.Context, provider, window string, retryAfter time.Duration, resetAt time.Time) (time.Time, error) {
	if provider == "" {
		return time.Time{}, fmt.Errorf("invalid rate limit report: provider is required")
	}
	req := rateLimitedRequest{
		Provider:          provider,
		Window:            window,
		RetryAfterSeconds: retryAfter.Seconds(),
		ResetAt:           resetAt,
	}
	var resp rateLimitedResponse
	err := c.retry(ctx, func() error {
		return c.post(ctx, "/v1/rate-limited", req, &resp)
	})
	return resp.CooldownUntil, err
}

func (c *Client) retry(ctx context.Context, call func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = call()
		if err == nil || !retryable(err) || attempt >= c.maxRetries {
			return err
		}
		var hint time.Duration
		var se *StatusError
		if errors.As(err, &se) {
			hint = se.RetryAfter
		}
		wait, ok := c.backoff.Next(attempt, hint)
		if !ok {
			return err
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		var e errorResponse
		if b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); json.Unmarshal(b, &e) == nil {
			se.Kind, se.Reason = e.Error, e.Reason
		}
		if se.Kind == "" {
			se.Kind = http.StatusText(resp.StatusCode)
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// failClosed returns a denied decision with a specific reason.
func failClosed(action string, err error) Decision {
	reason := "daemon_unreachable"
	var se *StatusError
	if errors.As(err, &se) {
		reason = fmt.Sprintf("unexpected_status_%d", se.Code)
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = "context_canceled"
	}
	return Decision{Action: action, Allowed: false, Reason: reason}
}
