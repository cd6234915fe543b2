package api

import "time"

// UsageRequest matches the POST /v1/usage body schema
type UsageRequest struct {
	Provider string `json:"provider"`
	Window   string `json:"window"`          // fixed-daily, fixed-monthly, rolling-short or a shorthand
	Count    int    `json:"count,omitempty"` // default 1
}

// UsageResponse matches the response for POST /v1/usage
type UsageResponse struct {
	Provider  string    `json:"provider"`
	Window    string    `json:"window"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RateLimitedRequest matches the POST /v1/rate-limited body schema
type RateLimitedRequest struct {
	Provider          string    `json:"provider"`
	Window            string    `json:"window,omitempty"`
	RetryAfterSeconds float64   `json:"retry_after_seconds,omitempty"`
	ResetAt           time.Time `json:"reset_at,omitempty"`
}

// RateLimitedResponse matches the response for POST /v1/rate-limited
type RateLimitedResponse struct {
	Provider      string    `json:"provider"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// HealthResponse matches the response for GET /v1/health
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Persistence string `json:"persistence,omitempty"` // ok, unavailable
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
