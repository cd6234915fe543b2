package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/rmax-ai/cadence/pkg/ledger"
)

// ProviderID identifies a specific provider integration (e.g., "newsapi", "social")
type ProviderID string

var (
	// ErrUnavailable covers network errors, timeouts and 5xx responses.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRateLimited is returned for explicit 429 (or equivalent) responses.
	// The accompanying Outcome carries the QuotaSignal.
	ErrRateLimited = errors.New("provider rate limited")
)

// QuotaSignal is the provider-reported view of its own quota, returned as a
// value next to the result. Zero fields are unknown.
type QuotaSignal struct {
	Window      ledger.WindowKind `json:"window,omitempty"`
	Remaining   int               `json:"remaining"`
	Limit       int               `json:"limit,omitempty"`
	ResetAt     time.Time         `json:"reset_at,omitempty"`
	RetryAfter  time.Duration     `json:"retry_after,omitempty"`
	RateLimited bool              `json:"rate_limited,omitempty"`
}

// NoSignal is the signal of a provider that reported nothing.
var NoSignal = QuotaSignal{Remaining: -1}

// Known reports whether the provider said anything about its quota.
func (s QuotaSignal) Known() bool {
	return s.Remaining >= 0 || s.Limit > 0 || !s.ResetAt.IsZero() || s.RetryAfter > 0 || s.RateLimited
}

// Until returns the instant the provider asked us to wait for, or the zero time.
func (s QuotaSignal) Until(now time.Time) time.Time {
	if s.RetryAfter > 0 {
		return now.Add(s.RetryAfter)
	}
	if s.ResetAt.After(now) {
		return s.ResetAt
	}
	return time.Time{}
}

// Outcome is what every provider call returns: the value plus the quota signal.
type Outcome[T any] struct {
	Value  T
	Signal QuotaSignal
}

// PollResult contains the observations from a single limits probe
type PollResult struct {
	ProviderID ProviderID
	Status     string // "success", "error"
	Error      error
	Timestamp  time.Time

	Usage []UsageObservation
}

// UsageObservation is one provider-reported window.
type UsageObservation struct {
	Window    ledger.WindowKind
	Used      int
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Provider is a source whose live limits can be probed.
type Provider interface {
	ID() ProviderID
	Poll(ctx context.Context) (PollResult, error)
}

// NewsQuery selects news items.
type NewsQuery struct {
	Topics   []string `json:"topics,omitempty"`
	Language string   `json:"language,omitempty"`
	Country  string   `json:"country,omitempty"`
}

// Key is a stable cache key for the query.
func (q NewsQuery) Key() string {
	return strings.ToLower(strings.Join(q.Topics, ",")) + "|" + q.Language + "|" + q.Country
}

// NewsItem is a single article from a news provider.
type NewsItem struct {
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Source      string     `json:"source,omitempty"`
	Content     string     `json:"content,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
	Provider    ProviderID `json:"provider"`
	// Trust is the provider's trust weight in [0,1].
	Trust float64 `json:"trust"`
}

// NewsSource searches recent news.
type NewsSource interface {
	ID() ProviderID
	Search(ctx context.Context, q NewsQuery, limit int) (Outcome[[]NewsItem], error)
}

// Trend is a trending topic on the social platform.
type Trend struct {
	Topic     string  `json:"topic"`
	Volume    int     `json:"volume"`
	Relevance float64 `json:"relevance"`
}

// EngagementSample is the account's activity in the most recent window.
type EngagementSample struct {
	Recent   float64       `json:"recent"`
	Window   time.Duration `json:"window"`
	Baseline float64       `json:"baseline,omitempty"` // 0 when the platform has none
}

// CompetitorActivity is the last time a tracked account posted.
type CompetitorActivity struct {
	Handle     string    `json:"handle"`
	LastActive time.Time `json:"last_active"`
}

// SocialSource is the posting platform's read surface.
type SocialSource interface {
	Provider
	Trends(ctx context.Context) (Outcome[[]Trend], error)
	Engagement(ctx context.Context) (Outcome[EngagementSample], error)
	Competitors(ctx context.Context) (Outcome[[]CompetitorActivity], error)
}

// ParseRateLimitHeaders reads the common X-RateLimit-* and Retry-After headers.
// Reset values are accepted as unix seconds, delta seconds or Go durations.
func ParseRateLimitHeaders(h http.Header, now time.Time) QuotaSignal {
	sig := NoSignal

	if v := firstHeader(h, "X-RateLimit-Remaining", "X-Ratelimit-Remaining-Requests", "RateLimit-Remaining"); v != "" {
		if n, err := cast.ToIntE(v); err == nil && n >= 0 {
			sig.Remaining = n
		}
	}
	if v := firstHeader(h, "X-RateLimit-Limit", "X-Ratelimit-Limit-Requests", "RateLimit-Limit"); v != "" {
		if n, err := cast.ToIntE(v); err == nil && n > 0 {
			sig.Limit = n
		}
	}
	if v := firstHeader(h, "X-RateLimit-Reset", "X-Ratelimit-Reset-Requests", "RateLimit-Reset"); v != "" {
		sig.ResetAt = parseReset(v, now)
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := cast.ToInt64E(v); err == nil && secs > 0 {
			sig.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil && at.After(now) {
			sig.RetryAfter = at.Sub(now)
		}
	}
	return sig
}

// SignalForStatus classifies an HTTP status into the provider error taxonomy.
func SignalForStatus(status int, sig QuotaSignal) (QuotaSignal, error) {
	switch {
	case status == http.StatusTooManyRequests:
		sig.RateLimited = true
		return sig, ErrRateLimited
	case status >= 500:
		return sig, ErrUnavailable
	case status >= 400:
		return sig, errors.New(http.StatusText(status))
	}
	return sig, nil
}

func firstHeader(h http.Header, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func parseReset(v string, now time.Time) time.Time {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(d)
	}
	n, err := cast.ToInt64E(v)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	// Anything below a year of seconds is a delta, otherwise an epoch.
	if n < 365*24*3600 {
		return now.Add(time.Duration(n) * time.Second)
	}
	return time.Unix(n, 0)
}
