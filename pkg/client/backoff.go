package client

import (
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// BackoffStrategy picks the wait before a retry. attempt is 0-based; hint is
// the daemon's Retry-After, zero when it sent none. Returning false gives up.
type BackoffStrategy interface {
	Next(attempt int, hint time.Duration) (time.Duration, bool)
}

// ExponentialBackoff waits Base*Factor^attempt, capped at Max, with jitter.
// A server hint longer than the computed wait replaces it, unless it is longer
// than MaxHint: a report that would wait that long is given up instead.
type ExponentialBackoff struct {
	Base    time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // 0.0 to 1.0
	MaxHint time.Duration
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff is used for usage reports.
// Base: 100ms, Max: 5s, Factor: 2.0, Jitter: 0.2, MaxHint: 30s
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:    100 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2.0,
		Jitter:  0.2,
		MaxHint: 30 * time.Second,
	}
}

func (b *ExponentialBackoff) Next(attempt int, hint time.Duration) (time.Duration, bool) {
	if hint > 0 && b.MaxHint > 0 && hint > b.MaxHint {
		return 0, false
	}

	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= b.Factor
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		delay += delay * (r()*2 - 1) * b.Jitter
	}

	wait := max(time.Duration(delay), 0)
	if hint > wait {
		wait = hint
	}
	return wait, true
}

// parseRetryAfter reads a Retry-After header: delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := cast.ToFloat64E(v); err == nil {
		return max(time.Duration(secs*float64(time.Second)), 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}
