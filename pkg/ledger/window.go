package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// WindowKind is the reset cadence of a quota window.
type WindowKind string

const (
	WindowDaily   WindowKind = "fixed-daily"
	WindowMonthly WindowKind = "fixed-monthly"
	WindowShort   WindowKind = "rolling-short"
)

// DefaultShortPeriod is the length of a rolling-short window when none is configured.
const DefaultShortPeriod = 15 * time.Minute

// Unbounded is reported as the remaining capacity of a window without a limit.
const Unbounded = math.MaxInt

// ParseWindowKind accepts the canonical names plus a few shorthands ("daily", "15m", ...).
func ParseWindowKind(s string) (WindowKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed-daily", "daily", "day":
		return WindowDaily, nil
	case "fixed-monthly", "monthly", "month":
		return WindowMonthly, nil
	case "rolling-short", "short", "rolling", "15m":
		return WindowShort, nil
	default:
		return "", fmt.Errorf("unknown window kind %q", s)
	}
}

// order is used to list windows from the shortest to the longest.
func (k WindowKind) order() int {
	switch k {
	case WindowShort:
		return 0
	case WindowDaily:
		return 1
	case WindowMonthly:
		return 2
	default:
		return 3
	}
}

// WindowSpec declares the limit of one window of a provider.
type WindowSpec struct {
	Kind     WindowKind    `yaml:"kind" json:"kind"`
	Limit    int           `yaml:"limit" json:"limit"`
	Period   time.Duration `yaml:"period,omitempty" json:"period,omitempty"`
	Advisory bool          `yaml:"advisory,omitempty" json:"advisory,omitempty"`
}

// Validate rejects specs the ledger cannot represent.
func (s WindowSpec) Validate() error {
	if _, err := ParseWindowKind(string(s.Kind)); err != nil {
		return err
	}
	if s.Limit < 0 {
		return fmt.Errorf("window %s: limit must not be negative", s.Kind)
	}
	if s.Period < 0 {
		return fmt.Errorf("window %s: period must not be negative", s.Kind)
	}
	return nil
}

// ProviderQuota is the state of one (provider, window) counter.
type ProviderQuota struct {
	Provider string        `json:"provider"`
	Window   WindowKind    `json:"window"`
	Used     int           `json:"used"`
	Limit    int           `json:"limit"`
	ResetAt  time.Time     `json:"reset_at"`
	Period   time.Duration `json:"period,omitempty"`
	Advisory bool          `json:"advisory,omitempty"`
}

// Bounded reports whether the window has a limit. A zero limit means observe-only.
func (q ProviderQuota) Bounded() bool {
	return q.Limit > 0
}

// Remaining returns limit-used floored at zero, or Unbounded.
func (q ProviderQuota) Remaining() int {
	if !q.Bounded() {
		return Unbounded
	}
	if r := q.Limit - q.Used; r > 0 {
		return r
	}
	return 0
}

// Exhausted reports whether a bounded window has no capacity left.
func (q ProviderQuota) Exhausted() bool {
	return q.Bounded() && q.Used >= q.Limit
}

// String names the window for denial reasons, e.g. "twitter/rolling-short".
func (q ProviderQuota) String() string {
	return q.Provider + "/" + string(q.Window)
}

// nextReset computes the first reset instant strictly after now.
func nextReset(kind WindowKind, period time.Duration, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	switch kind {
	case WindowDaily:
		return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	case WindowMonthly:
		return time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
	default:
		if period <= 0 {
			period = DefaultShortPeriod
		}
		return now.Add(period)
	}
}
