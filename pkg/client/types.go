package client

import "time"

// Decision is the daemon's answer to "may I perform this action now?".
type Decision struct {
	Action  string `json:"action"`
	Allowed bool   `json:"allowed"`
	// Reason is "ok", or why the action is denied (e.g. "cooldown:social").
	Reason string `json:"reason"`
	// RetryAfter is set on denials that end at a known time.
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// Permissions answers the three common questions at once.
type Permissions struct {
	CanPost      bool `json:"can_post"`
	CanGenerate  bool `json:"can_generate"`
	CanFetchNews bool `json:"can_fetch_news"`
}

// Quota is the state of one provider window.
type Quota struct {
	Provider string        `json:"provider"`
	Window   string        `json:"window"`
	Used     int           `json:"used"`
	Limit    int           `json:"limit"`
	ResetAt  time.Time     `json:"reset_at"`
	Period   time.Duration `json:"period,omitempty"`
	Advisory bool          `json:"advisory,omitempty"`
}

// Remaining returns limit-used, or -1 for a window without a limit.
func (q Quota) Remaining() int {
	if q.Limit <= 0 {
		return -1
	}
	return max(q.Limit-q.Used, 0)
}

// ProbeStatus is the outcome of one live limit probe.
type ProbeStatus struct {
	Provider  string    `json:"provider"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Limits is the response of GET /v1/limits.
type Limits struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Quotas      []Quota              `json:"quotas"`
	Cooldowns   map[string]time.Time `json:"cooldowns,omitempty"`
	Permissions Permissions          `json:"permissions"`
	Probes      []ProbeStatus        `json:"probes,omitempty"`
}

// Opportunity is one ranked schedule entry.
type Opportunity struct {
	Kind                   string    `json:"kind"`
	Urgency                float64   `json:"urgency"`
	WindowMinutes          int       `json:"window_minutes"`
	EstimatedValue         float64   `json:"estimated_value"`
	Reason                 string    `json:"reason"`
	RecommendedActionCount int       `json:"recommended_action_count"`
	Action                 string    `json:"action,omitempty"`
	Source                 string    `json:"source,omitempty"`
	DetectedAt             time.Time `json:"detected_at"`
}

// Schedule is the response of GET /v1/schedule.
type Schedule struct {
	ID            string        `json:"id"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Opportunities []Opportunity `json:"opportunities"`
	Confidence    float64       `json:"confidence"`
	Unavailable   bool          `json:"unavailable,omitempty"`
	FailedProbes  []string      `json:"failed_probes,omitempty"`
}

// ActResult is the response of GET /v1/act.
type ActResult struct {
	Act              bool         `json:"act"`
	Reason           string       `json:"reason"`
	Urgency          float64      `json:"urgency"`
	RecommendedCount int          `json:"recommended_count"`
	Opportunity      *Opportunity `json:"opportunity,omitempty"`
}

// Usage is the daemon's view of a window after a usage report.
type Usage struct {
	Provider  string    `json:"provider"`
	Window    string    `json:"window"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Status represents the health check response.
type Status struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Persistence string `json:"persistence,omitempty"`
}

type usageRequest struct {
	Provider string `json:"provider"`
	Window   string `json:"window"`
	Count    int    `json:"count,omitempty"`
}

type rateLimitedRequest struct {
	Provider          string    `json:"provider"`
	Window            string    `json:"window,omitempty"`
	RetryAfterSeconds float64   `json:"retry_after_seconds,omitempty"`
	ResetAt           time.Time `json:"reset_at,omitempty"`
}

type rateLimitedResponse struct {
	Provider      string    `json:"provider"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
