// Package opportunity turns decaying signals (news freshness, trend volume,
// engagement surges, competitor silence, peak hours) into a ranked schedule.
package opportunity

import (
	"context"
	"time"

	"github.com/rmax-ai/cadence/pkg/gate"
)

// Kind classifies an opportunity. The order of Kinds is the tie-break order.
type Kind string

const (
	KindBreakingNews    Kind = "breaking_news"
	KindEngagementSurge Kind = "engagement_surge"
	KindTrendingTopic   Kind = "trending_topic"
	KindCompetitorQuiet Kind = "competitor_quiet"
	KindPeakTime        Kind = "peak_time"
)

// Kinds lists every kind in priority order.
var Kinds = []Kind{KindBreakingNews, KindEngagementSurge, KindTrendingTopic, KindCompetitorQuiet, KindPeakTime}

func (k Kind) priority() int {
	for i, kk := range Kinds {
		if kk == k {
			return i
		}
	}
	return len(Kinds)
}

// Opportunity is a scored, time-boxed signal that acting now is worthwhile.
type Opportunity struct {
	Kind                   Kind        `json:"kind"`
	Urgency                float64     `json:"urgency"`
	WindowMinutes          int         `json:"window_minutes"`
	EstimatedValue         float64     `json:"estimated_value"`
	Reason                 string      `json:"reason"`
	RecommendedActionCount int         `json:"recommended_action_count"`
	Action                 gate.Action `json:"action,omitempty"`
	Source                 string      `json:"source,omitempty"`
	DetectedAt             time.Time   `json:"detected_at"`
}

// Score is urgency times estimated value.
func (o Opportunity) Score() float64 {
	return o.Urgency * o.EstimatedValue
}

// ExpiresAt is the end of the opportunity's window.
func (o Opportunity) ExpiresAt() time.Time {
	return o.DetectedAt.Add(time.Duration(o.WindowMinutes) * time.Minute)
}

// Schedule is an immutable ranked snapshot produced by one analysis cycle.
type Schedule struct {
	ID            string        `json:"id"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Opportunities []Opportunity `json:"opportunities"`
	Confidence    float64       `json:"confidence"`
	Unavailable   bool          `json:"unavailable,omitempty"`
	FailedProbes  []string      `json:"failed_probes,omitempty"`
}

// ActResult answers "should I act now?".
type ActResult struct {
	Act              bool         `json:"act"`
	Reason           string       `json:"reason"`
	Urgency          float64      `json:"urgency"`
	RecommendedCount int          `json:"recommended_count"`
	Opportunity      *Opportunity `json:"opportunity,omitempty"`
}

// Probe produces raw opportunities from one signal source.
type Probe interface {
	Name() string
	Collect(ctx context.Context, now time.Time) ([]Opportunity, error)
}

func clamp(v, floor, ceil float64) float64 {
	if v < floor {
		return floor
	}
	if v > ceil {
		return ceil
	}
	return v
}
