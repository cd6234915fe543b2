package opportunity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rmax-ai/cadence/pkg/cache"
	"github.com/rmax-ai/cadence/pkg/failover"
	"github.com/rmax-ai/cadence/pkg/gate"
	"github.com/rmax-ai/cadence/pkg/provider"
)

// ErrNoData is returned by a probe whose sources produced nothing usable.
var ErrNoData = errors.New("no data from any source")

// FreshnessUrgency decays linearly from 1 at publication to a 0.1 floor.
// ok is false once the item is horizon old or older.
func FreshnessUrgency(age, horizon time.Duration) (float64, bool) {
	if horizon <= 0 || age >= horizon {
		return 0, false
	}
	if age < 0 {
		age = 0
	}
	return math.Max(0.1, 1-age.Hours()/horizon.Hours()), true
}

// FreshnessProbe emits breaking-news opportunities from recently published items.
type FreshnessProbe struct {
	Fetcher   *failover.Fetcher
	Primary   failover.Source
	Secondary failover.Source
	Query     provider.NewsQuery
	Limit     int
	// Horizon is the age at which an item stops being news. Default 4h.
	Horizon    time.Duration
	ValueScale float64
	Action     gate.Action
}

func (p *FreshnessProbe) Name() string { return "freshness" }

func (p *FreshnessProbe) Collect(ctx context.Context, now time.Time) ([]Opportunity, error) {
	horizon := durationOr(p.Horizon, 4*time.Hour)
	res := p.Fetcher.Fetch(ctx, p.Primary, p.Secondary, p.Query, p.Limit)
	if res.Degraded && len(res.Items) == 0 {
		if res.Denied {
			return nil, nil
		}
		return nil, fmt.Errorf("news: %w", ErrNoData)
	}

	var out []Opportunity
	for _, it := range res.Items {
		age := now.Sub(it.PublishedAt)
		urgency, ok := FreshnessUrgency(age, horizon)
		if !ok {
			continue
		}
		left := horizon - max(age, 0)
		out = append(out, Opportunity{
			Kind:                   KindBreakingNews,
			Urgency:                urgency,
			WindowMinutes:          int(math.Ceil(left.Minutes())),
			EstimatedValue:         floatOr(p.ValueScale, 20) * p.Fetcher.Relevance(it, p.Query.Topics),
			Reason:                 "breaking: " + it.Title,
			RecommendedActionCount: 1,
			Action:                 actionOr(p.Action, gate.ActionPost),
			Source:                 string(it.Provider),
			DetectedAt:             now,
		})
	}
	return out, nil
}

// TrendProbe emits trending-topic opportunities weighted by volume and relevance.
type TrendProbe struct {
	Gate   *gate.Gate
	Social provider.SocialSource
	Cache  *cache.StaleCache[[]provider.Trend]
	TTL    time.Duration
	// VolumeCeiling is the volume that scores 1. Default 10000.
	VolumeCeiling int
	// Floor is the urgency an opportunity must exceed. Default 0.3.
	Floor         float64
	ValueScale    float64
	WindowMinutes int
	Action        gate.Action
}

func (p *TrendProbe) Name() string { return "trend" }

func (p *TrendProbe) Collect(ctx context.Context, now time.Time) ([]Opportunity, error) {
	trends, ok, err := gatedFetch(ctx, p.Gate, p.Cache, "trends", p.TTL, gate.ActionReadSocial, p.Social,
		func(ctx context.Context) (provider.Outcome[[]provider.Trend], error) { return p.Social.Trends(ctx) })
	if err != nil || !ok {
		return nil, err
	}

	ceiling := float64(max(p.VolumeCeiling, 0))
	if ceiling == 0 {
		ceiling = 10000
	}
	floor := floatOr(p.Floor, 0.3)

	var out []Opportunity
	for _, tr := range trends {
		volumeScore := math.Min(1, float64(tr.Volume)/ceiling)
		urgency := clamp(volumeScore*tr.Relevance, 0, 1)
		if urgency <= floor {
			continue
		}
		out = append(out, Opportunity{
			Kind:                   KindTrendingTopic,
			Urgency:                urgency,
			WindowMinutes:          intOr(p.WindowMinutes, 60),
			EstimatedValue:         floatOr(p.ValueScale, 15) * clamp(tr.Relevance, 0, 1),
			Reason:                 "trending: " + tr.Topic,
			RecommendedActionCount: 1,
			Action:                 actionOr(p.Action, gate.ActionPost),
			Source:                 string(p.Social.ID()),
			DetectedAt:             now,
		})
	}
	return out, nil
}

// SurgeProbe compares the latest engagement sample with a baseline: the
// platform's own when it reports one, else a rolling average of past samples.
type SurgeProbe struct {
	Gate   *gate.Gate
	Social provider.SocialSource
	Cache  *cache.StaleCache[provider.EngagementSample]
	TTL    time.Duration
	// Threshold is the ratio that must be exceeded. Default 1.5.
	Threshold   float64
	HistorySize int
	ValueScale  float64
	Action      gate.Action

	mu       sync.Mutex
	history  []float64
	lastSeen time.Time
}

func (p *SurgeProbe) Name() string { return "surge" }

// SurgeUrgency maps an activity ratio to urgency, capped at 0.9.
func SurgeUrgency(ratio float64) float64 {
	return math.Min(0.9, ratio/3)
}

func (p *SurgeProbe) Collect(ctx context.Context, now time.Time) ([]Opportunity, error) {
	sample, ok, err := gatedFetch(ctx, p.Gate, p.Cache, "engagement", p.TTL, gate.ActionReadSocial, p.Social,
		func(ctx context.Context) (provider.Outcome[provider.EngagementSample], error) {
			return p.Social.Engagement(ctx)
		})
	if err != nil || !ok {
		return nil, err
	}

	baseline := p.observe(sample)
	if baseline <= 0 {
		return nil, nil
	}
	ratio := sample.Recent / baseline
	if ratio <= floatOr(p.Threshold, 1.5) {
		return nil, nil
	}

	window := int(sample.Window.Minutes())
	return []Opportunity{{
		Kind:                   KindEngagementSurge,
		Urgency:                SurgeUrgency(ratio),
		WindowMinutes:          intOr(window, 30),
		EstimatedValue:         floatOr(p.ValueScale, 12),
		Reason:                 fmt.Sprintf("engagement surge: %.1fx baseline", ratio),
		RecommendedActionCount: min(int(math.Floor(ratio)), 5),
		Action:                 actionOr(p.Action, gate.ActionReply),
		Source:                 string(p.Social.ID()),
		DetectedAt:             now,
	}}, nil
}

// observe returns the baseline for sample and records it in the rolling
// history when it is a newly fetched one.
func (p *SurgeProbe) observe(sample provider.EngagementSample) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var baseline float64
	if sample.Baseline > 0 {
		baseline = sample.Baseline
	} else if len(p.history) > 0 {
		var sum float64
		for _, v := range p.history {
			sum += v
		}
		baseline = sum / float64(len(p.history))
	}

	fetchedAt := time.Time{}
	if e, ok := p.Cache.Lookup("engagement"); ok {
		fetchedAt = e.FetchedAt
	}
	if fetchedAt.IsZero() || fetchedAt.After(p.lastSeen) {
		p.lastSeen = fetchedAt
		p.history = append(p.history, sample.Recent)
		if size := intOr(p.HistorySize, 12); len(p.history) > size {
			p.history = p.history[len(p.history)-size:]
		}
	}
	return baseline
}

// QuietProbe emits one opportunity when the most silent tracked competitor has
// been quiet for longer than the threshold.
type QuietProbe struct {
	Gate   *gate.Gate
	Social provider.SocialSource
	Cache  *cache.StaleCache[[]provider.CompetitorActivity]
	TTL    time.Duration
	// Threshold is the silence that starts a quiet window. Default 6h.
	Threshold     time.Duration
	ValueScale    float64
	WindowMinutes int
	Action        gate.Action
}

func (p *QuietProbe) Name() string { return "quiet" }

// QuietUrgency grows from 0.3 at the threshold to 0.6 at twice the threshold.
func QuietUrgency(silence, threshold time.Duration) float64 {
	over := float64(silence-threshold) / float64(threshold)
	return 0.3 + 0.3*clamp(over, 0, 1)
}

func (p *QuietProbe) Collect(ctx context.Context, now time.Time) ([]Opportunity, error) {
	competitors, ok, err := gatedFetch(ctx, p.Gate, p.Cache, "competitors", p.TTL, gate.ActionReadSocial, p.Social,
		func(ctx context.Context) (provider.Outcome[[]provider.CompetitorActivity], error) {
			return p.Social.Competitors(ctx)
		})
	if err != nil || !ok || len(competitors) == 0 {
		return nil, err
	}

	quietest := competitors[0]
	for _, c := range competitors[1:] {
		if c.LastActive.Before(quietest.LastActive) {
			quietest = c
		}
	}

	threshold := durationOr(p.Threshold, 6*time.Hour)
	silence := now.Sub(quietest.LastActive)
	if silence <= threshold {
		return nil, nil
	}

	return []Opportunity{{
		Kind:                   KindCompetitorQuiet,
		Urgency:                QuietUrgency(silence, threshold),
		WindowMinutes:          intOr(p.WindowMinutes, 120),
		EstimatedValue:         floatOr(p.ValueScale, 8),
		Reason:                 fmt.Sprintf("competitor_quiet: %s silent for %s", quietest.Handle, silence.Truncate(time.Minute)),
		RecommendedActionCount: 1,
		Action:                 actionOr(p.Action, gate.ActionPost),
		Source:                 string(p.Social.ID()),
		DetectedAt:             now,
	}}, nil
}

// PeakWindow is a named recurring audience peak.
type PeakWindow struct {
	Name   string      `yaml:"name" json:"name"`
	Window TimeWindow  `yaml:",inline" json:"window"`
	Value  float64     `yaml:"value,omitempty" json:"value,omitempty"`
	Action gate.Action `yaml:"action,omitempty" json:"action,omitempty"`
}

// PeakProbe emits a medium-urgency opportunity while a peak window is open.
// It needs no network.
type PeakProbe struct {
	Windows []PeakWindow
}

func (p *PeakProbe) Name() string { return "peak" }

func (p *PeakProbe) Collect(_ context.Context, now time.Time) ([]Opportunity, error) {
	var out []Opportunity
	for _, w := range p.Windows {
		closes, ok, err := w.Window.Closes(now)
		if err != nil {
			return nil, fmt.Errorf("peak window %s: %w", w.Name, err)
		}
		if !ok {
			continue
		}
		out = append(out, Opportunity{
			Kind:                   KindPeakTime,
			Urgency:                0.5,
			WindowMinutes:          int(math.Ceil(closes.Sub(now).Minutes())),
			EstimatedValue:         floatOr(w.Value, 10),
			Reason:                 "peak_time: " + w.Name,
			RecommendedActionCount: 1,
			Action:                 actionOr(w.Action, gate.ActionPost),
			Source:                 "schedule",
			DetectedAt:             now,
		})
	}
	return out, nil
}

// gatedFetch reads a social resource through the cache under the action's gate
// binding. A denied gate falls back to the cached value; with nothing cached
// the probe yields no data and no error.
func gatedFetch[T any](
	ctx context.Context,
	g *gate.Gate,
	c *cache.StaleCache[T],
	key string,
	ttl time.Duration,
	action gate.Action,
	src provider.Provider,
	call func(ctx context.Context) (provider.Outcome[T], error),
) (T, bool, error) {
	var zero T
	id := string(src.ID())

	if d := g.CanPerformVia(action, id); !d.Allowed {
		if e, ok := c.Lookup(key); ok {
			return e.Value, true, nil
		}
		return zero, false, nil
	}

	v, err := c.GetOrFetch(ctx, key, ttl, func(ctx context.Context) (T, error) {
		out, d, err := gate.Attempt(ctx, g, action, id, call)
		if err != nil {
			return zero, err
		}
		if !d.Allowed {
			return zero, fmt.Errorf("%s: %s", id, d.Reason)
		}
		return out.Value, nil
	})
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func floatOr(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func actionOr(a, def gate.Action) gate.Action {
	if a != "" {
		return a
	}
	return def
}
