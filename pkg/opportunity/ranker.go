package opportunity

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rmax-ai/cadence/pkg/gate"
)

// DefaultCap is the maximum schedule length.
const DefaultCap = 8

// NoOpportunityUrgency is reported when there is nothing to act on.
const NoOpportunityUrgency = 0.1

// Ranker orders opportunities into a schedule.
type Ranker struct {
	Cap int
}

// Rank scores, sorts and caps opportunities. Equal scores are broken by kind
// priority, then reason, then source, so identical inputs always give the
// same order.
func (r Ranker) Rank(opps []Opportunity, now time.Time) Schedule {
	ranked := append([]Opportunity(nil), opps...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return less(ranked[i], ranked[j])
	})

	limit := r.Cap
	if limit <= 0 {
		limit = DefaultCap
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	return Schedule{
		ID:            uuid.NewString(),
		GeneratedAt:   now,
		Opportunities: ranked,
		Confidence:    Confidence(ranked),
	}
}

func less(a, b Opportunity) bool {
	if sa, sb := a.Score(), b.Score(); sa != sb {
		return sa > sb
	}
	if pa, pb := a.Kind.priority(), b.Kind.priority(); pa != pb {
		return pa < pb
	}
	if a.Reason != b.Reason {
		return a.Reason < b.Reason
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Urgency != b.Urgency {
		return a.Urgency > b.Urgency
	}
	return a.WindowMinutes < b.WindowMinutes
}

// Confidence blends average urgency (60%) with kind diversity (40%).
func Confidence(opps []Opportunity) float64 {
	if len(opps) == 0 {
		return 0
	}
	avg := lo.SumBy(opps, func(o Opportunity) float64 { return o.Urgency }) / float64(len(opps))
	kinds := len(lo.UniqBy(opps, func(o Opportunity) Kind { return o.Kind }))
	return clamp(0.6*avg+0.4*float64(kinds)/float64(len(Kinds)), 0, 1)
}

// Permitter is the part of the gate ShouldActNow needs.
type Permitter interface {
	CanPerform(action gate.Action) gate.Decision
}

// ShouldActNow returns the best opportunity of s whose window is still open
// and whose action the gate allows.
func ShouldActNow(s Schedule, now time.Time, p Permitter) ActResult {
	if s.Unavailable {
		return ActResult{Reason: "schedule_unavailable", Urgency: NoOpportunityUrgency}
	}
	for _, o := range s.Opportunities {
		if !now.Before(o.ExpiresAt()) {
			continue
		}
		if o.Action != "" && p != nil && !p.CanPerform(o.Action).Allowed {
			continue
		}
		best := o
		return ActResult{
			Act:              true,
			Reason:           o.Reason,
			Urgency:          o.Urgency,
			RecommendedCount: max(o.RecommendedActionCount, 1),
			Opportunity:      &best,
		}
	}
	return ActResult{Reason: "no_opportunity", Urgency: NoOpportunityUrgency}
}
