package opportunity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/cadence/pkg/gate"
)

type permitFunc func(gate.Action) gate.Decision

func (f permitFunc) CanPerform(a gate.Action) gate.Decision { return f(a) }

func allowAll(a gate.Action) gate.Decision { return gate.Decision{Action: a, Allowed: true} }

func TestRank_ScoresAndOrders(t *testing.T) {
	low := Opportunity{Kind: KindBreakingNews, Urgency: 0.3, EstimatedValue: 15, Reason: "breaking: b", WindowMinutes: 60}
	high := Opportunity{Kind: KindBreakingNews, Urgency: 0.9, EstimatedValue: 20, Reason: "breaking: a", WindowMinutes: 60}

	s := Ranker{}.Rank([]Opportunity{low, high}, probeNow)

	require.Len(t, s.Opportunities, 2)
	assert.InDelta(t, 18.0, s.Opportunities[0].Score(), 1e-9)
	assert.InDelta(t, 4.5, s.Opportunities[1].Score(), 1e-9)
	assert.Equal(t, "breaking: a", s.Opportunities[0].Reason)
	assert.Equal(t, probeNow, s.GeneratedAt)
	_, err := uuid.Parse(s.ID)
	assert.NoError(t, err)
}

func TestRank_DeterministicTieBreak(t *testing.T) {
	opps := []Opportunity{
		{Kind: KindPeakTime, Urgency: 0.5, EstimatedValue: 10, Reason: "peak_time: lunch"},
		{Kind: KindTrendingTopic, Urgency: 0.5, EstimatedValue: 10, Reason: "trending: go"},
		{Kind: KindBreakingNews, Urgency: 0.5, EstimatedValue: 10, Reason: "breaking: z"},
		{Kind: KindBreakingNews, Urgency: 0.5, EstimatedValue: 10, Reason: "breaking: a"},
		{Kind: KindCompetitorQuiet, Urgency: 0.5, EstimatedValue: 10, Reason: "competitor_quiet: x"},
	}
	want := []string{"breaking: a", "breaking: z", "trending: go", "competitor_quiet: x", "peak_time: lunch"}

	permutations := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}, {3, 4, 0, 2, 1}}
	for _, perm := range permutations {
		in := make([]Opportunity, len(perm))
		for i, j := range perm {
			in[i] = opps[j]
		}
		s := Ranker{}.Rank(in, probeNow)
		got := make([]string, len(s.Opportunities))
		for i, o := range s.Opportunities {
			got[i] = o.Reason
		}
		assert.Equal(t, want, got, "permutation %v", perm)
	}
}

func TestRank_Cap(t *testing.T) {
	var opps []Opportunity
	for i := 0; i < 12; i++ {
		opps = append(opps, Opportunity{Kind: KindTrendingTopic, Urgency: float64(i) / 12, EstimatedValue: 10})
	}
	assert.Len(t, Ranker{}.Rank(opps, probeNow).Opportunities, DefaultCap)
	assert.Len(t, Ranker{Cap: 3}.Rank(opps, probeNow).Opportunities, 3)
	assert.Len(t, opps, 12, "input is not modified")
}

func TestConfidence(t *testing.T) {
	assert.Zero(t, Confidence(nil))

	one := []Opportunity{{Kind: KindPeakTime, Urgency: 0.5}}
	assert.InDelta(t, 0.6*0.5+0.4*1/5.0, Confidence(one), 1e-9)

	mixed := []Opportunity{
		{Kind: KindBreakingNews, Urgency: 1},
		{Kind: KindEngagementSurge, Urgency: 1},
		{Kind: KindTrendingTopic, Urgency: 1},
		{Kind: KindCompetitorQuiet, Urgency: 1},
		{Kind: KindPeakTime, Urgency: 1},
	}
	assert.InDelta(t, 1.0, Confidence(mixed), 1e-9)
}

func TestShouldActNow(t *testing.T) {
	expired := Opportunity{Kind: KindBreakingNews, Urgency: 1, EstimatedValue: 30, Reason: "old", Action: gate.ActionPost,
		DetectedAt: probeNow.Add(-2 * time.Hour), WindowMinutes: 60}
	denied := Opportunity{Kind: KindEngagementSurge, Urgency: 0.9, EstimatedValue: 20, Reason: "surge", Action: gate.ActionReply,
		DetectedAt: probeNow, WindowMinutes: 30, RecommendedActionCount: 3}
	open := Opportunity{Kind: KindPeakTime, Urgency: 0.5, EstimatedValue: 10, Reason: "peak_time: lunch", Action: gate.ActionPost,
		DetectedAt: probeNow, WindowMinutes: 45}

	s := Ranker{}.Rank([]Opportunity{open, denied, expired}, probeNow)
	noReplies := permitFunc(func(a gate.Action) gate.Decision {
		if a == gate.ActionReply {
			return gate.Decision{Action: a, Reason: gate.ReasonQuotaExhausted}
		}
		return allowAll(a)
	})

	got := ShouldActNow(s, probeNow.Add(10*time.Minute), noReplies)
	assert.True(t, got.Act)
	assert.Equal(t, "peak_time: lunch", got.Reason)
	assert.Equal(t, 1, got.RecommendedCount)
	require.NotNil(t, got.Opportunity)

	got = ShouldActNow(s, probeNow.Add(10*time.Minute), permitFunc(allowAll))
	assert.Equal(t, "surge", got.Reason)
	assert.Equal(t, 3, got.RecommendedCount)

	got = ShouldActNow(s, probeNow.Add(time.Hour), permitFunc(allowAll))
	assert.False(t, got.Act)
	assert.Equal(t, "no_opportunity", got.Reason)
	assert.InDelta(t, NoOpportunityUrgency, got.Urgency, 1e-9)
}

func TestShouldActNow_Unavailable(t *testing.T) {
	got := ShouldActNow(Schedule{Unavailable: true}, probeNow, nil)
	assert.False(t, got.Act)
	assert.Equal(t, "schedule_unavailable", got.Reason)
}
