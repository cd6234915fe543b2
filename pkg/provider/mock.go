package provider

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a scripted provider for tests and the daemon's -mock mode.
// It serves whatever it was given and counts every call.
type MockProvider struct {
	id ProviderID

	mu          sync.Mutex
	news        []NewsItem
	trends      []Trend
	engagement  EngagementSample
	competitors []CompetitorActivity
	usage       []UsageObservation
	signal      QuotaSignal
	err         error
	delay       time.Duration
	calls       map[string]int
	now         func() time.Time
}

// NewMockProvider creates an empty mock that reports no quota signal.
func NewMockProvider(id string) *MockProvider {
	return &MockProvider{
		id:     ProviderID(id),
		signal: NoSignal,
		calls:  make(map[string]int),
		now:    time.Now,
	}
}

func (p *MockProvider) ID() ProviderID {
	return p.id
}

// SetNews replaces the items returned by Search. Provider and zero PublishedAt
// are filled in.
func (p *MockProvider) SetNews(items ...NewsItem) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.news = make([]NewsItem, len(items))
	for i, it := range items {
		if it.Provider == "" {
			it.Provider = p.id
		}
		if it.PublishedAt.IsZero() {
			it.PublishedAt = p.now()
		}
		p.news[i] = it
	}
	return p
}

func (p *MockProvider) SetTrends(trends ...Trend) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trends = trends
	return p
}

func (p *MockProvider) SetEngagement(s EngagementSample) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engagement = s
	return p
}

func (p *MockProvider) SetCompetitors(c ...CompetitorActivity) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.competitors = c
	return p
}

// SetUsage scripts the windows reported by Poll.
func (p *MockProvider) SetUsage(obs ...UsageObservation) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage = obs
	return p
}

// SetSignal scripts the quota signal attached to every outcome.
func (p *MockProvider) SetSignal(sig QuotaSignal) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signal = sig
	return p
}

// FailWith makes every call return err. Nil restores normal behaviour.
func (p *MockProvider) FailWith(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	return p
}

// SetDelay simulates network latency; the delay honours context cancellation.
func (p *MockProvider) SetDelay(d time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

// SetClock overrides the time used for defaults and poll timestamps.
func (p *MockProvider) SetClock(now func() time.Time) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	return p
}

// Calls returns how many times method was invoked.
func (p *MockProvider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

func (p *MockProvider) enter(ctx context.Context, method string) (QuotaSignal, error) {
	p.mu.Lock()
	p.calls[method]++
	delay, sig, err := p.delay, p.signal, p.err
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return sig, ctx.Err()
		case <-time.After(delay):
		}
	}
	return sig, err
}

func (p *MockProvider) Search(ctx context.Context, q NewsQuery, limit int) (Outcome[[]NewsItem], error) {
	sig, err := p.enter(ctx, "search")
	if err != nil {
		return Outcome[[]NewsItem]{Signal: sig}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.news
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return Outcome[[]NewsItem]{Value: append([]NewsItem(nil), items...), Signal: sig}, nil
}

func (p *MockProvider) Trends(ctx context.Context) (Outcome[[]Trend], error) {
	sig, err := p.enter(ctx, "trends")
	if err != nil {
		return Outcome[[]Trend]{Signal: sig}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Outcome[[]Trend]{Value: append([]Trend(nil), p.trends...), Signal: sig}, nil
}

func (p *MockProvider) Engagement(ctx context.Context) (Outcome[EngagementSample], error) {
	sig, err := p.enter(ctx, "engagement")
	if err != nil {
		return Outcome[EngagementSample]{Signal: sig}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Outcome[EngagementSample]{Value: p.engagement, Signal: sig}, nil
}

func (p *MockProvider) Competitors(ctx context.Context) (Outcome[[]CompetitorActivity], error) {
	sig, err := p.enter(ctx, "competitors")
	if err != nil {
		return Outcome[[]CompetitorActivity]{Signal: sig}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Outcome[[]CompetitorActivity]{Value: append([]CompetitorActivity(nil), p.competitors...), Signal: sig}, nil
}

func (p *MockProvider) Poll(ctx context.Context) (PollResult, error) {
	if _, err := p.enter(ctx, "poll"); err != nil {
		return PollResult{ProviderID: p.id, Status: "error", Error: err, Timestamp: p.clock()}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return PollResult{
		ProviderID: p.id,
		Status:     "success",
		Timestamp:  p.now(),
		Usage:      append([]UsageObservation(nil), p.usage...),
	}, nil
}

func (p *MockProvider) clock() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now()
}

var (
	_ NewsSource   = (*MockProvider)(nil)
	_ SocialSource = (*MockProvider)(nil)
)
