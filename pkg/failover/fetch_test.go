package failover

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/cadence/pkg/cache"
	"github.com/rmax-ai/cadence/pkg/gate"
	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/provider"
)

type harness struct {
	gate      *gate.Gate
	fetcher   *Fetcher
	primary   *provider.MockProvider
	secondary *provider.MockProvider
}

func (h harness) sources() (Source, Source) {
	return Source{Provider: h.primary, Trust: 0.9}, Source{Provider: h.secondary, Trust: 0.5}
}

func newHarness(t *testing.T) harness {
	t.Helper()
	l := ledger.New()
	require.NoError(t, l.Configure("newsapi", ledger.WindowSpec{Kind: ledger.WindowDaily, Limit: 100}))
	require.NoError(t, l.Configure("gnews", ledger.WindowSpec{Kind: ledger.WindowDaily, Limit: 100}))
	g := gate.New(l, gate.WithBindings(map[gate.Action][]gate.Binding{
		gate.ActionFetchNews: {
			{Provider: "newsapi", Window: ledger.WindowDaily},
			{Provider: "gnews", Window: ledger.WindowDaily},
		},
	}))
	return harness{
		gate:      g,
		fetcher:   New(g, cache.New[[]provider.NewsItem]("news")),
		primary:   provider.NewMockProvider("newsapi"),
		secondary: provider.NewMockProvider("gnews"),
	}
}

func TestFetch_PrimaryDeniedUsesSecondaryOnly(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.gate.ReportUsage("newsapi", ledger.WindowDaily, 100))
	h.primary.SetNews(provider.NewsItem{Title: "primary story"})
	h.secondary.SetNews(provider.NewsItem{Title: "secondary one"}, provider.NewsItem{Title: "secondary two"})

	p, s := h.sources()
	res := h.fetcher.Fetch(context.Background(), p, s, provider.NewsQuery{}, 5)

	assert.False(t, res.Degraded)
	assert.Equal(t, []provider.ProviderID{"gnews"}, res.Served)
	require.Len(t, res.Items, 2)
	for _, it := range res.Items {
		assert.Equal(t, provider.ProviderID("gnews"), it.Provider)
	}
	assert.Equal(t, 0, h.primary.Calls("search"))
	assert.Equal(t, 99, h.gate.Ledger().RemainingOf("gnews", ledger.WindowDaily), "one unit per upstream call")
}

func TestFetch_EnoughFromPrimarySkipsSecondary(t *testing.T) {
	h := newHarness(t)
	h.primary.SetNews(provider.NewsItem{Title: "a"}, provider.NewsItem{Title: "b"})
	h.secondary.SetNews(provider.NewsItem{Title: "c"})

	p, s := h.sources()
	res := h.fetcher.Fetch(context.Background(), p, s, provider.NewsQuery{}, 2)

	assert.Len(t, res.Items, 2)
	assert.Equal(t, 0, h.secondary.Calls("search"))
}

func TestFetch_ShortPrimaryMergesAndDedupes(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.primary.SetNews(provider.NewsItem{Title: "Fed raises rates!", PublishedAt: now})
	h.secondary.SetNews(
		provider.NewsItem{Title: "fed  raises rates", PublishedAt: now},
		provider.NewsItem{Title: "Rates and markets", PublishedAt: now},
	)

	p, s := h.sources()
	res := h.fetcher.Fetch(context.Background(), p, s, provider.NewsQuery{}, 5)

	require.Len(t, res.Items, 2)
	assert.Equal(t, "Fed raises rates!", res.Items[0].Title, "duplicate keeps the more trusted copy")
	assert.Equal(t, provider.ProviderID("newsapi"), res.Items[0].Provider)
	assert.ElementsMatch(t, []provider.ProviderID{"newsapi", "gnews"}, res.Served)
}

func TestFetch_PrimaryFailingIsNotAnError(t *testing.T) {
	h := newHarness(t)
	h.primary.FailWith(provider.ErrUnavailable)
	h.secondary.SetNews(provider.NewsItem{Title: "backup"})

	p, s := h.sources()
	res := h.fetcher.Fetch(context.Background(), p, s, provider.NewsQuery{}, 3)

	assert.False(t, res.Degraded)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "backup", res.Items[0].Title)
	assert.Equal(t, 100, h.gate.Ledger().RemainingOf("newsapi", ledger.WindowDaily), "failed call is not counted")
}

func TestFetch_RateLimitedPrimaryCoolsDown(t *testing.T) {
	h := newHarness(t)
	h.primary.FailWith(provider.ErrRateLimited).SetSignal(provider.QuotaSignal{Remaining: 0, RetryAfter: time.Hour, RateLimited: true})
	h.secondary.SetNews(provider.NewsItem{Title: "backup"})

	p, s := h.sources()
	h.fetcher.Fetch(context.Background(), p, s, provider.NewsQuery{}, 3)

	_, cooling := h.gate.Cooldown("newsapi")
	assert.True(t, cooling)
	_, cooling = h.gate.Cooldown("gnews")
	assert.False(t, cooling)
}

func TestFetch_AllDeniedIsDegradedWithStaleItems(t *testing.T) {
	h := newHarness(t)
	h.primary.SetNews(provider.NewsItem{Title: "cached story"})
	p, s := h.sources()
	q := provider.NewsQuery{Topics: []string{"ai"}}

	first := h.fetcher.Fetch(context.Background(), p, s, q, 1)
	require.Len(t, first.Items, 1)

	require.NoError(t, h.gate.ReportUsage("newsapi", ledger.WindowDaily, 100))
	require.NoError(t, h.gate.ReportUsage("gnews", ledger.WindowDaily, 100))

	res := h.fetcher.Fetch(context.Background(), p, s, q, 1)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Served)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "cached story", res.Items[0].Title)
}

func TestFetch_AllDeniedWithoutCacheIsEmpty(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.gate.ReportUsage("newsapi", ledger.WindowDaily, 100))
	require.NoError(t, h.gate.ReportUsage("gnews", ledger.WindowDaily, 100))

	p, s := h.sources()
	res := h.fetcher.Fetch(context.Background(), p, s, provider.NewsQuery{}, 3)
	assert.True(t, res.Degraded)
	assert.True(t, res.Denied)
	assert.Empty(t, res.Items)
}

func TestFetch_DeniedOnlyWhenNoSourceWasTried(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h harness)
		wantDenied bool
	}{
		{
			name: "both failing",
			setup: func(h harness) {
				h.primary.FailWith(provider.ErrUnavailable)
				h.secondary.FailWith(provider.ErrUnavailable)
			},
		},
		{
			name: "primary denied, secondary failing",
			setup: func(h harness) {
				require.NoError(t, h.gate.ReportUsage("newsapi", ledger.WindowDaily, 100))
				h.secondary.FailWith(provider.ErrUnavailable)
			},
		},
		{
			name: "primary failing, secondary denied",
			setup: func(h harness) {
				h.primary.FailWith(provider.ErrUnavailable)
				require.NoError(t, h.gate.ReportUsage("gnews", ledger.WindowDaily, 100))
			},
		},
		{
			name: "primary cooling down, secondary exhausted",
			setup: func(h harness) {
				h.gate.ReportRateLimited("newsapi", provider.QuotaSignal{RetryAfter: time.Hour})
				require.NoError(t, h.gate.ReportUsage("gnews", ledger.WindowDaily, 100))
			},
			wantDenied: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			p, s := h.sources()
			res := h.fetcher.Fetch(context.Background(), p, s, provider.NewsQuery{}, 3)
			assert.True(t, res.Degraded)
			assert.Equal(t, tt.wantDenied, res.Denied)
		})
	}
}

func TestFetch_OrdersByRelevance(t *testing.T) {
	h := newHarness(t)
	h.primary.SetNews(
		provider.NewsItem{Title: "weather today", Trust: 0.9},
		provider.NewsItem{Title: "new golang release", Trust: 0.3},
	)

	p, s := h.sources()
	res := h.fetcher.Fetch(context.Background(), p, s, provider.NewsQuery{Topics: []string{"golang"}}, 2)

	require.Len(t, res.Items, 2)
	assert.Equal(t, "new golang release", res.Items[0].Title)
}

func TestIdentityKey(t *testing.T) {
	assert.Equal(t, IdentityKey(provider.NewsItem{Title: "Hello, World!"}), IdentityKey(provider.NewsItem{Title: "hello   world"}))
	assert.NotEqual(t, IdentityKey(provider.NewsItem{Content: "a"}), IdentityKey(provider.NewsItem{Content: "b"}))
	assert.Equal(t, IdentityKey(provider.NewsItem{Content: "same"}), IdentityKey(provider.NewsItem{Content: "same"}))

	long := IdentityKey(provider.NewsItem{Title: strings.Repeat("ab", 100)})
	assert.LessOrEqual(t, len(long), len("t:")+titleKeyLength)
}

func TestTopicMatch(t *testing.T) {
	it := provider.NewsItem{Title: "Go 1.30 ships", Content: "the golang team announced"}
	assert.Equal(t, 1.0, TopicMatch(it, nil))
	assert.Equal(t, 0.5, TopicMatch(it, []string{"Golang", "rust"}))
	assert.Equal(t, 0.0, TopicMatch(it, []string{"python"}))
}
