package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/engine"
	"github.com/rmax-ai/cadence/pkg/gate"
	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/provider"
	"github.com/rmax-ai/cadence/pkg/provider/gnews"
	"github.com/rmax-ai/cadence/pkg/provider/newsapi"
	"github.com/rmax-ai/cadence/pkg/provider/openai"
	"github.com/rmax-ai/cadence/pkg/provider/social"
)

// Provider ids as they appear in the YAML providers and bindings.
const (
	idSocial  = "social"
	idNewsAPI = "newsapi"
	idGNews   = "gnews"
	idOpenAI  = "openai"
)

// buildDeps wires the upstream providers that have credentials.
func buildDeps(cfg Config, ecfg engine.Config, logger *zap.Logger) engine.Deps {
	deps := engine.Deps{Logger: logger}
	keys := cfg.Keys

	if keys.NewsAPI != "" {
		deps.Primary = newsapi.NewNewsAPIProvider(idNewsAPI, keys.NewsAPI)
	}
	if keys.GNews != "" {
		g := gnews.NewGNewsProvider(idGNews, keys.GNews)
		if deps.Primary == nil {
			deps.Primary = g
		} else {
			deps.Secondary = g
		}
	}
	if keys.SocialToken != "" {
		deps.Social = social.NewSocialProvider(idSocial, keys.SocialToken, keys.SocialBaseURL,
			social.WithCompetitors(ecfg.Probes.Competitors...))
	}
	if keys.OpenAI != "" {
		deps.LimitProviders = append(deps.LimitProviders,
			openai.NewOpenAIProvider(idOpenAI, keys.OpenAI, keys.OpenAIOrg, keys.OpenAIBaseURL))
	}

	logger.Info("providers_wired",
		zap.Bool("primary_news", deps.Primary != nil),
		zap.Bool("secondary_news", deps.Secondary != nil),
		zap.Bool("social", deps.Social != nil),
		zap.Int("limit_providers", len(deps.LimitProviders)),
	)
	return deps
}

// mockDeps scripts every provider with plausible data so the daemon can run
// without credentials.
func mockDeps(logger *zap.Logger) engine.Deps {
	now := time.Now()

	news := provider.NewMockProvider(idNewsAPI).SetNews(
		provider.NewsItem{Title: "New open model tops benchmarks", URL: "https://example.com/a", Source: "wire", PublishedAt: now.Add(-20 * time.Minute)},
		provider.NewsItem{Title: "Chip export rules updated", URL: "https://example.com/b", Source: "wire", PublishedAt: now.Add(-3 * time.Hour)},
	)
	backup := provider.NewMockProvider(idGNews).SetNews(
		provider.NewsItem{Title: "Startup raises seed round", URL: "https://example.com/c", Source: "blog", PublishedAt: now.Add(-90 * time.Minute)},
	)
	sm := provider.NewMockProvider(idSocial).
		SetTrends(provider.Trend{Topic: "#ai", Volume: 42000}, provider.Trend{Topic: "#golang", Volume: 9000}).
		SetEngagement(provider.EngagementSample{Recent: 40, Window: 30 * time.Minute, Baseline: 25}).
		SetCompetitors(provider.CompetitorActivity{Handle: "rival", LastActive: now.Add(-5 * time.Hour)}).
		SetUsage(provider.UsageObservation{Window: ledger.WindowDaily, Limit: 50, Remaining: 50})
	llm := provider.NewMockProvider(idOpenAI).
		SetUsage(provider.UsageObservation{Window: ledger.WindowDaily, Limit: 200, Remaining: 200})

	logger.Info("providers_mocked")
	return engine.Deps{
		Logger:         logger,
		Primary:        news,
		Secondary:      backup,
		Social:         sm,
		LimitProviders: []provider.Provider{llm},
	}
}

// mockConfig is used with -mock when no YAML file exists.
func mockConfig() engine.Config {
	daily := func(limit int) []ledger.WindowSpec {
		return []ledger.WindowSpec{{Kind: ledger.WindowDaily, Limit: limit}}
	}
	cfg := engine.Config{
		Providers: map[string][]ledger.WindowSpec{
			idSocial:  daily(50),
			idNewsAPI: daily(100),
			idGNews:   daily(100),
			idOpenAI:  daily(200),
		},
	}
	cfg.Bindings = defaultBindings()
	cfg.News.Topics = []string{"ai", "model", "chip"}
	cfg.News.Limit = 10
	cfg.Probes.Competitors = []string{"rival"}
	return cfg
}

func defaultBindings() map[gate.Action][]gate.Binding {
	on := func(p string) []gate.Binding {
		return []gate.Binding{{Provider: p, Window: ledger.WindowDaily}}
	}
	return map[gate.Action][]gate.Binding{
		gate.ActionPost:       on(idSocial),
		gate.ActionReply:      on(idSocial),
		gate.ActionReadSocial: on(idSocial),
		gate.ActionGenerate:   on(idOpenAI),
		gate.ActionFetchNews:  {{Provider: idNewsAPI, Window: ledger.WindowDaily}, {Provider: idGNews, Window: ledger.WindowDaily}},
	}
}
