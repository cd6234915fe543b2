// Package engine wires the ledger, gate, caches and probes into one
// dependency-injected scheduler.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rmax-ai/cadence/pkg/cache"
	"github.com/rmax-ai/cadence/pkg/failover"
	"github.com/rmax-ai/cadence/pkg/gate"
	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/opportunity"
	"github.com/rmax-ai/cadence/pkg/provider"
)

// Deps are the scheduler's collaborators. Every field is optional; a
// scheduler without sources still answers quota questions.
type Deps struct {
	Logger *zap.Logger
	Clock  func() time.Time

	// Primary and Secondary are the failover news pair.
	Primary   provider.NewsSource
	Secondary provider.NewsSource

	// Social is the posting platform. It is probed for live limits too.
	Social provider.SocialSource

	// LimitProviders are probed for live limits alongside Social.
	LimitProviders []provider.Provider

	// Probes are appended to the built-in ones.
	Probes []opportunity.Probe
}

// Scheduler answers "can I", "should I" and "what's left" for one account.
type Scheduler struct {
	logger *zap.Logger
	now    func() time.Time
	loc    *time.Location

	mu  sync.RWMutex
	cfg Config

	ledger    *ledger.Ledger
	gate      *gate.Gate
	fetcher   *failover.Fetcher
	collector *opportunity.Collector
	ranker    opportunity.Ranker

	limits         *cache.StaleCache[provider.PollResult]
	limitProviders []provider.Provider

	analysis singleflight.Group
	latest   atomic.Pointer[opportunity.Schedule]
}

// New builds a scheduler from a validated config.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	loc, _ := cfg.location()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	l := ledger.New(ledger.WithClock(now), ledger.WithLocation(loc))
	for p, specs := range cfg.Providers {
		if err := l.Configure(p, specs...); err != nil {
			return nil, err
		}
	}

	gateOpts := []gate.Option{
		gate.WithLogger(logger.Named("gate")),
		gate.WithBindings(cfg.Bindings),
		gate.WithCooldownBackoff(cfg.CooldownBackoff),
	}
	if cfg.Warmup != nil {
		gateOpts = append(gateOpts, gate.WithWarmup(*cfg.Warmup))
	}
	g := gate.New(l, gateOpts...)

	cacheOpts := func() []cache.Option {
		opts := []cache.Option{cache.WithClock(now), cache.WithLogger(logger.Named("cache"))}
		if cfg.StaleCeiling > 0 {
			opts = append(opts, cache.WithStaleCeiling(cfg.StaleCeiling))
		}
		if cfg.FetchTimeout > 0 {
			opts = append(opts, cache.WithFetchTimeout(cfg.FetchTimeout))
		}
		return opts
	}

	fetchOpts := []failover.Option{failover.WithTTL(cfg.News.TTL), failover.WithLogger(logger.Named("failover"))}
	if cfg.News.TrustWeight > 0 && cfg.News.TopicWeight > 0 {
		fetchOpts = append(fetchOpts, failover.WithWeights(cfg.News.TrustWeight, cfg.News.TopicWeight))
	}
	fetcher := failover.New(g, cache.New[[]provider.NewsItem]("news", cacheOpts()...), fetchOpts...)

	s := &Scheduler{
		logger:  logger,
		now:     now,
		loc:     loc,
		cfg:     cfg,
		ledger:  l,
		gate:    g,
		fetcher: fetcher,
		ranker:  opportunity.Ranker{Cap: cfg.ScheduleCap},
		limits:  cache.New[provider.PollResult]("limits", cacheOpts()...),
	}

	var probes []opportunity.Probe
	if deps.Primary != nil || deps.Secondary != nil {
		probes = append(probes, &opportunity.FreshnessProbe{
			Fetcher:   fetcher,
			Primary:   failover.Source{Provider: deps.Primary, Trust: cfg.News.PrimaryTrust},
			Secondary: failover.Source{Provider: deps.Secondary, Trust: cfg.News.SecondaryTrust},
			Query:     cfg.News.Query(),
			Limit:     cfg.News.Limit,
			Horizon:   cfg.News.Horizon,
		})
	}
	if deps.Social != nil {
		ttl := cfg.Probes.SocialTTL
		probes = append(probes,
			&opportunity.TrendProbe{
				Gate:          g,
				Social:        deps.Social,
				Cache:         cache.New[[]provider.Trend]("trends", cacheOpts()...),
				TTL:           ttl,
				VolumeCeiling: cfg.Probes.TrendVolumeCeiling,
				Floor:         cfg.Probes.TrendFloor,
			},
			&opportunity.SurgeProbe{
				Gate:        g,
				Social:      deps.Social,
				Cache:       cache.New[provider.EngagementSample]("engagement", cacheOpts()...),
				TTL:         ttl,
				Threshold:   cfg.Probes.SurgeThreshold,
				HistorySize: cfg.Probes.SurgeHistory,
			},
			&opportunity.QuietProbe{
				Gate:      g,
				Social:    deps.Social,
				Cache:     cache.New[[]provider.CompetitorActivity]("competitors", cacheOpts()...),
				TTL:       ttl,
				Threshold: cfg.Probes.QuietThreshold,
			},
		)
		s.limitProviders = append(s.limitProviders, deps.Social)
	}
	if len(cfg.PeakWindows) > 0 {
		probes = append(probes, &opportunity.PeakProbe{Windows: cfg.PeakWindows})
	}
	probes = append(probes, deps.Probes...)
	s.limitProviders = append(s.limitProviders, deps.LimitProviders...)
	s.collector = opportunity.NewCollector(logger.Named("collector"), cfg.Probes.Concurrency, probes...)

	logger.Info("scheduler_initialized",
		zap.Strings("probes", s.collector.Probes()),
		zap.Int("limit_providers", len(s.limitProviders)),
		zap.String("timezone", loc.String()),
	)
	return s, nil
}

// AnalyzeOpportunities runs every probe once and ranks the result. Concurrent
// callers join the analysis already in flight and get the same schedule. A
// caller whose ctx ends gets ctx.Err() while the analysis finishes for the rest.
func (s *Scheduler) AnalyzeOpportunities(ctx context.Context) (opportunity.Schedule, error) {
	ch := s.analysis.DoChan("analyze", func() (any, error) {
		return s.analyze(context.WithoutCancel(ctx)), nil
	})
	select {
	case <-ctx.Done():
		return opportunity.Schedule{}, ctx.Err()
	case res := <-ch:
		return res.Val.(opportunity.Schedule), nil
	}
}

func (s *Scheduler) analyze(ctx context.Context) opportunity.Schedule {
	start := time.Now()
	now := s.now()
	coll := s.collector.Collect(ctx, now)

	var sched opportunity.Schedule
	result := "ok"
	switch {
	case coll.Probes == 0 || coll.AllFailed():
		result = "unavailable"
		sched = opportunity.Schedule{
			ID:           uuid.NewString(),
			GeneratedAt:  now,
			Unavailable:  true,
			FailedProbes: coll.Failed,
		}
	default:
		sched = s.ranker.Rank(coll.Opportunities, now)
		sched.FailedProbes = coll.Failed
		if len(coll.Failed) > 0 {
			result = "partial"
		}
	}

	s.latest.Store(&sched)
	AnalysisTotal.WithLabelValues(result).Inc()
	AnalysisDuration.Observe(time.Since(start).Seconds())
	ScheduleConfidence.Set(sched.Confidence)
	ScheduleSize.Set(float64(len(sched.Opportunities)))

	fields := []zap.Field{
		zap.String("schedule_id", sched.ID),
		zap.String("result", result),
		zap.Int("opportunities", len(sched.Opportunities)),
		zap.Float64("confidence", sched.Confidence),
	}
	if coll.Err != nil {
		fields = append(fields, zap.Strings("failed_probes", coll.Failed), zap.Error(coll.Err))
	}
	if result == "unavailable" {
		s.logger.Warn("analysis_unavailable", fields...)
	} else {
		s.logger.Info("analysis_completed", fields...)
	}
	return sched
}

// LatestSchedule returns the most recent schedule, if any analysis ran.
func (s *Scheduler) LatestSchedule() (opportunity.Schedule, bool) {
	if p := s.latest.Load(); p != nil {
		return *p, true
	}
	return opportunity.Schedule{}, false
}

// ShouldActNow answers from the latest schedule, analysing first when there is
// none or it is older than the schedule max age.
func (s *Scheduler) ShouldActNow(ctx context.Context) (opportunity.ActResult, error) {
	now := s.now()
	sched, ok := s.LatestSchedule()
	if !ok || now.Sub(sched.GeneratedAt) > s.config().ScheduleMaxAge {
		var err error
		sched, err = s.AnalyzeOpportunities(ctx)
		if err != nil {
			return opportunity.ActResult{}, err
		}
	}
	return opportunity.ShouldActNow(sched, now, s.gate), nil
}

// Reload applies new limits and bindings. Counters, cooldowns and caches are
// kept; probe settings need a restart.
func (s *Scheduler) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for p, specs := range cfg.Providers {
		if err := s.ledger.Configure(p, specs...); err != nil {
			return fmt.Errorf("reload: %w", err)
		}
	}
	s.gate.SetBindings(cfg.Bindings)

	s.mu.Lock()
	old := s.cfg
	s.cfg.Providers = cfg.Providers
	s.cfg.Bindings = cfg.Bindings
	if cfg.ScheduleMaxAge > 0 {
		s.cfg.ScheduleMaxAge = cfg.ScheduleMaxAge
	}
	s.mu.Unlock()

	s.logger.Info("config_reloaded",
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("bindings", len(cfg.Bindings)),
		zap.Int("previous_providers", len(old.Providers)),
	)
	return nil
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Config returns the active configuration with defaults applied.
func (s *Scheduler) Config() Config { return s.config() }

// Ledger exposes the usage ledger.
func (s *Scheduler) Ledger() *ledger.Ledger { return s.ledger }

// Gate exposes the quota gate.
func (s *Scheduler) Gate() *gate.Gate { return s.gate }

// Fetcher exposes the failover news fetcher.
func (s *Scheduler) Fetcher() *failover.Fetcher { return s.fetcher }

// Location is the timezone of the daily resets.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() time.Time { return s.now() }

func (s *Scheduler) CanPost() bool      { return s.gate.CanPost() }
func (s *Scheduler) CanGenerate() bool  { return s.gate.CanGenerate() }
func (s *Scheduler) CanFetchNews() bool { return s.gate.CanFetchNews() }

// CanPerform checks an arbitrary action.
func (s *Scheduler) CanPerform(action gate.Action) gate.Decision {
	return s.gate.CanPerform(action)
}

// TryAcquire checks and consumes in one step.
func (s *Scheduler) TryAcquire(action gate.Action, n int) gate.Decision {
	return s.gate.TryAcquire(action, n)
}

// ReportUsage records n units against one provider window.
func (s *Scheduler) ReportUsage(providerID string, window ledger.WindowKind, n int) error {
	return s.gate.ReportUsage(providerID, window, n)
}

// ReportRateLimited starts or extends the provider's cooldown.
func (s *Scheduler) ReportRateLimited(providerID string, sig provider.QuotaSignal) time.Time {
	return s.gate.ReportRateLimited(providerID, sig)
}
