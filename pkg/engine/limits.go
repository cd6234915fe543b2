package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/gate"
	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/provider"
)

// Permissions is the answer to the three common questions.
type Permissions struct {
	CanPost      bool `json:"can_post"`
	CanGenerate  bool `json:"can_generate"`
	CanFetchNews bool `json:"can_fetch_news"`
}

// LimitsSnapshot is the current per-provider view.
type LimitsSnapshot struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Quotas      []ledger.ProviderQuota `json:"quotas"`
	Cooldowns   map[string]time.Time   `json:"cooldowns,omitempty"`
	Permissions Permissions            `json:"permissions"`
	// Probes holds the last live limit probe per provider, if any.
	Probes []ProbeStatus `json:"probes,omitempty"`
}

// ProbeStatus summarises one live limit probe.
type ProbeStatus struct {
	Provider  string    `json:"provider"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GetCurrentLimits probes the providers' live limits (through the cache) and
// returns the ledger view. With force set the cache is bypassed. Probe failures
// are reported per provider and never fail the call.
func (s *Scheduler) GetCurrentLimits(ctx context.Context, force bool) (LimitsSnapshot, error) {
	ttl := s.config().LimitsTTL

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		probes []ProbeStatus
	)
	for _, p := range s.limitProviders {
		wg.Add(1)
		go func(p provider.Provider) {
			defer wg.Done()
			st := s.probeLimits(ctx, p, ttl, force)
			mu.Lock()
			probes = append(probes, st)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return LimitsSnapshot{}, err
	}
	sortProbes(probes)

	return LimitsSnapshot{
		GeneratedAt: s.now(),
		Quotas:      s.ledger.Snapshot(),
		Cooldowns:   s.gate.Cooldowns(),
		Permissions: s.Permissions(),
		Probes:      probes,
	}, nil
}

// Permissions evaluates post, generate and fetch-news without consuming.
func (s *Scheduler) Permissions() Permissions {
	return Permissions{
		CanPost:      s.gate.CanPost(),
		CanGenerate:  s.gate.CanGenerate(),
		CanFetchNews: s.gate.CanFetchNews(),
	}
}

// probeLimits polls one provider. Observations are folded into the ledger only
// when the upstream was actually called, so a cached poll never overrides
// usage counted locally since.
func (s *Scheduler) probeLimits(ctx context.Context, p provider.Provider, ttl time.Duration, force bool) ProbeStatus {
	id := string(p.ID())
	fetch := func(ctx context.Context) (provider.PollResult, error) {
		res, err := p.Poll(ctx)
		if err != nil {
			return provider.PollResult{}, err
		}
		if res.Status != "success" {
			if res.Error != nil {
				return provider.PollResult{}, res.Error
			}
			return provider.PollResult{}, fmt.Errorf("%s: poll status %s", id, res.Status)
		}
		for _, obs := range res.Usage {
			limit := obs.Limit
			if limit <= 0 {
				continue
			}
			s.ledger.Observe(id, obs.Window, obs.Remaining, limit, obs.ResetAt)
		}
		return res, nil
	}

	var (
		res provider.PollResult
		err error
	)
	if force {
		res, err = s.limits.Refresh(ctx, id, ttl, fetch)
	} else {
		res, err = s.limits.GetOrFetch(ctx, id, ttl, fetch)
	}
	if err != nil {
		LimitsRefreshTotal.WithLabelValues(id, "error").Inc()
		s.logger.Warn("limits_probe_failed", zap.String("provider", id), zap.Error(err))
		return ProbeStatus{Provider: id, Status: "error", Error: err.Error(), Timestamp: s.now()}
	}
	LimitsRefreshTotal.WithLabelValues(id, "success").Inc()
	return ProbeStatus{Provider: id, Status: res.Status, Timestamp: res.Timestamp}
}

func sortProbes(ps []ProbeStatus) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Provider < ps[j].Provider })
}

// ActionStatus is one action's decision, used by listings.
type ActionStatus struct {
	Action   gate.Action   `json:"action"`
	Decision gate.Decision `json:"decision"`
}

// Actions evaluates every bound action.
func (s *Scheduler) Actions() []ActionStatus {
	actions := s.gate.Actions()
	out := make([]ActionStatus, 0, len(actions))
	for _, a := range actions {
		out = append(out, ActionStatus{Action: a, Decision: s.gate.CanPerform(a)})
	}
	return out
}
