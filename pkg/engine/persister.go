package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/store"
)

// DefaultRetention is how many days of usage the persister keeps when the
// store can prune.
const DefaultRetention = 7 * 24 * time.Hour

// Pruner is implemented by stores that can drop old days.
type Pruner interface {
	PruneBefore(ctx context.Context, date string) (int64, error)
}

// Persister saves the ledger's counters per day and restores them at startup.
// A store outage is logged once; the ledger keeps counting in memory.
type Persister struct {
	store     store.DailyUsageStore
	ledger    *ledger.Ledger
	loc       *time.Location
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger

	mu         sync.Mutex
	lastPruned string
	down       atomic.Bool
}

// NewPersister creates a persister. A nil loc means UTC.
func NewPersister(st store.DailyUsageStore, l *ledger.Ledger, loc *time.Location, interval time.Duration, logger *zap.Logger) *Persister {
	if loc == nil {
		loc = time.UTC
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		store:     st,
		ledger:    l,
		loc:       loc,
		interval:  interval,
		retention: DefaultRetention,
		logger:    logger,
	}
}

// SetRetention changes how many days are kept. Zero disables pruning.
func (p *Persister) SetRetention(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retention = d
}

// Load restores the ledger's counters. Today's saved windows come first; a
// window missing from today is taken from the most recent earlier day of the
// month it was saved in, so a monthly counter survives a restart on a later
// day. Restore drops whatever has reset since.
func (p *Persister) Load(ctx context.Context) error {
	now := p.ledger.Now().In(p.loc)
	today := store.DateKey(now, p.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, p.loc)

	seen := make(map[ledger.Ref]bool)
	var quotas []ledger.ProviderQuota
	days := 0
	for day := now; !day.Before(monthStart); day = day.AddDate(0, 0, -1) {
		date := store.DateKey(day, p.loc)
		saved, err := p.store.LoadDailyUsage(ctx, date)
		if err != nil {
			PersistenceErrors.WithLabelValues("load").Inc()
			p.markDown(err)
			return err
		}
		if len(saved) > 0 {
			days++
		}
		for _, q := range saved {
			ref := ledger.Ref{Provider: q.Provider, Window: q.Window}
			if seen[ref] {
				continue
			}
			// Only the longer windows can outlive the day they were saved in.
			if date != today && q.Window != ledger.WindowMonthly {
				continue
			}
			seen[ref] = true
			quotas = append(quotas, q)
		}
	}
	p.markUp()
	p.ledger.Restore(quotas)
	p.logger.Info("daily_usage_loaded",
		zap.String("date", today),
		zap.Int("windows", len(quotas)),
		zap.Int("days_read", days),
	)
	return nil
}

// Flush saves the ledger's current windows under today's date.
func (p *Persister) Flush(ctx context.Context) error {
	now := p.ledger.Now()
	date := store.DateKey(now, p.loc)
	quotas := p.ledger.Snapshot()

	if err := p.store.SaveDailyUsage(ctx, date, quotas); err != nil {
		PersistenceErrors.WithLabelValues("save").Inc()
		p.markDown(err)
		return err
	}
	p.markUp()
	p.logger.Debug("daily_usage_flushed", zap.String("date", date), zap.Int("windows", len(quotas)))
	p.prune(ctx, now, date)
	return nil
}

// Run flushes on the interval and once more when ctx ends.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("persister_started", zap.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			// Final flush gets its own deadline; ctx is already done.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = p.Flush(fctx)
			cancel()
			p.logger.Info("persister_stopped")
			return
		case <-ticker.C:
			_ = p.Flush(ctx)
		}
	}
}

// prune drops days older than the retention, at most once per day.
func (p *Persister) prune(ctx context.Context, now time.Time, today string) {
	pr, ok := p.store.(Pruner)
	if !ok {
		return
	}
	p.mu.Lock()
	retention := p.retention
	if retention <= 0 || p.lastPruned == today {
		p.mu.Unlock()
		return
	}
	p.lastPruned = today
	p.mu.Unlock()

	cutoff := store.DateKey(now.Add(-retention), p.loc)
	n, err := pr.PruneBefore(ctx, cutoff)
	if err != nil {
		PersistenceErrors.WithLabelValues("prune").Inc()
		p.logger.Warn("daily_usage_prune_failed", zap.String("before", cutoff), zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Info("daily_usage_pruned", zap.String("before", cutoff), zap.Int64("rows", n))
	}
}

func (p *Persister) markDown(err error) {
	if !p.down.CompareAndSwap(false, true) {
		return
	}
	if errors.Is(err, store.ErrUnavailable) {
		p.logger.Warn("persistence_unavailable", zap.Error(err))
		return
	}
	p.logger.Error("persistence_failed", zap.Error(err))
}

func (p *Persister) markUp() {
	if p.down.CompareAndSwap(true, false) {
		p.logger.Info("persistence_restored")
	}
}

// Healthy reports whether the last load or flush succeeded.
func (p *Persister) Healthy() bool {
	return !p.down.Load()
}
