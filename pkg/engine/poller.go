package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Poller refreshes live limits and re-runs the analysis on a fixed interval
// so readers of the latest schedule rarely wait.
type Poller struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *zap.Logger
}

// NewPoller creates a new poller instance
func NewPoller(s *Scheduler, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{scheduler: s, interval: interval, logger: logger}
}

// Start runs the polling loop until ctx is done. The first tick runs at once.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller_started", zap.Duration("interval", p.interval))
	p.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller_stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick refreshes limits whose cache entry is older than the limits TTL, then
// analyses.
func (p *Poller) Tick(ctx context.Context) {
	if _, err := p.scheduler.GetCurrentLimits(ctx, false); err != nil {
		p.logger.Warn("limits_refresh_failed", zap.Error(err))
	}
	if _, err := p.scheduler.AnalyzeOpportunities(ctx); err != nil {
		p.logger.Warn("analysis_failed", zap.Error(err))
	}
}
