package opportunity

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultProbeConcurrency bounds how many probes run at once.
const DefaultProbeConcurrency = 4

// Collection is the merged output of one collector run.
type Collection struct {
	Opportunities []Opportunity
	// Failed lists the probes that returned an error or panicked.
	Failed []string
	// Err aggregates the probe errors, nil when every probe succeeded.
	Err error
	// Probes is the number of probes that ran.
	Probes int
}

// AllFailed reports whether no probe produced a result.
func (c Collection) AllFailed() bool {
	return c.Probes > 0 && len(c.Failed) == c.Probes
}

// Collector runs independent probes concurrently. A failing probe contributes
// zero opportunities and never aborts the others.
type Collector struct {
	probes      []Probe
	concurrency int
	logger      *zap.Logger
}

// NewCollector creates a collector over probes.
func NewCollector(logger *zap.Logger, concurrency int, probes ...Probe) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = DefaultProbeConcurrency
	}
	return &Collector{probes: probes, concurrency: concurrency, logger: logger}
}

// Probes returns the names of the registered probes.
func (c *Collector) Probes() []string {
	names := make([]string, len(c.probes))
	for i, p := range c.probes {
		names[i] = p.Name()
	}
	return names
}

// Collect runs every probe once. Results keep the probe registration order.
func (c *Collector) Collect(ctx context.Context, now time.Time) Collection {
	results := make([][]Opportunity, len(c.probes))
	failed := make([]bool, len(c.probes))

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, p := range c.probes {
		g.Go(func() error {
			start := time.Now()
			opps, err := runProbe(ctx, p, now)
			ProbeDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
			if err != nil {
				ProbeFailures.WithLabelValues(p.Name()).Inc()
				c.logger.Warn("probe_failed", zap.String("probe", p.Name()), zap.Error(err))
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", p.Name(), err))
				mu.Unlock()
				failed[i] = true
				return nil
			}
			results[i] = opps
			return nil
		})
	}
	_ = g.Wait()

	out := Collection{Probes: len(c.probes), Err: errs.ErrorOrNil()}
	for i, p := range c.probes {
		if failed[i] {
			out.Failed = append(out.Failed, p.Name())
			continue
		}
		out.Opportunities = append(out.Opportunities, results[i]...)
	}
	return out
}

func runProbe(ctx context.Context, p Probe, now time.Time) (opps []Opportunity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v\n%s", r, debug.Stack())
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Collect(ctx, now)
}
