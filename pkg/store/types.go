// Package store persists the per-day quota counters so a restart does not
// forget what was already spent today.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rmax-ai/cadence/pkg/ledger"
)

// ErrUnavailable is returned when the backing store cannot be reached. The
// ledger keeps counting in memory when it sees it.
var ErrUnavailable = errors.New("persistence unavailable")

// DateLayout is the format of the per-day key.
const DateLayout = "2006-01-02"

// DailyUsageStore loads and saves the ledger's windows for one calendar day.
type DailyUsageStore interface {
	// LoadDailyUsage returns the windows saved for date, or nothing.
	LoadDailyUsage(ctx context.Context, date string) ([]ledger.ProviderQuota, error)

	// SaveDailyUsage replaces the windows saved for date.
	SaveDailyUsage(ctx context.Context, date string, quotas []ledger.ProviderQuota) error

	Close() error
}

// DateKey formats t in loc as a per-day key.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}
