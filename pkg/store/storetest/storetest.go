// Package storetest is a conformance suite for store.DailyUsageStore
// implementations.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/store"
)

// RunDailyUsageStoreTests exercises s. The store must start empty.
func RunDailyUsageStoreTests(t *testing.T, s store.DailyUsageStore) {
	ctx := context.Background()
	reset := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	t.Run("Load missing day", func(t *testing.T) {
		got, err := s.LoadDailyUsage(ctx, "1999-01-01")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Save and load", func(t *testing.T) {
		quotas := []ledger.ProviderQuota{
			{Provider: "social", Window: ledger.WindowDaily, Used: 12, Limit: 17, ResetAt: reset},
			{Provider: "account", Window: ledger.WindowDaily, Used: 3, Limit: 10, ResetAt: reset, Advisory: true},
			{Provider: "social", Window: ledger.WindowShort, Used: 4, Limit: 50, ResetAt: reset.Add(-13 * time.Hour), Period: 15 * time.Minute},
		}
		require.NoError(t, s.SaveDailyUsage(ctx, "2026-03-14", quotas))

		got, err := s.LoadDailyUsage(ctx, "2026-03-14")
		require.NoError(t, err)
		require.Len(t, got, 3)

		// ordered by provider, then window
		assert.Equal(t, "account", got[0].Provider)
		assert.True(t, got[0].Advisory)
		assert.Equal(t, ledger.WindowDaily, got[1].Window)
		assert.Equal(t, 12, got[1].Used)
		assert.Equal(t, 17, got[1].Limit)
		assert.True(t, got[1].ResetAt.Equal(reset))
		assert.Equal(t, ledger.WindowShort, got[2].Window)
		assert.Equal(t, 15*time.Minute, got[2].Period)
	})

	t.Run("Save replaces the day", func(t *testing.T) {
		require.NoError(t, s.SaveDailyUsage(ctx, "2026-03-14", []ledger.ProviderQuota{
			{Provider: "social", Window: ledger.WindowDaily, Used: 13, Limit: 17, ResetAt: reset},
		}))
		got, err := s.LoadDailyUsage(ctx, "2026-03-14")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 13, got[0].Used)
	})

	t.Run("Days are independent", func(t *testing.T) {
		require.NoError(t, s.SaveDailyUsage(ctx, "2026-03-15", []ledger.ProviderQuota{
			{Provider: "newsapi", Window: ledger.WindowDaily, Used: 1, Limit: 100},
		}))
		got, err := s.LoadDailyUsage(ctx, "2026-03-14")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "social", got[0].Provider)
	})

	t.Run("Concurrent saves", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 1; i <= 10; i++ {
			wg.Add(1)
			go func(used int) {
				defer wg.Done()
				assert.NoError(t, s.SaveDailyUsage(ctx, "2026-03-16", []ledger.ProviderQuota{
					{Provider: "social", Window: ledger.WindowDaily, Used: used, Limit: 17},
				}))
			}(i)
		}
		wg.Wait()

		got, err := s.LoadDailyUsage(ctx, "2026-03-16")
		require.NoError(t, err)
		require.Len(t, got, 1, "each save replaces the whole day")
	})
}
