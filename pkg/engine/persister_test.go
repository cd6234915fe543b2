package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/store"
)

// flakyStore wraps a MemoryStore and fails while err is set.
type flakyStore struct {
	*store.MemoryStore

	mu     sync.Mutex
	err    error
	pruned []string
}

func (s *flakyStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *flakyStore) SaveDailyUsage(ctx context.Context, date string, quotas []ledger.ProviderQuota) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.SaveDailyUsage(ctx, date, quotas)
}

func (s *flakyStore) PruneBefore(_ context.Context, date string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, date)
	return 0, nil
}

func newTestLedger(t *testing.T, clock *testClock) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.WithClock(clock.Now))
	require.NoError(t, l.Configure("social", daily(100)...))
	return l
}

func TestPersister_FlushAndLoad(t *testing.T) {
	clock := newTestClock()
	st := store.NewMemoryStore()
	ctx := context.Background()

	l := newTestLedger(t, clock)
	require.NoError(t, l.Increment("social", ledger.WindowDaily, 7))
	require.NoError(t, NewPersister(st, l, nil, 0, nil).Flush(ctx))

	saved, err := st.LoadDailyUsage(ctx, "2026-03-14")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 7, saved[0].Used)

	// A restart restores today's counters.
	restarted := newTestLedger(t, clock)
	require.NoError(t, NewPersister(st, restarted, nil, 0, nil).Load(ctx))
	q, ok := restarted.Quota("social", ledger.WindowDaily)
	require.True(t, ok)
	assert.Equal(t, 7, q.Used)

	// Tomorrow starts from zero.
	clock.Advance(24 * time.Hour)
	tomorrow := newTestLedger(t, clock)
	require.NoError(t, NewPersister(st, tomorrow, nil, 0, nil).Load(ctx))
	q, _ = tomorrow.Quota("social", ledger.WindowDaily)
	assert.Equal(t, 0, q.Used)
}

func TestPersister_DateFollowsLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	clock := &testClock{now: time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	l := newTestLedger(t, clock)
	require.NoError(t, l.Increment("social", ledger.WindowDaily, 1))

	require.NoError(t, NewPersister(st, l, loc, 0, nil).Flush(context.Background()))
	saved, err := st.LoadDailyUsage(context.Background(), "2026-03-14")
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestPersister_LogsOutageOnce(t *testing.T) {
	clock := newTestClock()
	core, logs := observer.New(zapcore.InfoLevel)
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	l := newTestLedger(t, clock)
	p := NewPersister(st, l, nil, time.Second, zap.New(core))
	ctx := context.Background()

	st.setErr(fmt.Errorf("%w: connection refused", store.ErrUnavailable))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, p.Flush(ctx), store.ErrUnavailable)
	}
	assert.Equal(t, 1, logs.FilterMessage("persistence_unavailable").Len())
	assert.False(t, p.Healthy())

	// Counting goes on in memory during the outage.
	require.NoError(t, l.Increment("social", ledger.WindowDaily, 2))

	st.setErr(nil)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 1, logs.FilterMessage("persistence_restored").Len())
	assert.True(t, p.Healthy())

	saved, err := st.LoadDailyUsage(ctx, "2026-03-14")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 2, saved[0].Used)
}

func TestPersister_PrunesOncePerDay(t *testing.T) {
	clock := newTestClock()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	p := NewPersister(st, newTestLedger(t, clock), nil, 0, nil)
	ctx := context.Background()

	require.NoError(t, p.Flush(ctx))
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, []string{"2026-03-07"}, st.pruned)

	clock.Advance(24 * time.Hour)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, []string{"2026-03-07", "2026-03-08"}, st.pruned)

	p.SetRetention(0)
	clock.Advance(24 * time.Hour)
	require.NoError(t, p.Flush(ctx))
	assert.Len(t, st.pruned, 2)
}

func TestPersister_RunFlushesOnShutdown(t *testing.T) {
	clock := newTestClock()
	st := store.NewMemoryStore()
	l := newTestLedger(t, clock)
	p := NewPersister(st, l, nil, time.Hour, nil)
	require.NoError(t, l.Increment("social", ledger.WindowDaily, 4))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	saved, err := st.LoadDailyUsage(context.Background(), "2026-03-14")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 4, saved[0].Used)
}

func TestPersister_MonthlyUsageSurvivesNextDayRestart(t *testing.T) {
	clock := newTestClock()
	st := store.NewMemoryStore()
	ctx := context.Background()

	monthly := func() *ledger.Ledger {
		l := ledger.New(ledger.WithClock(clock.Now))
		require.NoError(t, l.Configure("gnews",
			ledger.WindowSpec{Kind: ledger.WindowDaily, Limit: 10},
			ledger.WindowSpec{Kind: ledger.WindowMonthly, Limit: 100},
		))
		return l
	}

	l := monthly()
	require.NoError(t, l.Increment("gnews", ledger.WindowMonthly, 95))
	require.NoError(t, l.Increment("gnews", ledger.WindowDaily, 4))
	require.NoError(t, NewPersister(st, l, nil, 0, nil).Flush(ctx))

	// Down for a few days, still inside March.
	clock.Advance(3 * 24 * time.Hour)
	restarted := monthly()
	require.NoError(t, NewPersister(st, restarted, nil, 0, nil).Load(ctx))
	assert.Equal(t, 5, restarted.RemainingOf("gnews", ledger.WindowMonthly))
	assert.Equal(t, 10, restarted.RemainingOf("gnews", ledger.WindowDaily), "yesterday's daily count is gone")

	// Today's save wins over the older day.
	require.NoError(t, restarted.Increment("gnews", ledger.WindowMonthly, 2))
	require.NoError(t, NewPersister(st, restarted, nil, 0, nil).Flush(ctx))
	again := monthly()
	require.NoError(t, NewPersister(st, again, nil, 0, nil).Load(ctx))
	assert.Equal(t, 3, again.RemainingOf("gnews", ledger.WindowMonthly))

	// April starts from zero.
	clock.Advance(20 * 24 * time.Hour)
	april := monthly()
	require.NoError(t, NewPersister(st, april, nil, 0, nil).Load(ctx))
	assert.Equal(t, 100, april.RemainingOf("gnews", ledger.WindowMonthly))
}
