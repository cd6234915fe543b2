package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/engine"
	"github.com/rmax-ai/cadence/pkg/ledger"
)

const initialYAML = `
providers:
  social:
    - kind: daily
      limit: 10
bindings:
  post:
    - provider: social
      window: daily
`

const reloadedYAML = `
providers:
  social:
    - kind: daily
      limit: 25
bindings:
  post:
    - provider: social
      window: daily
`

func newReloadFixture(t *testing.T) (*reloader, *engine.Scheduler) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(initialYAML), 0o600))

	cfg, err := engine.LoadConfig(path)
	require.NoError(t, err)
	sched, err := engine.New(cfg, engine.Deps{})
	require.NoError(t, err)
	return &reloader{path: path, scheduler: sched, logger: zap.NewNop()}, sched
}

func socialLimit(t *testing.T, sched *engine.Scheduler) ledger.ProviderQuota {
	t.Helper()
	q, ok := sched.Ledger().Quota("social", ledger.WindowDaily)
	require.True(t, ok)
	return q
}

func TestReloader_ApplyKeepsCounters(t *testing.T) {
	rl, sched := newReloadFixture(t)
	require.NoError(t, sched.ReportUsage("social", ledger.WindowDaily, 4))

	require.NoError(t, os.WriteFile(rl.path, []byte(reloadedYAML), 0o600))
	require.NoError(t, rl.apply())

	q := socialLimit(t, sched)
	assert.Equal(t, 25, q.Limit)
	assert.Equal(t, 4, q.Used)
}

func TestReloader_ApplyRejectsBadFile(t *testing.T) {
	rl, sched := newReloadFixture(t)

	require.NoError(t, os.WriteFile(rl.path, []byte("providerz: {}\n"), 0o600))
	assert.Error(t, rl.apply())
	assert.Equal(t, 10, socialLimit(t, sched).Limit)
}

func TestReloader_WatchPicksUpChanges(t *testing.T) {
	rl, sched := newReloadFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.watch(ctx) }()

	// The watcher registers asynchronously; keep rewriting until it reacts.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(rl.path, []byte(reloadedYAML), 0o600)
		return socialLimit(t, sched).Limit == 25
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestMockConfig_IsValid(t *testing.T) {
	cfg := mockConfig()
	require.NoError(t, cfg.Validate())

	sched, err := engine.New(cfg, mockDeps(zap.NewNop()))
	require.NoError(t, err)

	s, err := sched.AnalyzeOpportunities(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Unavailable)
	assert.NotEmpty(t, s.Opportunities)
}
