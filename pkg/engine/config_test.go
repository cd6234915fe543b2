package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/cadence/pkg/gate"
	"github.com/rmax-ai/cadence/pkg/ledger"
)

const sampleConfig = `
timezone: UTC
providers:
  social:
    - kind: daily
      limit: 50
    - kind: rolling-short
      limit: 10
      period: 15m
  newsapi:
    - kind: fixed-daily
      limit: 100
  openai:
    - kind: monthly
      limit: 3000
      advisory: true
bindings:
  post:
    - provider: social
      window: daily
    - provider: social
      window: short
  fetch_news:
    - provider: newsapi
      window: daily
  generate:
    - provider: openai
      window: monthly
      advisory: true
cooldown_backoff: 10m
warmup:
  duration: 5m
  every: 30s
  burst: 2
news:
  topics: [ai, chips]
  limit: 8
  horizon: 3h
probes:
  concurrency: 2
  surge_threshold: 2
  quiet_threshold: 4h
  competitors: ["@rival"]
peak_windows:
  - name: lunch
    days: [Mon, Tue, Wed, Thu, Fri]
    start: "12:00"
    end: "14:00"
schedule_cap: 5
schedule_max_age: 15m
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Providers["social"], 2)
	assert.Equal(t, 15*time.Minute, cfg.Providers["social"][1].Period)
	assert.True(t, cfg.Providers["openai"][0].Advisory)

	// Binding shorthands are normalised.
	post := cfg.Bindings[gate.ActionPost]
	require.Len(t, post, 2)
	assert.Equal(t, ledger.WindowDaily, post[0].Window)
	assert.Equal(t, ledger.WindowShort, post[1].Window)

	assert.Equal(t, 10*time.Minute, cfg.CooldownBackoff)
	require.NotNil(t, cfg.Warmup)
	assert.Equal(t, 2, cfg.Warmup.Burst)
	assert.Equal(t, []string{"ai", "chips"}, cfg.News.Topics)
	assert.Equal(t, 3*time.Hour, cfg.News.Horizon)
	assert.Equal(t, 4*time.Hour, cfg.Probes.QuietThreshold)
	assert.Equal(t, []string{"@rival"}, cfg.Probes.Competitors)
	require.Len(t, cfg.PeakWindows, 1)
	assert.Equal(t, "12:00", cfg.PeakWindows[0].Window.StartTime)
	assert.Equal(t, 5, cfg.ScheduleCap)
	assert.Equal(t, 15*time.Minute, cfg.ScheduleMaxAge)

	_, err = New(cfg, Deps{})
	require.NoError(t, err)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "providerz: {}", "field providerz not found"},
		{"bad timezone", "timezone: Nowhere/Else", "invalid timezone"},
		{"bad window", "providers:\n  social:\n    - kind: weekly\n      limit: 1", "unknown window kind"},
		{"negative limit", "providers:\n  social:\n    - kind: daily\n      limit: -1", "must not be negative"},
		{"binding without provider", "bindings:\n  post:\n    - window: daily", "provider is required"},
		{"binding bad window", "bindings:\n  post:\n    - provider: social\n      window: hourly", "unknown window kind"},
		{"peak window bad time", "peak_windows:\n  - name: x\n    start: \"25:00\"\n    end: \"26:00\"", "peak window x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseConfig_Empty(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Providers)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Providers, 3)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultScheduleMaxAge, cfg.ScheduleMaxAge)
	assert.Equal(t, DefaultLimitsTTL, cfg.LimitsTTL)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultFlushInterval, cfg.FlushInterval)
	assert.Equal(t, 0.9, cfg.News.PrimaryTrust)
	assert.Equal(t, 0.7, cfg.News.SecondaryTrust)
}
