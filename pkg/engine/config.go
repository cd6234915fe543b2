package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/rmax-ai/cadence/pkg/gate"
	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/opportunity"
	"github.com/rmax-ai/cadence/pkg/provider"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultScheduleMaxAge = 10 * time.Minute
	DefaultLimitsTTL      = 5 * time.Minute
	DefaultSocialTTL      = 5 * time.Minute
	DefaultPollInterval   = time.Minute
	DefaultFlushInterval  = 30 * time.Second
)

// Config is the quota and scheduling configuration, usually read from YAML.
type Config struct {
	// Timezone anchors the fixed-daily and fixed-monthly resets. Default UTC.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	Providers map[string][]ledger.WindowSpec `yaml:"providers" json:"providers"`
	Bindings  map[gate.Action][]gate.Binding `yaml:"bindings" json:"bindings"`

	CooldownBackoff time.Duration      `yaml:"cooldown_backoff,omitempty" json:"cooldown_backoff,omitempty"`
	Warmup          *gate.WarmupConfig `yaml:"warmup,omitempty" json:"warmup,omitempty"`

	News        NewsConfig               `yaml:"news" json:"news"`
	Probes      ProbesConfig             `yaml:"probes" json:"probes"`
	PeakWindows []opportunity.PeakWindow `yaml:"peak_windows,omitempty" json:"peak_windows,omitempty"`

	ScheduleCap    int           `yaml:"schedule_cap,omitempty" json:"schedule_cap,omitempty"`
	ScheduleMaxAge time.Duration `yaml:"schedule_max_age,omitempty" json:"schedule_max_age,omitempty"`
	LimitsTTL      time.Duration `yaml:"limits_ttl,omitempty" json:"limits_ttl,omitempty"`
	StaleCeiling   time.Duration `yaml:"stale_ceiling,omitempty" json:"stale_ceiling,omitempty"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout,omitempty" json:"fetch_timeout,omitempty"`
	PollInterval   time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	FlushInterval  time.Duration `yaml:"flush_interval,omitempty" json:"flush_interval,omitempty"`
}

// NewsConfig drives the freshness probe and the failover fetcher.
type NewsConfig struct {
	Topics         []string      `yaml:"topics,omitempty" json:"topics,omitempty"`
	Language       string        `yaml:"language,omitempty" json:"language,omitempty"`
	Country        string        `yaml:"country,omitempty" json:"country,omitempty"`
	Limit          int           `yaml:"limit,omitempty" json:"limit,omitempty"`
	Horizon        time.Duration `yaml:"horizon,omitempty" json:"horizon,omitempty"`
	TTL            time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	PrimaryTrust   float64       `yaml:"primary_trust,omitempty" json:"primary_trust,omitempty"`
	SecondaryTrust float64       `yaml:"secondary_trust,omitempty" json:"secondary_trust,omitempty"`
	TrustWeight    float64       `yaml:"trust_weight,omitempty" json:"trust_weight,omitempty"`
	TopicWeight    float64       `yaml:"topic_weight,omitempty" json:"topic_weight,omitempty"`
}

// Query is the news query the freshness probe runs.
func (n NewsConfig) Query() provider.NewsQuery {
	return provider.NewsQuery{Topics: n.Topics, Language: n.Language, Country: n.Country}
}

// ProbesConfig tunes the social probes. Zero values take the probe defaults.
type ProbesConfig struct {
	Concurrency int           `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	SocialTTL   time.Duration `yaml:"social_ttl,omitempty" json:"social_ttl,omitempty"`

	TrendVolumeCeiling int     `yaml:"trend_volume_ceiling,omitempty" json:"trend_volume_ceiling,omitempty"`
	TrendFloor         float64 `yaml:"trend_floor,omitempty" json:"trend_floor,omitempty"`

	SurgeThreshold float64 `yaml:"surge_threshold,omitempty" json:"surge_threshold,omitempty"`
	SurgeHistory   int     `yaml:"surge_history,omitempty" json:"surge_history,omitempty"`

	QuietThreshold time.Duration `yaml:"quiet_threshold,omitempty" json:"quiet_threshold,omitempty"`
	Competitors    []string      `yaml:"competitors,omitempty" json:"competitors,omitempty"`
}

// Validate checks the configuration and normalises window shorthands in
// bindings ("daily" becomes "fixed-daily").
func (c *Config) Validate() error {
	if _, err := c.location(); err != nil {
		return err
	}
	for p, specs := range c.Providers {
		if p == "" {
			return errors.New("provider name cannot be empty")
		}
		for _, s := range specs {
			if err := s.Validate(); err != nil {
				return fmt.Errorf("provider %s: %w", p, err)
			}
		}
	}
	for action, bindings := range c.Bindings {
		if action == "" {
			return errors.New("binding action cannot be empty")
		}
		for i, b := range bindings {
			if b.Provider == "" {
				return fmt.Errorf("binding %s[%d]: provider is required", action, i)
			}
			kind, err := ledger.ParseWindowKind(string(b.Window))
			if err != nil {
				return fmt.Errorf("binding %s[%d]: %w", action, i, err)
			}
			bindings[i].Window = kind
		}
	}
	for _, w := range c.PeakWindows {
		if err := w.Window.Validate(); err != nil {
			return fmt.Errorf("peak window %s: %w", w.Name, err)
		}
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}
	return loc, nil
}

func (c Config) withDefaults() Config {
	if c.ScheduleMaxAge <= 0 {
		c.ScheduleMaxAge = DefaultScheduleMaxAge
	}
	if c.LimitsTTL <= 0 {
		c.LimitsTTL = DefaultLimitsTTL
	}
	if c.Probes.SocialTTL <= 0 {
		c.Probes.SocialTTL = DefaultSocialTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.News.PrimaryTrust <= 0 {
		c.News.PrimaryTrust = 0.9
	}
	if c.News.SecondaryTrust <= 0 {
		c.News.SecondaryTrust = 0.7
	}
	return c
}
