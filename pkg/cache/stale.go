// Package cache provides a TTL cache with single-flight fetches that falls back
// to the last known value when the upstream fails.
package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultStaleCeiling is how long a value may be served after a failed refresh.
	DefaultStaleCeiling = 24 * time.Hour
	// DefaultFetchTimeout bounds every upstream call.
	DefaultFetchTimeout = 10 * time.Second
	// DefaultTTL is used when GetOrFetch is called with ttl <= 0.
	DefaultTTL = 5 * time.Minute
)

// Entry is a cached value and the time it was fetched.
type Entry[V any] struct {
	Key       string        `json:"key"`
	Value     V             `json:"value"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still within its TTL.
func (e Entry[V]) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// FetchFunc loads a value from upstream. The context carries the fetch timeout
// and is not cancelled when an individual caller gives up.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// StaleCache coalesces concurrent fetches of the same key into one upstream call.
// Values are stored in a go-cache instance for ttl plus the stale ceiling.
//
// Values returned by the cache are shared between callers and must not be mutated.
type StaleCache[V any] struct {
	name         string
	items        *gocache.Cache
	group        singleflight.Group
	staleCeiling time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a StaleCache.
type Option func(*options)

type options struct {
	staleCeiling time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// WithStaleCeiling sets how old a value may be when served after a failure.
func WithStaleCeiling(d time.Duration) Option {
	return func(o *options) { o.staleCeiling = d }
}

// WithFetchTimeout bounds each upstream call.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

// WithClock overrides the time source used for freshness.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a cache. The name labels its metrics and log lines.
func New[V any](name string, opts ...Option) *StaleCache[V] {
	o := options{
		staleCeiling: DefaultStaleCeiling,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &StaleCache[V]{
		name:         name,
		items:        gocache.New(gocache.NoExpiration, 10*time.Minute),
		staleCeiling: o.staleCeiling,
		fetchTimeout: o.fetchTimeout,
		now:          o.now,
		logger:       o.logger.With(zap.String("cache", name)),
	}
}

// GetOrFetch returns the live value for key, joins an in-flight fetch for it,
// or starts one. On fetch failure the last known value is served when it is
// within the stale ceiling; otherwise the error is returned.
//
// A caller whose ctx ends receives ctx.Err() while the fetch keeps running for
// the other waiters.
func (c *StaleCache[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V]) (V, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if e, ok := c.get(key); ok && e.Fresh(c.now()) {
		Requests.WithLabelValues(c.name, "hit").Inc()
		return e.Value, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Double-check: a flight that just finished may have stored a fresh value.
		if e, ok := c.get(key); ok && e.Fresh(c.now()) {
			Requests.WithLabelValues(c.name, "hit").Inc()
			return e.Value, nil
		}
		return c.fetch(ctx, key, ttl, fetch)
	})

	return c.wait(ctx, ch)
}

// Refresh fetches key even when a live value exists. Concurrent callers still
// share one upstream call.
func (c *StaleCache[V]) Refresh(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V]) (V, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(ctx, key, ttl, fetch)
	})
	return c.wait(ctx, ch)
}

func (c *StaleCache[V]) wait(ctx context.Context, ch <-chan singleflight.Result) (V, error) {
	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

func (c *StaleCache[V]) fetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V]) (any, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	v, err := safeFetch(fctx, fetch)
	now := c.now()
	if err == nil {
		Requests.WithLabelValues(c.name, "miss").Inc()
		c.items.Set(key, Entry[V]{Key: key, Value: v, FetchedAt: now, TTL: ttl}, ttl+c.staleCeiling)
		return v, nil
	}

	if e, ok := c.get(key); ok && now.Sub(e.FetchedAt) <= c.staleCeiling {
		Requests.WithLabelValues(c.name, "stale").Inc()
		c.logger.Warn("cache_serving_stale",
			zap.String("key", key),
			zap.Duration("age", now.Sub(e.FetchedAt)),
			zap.Error(err),
		)
		return e.Value, nil
	}

	Requests.WithLabelValues(c.name, "error").Inc()
	return nil, err
}

// Lookup returns the stored entry without fetching, stale or not, as long as
// it is within the stale ceiling.
func (c *StaleCache[V]) Lookup(key string) (Entry[V], bool) {
	e, ok := c.get(key)
	if !ok || c.now().Sub(e.FetchedAt) > c.staleCeiling {
		return Entry[V]{}, false
	}
	return e, true
}

// Evict drops a key, e.g. when the provider confirmed the data is outdated.
func (c *StaleCache[V]) Evict(key string) {
	c.items.Delete(key)
}

// Len returns the number of stored entries.
func (c *StaleCache[V]) Len() int {
	return c.items.ItemCount()
}

func (c *StaleCache[V]) get(key string) (Entry[V], bool) {
	raw, ok := c.items.Get(key)
	if !ok {
		return Entry[V]{}, false
	}
	e, ok := raw.(Entry[V])
	return e, ok
}

func safeFetch[V any](ctx context.Context, fetch FetchFunc[V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}
