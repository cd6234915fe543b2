// Package failover fetches news from a primary provider and falls back to a
// secondary one, each under its own gate binding.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/cache"
	"github.com/rmax-ai/cadence/pkg/gate"
	"github.com/rmax-ai/cadence/pkg/provider"
)

const (
	DefaultTrustWeight = 0.4
	DefaultTopicWeight = 0.6
	DefaultTTL         = 10 * time.Minute

	titleKeyLength = 80
)

var errDenied = errors.New("denied by gate")

// Source is one news provider plus the action that governs it.
type Source struct {
	Provider provider.NewsSource
	Action   gate.Action
	// Trust is applied to items that carry no trust of their own.
	Trust float64
}

func (s Source) id() string {
	if s.Provider == nil {
		return ""
	}
	return string(s.Provider.ID())
}

func (s Source) action() gate.Action {
	if s.Action == "" {
		return gate.ActionFetchNews
	}
	return s.Action
}

// Result is what Fetch returns. It never comes with an error.
type Result struct {
	Items []provider.NewsItem `json:"items"`
	// Served lists the providers that answered, from upstream or cache.
	Served []provider.ProviderID `json:"served,omitempty"`
	// Degraded is set when every provider was denied or failing; Items then
	// holds whatever stale cached items were still available.
	Degraded bool `json:"degraded"`
	// Denied is set with Degraded when no provider was asked at all because
	// the gate denied every one of them.
	Denied bool `json:"denied,omitempty"`
}

type sourceState int

const (
	sourceServed sourceState = iota
	sourceDenied
	sourceFailed
)

// Fetcher runs failover fetches through the gate and a shared stale cache.
type Fetcher struct {
	gate        *gate.Gate
	cache       *cache.StaleCache[[]provider.NewsItem]
	ttl         time.Duration
	trustWeight float64
	topicWeight float64
	logger      *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithWeights sets the relevance blend.
func WithWeights(trust, topic float64) Option {
	return func(f *Fetcher) {
		f.trustWeight, f.topicWeight = trust, topic
	}
}

// WithTTL sets how long fetched items stay live in the cache.
func WithTTL(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a fetcher.
func New(g *gate.Gate, c *cache.StaleCache[[]provider.NewsItem], opts ...Option) *Fetcher {
	f := &Fetcher{
		gate:        g,
		cache:       c,
		ttl:         DefaultTTL,
		trustWeight: DefaultTrustWeight,
		topicWeight: DefaultTopicWeight,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns up to limit items for q. The primary is used when the gate
// allows it; the secondary is tried when the primary is denied, fails or returns
// fewer than limit items. Results are merged, deduplicated and ordered by
// relevance.
func (f *Fetcher) Fetch(ctx context.Context, primary, secondary Source, q provider.NewsQuery, limit int) Result {
	if limit <= 0 {
		limit = 10
	}

	var res Result
	var collected []scored

	items, st := f.fetchFrom(ctx, primary, q, limit)
	ok := st == sourceServed
	denied := st == sourceDenied
	if ok {
		res.Served = append(res.Served, primary.Provider.ID())
		collected = append(collected, f.score(items, primary, q)...)
	}

	if !ok || len(items) < limit {
		more, st2 := f.fetchFrom(ctx, secondary, q, limit)
		if st2 == sourceServed {
			res.Served = append(res.Served, secondary.Provider.ID())
			collected = append(collected, f.score(more, secondary, q)...)
		}
		ok = ok || st2 == sourceServed
		if secondary.Provider != nil {
			denied = (denied || primary.Provider == nil) && st2 == sourceDenied
		}
	}

	if !ok {
		res.Degraded = true
		res.Denied = denied
		for _, src := range []Source{primary, secondary} {
			if src.Provider == nil {
				continue
			}
			if e, found := f.cache.Lookup(cacheKey(src, q, limit)); found {
				collected = append(collected, f.score(e.Value, src, q)...)
			}
		}
		FetchTotal.WithLabelValues("degraded").Inc()
		f.logger.Warn("news_degraded",
			zap.String("primary", primary.id()),
			zap.String("secondary", secondary.id()),
			zap.Int("stale_items", len(collected)),
		)
	} else {
		FetchTotal.WithLabelValues(servedLabel(res.Served, primary)).Inc()
	}

	res.Items = rank(collected, limit)
	return res
}

// fetchFrom returns the items of one source and whether it served, was denied
// by the gate or failed.
func (f *Fetcher) fetchFrom(ctx context.Context, src Source, q provider.NewsQuery, limit int) ([]provider.NewsItem, sourceState) {
	if src.Provider == nil {
		return nil, sourceFailed
	}
	id := src.id()
	action := src.action()

	if d := f.gate.CanPerformVia(action, id); !d.Allowed {
		f.logger.Debug("news_source_denied", zap.String("provider", id), zap.String("reason", d.Reason))
		return nil, sourceDenied
	}

	items, err := f.cache.GetOrFetch(ctx, cacheKey(src, q, limit), f.ttl, func(ctx context.Context) ([]provider.NewsItem, error) {
		out, d, err := gate.Attempt(ctx, f.gate, action, id, func(ctx context.Context) (provider.Outcome[[]provider.NewsItem], error) {
			return src.Provider.Search(ctx, q, limit)
		})
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			return nil, fmt.Errorf("%s: %w: %s", id, errDenied, d.Reason)
		}
		return out.Value, nil
	})
	switch {
	case errors.Is(err, errDenied):
		f.logger.Debug("news_source_denied", zap.String("provider", id), zap.Error(err))
		return nil, sourceDenied
	case err != nil:
		f.logger.Warn("news_source_failed", zap.String("provider", id), zap.Error(err))
		return nil, sourceFailed
	}
	return items, sourceServed
}

type scored struct {
	item      provider.NewsItem
	relevance float64
}

func (f *Fetcher) score(items []provider.NewsItem, src Source, q provider.NewsQuery) []scored {
	return lo.Map(items, func(it provider.NewsItem, _ int) scored {
		if it.Trust <= 0 {
			it.Trust = src.Trust
		}
		if it.Provider == "" && src.Provider != nil {
			it.Provider = src.Provider.ID()
		}
		return scored{
			item:      it,
			relevance: f.trustWeight*it.Trust + f.topicWeight*TopicMatch(it, q.Topics),
		}
	})
}

// Relevance is the score Fetch orders by, exposed for probes that reuse it.
func (f *Fetcher) Relevance(it provider.NewsItem, topics []string) float64 {
	return f.trustWeight*it.Trust + f.topicWeight*TopicMatch(it, topics)
}

// rank orders by relevance, keeps the best item of each identity and caps the list.
func rank(items []scored, limit int) []provider.NewsItem {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.relevance != b.relevance {
			return a.relevance > b.relevance
		}
		if !a.item.PublishedAt.Equal(b.item.PublishedAt) {
			return a.item.PublishedAt.After(b.item.PublishedAt)
		}
		return a.item.Title < b.item.Title
	})
	unique := lo.UniqBy(items, func(s scored) string { return IdentityKey(s.item) })
	if len(unique) > limit {
		unique = unique[:limit]
	}
	return lo.Map(unique, func(s scored, _ int) provider.NewsItem { return s.item })
}

// IdentityKey is the dedupe key of an item: its case-folded, punctuation-free,
// truncated title, or a content hash when the title is empty.
func IdentityKey(it provider.NewsItem) string {
	if t := normalizeTitle(it.Title); t != "" {
		return "t:" + t
	}
	body := it.Content
	if body == "" {
		body = it.URL
	}
	return "h:" + strconv.FormatUint(xxhash.Sum64String(body), 16)
}

func normalizeTitle(title string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r):
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	out := []rune(strings.TrimSpace(b.String()))
	if len(out) > titleKeyLength {
		out = out[:titleKeyLength]
	}
	return strings.TrimSpace(string(out))
}

// TopicMatch is the share of topics mentioned in the item's title or content.
// With no topics every item matches fully.
func TopicMatch(it provider.NewsItem, topics []string) float64 {
	if len(topics) == 0 {
		return 1
	}
	text := strings.ToLower(it.Title + " " + it.Content)
	hits := lo.CountBy(topics, func(t string) bool {
		t = strings.ToLower(strings.TrimSpace(t))
		return t != "" && strings.Contains(text, t)
	})
	return float64(hits) / float64(len(topics))
}

func cacheKey(src Source, q provider.NewsQuery, limit int) string {
	return src.id() + "|" + q.Key() + "|" + strconv.Itoa(limit)
}

func servedLabel(served []provider.ProviderID, primary Source) string {
	switch {
	case len(served) > 1:
		return "merged"
	case len(served) == 1 && primary.Provider != nil && served[0] == primary.Provider.ID():
		return "primary"
	default:
		return "secondary"
	}
}
