// Package newsapi searches recent articles on newsapi.org.
package newsapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/provider"
)

const DefaultBaseURL = "https://newsapi.org"

type NewsAPIProvider struct {
	id      provider.ProviderID
	apiKey  string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

type Option func(*NewsAPIProvider)

func WithBaseURL(u string) Option {
	return func(p *NewsAPIProvider) { p.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *NewsAPIProvider) { p.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(p *NewsAPIProvider) { p.now = now }
}

func NewNewsAPIProvider(id provider.ProviderID, apiKey string, opts ...Option) *NewsAPIProvider {
	p := &NewsAPIProvider{
		id:      id,
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: provider.DefaultTimeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *NewsAPIProvider) ID() provider.ProviderID {
	return p.id
}

// Search queries /v2/everything for the newest articles matching any topic.
func (p *NewsAPIProvider) Search(ctx context.Context, q provider.NewsQuery, limit int) (provider.Outcome[[]provider.NewsItem], error) {
	params := url.Values{}
	if len(q.Topics) > 0 {
		params.Set("q", strings.Join(q.Topics, " OR "))
	}
	if q.Language != "" {
		params.Set("language", q.Language)
	}
	params.Set("sortBy", "publishedAt")
	if limit > 0 {
		params.Set("pageSize", strconv.Itoa(min(limit, 100)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v2/everything?"+params.Encode(), nil)
	if err != nil {
		return provider.Outcome[[]provider.NewsItem]{Signal: provider.NoSignal}, err
	}
	req.Header.Set("X-Api-Key", p.apiKey)

	now := p.now()
	body, sig, err := provider.Do(p.client, req, now)
	sig.Window = ledger.WindowDaily
	if err != nil {
		return provider.Outcome[[]provider.NewsItem]{Signal: sig}, err
	}

	res := gjson.ParseBytes(body)
	if res.Get("status").String() == "error" {
		// newsapi reports quota exhaustion in the body as well
		if res.Get("code").String() == "rateLimited" {
			sig.RateLimited = true
			return provider.Outcome[[]provider.NewsItem]{Signal: sig}, fmt.Errorf("newsapi: %w", provider.ErrRateLimited)
		}
		return provider.Outcome[[]provider.NewsItem]{Signal: sig}, fmt.Errorf("newsapi: %s", res.Get("message").String())
	}

	var items []provider.NewsItem
	res.Get("articles").ForEach(func(_, a gjson.Result) bool {
		title := strings.TrimSpace(a.Get("title").String())
		if title == "" || title == "[Removed]" {
			return true
		}
		items = append(items, provider.NewsItem{
			Title:       title,
			URL:         a.Get("url").String(),
			Source:      a.Get("source.name").String(),
			Content:     firstNonEmpty(a.Get("content").String(), a.Get("description").String()),
			PublishedAt: a.Get("publishedAt").Time(),
			Provider:    p.id,
		})
		return true
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return provider.Outcome[[]provider.NewsItem]{Value: items, Signal: sig}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ provider.NewsSource = (*NewsAPIProvider)(nil)
