// Package gnews searches recent articles on gnews.io.
package gnews

import (
	"context"
	"errors"
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

const DefaultBaseURL = "https://gnews.io"

// maxPerRequest is the largest page the API serves on paid plans.
const maxPerRequest = 100

type GNewsProvider struct {
	id      provider.ProviderID
	apiKey  string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

type Option func(*GNewsProvider)

func WithBaseURL(u string) Option {
	return func(p *GNewsProvider) { p.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *GNewsProvider) { p.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(p *GNewsProvider) { p.now = now }
}

func NewGNewsProvider(id provider.ProviderID, apiKey string, opts ...Option) *GNewsProvider {
	p := &GNewsProvider{
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

func (p *GNewsProvider) ID() provider.ProviderID {
	return p.id
}

// Search queries /api/v4/search, or /api/v4/top-headlines without topics.
func (p *GNewsProvider) Search(ctx context.Context, q provider.NewsQuery, limit int) (provider.Outcome[[]provider.NewsItem], error) {
	path := "/api/v4/top-headlines"
	params := url.Values{}
	if len(q.Topics) > 0 {
		path = "/api/v4/search"
		params.Set("q", strings.Join(q.Topics, " OR "))
	}
	if q.Language != "" {
		params.Set("lang", q.Language)
	}
	if q.Country != "" {
		params.Set("country", q.Country)
	}
	if limit > 0 {
		params.Set("max", strconv.Itoa(min(limit, maxPerRequest)))
	}
	params.Set("apikey", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return provider.Outcome[[]provider.NewsItem]{Signal: provider.NoSignal}, err
	}

	now := p.now()
	body, sig, err := provider.Do(p.client, req, now)
	sig.Window = ledger.WindowDaily
	if err != nil {
		// A 403 means the daily request allowance is spent; it comes back at
		// midnight UTC.
		var se *provider.StatusError
		if errors.As(err, &se) && se.Code == http.StatusForbidden {
			sig.RateLimited = true
			if sig.ResetAt.IsZero() {
				y, m, d := now.UTC().Date()
				sig.ResetAt = time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
			}
			return provider.Outcome[[]provider.NewsItem]{Signal: sig}, fmt.Errorf("gnews daily quota: %w", provider.ErrRateLimited)
		}
		return provider.Outcome[[]provider.NewsItem]{Signal: sig}, err
	}

	res := gjson.ParseBytes(body)
	if errs := res.Get("errors"); errs.Exists() {
		return provider.Outcome[[]provider.NewsItem]{Signal: sig}, fmt.Errorf("gnews: %s", errs.Get("0").String())
	}

	var items []provider.NewsItem
	res.Get("articles").ForEach(func(_, a gjson.Result) bool {
		title := strings.TrimSpace(a.Get("title").String())
		if title == "" {
			return true
		}
		content := a.Get("content").String()
		if content == "" {
			content = a.Get("description").String()
		}
		items = append(items, provider.NewsItem{
			Title:       title,
			URL:         a.Get("url").String(),
			Source:      a.Get("source.name").String(),
			Content:     content,
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

var _ provider.NewsSource = (*GNewsProvider)(nil)
