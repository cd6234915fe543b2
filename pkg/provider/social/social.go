// Package social is the client for the posting platform's read API.
package social

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/provider"
)

type SocialProvider struct {
	id          provider.ProviderID
	token       string
	baseURL     string
	competitors []string
	client      *http.Client
	now         func() time.Time
}

type Option func(*SocialProvider)

func WithHTTPClient(c *http.Client) Option {
	return func(s *SocialProvider) { s.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *SocialProvider) { s.now = now }
}

// WithCompetitors sets the handles whose last activity is tracked.
func WithCompetitors(handles ...string) Option {
	return func(s *SocialProvider) { s.competitors = handles }
}

func NewSocialProvider(id provider.ProviderID, token string, baseURL string, opts ...Option) *SocialProvider {
	s := &SocialProvider{
		id:      id,
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: provider.DefaultTimeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SocialProvider) ID() provider.ProviderID {
	return s.id
}

// Poll reads the live limits from /rate_limit. Transport and HTTP errors are
// reported in the result, not as an error.
func (s *SocialProvider) Poll(ctx context.Context) (provider.PollResult, error) {
	req, err := s.request(ctx, "/rate_limit", nil)
	if err != nil {
		return provider.PollResult{}, err
	}

	now := s.now()
	body, _, err := provider.Do(s.client, req, now)
	if err != nil {
		return provider.PollResult{ProviderID: s.id, Status: "error", Error: err, Timestamp: now}, nil
	}

	var usages []provider.UsageObservation
	gjson.GetBytes(body, "resources").ForEach(func(key, data gjson.Result) bool {
		kind, err := ledger.ParseWindowKind(key.String())
		if err != nil {
			return true
		}
		limit := int(data.Get("limit").Int())
		remaining := int(data.Get("remaining").Int())
		usages = append(usages, provider.UsageObservation{
			Window:    kind,
			Used:      max(limit-remaining, 0),
			Remaining: remaining,
			Limit:     limit,
			ResetAt:   time.Unix(data.Get("reset").Int(), 0),
		})
		return true
	})

	return provider.PollResult{
		ProviderID: s.id,
		Status:     "success",
		Timestamp:  now,
		Usage:      usages,
	}, nil
}

func (s *SocialProvider) Trends(ctx context.Context) (provider.Outcome[[]provider.Trend], error) {
	body, sig, err := s.get(ctx, "/trends", nil)
	if err != nil {
		return provider.Outcome[[]provider.Trend]{Signal: sig}, err
	}
	var trends []provider.Trend
	gjson.GetBytes(body, "trends").ForEach(func(_, t gjson.Result) bool {
		trends = append(trends, provider.Trend{
			Topic:     t.Get("topic").String(),
			Volume:    int(t.Get("volume").Int()),
			Relevance: t.Get("relevance").Float(),
		})
		return true
	})
	return provider.Outcome[[]provider.Trend]{Value: trends, Signal: sig}, nil
}

func (s *SocialProvider) Engagement(ctx context.Context) (provider.Outcome[provider.EngagementSample], error) {
	body, sig, err := s.get(ctx, "/engagement", nil)
	if err != nil {
		return provider.Outcome[provider.EngagementSample]{Signal: sig}, err
	}
	res := gjson.ParseBytes(body)
	if !res.Get("recent").Exists() {
		return provider.Outcome[provider.EngagementSample]{Signal: sig}, fmt.Errorf("engagement: missing recent activity")
	}
	return provider.Outcome[provider.EngagementSample]{
		Value: provider.EngagementSample{
			Recent:   res.Get("recent").Float(),
			Window:   time.Duration(res.Get("window_seconds").Int()) * time.Second,
			Baseline: res.Get("baseline").Float(),
		},
		Signal: sig,
	}, nil
}

func (s *SocialProvider) Competitors(ctx context.Context) (provider.Outcome[[]provider.CompetitorActivity], error) {
	if len(s.competitors) == 0 {
		return provider.Outcome[[]provider.CompetitorActivity]{Signal: provider.NoSignal}, nil
	}
	params := url.Values{"handles": {strings.Join(s.competitors, ",")}}
	body, sig, err := s.get(ctx, "/competitors", params)
	if err != nil {
		return provider.Outcome[[]provider.CompetitorActivity]{Signal: sig}, err
	}
	var out []provider.CompetitorActivity
	gjson.GetBytes(body, "accounts").ForEach(func(_, a gjson.Result) bool {
		last := a.Get("last_active").Time()
		if last.IsZero() {
			return true
		}
		out = append(out, provider.CompetitorActivity{Handle: a.Get("handle").String(), LastActive: last})
		return true
	})
	return provider.Outcome[[]provider.CompetitorActivity]{Value: out, Signal: sig}, nil
}

func (s *SocialProvider) get(ctx context.Context, path string, params url.Values) ([]byte, provider.QuotaSignal, error) {
	req, err := s.request(ctx, path, params)
	if err != nil {
		return nil, provider.NoSignal, err
	}
	body, sig, err := provider.Do(s.client, req, s.now())
	if sig.Window == "" {
		sig.Window = ledger.WindowShort
	}
	return body, sig, err
}

func (s *SocialProvider) request(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u := s.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

var _ provider.SocialSource = (*SocialProvider)(nil)
