// Package openai probes the request limits of the text-generation backend.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/provider"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type OpenAIProvider struct {
	id      provider.ProviderID
	token   string
	orgID   string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewOpenAIProvider(id provider.ProviderID, token string, orgID string, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &OpenAIProvider{
		id:      id,
		token:   token,
		orgID:   orgID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: provider.DefaultTimeout},
		now:     time.Now,
	}
}

func (o *OpenAIProvider) ID() provider.ProviderID {
	return o.id
}

// Poll lists models to read the x-ratelimit-*-requests headers. The request
// window maps to the rolling-short ledger window; a 429 still carries them.
func (o *OpenAIProvider) Poll(ctx context.Context) (provider.PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return provider.PollResult{}, err
	}
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}
	if o.orgID != "" {
		req.Header.Set("OpenAI-Organization", o.orgID)
	}

	now := o.now()
	resp, err := o.client.Do(req)
	if err != nil {
		return provider.PollResult{ProviderID: o.id, Status: "error", Error: fmt.Errorf("%w: %v", provider.ErrUnavailable, err), Timestamp: now}, nil
	}
	defer resp.Body.Close()

	if _, err := provider.SignalForStatus(resp.StatusCode, provider.NoSignal); err != nil && !errors.Is(err, provider.ErrRateLimited) {
		return provider.PollResult{ProviderID: o.id, Status: "error", Error: &provider.StatusError{Code: resp.StatusCode, Err: err}, Timestamp: now}, nil
	}

	var usages []provider.UsageObservation
	limit, errL := cast.ToIntE(resp.Header.Get("x-ratelimit-limit-requests"))
	rem, errR := cast.ToIntE(resp.Header.Get("x-ratelimit-remaining-requests"))
	if errL == nil && errR == nil && limit > 0 {
		resetAt := now
		// "100ms", "2s", "6m0s"
		if d, err := time.ParseDuration(resp.Header.Get("x-ratelimit-reset-requests")); err == nil {
			resetAt = now.Add(d)
		}
		usages = append(usages, provider.UsageObservation{
			Window:    ledger.WindowShort,
			Used:      max(limit-rem, 0),
			Remaining: rem,
			Limit:     limit,
			ResetAt:   resetAt,
		})
	}

	return provider.PollResult{
		ProviderID: o.id,
		Status:     "success",
		Timestamp:  now,
		Usage:      usages,
	}, nil
}
