package gnews

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/cadence/pkg/provider"
)

func TestSearch_Topics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/search", r.URL.Path)
		assert.Equal(t, "key", r.URL.Query().Get("apikey"))
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "de", r.URL.Query().Get("country"))
		assert.Equal(t, "3", r.URL.Query().Get("max"))
		w.Write([]byte(`{"totalArticles": 2, "articles": [
			{"title": "Gopher news", "description": "short", "content": "", "url": "https://g.example/1",
			 "publishedAt": "2026-03-14T10:05:00Z", "source": {"name": "G Wire", "url": "https://g.example"}},
			{"title": "  ", "url": "https://g.example/empty", "publishedAt": "2026-03-14T10:00:00Z"}
		]}`))
	}))
	defer server.Close()

	p := NewGNewsProvider("gnews", "key", WithBaseURL(server.URL))
	out, err := p.Search(context.Background(), provider.NewsQuery{Topics: []string{"golang"}, Country: "de"}, 3)
	require.NoError(t, err)
	require.Len(t, out.Value, 1)
	assert.Equal(t, "Gopher news", out.Value[0].Title)
	assert.Equal(t, "short", out.Value[0].Content)
	assert.Equal(t, "G Wire", out.Value[0].Source)
	assert.Equal(t, provider.ProviderID("gnews"), out.Value[0].Provider)
	assert.False(t, out.Signal.Known(), "gnews sends no rate headers")
}

func TestSearch_HeadlinesWithoutTopics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/top-headlines", r.URL.Path)
		w.Write([]byte(`{"totalArticles": 0, "articles": []}`))
	}))
	defer server.Close()

	p := NewGNewsProvider("gnews", "key", WithBaseURL(server.URL))
	out, err := p.Search(context.Background(), provider.NewsQuery{}, 0)
	require.NoError(t, err)
	assert.Empty(t, out.Value)
}

func TestSearch_DailyQuotaReached(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errors": ["You have reached your request limit for today"]}`))
	}))
	defer server.Close()

	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	p := NewGNewsProvider("gnews", "key", WithBaseURL(server.URL), WithClock(func() time.Time { return now }))
	out, err := p.Search(context.Background(), provider.NewsQuery{}, 5)
	require.ErrorIs(t, err, provider.ErrRateLimited)
	assert.True(t, out.Signal.RateLimited)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), out.Signal.ResetAt)
}

func TestSearch_ErrorsField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors": ["bad query"]}`))
	}))
	defer server.Close()

	p := NewGNewsProvider("gnews", "key", WithBaseURL(server.URL))
	_, err := p.Search(context.Background(), provider.NewsQuery{}, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad query")
}
