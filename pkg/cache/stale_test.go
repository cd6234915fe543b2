package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errUpstream = errors.New("upstream down")

func TestGetOrFetch_ConcurrentCallersShareOneFetch(t *testing.T) {
	c := New[string]("test")

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	const m = 50
	results := make([]string, m)
	errs := make([]error, m)
	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < m; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "value", results[i])
	}
}

func TestGetOrFetch_DifferentKeysDoNotBlock(t *testing.T) {
	c := New[string]("test")
	block := make(chan struct{})
	defer close(block)

	go func() {
		_, _ = c.GetOrFetch(context.Background(), "slow", time.Minute, func(ctx context.Context) (string, error) {
			<-block
			return "slow", nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	done := make(chan string, 1)
	go func() {
		v, _ := c.GetOrFetch(context.Background(), "fast", time.Minute, func(ctx context.Context) (string, error) {
			return "fast", nil
		})
		done <- v
	}()

	select {
	case v := <-done:
		assert.Equal(t, "fast", v)
	case <-time.After(time.Second):
		t.Fatal("fetch for another key was blocked")
	}
}

func TestGetOrFetch_LiveEntryIsNotRefetched(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := New[int]("test", WithClock(clock.Now))

	var calls int
	fetch := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.Advance(59 * time.Second)
	v, _ = c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	assert.Equal(t, 1, v)

	clock.Advance(time.Second)
	v, _ = c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	assert.Equal(t, 2, v)
}

func TestGetOrFetch_ServesStaleWithinCeiling(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := New[string]("test", WithClock(clock.Now), WithStaleCeiling(24*time.Hour))

	_, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		return "old", nil
	})
	require.NoError(t, err)

	failing := func(ctx context.Context) (string, error) { return "", errUpstream }

	clock.Advance(2 * time.Hour)
	v, err := c.GetOrFetch(context.Background(), "k", time.Minute, failing)
	require.NoError(t, err)
	assert.Equal(t, "old", v)

	clock.Advance(23 * time.Hour)
	_, err = c.GetOrFetch(context.Background(), "k", time.Minute, failing)
	assert.ErrorIs(t, err, errUpstream)

	_, ok := c.Lookup("k")
	assert.False(t, ok, "entries past the ceiling are not served")
}

func TestGetOrFetch_NoEntryPropagatesError(t *testing.T) {
	c := New[string]("test")
	_, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		return "", errUpstream
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrFetch_CallerCancellationDoesNotPoisonFlight(t *testing.T) {
	c := New[string]("test")
	release := make(chan struct{})
	var fetchCtxErr atomic.Value

	fetch := func(ctx context.Context) (string, error) {
		<-release
		if err := ctx.Err(); err != nil {
			fetchCtxErr.Store(err)
		}
		return "value", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, "k", time.Minute, fetch)
		first <- err
	}()
	time.Sleep(10 * time.Millisecond)

	second := make(chan string, 1)
	go func() {
		v, _ := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		second <- v
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	assert.Equal(t, "value", <-second)
	assert.Nil(t, fetchCtxErr.Load())
}

func TestGetOrFetch_FetchTimeout(t *testing.T) {
	c := New[string]("test", WithFetchTimeout(20*time.Millisecond))
	_, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetOrFetch_PanicBecomesError(t *testing.T) {
	c := New[string]("test")
	_, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRefresh_BypassesLiveEntry(t *testing.T) {
	c := New[int]("test")
	var calls int
	fetch := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	_, _ = c.GetOrFetch(context.Background(), "k", time.Hour, fetch)
	v, err := c.Refresh(context.Background(), "k", time.Hour, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	e, ok := c.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, 2, e.Value)

	c.Evict("k")
	_, ok = c.Lookup("k")
	assert.False(t, ok)
}
