package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_TickHonoursLimitsTTL(t *testing.T) {
	f := newFixture(t)
	p := NewPoller(f.scheduler, time.Minute, nil)
	ctx := context.Background()

	p.Tick(ctx)
	p.Tick(ctx)
	assert.Equal(t, 1, f.social.Calls("poll"), "second tick is served from the limits cache")

	sched, ok := f.scheduler.LatestSchedule()
	require.True(t, ok)
	assert.NotEmpty(t, sched.ID)
}
