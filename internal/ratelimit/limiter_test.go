package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/crm-messaging/internal/clock"
)

func TestLimiterSpacesCalls(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := clock.NewFakeClock(start)
	l := New(2, c)

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background()))
		stamps = append(stamps, c.Now())
	}

	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 500*time.Millisecond)
	}
	// N sends at R/s take at least (N-1)/R.
	assert.GreaterOrEqual(t, stamps[4].Sub(stamps[0]), 2*time.Second)
	assert.Equal(t, 500*time.Millisecond, l.Interval())
}

func TestLimiterUnlimited(t *testing.T) {
	c := clock.NewFakeClock(time.Now())
	l := New(0, c)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Zero(t, c.Slept())
	assert.Zero(t, l.Interval())
}
