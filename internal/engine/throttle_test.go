package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesAcquisitions(t *testing.T) {
	l := NewLimiter(30*time.Millisecond, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
		l.Release()
	}
	// first is immediate, the next two wait one interval each
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestLimiterPausesAfterSlowItem(t *testing.T) {
	l := NewLimiter(30*time.Millisecond, 1)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	time.Sleep(50 * time.Millisecond) // item outlasts the interval
	l.Release()

	released := time.Now()
	require.NoError(t, l.Acquire(ctx))
	l.Release()
	assert.GreaterOrEqual(t, time.Since(released), 25*time.Millisecond, "pause counts from the end of the previous item")
}

func TestLimiterCapsConcurrency(t *testing.T) {
	l := NewLimiter(0, 1)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(short)
	assert.Error(t, err, "second holder must wait for Release")

	l.Release()
	require.NoError(t, l.Acquire(ctx))
	l.Release()
}

func TestUnthrottledHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, Unthrottled{}.Acquire(ctx))
	cancel()
	assert.ErrorIs(t, Unthrottled{}.Acquire(ctx), context.Canceled)
}
