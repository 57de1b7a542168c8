package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsUpToBurst(t *testing.T) {
	l := New(1, 3, 0)

	for i := 0; i < 3; i++ {
		_, err := l.Acquire(context.Background(), "caller-1")
		require.NoError(t, err, "request %d within burst should be admitted", i)
	}

	_, err := l.Acquire(context.Background(), "caller-1")
	assert.Error(t, err, "one over the burst should be rejected")
}

func TestLimiter_PerCallerIsolation(t *testing.T) {
	l := New(1, 1, 0)

	_, err := l.Acquire(context.Background(), "caller-a")
	require.NoError(t, err)

	// caller-b has its own independent bucket.
	_, err = l.Acquire(context.Background(), "caller-b")
	require.NoError(t, err)
}

func TestLimiter_ConcurrencyCeiling(t *testing.T) {
	l := New(1000, 1000, 1)

	release1, err := l.Acquire(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.Equal(t, 1, l.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "caller-1")
	assert.Error(t, err, "second concurrent execution should be blocked by the ceiling")

	release1()
	assert.Equal(t, 0, l.InFlight())

	release2, err := l.Acquire(context.Background(), "caller-1")
	require.NoError(t, err)
	release2()
}

func TestLimiter_NoConcurrencyCeilingWhenZero(t *testing.T) {
	l := New(1000, 1000, 0)
	release, err := l.Acquire(context.Background(), "caller-1")
	require.NoError(t, err)
	release()
	assert.Equal(t, 0, l.InFlight())
}
