package replenisher

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/sandboxrun/pkg/pool"
	"github.com/cuemby/sandboxrun/pkg/runtime/faketesting"
	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplenisher_TopsUpToTarget(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})

	_, err := mgr.WarmUp(context.Background(), types.RuntimePython311, 3)
	require.NoError(t, err)

	// Simulate two workers lost to health failures.
	handles := mgr.NonBusyHandles(types.RuntimePython311)
	mgr.Remove(context.Background(), handles[0], types.RuntimePython311)
	mgr.Remove(context.Background(), handles[1], types.RuntimePython311)
	require.Equal(t, 1, mgr.Status(types.RuntimePython311).Total)

	r := New(mgr, time.Hour)
	r.tick()

	assert.Equal(t, 3, mgr.Status(types.RuntimePython311).Total)
}

func TestReplenisher_NoOpWhenAtTarget(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})

	_, err := mgr.WarmUp(context.Background(), types.RuntimeNode20, 2)
	require.NoError(t, err)

	r := New(mgr, time.Hour)
	r.tick()

	assert.Equal(t, 2, mgr.Status(types.RuntimeNode20).Total)
}

func TestReplenisher_StartStopJoinsCleanly(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})

	r := New(mgr, 5*time.Millisecond)
	r.Start()
	time.Sleep(20 * time.Millisecond)
	r.Stop()
}

func TestNew_DefaultsIntervalWhenNonPositive(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{})
	r := New(mgr, 0)
	assert.Equal(t, DefaultInterval, r.interval)
}
