package healthmonitor

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

func TestMonitor_RetiresUnhealthyWorker(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})

	_, err := mgr.WarmUp(context.Background(), types.RuntimePython311, 2)
	require.NoError(t, err)

	handles := mgr.NonBusyHandles(types.RuntimePython311)
	require.Len(t, handles, 2)
	engine.MarkUnhealthy(handles[0].ID())
	// A healthy worker's probe echoes the checker's literal token.
	engine.ExecResult.Stdout = "sandboxrun-health-ok\n"

	mon := New(mgr, engine, 10*time.Millisecond, 50*time.Millisecond)
	mon.tick()

	status := mgr.Status(types.RuntimePython311)
	assert.Equal(t, 1, status.Total, "the unhealthy worker must be removed, the healthy one kept")
}

func TestMonitor_StartStopJoinsCleanly(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})

	mon := New(mgr, engine, 5*time.Millisecond, 50*time.Millisecond)
	mon.Start()
	time.Sleep(20 * time.Millisecond)
	mon.Stop()
}
