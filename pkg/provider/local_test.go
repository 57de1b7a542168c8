package provider

import (
	"context"
	"testing"

	"github.com/cuemby/sandboxrun/pkg/pool"
	"github.com/cuemby/sandboxrun/pkg/runtime"
	"github.com/cuemby/sandboxrun/pkg/runtime/faketesting"
	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRequest(t *testing.T, code string, timeoutMS int) *types.ExecutionRequest {
	t.Helper()
	req, err := types.NewExecutionRequest(types.ExecutionRequest{
		Code:      code,
		Runtime:   types.RuntimePython311,
		TimeoutMS: timeoutMS,
		MemoryMB:  256,
		CPUCores:  0.5,
	})
	require.NoError(t, err)
	return req
}

func TestLocal_WarmHit(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})
	_, err := mgr.WarmUp(context.Background(), types.RuntimePython311, 1)
	require.NoError(t, err)

	engine.ExecResult = runtime.ExecResult{Stdout: "Hello, World!\n", ExitCode: 0}

	local := NewLocal(mgr, engine)
	req := newTestRequest(t, "print('Hello, World!')", 5000)

	result, err := local.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Hello, World!\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.ColdStart)

	m := local.Metrics()
	assert.Equal(t, int64(1), m.PoolHits)
	assert.Equal(t, int64(0), m.PoolMisses)

	// The worker should be back in the pool, available.
	status := mgr.Status(types.RuntimePython311)
	assert.Equal(t, 1, status.Available)
}

func TestLocal_ColdStart(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})
	engine.ExecResult = runtime.ExecResult{Stdout: "hi\n", ExitCode: 0}

	local := NewLocal(mgr, engine)
	req := newTestRequest(t, "print('hi')", 5000)

	result, err := local.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.ColdStart)

	m := local.Metrics()
	assert.Equal(t, int64(1), m.PoolMisses)
	assert.Equal(t, int64(1), m.ColdStartCount)

	status := mgr.Status(types.RuntimePython311)
	assert.GreaterOrEqual(t, status.Available, 1, "pool must contain >=1 WARM handle after cold start")
}

func TestLocal_StderrCapture(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})
	engine.ExecResult = runtime.ExecResult{Stderr: "ValueError: x\n", ExitCode: 1}

	local := NewLocal(mgr, engine)
	req := newTestRequest(t, "raise ValueError('x')", 5000)

	result, err := local.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEqual(t, 0, result.ExitCode)
	assert.Contains(t, result.Stderr, "ValueError")
}

func TestLocal_Timeout(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})
	engine.ExecFunc = func(ctx context.Context, containerID string, spec runtime.ExecSpec) (runtime.ExecResult, error) {
		<-ctx.Done()
		return runtime.ExecResult{}, ctx.Err()
	}

	local := NewLocal(mgr, engine)
	req := newTestRequest(t, "import time; time.sleep(100)", 50)

	_, err := local.Execute(context.Background(), req)
	require.Error(t, err)

	m := local.Metrics()
	assert.Equal(t, int64(1), m.TimeoutExecutions)
	assert.Equal(t, 0, engine.WorkerCount(), "the worker used for a timed-out execution must be removed")
}

func TestLocal_WriteFileFailureSurfacesAsWorkerError(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})

	local := NewLocal(mgr, engine)
	req := newTestRequest(t, "print(1)", 5000)

	// Destroy the worker out from under the provider to force WriteFile
	// to fail against an unknown container.
	h, err := mgr.CreateOutOfPool(context.Background(), types.RuntimePython311)
	require.NoError(t, err)
	mgr.Add(h, types.RuntimePython311)
	engine.Destroy(context.Background(), h.ID())

	_, err = local.Execute(context.Background(), req)
	assert.Error(t, err)
}

func TestLocal_HealthCheckHealthyBeforeAnyWarmUp(t *testing.T) {
	engine := faketesting.New()
	mgr := pool.New(engine, pool.Limits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 50})
	local := NewLocal(mgr, engine)

	status := local.HealthCheck(context.Background())
	assert.True(t, status.Healthy, "no pools warmed yet is not itself unhealthy")
}
