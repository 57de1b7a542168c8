package health

import (
	"context"
	"testing"

	"github.com/cuemby/sandboxrun/pkg/runtime"
	"github.com/cuemby/sandboxrun/pkg/runtime/faketesting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workerSpec(t *testing.T) runtime.WorkerSpec {
	t.Helper()
	return runtime.WorkerSpec{ID: "w-" + t.Name(), Image: "python:3.11-slim", IdleCommand: []string{"sleep", "infinity"}}
}

func TestExecChecker_Healthy(t *testing.T) {
	engine := faketesting.New()
	id, err := engine.CreateWorker(context.Background(), workerSpec(t))
	require.NoError(t, err)

	engine.ExecResult.Stdout = defaultProbeToken + "\n"

	checker := NewExecChecker(engine, id)
	result := checker.Check(context.Background())

	assert.True(t, result.Healthy)
	assert.Equal(t, CheckTypeExec, checker.Type())
}

func TestExecChecker_StoppedWorker(t *testing.T) {
	engine := faketesting.New()
	id, err := engine.CreateWorker(context.Background(), workerSpec(t))
	require.NoError(t, err)

	engine.MarkUnhealthy(id)

	checker := NewExecChecker(engine, id)
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
}

func TestExecChecker_ProbeTokenMismatch(t *testing.T) {
	engine := faketesting.New()
	id, err := engine.CreateWorker(context.Background(), workerSpec(t))
	require.NoError(t, err)

	engine.ExecResult.Stdout = "unexpected output"

	checker := NewExecChecker(engine, id)
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
}

func TestExecChecker_NonZeroExit(t *testing.T) {
	engine := faketesting.New()
	id, err := engine.CreateWorker(context.Background(), workerSpec(t))
	require.NoError(t, err)

	engine.ExecResult.ExitCode = 1
	engine.ExecResult.Stderr = "boom"

	checker := NewExecChecker(engine, id)
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
}
