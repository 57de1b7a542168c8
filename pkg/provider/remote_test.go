package provider

import (
	"context"
	"testing"

	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	resp InvokeResponse
	err  error
	calls []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, functionName string, payload InvokePayload) (InvokeResponse, error) {
	f.calls = append(f.calls, functionName)
	return f.resp, f.err
}

type fakeJobRunner struct {
	result JobResult
	err    error
	lastEnv map[string]string
}

func (f *fakeJobRunner) RunJob(ctx context.Context, jobName string, env map[string]string) (JobResult, error) {
	f.lastEnv = env
	return f.result, f.err
}

func TestNewFunction_FailsClosedWithoutInvoker(t *testing.T) {
	_, err := NewFunction(types.ProviderAWSLambda, "sandboxrun", nil)
	assert.Error(t, err)
}

func TestFunction_ExecuteSuccess(t *testing.T) {
	invoker := &fakeInvoker{resp: InvokeResponse{Success: true, Stdout: "hi\n", ExitCode: 0}}
	f, err := NewFunction(types.ProviderAWSLambda, "sandboxrun", invoker)
	require.NoError(t, err)

	req := newTestRequest(t, "print('hi')", 5000)
	result, err := f.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, types.ProviderAWSLambda, result.Provider)
	assert.Contains(t, invoker.calls[0], "sandboxrun-python")
}

func TestFunction_WarmUpUsesSentinelPayload(t *testing.T) {
	invoker := &fakeInvoker{resp: InvokeResponse{Success: true}}
	f, err := NewFunction(types.ProviderAWSLambda, "sandboxrun", invoker)
	require.NoError(t, err)

	started, err := f.WarmUp(context.Background(), types.RuntimePython311, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, started)
}

func TestNewJob_FailsClosedWithoutRunner(t *testing.T) {
	_, err := NewJob(types.ProviderGCPCloudRun, "sandboxrun", nil)
	assert.Error(t, err)
}

func TestJob_ExecuteAlwaysColdStart(t *testing.T) {
	runner := &fakeJobRunner{result: JobResult{Succeeded: true, Stdout: "hi\n", ExitCode: 0}}
	j, err := NewJob(types.ProviderGCPCloudRun, "sandboxrun", runner)
	require.NoError(t, err)

	req := newTestRequest(t, "print('hi')", 5000)
	result, err := j.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.ColdStart)
	assert.Equal(t, req.Code, runner.lastEnv["SANDBOXRUN_CODE"])
}

func TestJob_WarmUpAlwaysReturnsZero(t *testing.T) {
	runner := &fakeJobRunner{}
	j, err := NewJob(types.ProviderGCPCloudRun, "sandboxrun", runner)
	require.NoError(t, err)

	started, err := j.WarmUp(context.Background(), types.RuntimePython311, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, started)
}

func TestRuntimeSlug(t *testing.T) {
	assert.Equal(t, "python-3-11", runtimeSlug(types.RuntimePython311))
	assert.Equal(t, "go-1-21", runtimeSlug(types.RuntimeGo121))
}
