package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/sandboxrun/pkg/admission"
	"github.com/cuemby/sandboxrun/pkg/apperror"
	"github.com/cuemby/sandboxrun/pkg/registry"
	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	tag    types.ProviderTag
	result *types.ExecutionResult
}

func (f *fakeProvider) Tag() types.ProviderTag { return f.tag }
func (f *fakeProvider) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	return f.result, nil
}
func (f *fakeProvider) WarmUp(ctx context.Context, rt types.RuntimeTag, n int) (int, error) {
	return n, nil
}
func (f *fakeProvider) HealthCheck(ctx context.Context) types.HealthStatus {
	return types.HealthStatus{Healthy: true}
}
func (f *fakeProvider) Cleanup(ctx context.Context) error { return nil }
func (f *fakeProvider) Metrics() types.Metrics            { return types.Metrics{} }

func TestClient_AppliesDefaults(t *testing.T) {
	fp := &fakeProvider{tag: types.ProviderLocalDocker, result: &types.ExecutionResult{Success: true}}
	c := New(nil, Options{DefaultTimeoutMS: 5000, DefaultMemoryMB: 256, DefaultCPUCores: 0.5, UseFallback: false, DirectProvider: fp})

	result, err := c.Execute(context.Background(), Input{Code: "print(1)", Runtime: types.RuntimePython311})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestClient_ValidationErrorBeforeDispatch(t *testing.T) {
	fp := &fakeProvider{tag: types.ProviderLocalDocker}
	c := New(nil, Options{DefaultTimeoutMS: 5000, DefaultMemoryMB: 256, DefaultCPUCores: 0.5, UseFallback: false, DirectProvider: fp})

	_, err := c.Execute(context.Background(), Input{Code: "", Runtime: types.RuntimePython311})
	assert.Error(t, err)
}

func TestClient_NoFallbackWithoutDirectProviderFails(t *testing.T) {
	c := New(nil, Options{DefaultTimeoutMS: 5000, DefaultMemoryMB: 256, DefaultCPUCores: 0.5, UseFallback: false})
	_, err := c.Execute(context.Background(), Input{Code: "print(1)", Runtime: types.RuntimePython311})
	assert.Error(t, err)
}

func TestClient_UsesDispatcherWhenFallbackEnabled(t *testing.T) {
	reg := registry.New()
	fp := &fakeProvider{tag: types.ProviderLocalDocker, result: &types.ExecutionResult{Success: true, Provider: types.ProviderLocalDocker}}
	reg.Register(fp)
	reg.SetDefault(types.ProviderLocalDocker)

	c := New(reg, Options{DefaultTimeoutMS: 5000, DefaultMemoryMB: 256, DefaultCPUCores: 0.5, UseFallback: true})
	result, err := c.Execute(context.Background(), Input{Code: "print(1)", Runtime: types.RuntimePython311})
	require.NoError(t, err)
	assert.Equal(t, types.ProviderLocalDocker, result.Provider)
}

func TestClient_AdmissionRejectsOverRateLimit(t *testing.T) {
	fp := &fakeProvider{tag: types.ProviderLocalDocker, result: &types.ExecutionResult{Success: true}}
	lim := admission.New(0, 1, 0)
	c := New(nil, Options{
		DefaultTimeoutMS: 5000, DefaultMemoryMB: 256, DefaultCPUCores: 0.5,
		Admission: lim, UseFallback: false, DirectProvider: fp,
	})

	_, err := c.Execute(context.Background(), Input{Code: "print(1)", Runtime: types.RuntimePython311, UserID: "u1"})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), Input{Code: "print(1)", Runtime: types.RuntimePython311, UserID: "u1"})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindRateLimited))
}

func TestClient_AdmissionBucketsPerCaller(t *testing.T) {
	fp := &fakeProvider{tag: types.ProviderLocalDocker, result: &types.ExecutionResult{Success: true}}
	lim := admission.New(0, 1, 0)
	c := New(nil, Options{
		DefaultTimeoutMS: 5000, DefaultMemoryMB: 256, DefaultCPUCores: 0.5,
		Admission: lim, UseFallback: false, DirectProvider: fp,
	})

	_, err := c.Execute(context.Background(), Input{Code: "print(1)", Runtime: types.RuntimePython311, UserID: "u1"})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), Input{Code: "print(1)", Runtime: types.RuntimePython311, UserID: "u2"})
	require.NoError(t, err, "a different caller key should have its own bucket")
}

func TestClient_ExecuteBatchRunsEachInput(t *testing.T) {
	fp := &fakeProvider{tag: types.ProviderLocalDocker, result: &types.ExecutionResult{Success: true}}
	c := New(nil, Options{DefaultTimeoutMS: 5000, DefaultMemoryMB: 256, DefaultCPUCores: 0.5, UseFallback: false, DirectProvider: fp})

	ins := []Input{
		{Code: "print(1)", Runtime: types.RuntimePython311},
		{Code: "print(2)", Runtime: types.RuntimePython311},
		{Code: "", Runtime: types.RuntimePython311},
	}
	results, err := c.ExecuteBatch(context.Background(), ins)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.True(t, results[0].Result.Success)
	assert.NoError(t, results[1].Err)
	assert.Error(t, results[2].Err, "an invalid item should fail independently, not abort the batch")
}

func TestClient_ExecuteBatchRejectsOversizedBatch(t *testing.T) {
	c := New(nil, Options{UseFallback: false})
	ins := make([]Input, MaxBatchSize+1)
	_, err := c.ExecuteBatch(context.Background(), ins)
	assert.Error(t, err)
}

type recordingSink struct {
	mu        sync.Mutex
	started   []string
	completed []string
	failed    []string
}

func (s *recordingSink) OnStarted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
}

func (s *recordingSink) OnCompleted(id string, result *types.ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
}

func (s *recordingSink) OnFailed(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
}

func (s *recordingSink) snapshot() (started, completed, failed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...), append([]string(nil), s.completed...), append([]string(nil), s.failed...)
}

func TestClient_ExecuteAsyncReusesIDAcrossCallbacks(t *testing.T) {
	fp := &fakeProvider{tag: types.ProviderLocalDocker, result: &types.ExecutionResult{Success: true}}
	c := New(nil, Options{DefaultTimeoutMS: 5000, DefaultMemoryMB: 256, DefaultCPUCores: 0.5, UseFallback: false, DirectProvider: fp})
	sink := &recordingSink{}

	id, err := c.ExecuteAsync(context.Background(), Input{Code: "print(1)", Runtime: types.RuntimePython311}, sink)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		_, completed, _ := sink.snapshot()
		return len(completed) == 1
	}, time.Second, 5*time.Millisecond)

	started, completed, failed := sink.snapshot()
	assert.Equal(t, []string{id}, started)
	assert.Equal(t, []string{id}, completed)
	assert.Empty(t, failed)
}

func TestClient_ExecuteAsyncValidationErrorReturnsImmediately(t *testing.T) {
	c := New(nil, Options{UseFallback: false})
	_, err := c.ExecuteAsync(context.Background(), Input{Code: "", Runtime: types.RuntimePython311}, nil)
	assert.Error(t, err)
}
