package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	tag           types.ProviderTag
	healthy       bool
	healthChecks  int
	executeErr    error
	executeResult *types.ExecutionResult
}

func (f *fakeProvider) Tag() types.ProviderTag { return f.tag }

func (f *fakeProvider) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	result := f.executeResult
	if result == nil {
		result = &types.ExecutionResult{Success: true, Provider: f.tag}
	}
	return result, nil
}

func (f *fakeProvider) WarmUp(ctx context.Context, rt types.RuntimeTag, n int) (int, error) {
	return n, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) types.HealthStatus {
	f.healthChecks++
	return types.HealthStatus{Healthy: f.healthy}
}

func (f *fakeProvider) Cleanup(ctx context.Context) error { return nil }

func (f *fakeProvider) Metrics() types.Metrics { return types.Metrics{} }

func testRequest(preferred types.ProviderTag) *types.ExecutionRequest {
	return &types.ExecutionRequest{ID: "exec-1", Runtime: types.RuntimePython311, PreferredProvider: preferred}
}

func TestDispatch_EmptyCandidateListFailsImmediately(t *testing.T) {
	r := New()
	_, err := r.Dispatch(context.Background(), testRequest(""))
	assert.Error(t, err)
}

func TestDispatch_DefaultProviderServesWhenHealthy(t *testing.T) {
	r := New()
	local := &fakeProvider{tag: types.ProviderLocalDocker, healthy: true}
	r.Register(local)
	r.SetDefault(types.ProviderLocalDocker)

	result, err := r.Dispatch(context.Background(), testRequest(""))
	require.NoError(t, err)
	assert.Equal(t, types.ProviderLocalDocker, result.Provider)
}

func TestDispatch_FallsBackWhenDefaultUnhealthy(t *testing.T) {
	r := New()
	local := &fakeProvider{tag: types.ProviderLocalDocker, healthy: false}
	lambda := &fakeProvider{tag: types.ProviderAWSLambda, healthy: true}
	r.Register(local)
	r.Register(lambda)
	r.SetDefault(types.ProviderLocalDocker)
	r.SetFallbackChain([]types.ProviderTag{types.ProviderAWSLambda})

	result, err := r.Dispatch(context.Background(), testRequest(""))
	require.NoError(t, err)
	assert.Equal(t, types.ProviderAWSLambda, result.Provider)

	assert.Equal(t, 1, local.healthChecks, "exactly one health check performed on the skipped provider")
	assert.Equal(t, 1, lambda.healthChecks)
}

func TestDispatch_PreferredProviderTakesPriority(t *testing.T) {
	r := New()
	local := &fakeProvider{tag: types.ProviderLocalDocker, healthy: true}
	lambda := &fakeProvider{tag: types.ProviderAWSLambda, healthy: true}
	r.Register(local)
	r.Register(lambda)
	r.SetDefault(types.ProviderLocalDocker)

	result, err := r.Dispatch(context.Background(), testRequest(types.ProviderAWSLambda))
	require.NoError(t, err)
	assert.Equal(t, types.ProviderAWSLambda, result.Provider)
}

func TestDispatch_ContinuesPastExecuteError(t *testing.T) {
	r := New()
	broken := &fakeProvider{tag: types.ProviderLocalDocker, healthy: true, executeErr: errors.New("boom")}
	backup := &fakeProvider{tag: types.ProviderAWSLambda, healthy: true}
	r.Register(broken)
	r.Register(backup)
	r.SetDefault(types.ProviderLocalDocker)
	r.SetFallbackChain([]types.ProviderTag{types.ProviderAWSLambda})

	result, err := r.Dispatch(context.Background(), testRequest(""))
	require.NoError(t, err)
	assert.Equal(t, types.ProviderAWSLambda, result.Provider)
}

func TestDispatch_AllUnhealthyFails(t *testing.T) {
	r := New()
	local := &fakeProvider{tag: types.ProviderLocalDocker, healthy: false}
	r.Register(local)
	r.SetDefault(types.ProviderLocalDocker)

	_, err := r.Dispatch(context.Background(), testRequest(""))
	assert.Error(t, err)
}

func TestRegistry_DeduplicatesCandidateList(t *testing.T) {
	r := New()
	local := &fakeProvider{tag: types.ProviderLocalDocker, healthy: true}
	r.Register(local)
	r.SetDefault(types.ProviderLocalDocker)
	r.SetFallbackChain([]types.ProviderTag{types.ProviderLocalDocker})

	candidates := r.candidates("")
	assert.Len(t, candidates, 1, "default==fallback entry must be deduplicated")
}

func TestRegistry_ResetClearsState(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{tag: types.ProviderLocalDocker, healthy: true})
	r.SetDefault(types.ProviderLocalDocker)

	r.Reset()

	_, ok := r.Get(types.ProviderLocalDocker)
	assert.False(t, ok)
}

func TestRegistry_UnregisterRemovesProvider(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{tag: types.ProviderLocalDocker, healthy: true})
	r.Unregister(types.ProviderLocalDocker)

	_, ok := r.Get(types.ProviderLocalDocker)
	assert.False(t, ok)
}

func TestRegistry_StatusReportsRegisteredProviderHealth(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{tag: types.ProviderLocalDocker, healthy: true})

	status, err := r.Status(string(types.ProviderLocalDocker))
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}

func TestRegistry_StatusUnknownProviderFails(t *testing.T) {
	r := New()
	_, err := r.Status(string(types.ProviderLocalDocker))
	assert.Error(t, err)
}

func TestRegistry_MetricsReportsRegisteredProviderSnapshot(t *testing.T) {
	r := New()
	r.Register(&fakeProvider{tag: types.ProviderLocalDocker, healthy: true})

	m, err := r.Metrics(string(types.ProviderLocalDocker))
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestRegistry_MetricsUnknownProviderFails(t *testing.T) {
	r := New()
	_, err := r.Metrics(string(types.ProviderLocalDocker))
	assert.Error(t, err)
}
