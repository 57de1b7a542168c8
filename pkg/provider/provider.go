// Package provider implements the Provider contract (spec §4.5/§4.6): a
// local container-pool provider and the remote cloud-function/cloud-job
// adapters that satisfy the same interface.
package provider

import (
	"context"

	"github.com/cuemby/sandboxrun/pkg/types"
)

// Provider is the contract every execution backend satisfies, whether it
// runs code in a local warm pool, a cloud function, or a cloud batch job:
// the five provider operations plus Tag.
type Provider interface {
	Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error)
	WarmUp(ctx context.Context, rt types.RuntimeTag, n int) (int, error)
	HealthCheck(ctx context.Context) types.HealthStatus
	Cleanup(ctx context.Context) error
	Metrics() types.Metrics
	Tag() types.ProviderTag
}
