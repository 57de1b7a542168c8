// Package client implements the Client Facade (spec §4.8): a stateless
// helper that builds an Execution Request from loose keyword inputs,
// applies language-specific entry-point defaults, gates admission, and
// forwards either to the dispatcher (with fallback) or directly to one
// provider (without fallback).
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/sandboxrun/pkg/admission"
	"github.com/cuemby/sandboxrun/pkg/apperror"
	"github.com/cuemby/sandboxrun/pkg/provider"
	"github.com/cuemby/sandboxrun/pkg/registry"
	"github.com/cuemby/sandboxrun/pkg/types"
)

// MaxBatchSize is the per-call cap on ExecuteBatch, matching spec.md's
// /execute/batch boundary.
const MaxBatchSize = 10

// Options configures a Client's default request values, admission
// control, and dispatch mode.
type Options struct {
	// DefaultTimeoutMS, DefaultMemoryMB, DefaultCPUCores seed an
	// ExecutionRequest when the caller leaves them unset (zero).
	DefaultTimeoutMS int
	DefaultMemoryMB  int
	DefaultCPUCores  float64

	// Admission, if non-nil, gates every Execute/ExecuteBatch/
	// ExecuteAsync call: a token must be acquired before the request is
	// forwarded to a provider (SPEC_FULL §4.8 expansion).
	Admission *admission.Limiter

	// UseFallback controls whether Execute routes through the
	// Dispatcher's fallback chain (true) or directly to one named
	// provider (false).
	UseFallback bool

	// DirectProvider is the provider Execute calls directly when
	// UseFallback is false.
	DirectProvider provider.Provider
}

// Client is the stateless facade callers submit code through.
type Client struct {
	registry *registry.Registry
	opts     Options
}

// New creates a Client forwarding to registry (used when opts.UseFallback
// is true) or directly to opts.DirectProvider otherwise.
func New(reg *registry.Registry, opts Options) *Client {
	return &Client{registry: reg, opts: opts}
}

// Input is the loose keyword shape callers submit; Execute normalizes it
// into a validated types.ExecutionRequest.
type Input struct {
	Code              string
	Runtime           types.RuntimeTag
	EntryPoint        string
	TimeoutMS         int
	MemoryMB          int
	CPUCores          float64
	Stdin             string
	Env               map[string]string
	Files             map[string]string
	WorkspaceID       string
	UserID            string
	PreferredProvider types.ProviderTag
}

// buildRequest normalizes in into a validated types.ExecutionRequest,
// applying Options defaults for any zero-valued numeric field.
func (c *Client) buildRequest(in Input) (*types.ExecutionRequest, error) {
	timeout := in.TimeoutMS
	if timeout == 0 {
		timeout = c.opts.DefaultTimeoutMS
	}
	memory := in.MemoryMB
	if memory == 0 {
		memory = c.opts.DefaultMemoryMB
	}
	cpu := in.CPUCores
	if cpu == 0 {
		cpu = c.opts.DefaultCPUCores
	}

	return types.NewExecutionRequest(types.ExecutionRequest{
		Code:              in.Code,
		Runtime:           in.Runtime,
		EntryPoint:        in.EntryPoint,
		TimeoutMS:         timeout,
		MemoryMB:          memory,
		CPUCores:          cpu,
		Stdin:             in.Stdin,
		Env:               in.Env,
		Files:             in.Files,
		WorkspaceID:       in.WorkspaceID,
		UserID:            in.UserID,
		PreferredProvider: in.PreferredProvider,
	})
}

// callerKey picks the admission-limiter bucket key for req: the
// workspace if known, else the user, else a shared anonymous bucket.
func callerKey(req *types.ExecutionRequest) string {
	if req.WorkspaceID != "" {
		return req.WorkspaceID
	}
	if req.UserID != "" {
		return req.UserID
	}
	return "anonymous"
}

// dispatch admits req through the configured admission.Limiter (if any)
// and forwards it to the dispatcher or the direct provider depending on
// construction-time configuration.
func (c *Client) dispatch(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	if c.opts.Admission != nil {
		release, err := c.opts.Admission.Acquire(ctx, callerKey(req))
		if err != nil {
			return nil, err
		}
		defer release()
	}

	if !c.opts.UseFallback {
		if c.opts.DirectProvider == nil {
			return nil, apperror.ProviderUnavailable("client configured without fallback and no direct provider set", nil)
		}
		return c.opts.DirectProvider.Execute(ctx, req)
	}
	return c.registry.Dispatch(ctx, req)
}

// Execute normalizes in into a request and admits and forwards it to the
// dispatcher or the direct provider (spec §4.8, §6 `/execute`).
func (c *Client) Execute(ctx context.Context, in Input) (*types.ExecutionResult, error) {
	req, err := c.buildRequest(in)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, req)
}

// BatchItemResult is one item's outcome within an ExecuteBatch call.
type BatchItemResult struct {
	Result *types.ExecutionResult
	Err    error
}

// ExecuteBatch runs each of ins independently (concurrently, each
// through its own admission/dispatch path) and returns one
// BatchItemResult per input in the same order, embedding per-item
// failures rather than aborting the batch (spec §6 `/execute/batch`).
// It rejects batches larger than MaxBatchSize outright.
func (c *Client) ExecuteBatch(ctx context.Context, ins []Input) ([]BatchItemResult, error) {
	if len(ins) > MaxBatchSize {
		return nil, apperror.Validation(fmt.Sprintf("batch size %d exceeds max %d", len(ins), MaxBatchSize))
	}

	results := make([]BatchItemResult, len(ins))
	var wg sync.WaitGroup
	for i, in := range ins {
		wg.Add(1)
		go func(i int, in Input) {
			defer wg.Done()
			result, err := c.Execute(ctx, in)
			results[i] = BatchItemResult{Result: result, Err: err}
		}(i, in)
	}
	wg.Wait()
	return results, nil
}

// StatusSink receives lifecycle notifications for one ExecuteAsync
// execution. The persistent store behind it is the out-of-scope
// metadata store (spec §6); StatusSink is the seam such a store would
// implement.
type StatusSink interface {
	OnStarted(executionID string)
	OnCompleted(executionID string, result *types.ExecutionResult)
	OnFailed(executionID string, err error)
}

// ExecuteAsync validates in synchronously (so a validation error surfaces
// immediately) and assigns its execution id once, then admits and runs
// the execution in a new goroutine against a detached context so a
// canceled caller context can't cut off work already under way. Status
// updates, including an admission rejection, are reported through sink,
// which may be nil. Per spec.md §9 Open Question 3, the id returned here
// is the same one used for every subsequent status update.
func (c *Client) ExecuteAsync(ctx context.Context, in Input, sink StatusSink) (string, error) {
	req, err := c.buildRequest(in)
	if err != nil {
		return "", err
	}

	if sink != nil {
		sink.OnStarted(req.ID)
	}

	go func() {
		result, err := c.dispatch(context.Background(), req)
		if sink == nil {
			return
		}
		if err != nil {
			sink.OnFailed(req.ID, err)
			return
		}
		sink.OnCompleted(req.ID, result)
	}()

	return req.ID, nil
}
