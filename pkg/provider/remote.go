package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/sandboxrun/pkg/apperror"
	"github.com/cuemby/sandboxrun/pkg/log"
	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/rs/zerolog"
)

// InvokePayload is the JSON body a Cloud Function provider sends to its
// function, and the envelope a Cloud Job provider uses to seed per-job
// environment variable overrides.
type InvokePayload struct {
	ExecutionID string            `json:"execution_id"`
	Code        string            `json:"code"`
	EntryPoint  string            `json:"entry_point"`
	Runtime     string            `json:"runtime"`
	Stdin       string            `json:"stdin,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
	TimeoutMS   int               `json:"timeout_ms"`
	MemoryMB    int               `json:"memory_mb"`
	CPUCores    float64           `json:"cpu_cores"`
}

// InvokeResponse is the JSON response a Cloud Function is expected to
// return.
type InvokeResponse struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	ColdStart  bool   `json:"cold_start"`
	DurationMS int    `json:"duration_ms"`
}

// Invoker is the seam a Cloud Function provider depends on: a
// synchronous request/response call against a named function. No cloud
// SDK exists in the retrieved corpus, so Invoker lets the provider fail
// closed at construction until a concrete implementation (e.g. backed by
// an AWS/GCP/Azure SDK) is wired in.
type Invoker interface {
	Invoke(ctx context.Context, functionName string, payload InvokePayload) (InvokeResponse, error)
}

// sentinelWarmupFunc is the payload a warm-up no-op invocation carries;
// a real function implementation recognizes it and returns immediately
// without running user code.
const sentinelWarmupFunc = "__sandboxrun_warmup__"

// Function is the Cloud Function (request/response) remote provider
// (spec §4.6). It synchronously invokes a function named
// "{prefix}-{runtime-slug}", passing the request as JSON.
type Function struct {
	tag      types.ProviderTag
	prefix   string
	invoker  Invoker
	metrics  *metricsTracker
	logger   zerolog.Logger
}

// NewFunction constructs a Function provider for tag, naming functions
// with prefix. Returns an error if invoker is nil — remote providers
// "check the availability of their cloud SDK at construction and fail
// closed when absent" (spec §4.6).
func NewFunction(tag types.ProviderTag, prefix string, invoker Invoker) (*Function, error) {
	if invoker == nil {
		return nil, apperror.ProviderUnavailable(fmt.Sprintf("%s: no invoker configured", tag), nil)
	}
	return &Function{
		tag:     tag,
		prefix:  prefix,
		invoker: invoker,
		metrics: newMetricsTracker(),
		logger:  log.WithComponent("provider." + string(tag)),
	}, nil
}

func (f *Function) Tag() types.ProviderTag { return f.tag }

func (f *Function) functionName(rt types.RuntimeTag) string {
	slug := runtimeSlug(rt)
	return fmt.Sprintf("%s-%s", f.prefix, slug)
}

func (f *Function) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	started := time.Now()

	payload := InvokePayload{
		ExecutionID: req.ID,
		Code:        req.Code,
		EntryPoint:  req.EntryPoint,
		Runtime:     string(req.Runtime),
		Stdin:       req.Stdin,
		Env:         req.Env,
		Files:       req.Files,
		TimeoutMS:   req.TimeoutMS,
		MemoryMB:    req.MemoryMB,
		CPUCores:    req.CPUCores,
	}

	resp, err := f.invoker.Invoke(ctx, f.functionName(req.Runtime), payload)
	elapsed := time.Since(started)
	f.metrics.observeLatency(elapsed)

	if err != nil {
		timedOut := ctx.Err() != nil
		f.metrics.recordOutcome(false, timedOut)
		if timedOut {
			return nil, apperror.ExecutionTimeout(fmt.Sprintf("function invoke for %s timed out", req.ID))
		}
		return nil, apperror.WorkerError("function invoke failed", err)
	}

	f.metrics.recordOutcome(resp.Success, false)
	// The cold-start flag comes from the function's own cold_start signal
	// in the response; a response without it decodes as false (spec §4.6).
	f.metrics.recordStart(resp.ColdStart)

	return &types.ExecutionResult{
		Success:       resp.Success,
		Stdout:        resp.Stdout,
		Stderr:        resp.Stderr,
		ExitCode:      resp.ExitCode,
		ExecutionTime: elapsed,
		ColdStart:     resp.ColdStart,
		Provider:      f.tag,
		StartedAt:     started,
		CompletedAt:   time.Now(),
		ExecutionID:   req.ID,
	}, nil
}

// WarmUp issues no-op invocations carrying the sentinel payload. Cloud
// functions scale from zero, so "warming" means provoking n invocations,
// issued one after another, that the provider's own infrastructure
// absorbs.
func (f *Function) WarmUp(ctx context.Context, rt types.RuntimeTag, n int) (int, error) {
	started := 0
	for i := 0; i < n; i++ {
		_, err := f.invoker.Invoke(ctx, f.functionName(rt), InvokePayload{ExecutionID: sentinelWarmupFunc, Runtime: string(rt)})
		if err != nil {
			f.logger.Error().Err(err).Str("runtime", string(rt)).Msg("warm-up invocation failed")
			continue
		}
		started++
	}
	return started, nil
}

func (f *Function) HealthCheck(ctx context.Context) types.HealthStatus {
	return types.HealthStatus{Healthy: true, Message: "invoker configured"}
}

func (f *Function) Cleanup(ctx context.Context) error { return nil }

func (f *Function) Metrics() types.Metrics { return f.metrics.snapshot() }

// JobRunner is the seam a Cloud Job provider depends on: starting a
// named batch job with per-invocation environment overrides and waiting
// for it to finish.
type JobRunner interface {
	RunJob(ctx context.Context, jobName string, env map[string]string) (JobResult, error)
}

// JobResult is the outcome of one Cloud Job invocation.
type JobResult struct {
	Succeeded bool
	Stdout    string
	Stderr    string
	ExitCode  int
}

// Job is the Cloud Job (one-shot batch) remote provider (spec §4.6).
// Jobs cannot be pre-warmed, so WarmUp always returns 0 and every
// execution is a cold start.
type Job struct {
	tag     types.ProviderTag
	prefix  string
	runner  JobRunner
	metrics *metricsTracker
}

// NewJob constructs a Job provider. Returns an error if runner is nil,
// same fail-closed contract as NewFunction.
func NewJob(tag types.ProviderTag, prefix string, runner JobRunner) (*Job, error) {
	if runner == nil {
		return nil, apperror.ProviderUnavailable(fmt.Sprintf("%s: no job runner configured", tag), nil)
	}
	return &Job{tag: tag, prefix: prefix, runner: runner, metrics: newMetricsTracker()}, nil
}

func (j *Job) Tag() types.ProviderTag { return j.tag }

func (j *Job) jobName(rt types.RuntimeTag) string {
	return fmt.Sprintf("%s-%s", j.prefix, runtimeSlug(rt))
}

// Execute starts the job with environment overrides carrying code,
// entry-point, stdin, and files, and waits up to request.timeout plus a
// fixed buffer.
func (j *Job) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	started := time.Now()

	const waitBuffer = 10 * time.Second
	deadline := time.Duration(req.TimeoutMS)*time.Millisecond + waitBuffer
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	env := jobEnv(req)
	result, err := j.runner.RunJob(runCtx, j.jobName(req.Runtime), env)
	elapsed := time.Since(started)
	j.metrics.observeLatency(elapsed)
	j.metrics.recordStart(true)

	if err != nil {
		timedOut := runCtx.Err() != nil
		j.metrics.recordOutcome(false, timedOut)
		if timedOut {
			return nil, apperror.ExecutionTimeout(fmt.Sprintf("job for %s timed out", req.ID))
		}
		return nil, apperror.WorkerError("job run failed", err)
	}

	j.metrics.recordOutcome(result.Succeeded, false)

	return &types.ExecutionResult{
		Success:       result.Succeeded,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		ExecutionTime: elapsed,
		ColdStart:     true,
		Provider:      j.tag,
		StartedAt:     started,
		CompletedAt:   time.Now(),
		ExecutionID:   req.ID,
	}, nil
}

func jobEnv(req *types.ExecutionRequest) map[string]string {
	env := map[string]string{
		"SANDBOXRUN_CODE":        req.Code,
		"SANDBOXRUN_ENTRY_POINT": req.EntryPoint,
		"SANDBOXRUN_STDIN":       req.Stdin,
	}
	for k, v := range req.Env {
		env["SANDBOXRUN_USER_ENV_"+k] = v
	}
	for name, content := range req.Files {
		env["SANDBOXRUN_FILE_"+name] = content
	}
	return env
}

// WarmUp always returns 0: jobs cannot be pre-warmed.
func (j *Job) WarmUp(ctx context.Context, rt types.RuntimeTag, n int) (int, error) {
	return 0, nil
}

func (j *Job) HealthCheck(ctx context.Context) types.HealthStatus {
	return types.HealthStatus{Healthy: true, Message: "job runner configured"}
}

func (j *Job) Cleanup(ctx context.Context) error { return nil }

func (j *Job) Metrics() types.Metrics { return j.metrics.snapshot() }

func runtimeSlug(rt types.RuntimeTag) string {
	slug := string(rt)
	out := make([]byte, 0, len(slug))
	for _, c := range slug {
		if c == ':' || c == '.' {
			out = append(out, '-')
			continue
		}
		out = append(out, byte(c))
	}
	return string(out)
}
