package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/sandboxrun/pkg/apperror"
	"github.com/cuemby/sandboxrun/pkg/log"
	"github.com/cuemby/sandboxrun/pkg/metrics"
	"github.com/cuemby/sandboxrun/pkg/pool"
	"github.com/cuemby/sandboxrun/pkg/runtime"
	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/cuemby/sandboxrun/pkg/worker"
	"github.com/rs/zerolog"
)

// Local binds the Pool Manager to a container engine: it writes code into
// an acquired worker, runs the runtime command, captures output, and
// resets the worker on every exit path (spec §4.5).
type Local struct {
	pool    *pool.Manager
	engine  runtime.Engine
	metrics *metricsTracker
	logger  zerolog.Logger
}

// NewLocal creates a Local provider driving pool through engine.
func NewLocal(poolManager *pool.Manager, engine runtime.Engine) *Local {
	return &Local{
		pool:    poolManager,
		engine:  engine,
		metrics: newMetricsTracker(),
		logger:  log.WithComponent("provider.local"),
	}
}

func (l *Local) Tag() types.ProviderTag { return types.ProviderLocalDocker }

// Execute implements the seven-step algorithm of spec §4.5: acquire (or
// cold-create), prepare the worker's filesystem, run the command under an
// absolute deadline, and reset the worker on every exit path.
func (l *Local) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	started := time.Now()

	def, ok := types.Lookup(req.Runtime)
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("unknown runtime %q", req.Runtime))
	}

	h := l.pool.Acquire(req.Runtime)
	coldStart := h == nil
	if coldStart {
		l.metrics.recordPoolOutcome(false)
		fresh, err := l.pool.CreateOutOfPool(ctx, req.Runtime)
		if err != nil {
			return nil, apperror.WorkerError("cold-create failed", err)
		}
		h = fresh
		h.MarkBusy()
	} else {
		l.metrics.recordPoolOutcome(true)
	}
	l.metrics.recordStart(coldStart)

	result, execErr := l.runOnWorker(ctx, h, def, req)

	elapsedMS := float64(time.Since(started).Microseconds()) / 1000.0
	timedOut := execErr != nil && isDeadlineErr(execErr)
	l.metrics.recordOutcome(execErr == nil && result != nil && result.Success, timedOut)
	l.metrics.observeLatency(time.Since(started))
	h.RecordExecution(elapsedMS, execErr == nil)

	outcomeLabel := "success"
	switch {
	case timedOut:
		outcomeLabel = "timeout"
	case execErr != nil || (result != nil && !result.Success):
		outcomeLabel = "failure"
	}
	metrics.ExecutionsTotal.WithLabelValues(string(l.Tag()), outcomeLabel).Inc()
	metrics.ExecutionDuration.WithLabelValues(string(l.Tag()), string(req.Runtime)).Observe(time.Since(started).Seconds())
	if coldStart {
		metrics.ColdStartsTotal.WithLabelValues(string(l.Tag()), "cold").Inc()
	} else {
		metrics.ColdStartsTotal.WithLabelValues(string(l.Tag()), "warm").Inc()
	}

	// Step 7: always reset, on every exit path. A timed-out execution
	// forces removal regardless of coldStart or RemoveCodeDir's outcome.
	l.resetWorker(ctx, h, req.Runtime, coldStart, timedOut)

	if timedOut {
		return nil, apperror.ExecutionTimeout(fmt.Sprintf("execution %s exceeded %dms", req.ID, req.TimeoutMS))
	}
	if execErr != nil {
		return nil, apperror.WorkerError("execution failed", execErr)
	}

	result.ColdStart = coldStart
	result.Provider = l.Tag()
	result.WorkerID = h.ShortID()
	result.StartedAt = started
	result.CompletedAt = time.Now()
	result.ExecutionID = req.ID
	return result, nil
}

type deadlineError struct{ inner error }

func (e *deadlineError) Error() string { return e.inner.Error() }
func (e *deadlineError) Unwrap() error { return e.inner }

func isDeadlineErr(err error) bool {
	_, ok := err.(*deadlineError)
	return ok
}

// runOnWorker performs steps 3-6: prepare the worker's code directory,
// build and run the command, capture output, and detect the absolute
// deadline.
func (l *Local) runOnWorker(ctx context.Context, h *worker.Handle, def types.RuntimeDef, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	containerID := h.ID()

	codePath := "/tmp/code/" + req.EntryPoint
	if err := l.engine.WriteFile(ctx, containerID, codePath, req.Code); err != nil {
		return nil, fmt.Errorf("write entry point: %w", err)
	}
	for name, content := range req.Files {
		if err := l.engine.WriteFile(ctx, containerID, "/tmp/code/"+name, content); err != nil {
			return nil, fmt.Errorf("write extra file %s: %w", name, err)
		}
	}

	command := def.RunCommand(req.EntryPoint)

	deadline := time.Duration(req.TimeoutMS) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	out, err := l.engine.Exec(execCtx, containerID, runtime.ExecSpec{
		Command: command,
		Env:     req.Env,
		Stdin:   req.Stdin,
		Cwd:     "/tmp/code",
	})
	if err != nil {
		if execCtx.Err() != nil {
			_ = l.engine.KillOthers(context.Background(), containerID)
			return nil, &deadlineError{inner: err}
		}
		return nil, err
	}

	return &types.ExecutionResult{
		Success:  out.ExitCode == 0,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
	}, nil
}

// resetWorker implements step 7: mark RESETTING, kill surviving user
// processes, delete /tmp/code, then return the worker to its pool (warm
// hit) or add it as a fresh member (cold start). Any reset failure, and
// a timed-out execution unconditionally (spec §4.5 step 5: "mark the
// handle for removal"), removes the worker instead.
func (l *Local) resetWorker(ctx context.Context, h *worker.Handle, rt types.RuntimeTag, coldStart, timedOut bool) {
	h.SetState(worker.StateResetting)

	resetCtx, cancel := context.WithTimeout(context.Background(), runtime.DefaultExecTimeout)
	defer cancel()

	if err := l.engine.KillOthers(resetCtx, h.ID()); err != nil {
		l.logger.Warn().Err(err).Str("worker_id", h.ShortID()).Msg("reset: failed to signal survivors")
	}
	removeErr := l.engine.RemoveCodeDir(resetCtx, h.ID())
	if removeErr != nil {
		l.logger.Error().Err(removeErr).Str("worker_id", h.ShortID()).Msg("reset failed, removing worker")
	}

	if timedOut || removeErr != nil {
		if timedOut {
			l.logger.Warn().Str("worker_id", h.ShortID()).Msg("execution timed out, removing worker")
		}
		l.pool.Remove(ctx, h, rt)
		return
	}

	if coldStart {
		l.pool.Add(h, rt)
	} else {
		l.pool.Release(ctx, h, rt)
	}
}

// WarmUp delegates to the Pool Manager.
func (l *Local) WarmUp(ctx context.Context, rt types.RuntimeTag, n int) (int, error) {
	return l.pool.WarmUp(ctx, rt, n)
}

// HealthCheck reports aggregate pool health: unhealthy iff some runtime
// with a non-zero target size has no resident workers at all; healthy
// otherwise, including when no pool has been warmed yet.
func (l *Local) HealthCheck(ctx context.Context) types.HealthStatus {
	var pools []types.PoolStatus
	unhealthyRuntimes := []string{}
	for _, rt := range l.pool.Runtimes() {
		status := l.pool.Status(rt)
		pools = append(pools, status)
		if status.Total == 0 && l.pool.TargetSize(rt) > 0 {
			unhealthyRuntimes = append(unhealthyRuntimes, string(rt))
		}
	}

	if len(unhealthyRuntimes) > 0 {
		return types.HealthStatus{
			Healthy: false,
			Message: "pools below target with zero workers: " + strings.Join(unhealthyRuntimes, ", "),
			Pools:   pools,
		}
	}
	return types.HealthStatus{Healthy: true, Message: "ok", Pools: pools}
}

// Cleanup stops the Pool Manager, destroying every worker.
func (l *Local) Cleanup(ctx context.Context) error {
	l.pool.Stop(ctx)
	return nil
}

func (l *Local) Metrics() types.Metrics {
	return l.metrics.snapshot()
}
