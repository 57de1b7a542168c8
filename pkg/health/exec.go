package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/sandboxrun/pkg/runtime"
)

// ExecChecker probes a sandbox worker by asking the engine whether the
// container is running and, if so, executing a trivial command with a
// literal probe token inside it (spec §4.3: a worker is healthy only when
// both the engine-reported state and an in-container echo agree).
type ExecChecker struct {
	// Engine drives the actual container probe.
	Engine runtime.Engine

	// ContainerID is the worker being probed.
	ContainerID string

	// Command is the probe command to run (default: echo of ProbeToken).
	Command []string

	// ProbeToken is the literal string the probe command must echo back
	// for the check to count as healthy.
	ProbeToken string

	// Timeout bounds the probe command (default: 10 seconds).
	Timeout time.Duration
}

const defaultProbeToken = "sandboxrun-health-ok"

// NewExecChecker creates a checker for containerID against engine.
func NewExecChecker(engine runtime.Engine, containerID string) *ExecChecker {
	return &ExecChecker{
		Engine:      engine,
		ContainerID: containerID,
		Command:     []string{"echo", defaultProbeToken},
		ProbeToken:  defaultProbeToken,
		Timeout:     10 * time.Second,
	}
}

// Check performs the exec health check.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	state, err := e.Engine.Status(ctx, e.ContainerID)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("status probe failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	if state != runtime.StateRunning {
		return Result{Healthy: false, Message: fmt.Sprintf("worker state is %s, want running", state), CheckedAt: start, Duration: time.Since(start)}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	result, err := e.Engine.Exec(execCtx, e.ContainerID, runtime.ExecSpec{Command: e.Command, Cwd: "/"})
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("probe exec failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	if result.ExitCode != 0 {
		return Result{Healthy: false, Message: fmt.Sprintf("probe exited %d: %s", result.ExitCode, result.Stderr), CheckedAt: start, Duration: time.Since(start)}
	}
	if e.ProbeToken != "" && !containsToken(result.Stdout, e.ProbeToken) {
		return Result{Healthy: false, Message: fmt.Sprintf("probe output %q missing token %q", result.Stdout, e.ProbeToken), CheckedAt: start, Duration: time.Since(start)}
	}

	return Result{Healthy: true, Message: "ok", CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check type.
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout.
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

func containsToken(output, token string) bool {
	for i := 0; i+len(token) <= len(output); i++ {
		if output[i:i+len(token)] == token {
			return true
		}
	}
	return false
}
