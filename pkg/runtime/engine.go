// Package runtime binds the Pool Manager and Local Provider to a container
// engine. Engine is the seam: ContainerdEngine drives a real containerd
// socket; tests run against runtime/faketesting.Engine instead so that
// pool/provider/health-monitor behavior can be exercised without a
// containerd daemon.
package runtime

import (
	"context"
	"time"
)

// WorkerSpec describes the container to create for one runtime pool
// member: image, idle-forever command, and the resource caps spec §4.2/§5
// require of every sandbox worker.
type WorkerSpec struct {
	ID          string
	Image       string
	IdleCommand []string
	MemoryMB    int
	CPUCores    float64
	PidsLimit   int64
}

// ExecSpec describes one command run inside an already-running worker.
type ExecSpec struct {
	Command []string
	Env     map[string]string
	Stdin   string
	Cwd     string
}

// ExecResult is the captured outcome of one Engine.Exec call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// State mirrors the container-engine-reported run state of a worker.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

// Engine is the container-engine contract the Pool Manager and Local
// Provider depend on. ContainerdEngine is the production implementation;
// runtime/faketesting.Engine satisfies the same interface for tests.
type Engine interface {
	// PullImage pulls image if not already present locally.
	PullImage(ctx context.Context, image string) error

	// CreateWorker creates and starts a container running spec's
	// idle-forever command, with network disabled, memory/CPU/PIDs caps,
	// a read-only root filesystem plus a writable /tmp, no-new-privileges,
	// and all Linux capabilities dropped. Returns the container id:
	// spec.ID when set, otherwise one the engine assigns.
	CreateWorker(ctx context.Context, spec WorkerSpec) (containerID string, err error)

	// Exec runs spec.Command inside containerID's PID namespace (not the
	// idle-forever process) and waits up to the context deadline.
	Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error)

	// WriteFile writes content into path inside the worker, base64-wrapped
	// to avoid shell-escaping surprises (spec §4.5 step 3).
	WriteFile(ctx context.Context, containerID, path, content string) error

	// RemoveCodeDir deletes /tmp/code inside the worker.
	RemoveCodeDir(ctx context.Context, containerID string) error

	// KillOthers signals every process in the worker except the
	// idle-forever sentinel, PID 1 of the worker (spec §9 open question 2).
	KillOthers(ctx context.Context, containerID string) error

	// Status reports the engine's view of whether the worker is running.
	Status(ctx context.Context, containerID string) (State, error)

	// Destroy force-stops and removes the worker and its snapshot. Must
	// be safe to call on an already-gone container (spec invariant 2).
	Destroy(ctx context.Context, containerID string) error

	// Close releases the engine's connection to the container runtime.
	Close() error
}

// DefaultExecTimeout bounds engine-internal bookkeeping calls (file
// writes, code-dir removal, process sweeps) that are not themselves the
// user's program.
const DefaultExecTimeout = 10 * time.Second
