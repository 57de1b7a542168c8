// Package faketesting provides an in-memory double for runtime.Engine so
// pool, provider, and health-monitor behavior can be exercised without a
// containerd daemon.
package faketesting

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/sandboxrun/pkg/runtime"
)

// Engine is a fake runtime.Engine backed by in-memory state. Every method
// is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	workers   map[string]*worker
	idCounter int64

	// PullImageErr, when set, is returned by every PullImage call.
	PullImageErr error
	// CreateWorkerErr, when set, is returned by every CreateWorker call.
	CreateWorkerErr error
	// ExecFunc, when set, overrides the default Exec behavior entirely.
	ExecFunc func(ctx context.Context, containerID string, spec runtime.ExecSpec) (runtime.ExecResult, error)
	// ExecResult is returned by Exec when ExecFunc is nil.
	ExecResult runtime.ExecResult
	// ExecErr is returned by Exec when ExecFunc is nil.
	ExecErr error
	// UnhealthyWorkers marks container IDs that Status reports as stopped.
	UnhealthyWorkers map[string]bool
}

type worker struct {
	spec     runtime.WorkerSpec
	state    runtime.State
	files    map[string]string
	destroyed bool
}

// New returns a ready-to-use fake engine.
func New() *Engine {
	return &Engine{
		workers:          make(map[string]*worker),
		UnhealthyWorkers: make(map[string]bool),
		ExecResult:       runtime.ExecResult{ExitCode: 0},
	}
}

func (e *Engine) PullImage(ctx context.Context, image string) error {
	return e.PullImageErr
}

func (e *Engine) CreateWorker(ctx context.Context, spec runtime.WorkerSpec) (string, error) {
	if e.CreateWorkerErr != nil {
		return "", e.CreateWorkerErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := spec.ID
	if id == "" {
		e.idCounter++
		id = fmt.Sprintf("fake-worker-%d", e.idCounter)
	}
	e.workers[id] = &worker{spec: spec, state: runtime.StateRunning, files: make(map[string]string)}
	return id, nil
}

func (e *Engine) Exec(ctx context.Context, containerID string, spec runtime.ExecSpec) (runtime.ExecResult, error) {
	if e.ExecFunc != nil {
		return e.ExecFunc(ctx, containerID, spec)
	}

	e.mu.Lock()
	w, ok := e.workers[containerID]
	e.mu.Unlock()
	if !ok || w.destroyed {
		return runtime.ExecResult{}, fmt.Errorf("fake engine: unknown or destroyed container %s", containerID)
	}

	return e.ExecResult, e.ExecErr
}

func (e *Engine) WriteFile(ctx context.Context, containerID, path, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[containerID]
	if !ok || w.destroyed {
		return fmt.Errorf("fake engine: unknown or destroyed container %s", containerID)
	}
	w.files[path] = content
	return nil
}

func (e *Engine) RemoveCodeDir(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[containerID]
	if !ok {
		return nil
	}
	for path := range w.files {
		delete(w.files, path)
	}
	return nil
}

func (e *Engine) KillOthers(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.workers[containerID]; !ok {
		return fmt.Errorf("fake engine: unknown container %s", containerID)
	}
	return nil
}

func (e *Engine) Status(ctx context.Context, containerID string) (runtime.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.UnhealthyWorkers[containerID] {
		return runtime.StateStopped, nil
	}

	w, ok := e.workers[containerID]
	if !ok {
		return runtime.StateUnknown, fmt.Errorf("fake engine: unknown container %s", containerID)
	}
	if w.destroyed {
		return runtime.StateStopped, nil
	}
	return w.state, nil
}

func (e *Engine) Destroy(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[containerID]
	if !ok {
		return nil
	}
	w.destroyed = true
	w.state = runtime.StateStopped
	return nil
}

func (e *Engine) Close() error {
	return nil
}

// MarkUnhealthy makes Status report containerID as stopped, simulating an
// engine-detected crash for health-monitor tests.
func (e *Engine) MarkUnhealthy(containerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.UnhealthyWorkers[containerID] = true
}

// WorkerCount returns the number of non-destroyed workers, for assertions
// about leak-free teardown.
func (e *Engine) WorkerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, w := range e.workers {
		if !w.destroyed {
			n++
		}
	}
	return n
}

// FilesOf returns a copy of the files written into containerID, for
// assertions that code was actually delivered to the worker.
func (e *Engine) FilesOf(containerID string) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[containerID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(w.files))
	for k, v := range w.files {
		out[k] = v
	}
	return out
}

var _ runtime.Engine = (*Engine)(nil)
