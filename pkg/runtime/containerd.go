package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace sandbox workers live in.
	DefaultNamespace = "sandboxrun"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdEngine implements Engine using containerd.
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdEngine connects to containerd at socketPath (or
// DefaultSocketPath if empty).
func NewContainerdEngine(socketPath string) (*ContainerdEngine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdEngine{client: client, namespace: DefaultNamespace}, nil
}

func (e *ContainerdEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func (e *ContainerdEngine) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, e.namespace)
}

func (e *ContainerdEngine) PullImage(ctx context.Context, image string) error {
	ctx = e.ctx(ctx)

	if _, err := e.client.GetImage(ctx, image); err == nil {
		return nil
	}

	if _, err := e.client.Pull(ctx, image, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

// CreateWorker creates and starts a fully isolated sandbox container: no
// network namespace sharing, memory/CPU/PIDs caps, read-only root plus a
// writable tmpfs /tmp, no-new-privileges, all capabilities dropped. An
// empty spec.ID is replaced by a fresh 32-hex-character id.
func (e *ContainerdEngine) CreateWorker(ctx context.Context, spec WorkerSpec) (string, error) {
	ctx = e.ctx(ctx)

	if spec.ID == "" {
		spec.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	image, err := e.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.IdleCommand...),
		oci.WithRootFSReadonly(),
		oci.WithNoNewPrivileges,
		oci.WithCapabilities(nil), // drop every Linux capability
		oci.WithMounts([]specs.Mount{
			{
				Destination: "/tmp",
				Type:        "tmpfs",
				Source:      "tmpfs",
				Options:     []string{"nosuid", "nodev", "size=10m"},
			},
		}),
	}

	if spec.CPUCores > 0 {
		shares := uint64(spec.CPUCores * 1024)
		quota := int64(spec.CPUCores * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if spec.MemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryMB)*1024*1024))
	}
	if spec.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(spec.PidsLimit))
	}

	container, err := e.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		// No network namespace is joined to any CNI-managed bridge: the
		// worker gets an isolated loopback-only network namespace.
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	return container.ID(), nil
}

// Exec runs spec.Command as a second process inside containerID's task,
// alongside the idle-forever process, and waits for it to exit.
func (e *ContainerdEngine) Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error) {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to get task: %w", err)
	}

	procSpec := &specs.Process{
		Args: spec.Command,
		Cwd:  spec.Cwd,
		Env:  envSlice(spec.Env),
	}
	if procSpec.Cwd == "" {
		procSpec.Cwd = "/tmp/code"
	}

	var stdout, stderr bytes.Buffer
	var stdin *bytes.Reader
	if spec.Stdin != "" {
		stdin = bytes.NewReader([]byte(spec.Stdin))
	}

	execID := "exec-" + shortID()
	process, err := task.Exec(ctx, execID, procSpec, cio.NewCreator(cio.WithStreams(stdin, &stdout, &stderr)))
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec process: %w", err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to wait on exec process: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		return ExecResult{}, fmt.Errorf("failed to start exec process: %w", err)
	}

	select {
	case status := <-statusC:
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: int(status.ExitCode())}, status.Error()
	case <-ctx.Done():
		_ = process.Kill(context.Background(), syscall.SIGKILL)
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}
}

// WriteFile writes content into path inside the worker using a
// base64-wrapped shell write, avoiding any quoting/escaping surprises for
// arbitrary user code.
func (e *ContainerdEngine) WriteFile(ctx context.Context, containerID, path, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	cmd := fmt.Sprintf("mkdir -p $(dirname %s) && echo %s | base64 -d > %s", shellQuote(path), encoded, shellQuote(path))

	execCtx, cancel := context.WithTimeout(ctx, DefaultExecTimeout)
	defer cancel()

	result, err := e.Exec(execCtx, containerID, ExecSpec{Command: []string{"sh", "-c", cmd}, Cwd: "/"})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("failed to write %s: exit %d: %s", path, result.ExitCode, result.Stderr)
	}
	return nil
}

func (e *ContainerdEngine) RemoveCodeDir(ctx context.Context, containerID string) error {
	execCtx, cancel := context.WithTimeout(ctx, DefaultExecTimeout)
	defer cancel()

	result, err := e.Exec(execCtx, containerID, ExecSpec{Command: []string{"rm", "-rf", "/tmp/code", "/tmp/out"}, Cwd: "/"})
	if err != nil {
		return fmt.Errorf("failed to remove code dir: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("failed to remove code dir: exit %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

// KillOthers signals every process in the worker's task except the
// idle-forever sentinel, which is PID 1 inside the container's PID
// namespace, and the shell running the sweep itself (resolving open
// question 2 of spec §9: never a blanket "kill everything").
func (e *ContainerdEngine) KillOthers(ctx context.Context, containerID string) error {
	execCtx, cancel := context.WithTimeout(ctx, DefaultExecTimeout)
	defer cancel()

	cmd := "for p in /proc/[0-9]*; do pid=$(basename $p); if [ \"$pid\" != \"1\" ] && [ \"$pid\" != \"$$\" ]; then kill -9 \"$pid\" 2>/dev/null; fi; done; true"
	_, err := e.Exec(execCtx, containerID, ExecSpec{Command: []string{"sh", "-c", cmd}, Cwd: "/"})
	if err != nil {
		return fmt.Errorf("failed to signal worker processes: %w", err)
	}
	return nil
}

func (e *ContainerdEngine) Status(ctx context.Context, containerID string) (State, error) {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return StateStopped, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to get task status: %w", err)
	}
	if status.Status == containerd.Running || status.Status == containerd.Paused {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Destroy force-stops and removes the worker, tolerating a
// worker that is already gone (spec invariant 2: never leaked).
func (e *ContainerdEngine) Destroy(ctx context.Context, containerID string) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = task.Kill(stopCtx, syscall.SIGKILL)
		statusC, waitErr := task.Wait(stopCtx)
		if waitErr == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
			}
		}
		cancel()
		_, _ = task.Delete(ctx)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container %s: %w", containerID, err)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

var execCounter uint64

func shortID() string {
	execCounter++
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), execCounter)
}
