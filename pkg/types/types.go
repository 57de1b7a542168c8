// Package types holds the data model shared by every layer of the
// warm-pool executor: the runtime catalog, execution requests/results,
// worker handle state, and the aggregate health/metrics value types.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkerState is the state of a single Worker Handle.
type WorkerState string

const (
	WorkerCreating   WorkerState = "creating"
	WorkerWarm       WorkerState = "warm"
	WorkerBusy       WorkerState = "busy"
	WorkerResetting  WorkerState = "resetting"
	WorkerUnhealthy  WorkerState = "unhealthy"
	WorkerTerminating WorkerState = "terminating"
)

// ProviderTag identifies a concrete execution provider.
type ProviderTag string

const (
	ProviderLocalDocker  ProviderTag = "local_docker"
	ProviderAWSLambda    ProviderTag = "aws_lambda"
	ProviderGCPCloudRun  ProviderTag = "gcp_cloud_run"
	ProviderAzureContainer ProviderTag = "azure_container"
)

// RuntimeTag is a closed language:version wire tag.
type RuntimeTag string

const (
	RuntimePython311 RuntimeTag = "python:3.11"
	RuntimePython312 RuntimeTag = "python:3.12"
	RuntimeNode20     RuntimeTag = "node:20"
	RuntimeNode22     RuntimeTag = "node:22"
	RuntimeGo121      RuntimeTag = "go:1.21"
	RuntimeGo122      RuntimeTag = "go:1.22"
	RuntimeRustLatest RuntimeTag = "rust:latest"
	RuntimeJava17     RuntimeTag = "java:17"
	RuntimeJava21     RuntimeTag = "java:21"
)

// RuntimeDef describes the image, idle command and run-command template
// backing one Runtime tag. Compiled languages set Compiled=true: their
// RunCommand template compiles into /tmp/out before executing it.
type RuntimeDef struct {
	Tag             RuntimeTag
	Image           string
	IdleCommand     []string
	RunCommand      func(entryPoint string) []string
	DefaultEntry    string
	Compiled        bool
}

var catalog = map[RuntimeTag]RuntimeDef{
	RuntimePython311: {
		Tag: RuntimePython311, Image: "docker.io/library/python:3.11-slim",
		IdleCommand:  []string{"sleep", "infinity"},
		DefaultEntry: "main.py",
		RunCommand: func(entry string) []string {
			return []string{"python3", "/tmp/code/" + entry}
		},
	},
	RuntimePython312: {
		Tag: RuntimePython312, Image: "docker.io/library/python:3.12-slim",
		IdleCommand:  []string{"sleep", "infinity"},
		DefaultEntry: "main.py",
		RunCommand: func(entry string) []string {
			return []string{"python3", "/tmp/code/" + entry}
		},
	},
	RuntimeNode20: {
		Tag: RuntimeNode20, Image: "docker.io/library/node:20-slim",
		IdleCommand:  []string{"sleep", "infinity"},
		DefaultEntry: "main.js",
		RunCommand: func(entry string) []string {
			return []string{"node", "/tmp/code/" + entry}
		},
	},
	RuntimeNode22: {
		Tag: RuntimeNode22, Image: "docker.io/library/node:22-slim",
		IdleCommand:  []string{"sleep", "infinity"},
		DefaultEntry: "main.js",
		RunCommand: func(entry string) []string {
			return []string{"node", "/tmp/code/" + entry}
		},
	},
	RuntimeGo121: {
		Tag: RuntimeGo121, Image: "docker.io/library/golang:1.21", Compiled: true,
		IdleCommand:  []string{"sleep", "infinity"},
		DefaultEntry: "main.go",
		RunCommand: func(entry string) []string {
			return []string{"sh", "-c", "go build -o /tmp/out /tmp/code/" + entry + " && /tmp/out"}
		},
	},
	RuntimeGo122: {
		Tag: RuntimeGo122, Image: "docker.io/library/golang:1.22", Compiled: true,
		IdleCommand:  []string{"sleep", "infinity"},
		DefaultEntry: "main.go",
		RunCommand: func(entry string) []string {
			return []string{"sh", "-c", "go build -o /tmp/out /tmp/code/" + entry + " && /tmp/out"}
		},
	},
	RuntimeRustLatest: {
		Tag: RuntimeRustLatest, Image: "docker.io/library/rust:latest", Compiled: true,
		IdleCommand:  []string{"sleep", "infinity"},
		DefaultEntry: "main.rs",
		RunCommand: func(entry string) []string {
			return []string{"sh", "-c", "rustc -O -o /tmp/out /tmp/code/" + entry + " && /tmp/out"}
		},
	},
	RuntimeJava17: {
		Tag: RuntimeJava17, Image: "docker.io/library/eclipse-temurin:17", Compiled: true,
		IdleCommand:  []string{"sleep", "infinity"},
		DefaultEntry: "Main.java",
		RunCommand: func(entry string) []string {
			return []string{"sh", "-c", "javac -d /tmp/out /tmp/code/" + entry + " && java -cp /tmp/out Main"}
		},
	},
	RuntimeJava21: {
		Tag: RuntimeJava21, Image: "docker.io/library/eclipse-temurin:21", Compiled: true,
		IdleCommand:  []string{"sleep", "infinity"},
		DefaultEntry: "Main.java",
		RunCommand: func(entry string) []string {
			return []string{"sh", "-c", "javac -d /tmp/out /tmp/code/" + entry + " && java -cp /tmp/out Main"}
		},
	},
}

// Lookup returns the RuntimeDef for tag, or false if the tag is unknown.
func Lookup(tag RuntimeTag) (RuntimeDef, bool) {
	def, ok := catalog[tag]
	return def, ok
}

// Catalog returns every registered runtime definition.
func Catalog() []RuntimeDef {
	defs := make([]RuntimeDef, 0, len(catalog))
	for _, d := range catalog {
		defs = append(defs, d)
	}
	return defs
}

// ExecutionRequest is the immutable value a caller submits for execution.
// Invariants are checked in NewExecutionRequest; nothing downstream
// re-validates them.
type ExecutionRequest struct {
	ID                string
	Code              string
	Runtime           RuntimeTag
	EntryPoint        string
	TimeoutMS         int
	MemoryMB          int
	CPUCores          float64
	Stdin             string
	Env               map[string]string
	Files             map[string]string
	WorkspaceID       string
	UserID            string
	PreferredProvider ProviderTag
}

// NewExecutionRequest validates inputs and returns a ready-to-dispatch
// ExecutionRequest, or a *ValidationError describing the first violation.
func NewExecutionRequest(opts ExecutionRequest) (*ExecutionRequest, error) {
	if opts.Code == "" {
		return nil, &ValidationError{Field: "code", Reason: "must not be empty"}
	}
	def, ok := Lookup(opts.Runtime)
	if !ok {
		return nil, &ValidationError{Field: "runtime", Reason: fmt.Sprintf("unknown runtime %q", opts.Runtime)}
	}
	if opts.TimeoutMS <= 0 {
		return nil, &ValidationError{Field: "timeout_ms", Reason: "must be > 0"}
	}
	if opts.MemoryMB <= 0 {
		return nil, &ValidationError{Field: "memory_mb", Reason: "must be > 0"}
	}
	if opts.CPUCores <= 0 {
		return nil, &ValidationError{Field: "cpu_cores", Reason: "must be > 0"}
	}

	entry := opts.EntryPoint
	if entry == "" {
		entry = def.DefaultEntry
	}

	req := opts
	req.ID = uuid.New().String()
	req.EntryPoint = entry
	return &req, nil
}

// ValidationError reports a single invariant violation caught at
// construction, before any worker is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// ExecutionResult is the outcome of one execution, regardless of which
// provider served it.
type ExecutionResult struct {
	Success       bool
	Stdout        string
	Stderr        string
	ExitCode      int
	ExecutionTime time.Duration
	ColdStart     bool
	Provider      ProviderTag
	WorkerID      string
	MemoryUsedMB  int
	StartedAt     time.Time
	CompletedAt   time.Time
	ExecutionID   string
}

// Sentinel exit codes, per the service-level conventions (not emitted by
// the user's program itself).
const (
	ExitGenericFailure = -1
	ExitTimeout        = 124
	ExitOutOfMemory    = 137
)

// PoolStatus is the total/available/busy snapshot for one runtime pool,
// or the summed total across every pool.
type PoolStatus struct {
	Runtime   RuntimeTag
	Total     int
	Available int
	Busy      int
	WorkerIDs []string
}

// HealthStatus is the aggregate health value a provider reports.
type HealthStatus struct {
	Healthy bool
	Message string
	Pools   []PoolStatus
}

// Metrics is the aggregate value type returned by Provider.Metrics().
type Metrics struct {
	TotalExecutions      int64
	SuccessfulExecutions int64
	FailedExecutions     int64
	TimeoutExecutions    int64
	ColdStartCount       int64
	WarmStartCount       int64
	PoolHits             int64
	PoolMisses           int64
	AvgLatencyMS         float64
	MinLatencyMS         float64
	MaxLatencyMS         float64
	P50LatencyMS         float64
	P95LatencyMS         float64
	P99LatencyMS         float64
	FirstExecutionAt     time.Time
	LastExecutionAt      time.Time
}
