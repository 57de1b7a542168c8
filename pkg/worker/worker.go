// Package worker implements the Worker Handle: a reference to one
// container plus the bookkeeping the Pool Manager needs to decide when a
// worker is healthy, busy, or due for retirement.
package worker

import (
	"sync"
	"time"

	"github.com/cuemby/sandboxrun/pkg/types"
)

// State is one of the six states a Worker Handle can be in.
type State = types.WorkerState

const (
	StateCreating     = types.WorkerCreating
	StateWarm         = types.WorkerWarm
	StateBusy         = types.WorkerBusy
	StateResetting    = types.WorkerResetting
	StateUnhealthy    = types.WorkerUnhealthy
	StateTerminating  = types.WorkerTerminating
)

// Handle wraps one container and the counters the Pool Manager and Health
// Monitor use to decide its fate. A Handle is owned exclusively by the
// Pool Manager after creation; callers only touch it through Pool Manager
// methods or, while BUSY, via the exclusive ownership execute grants.
type Handle struct {
	mu sync.Mutex

	id          string // engine-assigned container id
	shortID     string // first 12 hex chars of id
	runtime     types.RuntimeTag
	state       State
	createdAt   time.Time
	lastUsedAt  time.Time
	lastHealthCheckAt time.Time

	executionCount      int64
	cumulativeExecMS    float64
	errorCount          int64
	consecutiveFailures int
	lastError           string
}

// New creates a Handle in state CREATING for containerID.
func New(containerID string, runtime types.RuntimeTag) *Handle {
	short := containerID
	if len(short) > 12 {
		short = short[:12]
	}
	now := time.Now()
	return &Handle{
		id:        containerID,
		shortID:   short,
		runtime:   runtime,
		state:     StateCreating,
		createdAt: now,
	}
}

func (h *Handle) ID() string               { h.mu.Lock(); defer h.mu.Unlock(); return h.id }
func (h *Handle) ShortID() string          { h.mu.Lock(); defer h.mu.Unlock(); return h.shortID }
func (h *Handle) Runtime() types.RuntimeTag { h.mu.Lock(); defer h.mu.Unlock(); return h.runtime }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState forces a state transition without validation. Used by the Pool
// Manager for transitions driven by external events (e.g. CREATING→WARM
// once container start succeeds).
func (h *Handle) SetState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// MarkBusy records the current time as last-used-at and transitions
// WARM→BUSY. Returns false if the handle was not WARM (caller must not
// proceed with acquisition in that case).
func (h *Handle) MarkBusy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateWarm {
		return false
	}
	h.state = StateBusy
	h.lastUsedAt = time.Now()
	return true
}

// RecordExecution bumps the execution counters and resets or increments
// the consecutive-failures counter.
func (h *Handle) RecordExecution(elapsedMS float64, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.executionCount++
	h.cumulativeExecMS += elapsedMS
	if success {
		h.consecutiveFailures = 0
	} else {
		h.errorCount++
		h.consecutiveFailures++
	}
}

// RecordHealthCheck updates last-health-check-at and, on failure,
// transitions the handle to UNHEALTHY.
func (h *Handle) RecordHealthCheck(ok bool, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastHealthCheckAt = time.Now()
	if !ok {
		h.lastError = errMsg
		h.state = StateUnhealthy
	}
}

// ShouldReplace returns true iff the handle's age exceeds maxAge, its idle
// interval exceeds maxIdle, its state is UNHEALTHY, or it has executed at
// least 10 times with at least 3 consecutive failures. A zero maxAge or
// maxIdle disables that bound, and a handle that was never marked busy
// has no idle interval.
func (h *Handle) ShouldReplace(maxAge, maxIdle time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if maxAge > 0 && now.Sub(h.createdAt) > maxAge {
		return true
	}
	if maxIdle > 0 && !h.lastUsedAt.IsZero() && now.Sub(h.lastUsedAt) > maxIdle {
		return true
	}
	if h.state == StateUnhealthy {
		return true
	}
	if h.executionCount >= 10 && h.consecutiveFailures >= 3 {
		return true
	}
	return false
}

// Snapshot is a point-in-time, lock-free copy of a handle's bookkeeping
// fields for status reporting and tests.
type Snapshot struct {
	ID                  string
	ShortID             string
	Runtime             types.RuntimeTag
	State               State
	CreatedAt           time.Time
	LastUsedAt          time.Time
	LastHealthCheckAt   time.Time
	ExecutionCount      int64
	CumulativeExecMS    float64
	ErrorCount          int64
	ConsecutiveFailures int
	LastError           string
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		ID:                  h.id,
		ShortID:             h.shortID,
		Runtime:             h.runtime,
		State:               h.state,
		CreatedAt:           h.createdAt,
		LastUsedAt:          h.lastUsedAt,
		LastHealthCheckAt:   h.lastHealthCheckAt,
		ExecutionCount:      h.executionCount,
		CumulativeExecMS:    h.cumulativeExecMS,
		ErrorCount:          h.errorCount,
		ConsecutiveFailures: h.consecutiveFailures,
		LastError:           h.lastError,
	}
}
