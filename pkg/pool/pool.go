// Package pool implements the Pool Manager: per-runtime collections of
// Worker Handles with mutually exclusive acquire/release, warm-up, add
// and remove, and aggregate status reporting.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sandboxrun/pkg/log"
	"github.com/cuemby/sandboxrun/pkg/metrics"
	"github.com/cuemby/sandboxrun/pkg/runtime"
	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/cuemby/sandboxrun/pkg/worker"
	"github.com/rs/zerolog"
)

// Limits bounds a worker's resource caps and lifecycle at creation time.
type Limits struct {
	MemoryMB  int
	CPUCores  float64
	PidsLimit int64
	MaxAge    time.Duration
	MaxIdle   time.Duration
}

type runtimePool struct {
	mu      sync.Mutex
	runtime types.RuntimeTag
	members []*worker.Handle
}

// Manager owns every runtime pool, the engine used to create/destroy
// workers, and the target-size table.
type Manager struct {
	engine runtime.Engine
	limits Limits
	logger zerolog.Logger

	poolsMu sync.Mutex
	pools   map[types.RuntimeTag]*runtimePool

	targetMu sync.Mutex
	targets  map[types.RuntimeTag]int
}

// New creates a Pool Manager bound to engine, with limits applied to
// every worker it creates.
func New(engine runtime.Engine, limits Limits) *Manager {
	return &Manager{
		engine:  engine,
		limits:  limits,
		logger:  log.WithComponent("pool"),
		pools:   make(map[types.RuntimeTag]*runtimePool),
		targets: make(map[types.RuntimeTag]int),
	}
}

func (m *Manager) poolFor(rt types.RuntimeTag) *runtimePool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	p, ok := m.pools[rt]
	if !ok {
		p = &runtimePool{runtime: rt}
		m.pools[rt] = p
	}
	return p
}

// WarmUp updates the target size to max(current, n) and attempts to
// create n workers in parallel. Returns the number that actually started.
func (m *Manager) WarmUp(ctx context.Context, rt types.RuntimeTag, n int) (int, error) {
	def, ok := types.Lookup(rt)
	if !ok {
		return 0, fmt.Errorf("pool: unknown runtime %q", rt)
	}

	m.targetMu.Lock()
	if n > m.targets[rt] {
		m.targets[rt] = n
	}
	metrics.PoolTargetSize.WithLabelValues(string(rt)).Set(float64(m.targets[rt]))
	m.targetMu.Unlock()

	return m.createAndPool(ctx, rt, def, n)
}

// TopUp creates n workers and adds them to rt's pool without touching the
// target-size table, for the Replenisher's "create the difference" tick.
func (m *Manager) TopUp(ctx context.Context, rt types.RuntimeTag, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	def, ok := types.Lookup(rt)
	if !ok {
		return 0, fmt.Errorf("pool: unknown runtime %q", rt)
	}
	return m.createAndPool(ctx, rt, def, n)
}

func (m *Manager) createAndPool(ctx context.Context, rt types.RuntimeTag, def types.RuntimeDef, n int) (int, error) {
	if err := m.engine.PullImage(ctx, def.Image); err != nil {
		return 0, fmt.Errorf("pool: pull image for %s: %w", rt, err)
	}

	var wg sync.WaitGroup
	started := make(chan *worker.Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.createWorker(ctx, def)
			if err != nil {
				m.logger.Error().Err(err).Str("runtime", string(rt)).Msg("worker creation failed")
				return
			}
			started <- h
		}()
	}
	wg.Wait()
	close(started)

	p := m.poolFor(rt)
	p.mu.Lock()
	count := 0
	for h := range started {
		h.SetState(worker.StateWarm)
		p.members = append(p.members, h)
		count++
	}
	p.mu.Unlock()

	m.refreshWorkerGauge(rt)
	return count, nil
}

// createWorker pulls nothing (caller already ensured the image is
// present) and creates one fresh container for runtime def.
func (m *Manager) createWorker(ctx context.Context, def types.RuntimeDef) (*worker.Handle, error) {
	spec := runtime.WorkerSpec{
		Image:       def.Image,
		IdleCommand: def.IdleCommand,
		MemoryMB:    m.limits.MemoryMB,
		CPUCores:    m.limits.CPUCores,
		PidsLimit:   m.limits.PidsLimit,
	}

	id, err := m.engine.CreateWorker(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	return worker.New(id, def.Tag), nil
}

// CreateOutOfPool creates a fresh handle without adding it to any pool,
// for the Local Provider's cold-start path (§4.5 step 2).
func (m *Manager) CreateOutOfPool(ctx context.Context, rt types.RuntimeTag) (*worker.Handle, error) {
	def, ok := types.Lookup(rt)
	if !ok {
		return nil, fmt.Errorf("pool: unknown runtime %q", rt)
	}
	if err := m.engine.PullImage(ctx, def.Image); err != nil {
		return nil, fmt.Errorf("pool: pull image for %s: %w", rt, err)
	}
	h, err := m.createWorker(ctx, def)
	if err != nil {
		return nil, err
	}
	h.SetState(worker.StateWarm)
	return h, nil
}

// Acquire scans the runtime's pool and flips the first WARM handle to
// BUSY, returning it. Returns nil if no handle is WARM; the caller then
// decides to cold-create.
func (m *Manager) Acquire(rt types.RuntimeTag) *worker.Handle {
	p := m.poolFor(rt)
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range p.members {
		if h.MarkBusy() {
			metrics.PoolHitsTotal.WithLabelValues(string(rt), "hit").Inc()
			m.refreshWorkerGaugeLocked(rt, p)
			return h
		}
	}
	metrics.PoolHitsTotal.WithLabelValues(string(rt), "miss").Inc()
	return nil
}

// Release returns handle to WARM and keeps it in the pool, unless
// ShouldReplace is true, in which case the handle is removed and
// destroyed instead.
func (m *Manager) Release(ctx context.Context, h *worker.Handle, rt types.RuntimeTag) {
	if h.ShouldReplace(m.limits.MaxAge, m.limits.MaxIdle) {
		m.remove(ctx, h, rt, "should_replace")
		return
	}

	p := m.poolFor(rt)
	p.mu.Lock()
	h.SetState(worker.StateWarm)
	if !m.containsLocked(p, h) {
		p.members = append(p.members, h)
	}
	p.mu.Unlock()

	m.refreshWorkerGauge(rt)
}

// Add inserts an already-created handle into rt's pool in state WARM, for
// the Local Provider's cold-start path once the worker has been reset
// after its execution.
func (m *Manager) Add(h *worker.Handle, rt types.RuntimeTag) {
	p := m.poolFor(rt)
	p.mu.Lock()
	h.SetState(worker.StateWarm)
	if !m.containsLocked(p, h) {
		p.members = append(p.members, h)
	}
	p.mu.Unlock()

	m.refreshWorkerGauge(rt)
}

// Remove removes handle from rt's pool (if present) and destroys it in
// the engine. Safe to call on a handle that was never pooled (the
// cold-start path, on failure).
func (m *Manager) Remove(ctx context.Context, h *worker.Handle, rt types.RuntimeTag) {
	m.remove(ctx, h, rt, "removed")
}

func (m *Manager) remove(ctx context.Context, h *worker.Handle, rt types.RuntimeTag, reason string) {
	h.SetState(worker.StateTerminating)

	p := m.poolFor(rt)
	p.mu.Lock()
	for i, member := range p.members {
		if member == h {
			p.members = append(p.members[:i], p.members[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if err := m.engine.Destroy(ctx, h.ID()); err != nil {
		m.logger.Error().Err(err).Str("worker_id", h.ShortID()).Msg("failed to destroy worker")
	}
	metrics.WorkerReplacementsTotal.WithLabelValues(string(rt), reason).Inc()
	m.refreshWorkerGauge(rt)
}

func (m *Manager) containsLocked(p *runtimePool, h *worker.Handle) bool {
	for _, member := range p.members {
		if member == h {
			return true
		}
	}
	return false
}

// Status returns the total/available/busy counts and worker ids for one
// runtime pool.
func (m *Manager) Status(rt types.RuntimeTag) types.PoolStatus {
	p := m.poolFor(rt)
	p.mu.Lock()
	defer p.mu.Unlock()
	return m.statusLocked(rt, p)
}

func (m *Manager) statusLocked(rt types.RuntimeTag, p *runtimePool) types.PoolStatus {
	status := types.PoolStatus{Runtime: rt}
	for _, h := range p.members {
		status.Total++
		status.WorkerIDs = append(status.WorkerIDs, h.ShortID())
		switch h.State() {
		case worker.StateWarm:
			status.Available++
		case worker.StateBusy:
			status.Busy++
		}
	}
	return status
}

// AggregateStatus sums Status across every runtime with a resident pool.
func (m *Manager) AggregateStatus() types.PoolStatus {
	m.poolsMu.Lock()
	runtimes := make([]types.RuntimeTag, 0, len(m.pools))
	for rt := range m.pools {
		runtimes = append(runtimes, rt)
	}
	m.poolsMu.Unlock()

	var agg types.PoolStatus
	for _, rt := range runtimes {
		s := m.Status(rt)
		agg.Total += s.Total
		agg.Available += s.Available
		agg.Busy += s.Busy
		agg.WorkerIDs = append(agg.WorkerIDs, s.WorkerIDs...)
	}
	return agg
}

// TargetSize returns the configured target size for rt.
func (m *Manager) TargetSize(rt types.RuntimeTag) int {
	m.targetMu.Lock()
	defer m.targetMu.Unlock()
	return m.targets[rt]
}

// Targets returns a copy of every runtime with a non-zero target size.
func (m *Manager) Targets() map[types.RuntimeTag]int {
	m.targetMu.Lock()
	defer m.targetMu.Unlock()
	out := make(map[types.RuntimeTag]int, len(m.targets))
	for rt, n := range m.targets {
		if n > 0 {
			out[rt] = n
		}
	}
	return out
}

// Runtimes returns every runtime tag with a resident pool, for the
// Health Monitor to iterate.
func (m *Manager) Runtimes() []types.RuntimeTag {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	out := make([]types.RuntimeTag, 0, len(m.pools))
	for rt := range m.pools {
		out = append(out, rt)
	}
	return out
}

// NonBusyHandles returns every handle in rt's pool that is not currently
// BUSY, for the Health Monitor to probe.
func (m *Manager) NonBusyHandles(rt types.RuntimeTag) []*worker.Handle {
	p := m.poolFor(rt)
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*worker.Handle, 0, len(p.members))
	for _, h := range p.members {
		if h.State() != worker.StateBusy {
			out = append(out, h)
		}
	}
	return out
}

// Stop destroys every worker across every pool and clears them. Idempotent.
func (m *Manager) Stop(ctx context.Context) {
	m.poolsMu.Lock()
	pools := make([]*runtimePool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.poolsMu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		members := p.members
		p.members = nil
		rt := p.runtime
		p.mu.Unlock()

		for _, h := range members {
			if err := m.engine.Destroy(ctx, h.ID()); err != nil {
				m.logger.Error().Err(err).Str("worker_id", h.ShortID()).Msg("failed to destroy worker during shutdown")
			}
		}
		metrics.WorkersTotal.DeletePartialMatch(map[string]string{"runtime": string(rt)})
	}
}

func (m *Manager) refreshWorkerGauge(rt types.RuntimeTag) {
	p := m.poolFor(rt)
	p.mu.Lock()
	defer p.mu.Unlock()
	m.refreshWorkerGaugeLocked(rt, p)
}

func (m *Manager) refreshWorkerGaugeLocked(rt types.RuntimeTag, p *runtimePool) {
	s := m.statusLocked(rt, p)
	metrics.WorkersTotal.WithLabelValues(string(rt), "warm").Set(float64(s.Available))
	metrics.WorkersTotal.WithLabelValues(string(rt), "busy").Set(float64(s.Busy))
}
