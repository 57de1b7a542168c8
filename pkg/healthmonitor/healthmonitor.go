// Package healthmonitor implements the Health Monitor: a background task
// that probes every non-busy worker handle at a configured interval and
// asks the Pool Manager to retire any that fail.
package healthmonitor

import (
	"context"
	"time"

	"github.com/cuemby/sandboxrun/pkg/health"
	"github.com/cuemby/sandboxrun/pkg/log"
	"github.com/cuemby/sandboxrun/pkg/metrics"
	"github.com/cuemby/sandboxrun/pkg/pool"
	"github.com/cuemby/sandboxrun/pkg/runtime"
	"github.com/cuemby/sandboxrun/pkg/worker"
	"github.com/rs/zerolog"
)

// Monitor runs the periodic probe loop against a non-owning reference to
// the Pool Manager. The Pool Manager holds no reference to the Monitor:
// whoever constructs it calls Start and Stop (cmd/sandboxrun's serve
// command does), and pool.Manager.Stop does not stop it.
type Monitor struct {
	pool     *pool.Manager
	engine   runtime.Engine
	interval time.Duration
	probeTimeout time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Monitor probing through engine every interval, with each
// individual probe bounded by probeTimeout.
func New(poolManager *pool.Manager, engine runtime.Engine, interval, probeTimeout time.Duration) *Monitor {
	return &Monitor{
		pool:         poolManager,
		engine:       engine,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       log.WithComponent("healthmonitor"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the probe loop in its own goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop signals the loop to exit and blocks until it has.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) tick() {
	for _, rt := range m.pool.Runtimes() {
		timer := metrics.NewTimer()
		for _, h := range m.pool.NonBusyHandles(rt) {
			m.probe(h)
		}
		timer.ObserveDurationVec(metrics.HealthCheckDuration, string(rt))
	}
}

func (m *Monitor) probe(h *worker.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()

	checker := health.NewExecChecker(m.engine, h.ID())
	checker.Timeout = m.probeTimeout
	result := checker.Check(ctx)

	errMsg := ""
	if !result.Healthy {
		errMsg = result.Message
	}
	h.RecordHealthCheck(result.Healthy, errMsg)

	if !result.Healthy {
		m.logger.Warn().Str("worker_id", h.ShortID()).Str("runtime", string(h.Runtime())).Str("reason", errMsg).Msg("worker failed health probe, retiring")
		m.pool.Remove(context.Background(), h, h.Runtime())
	}
}
