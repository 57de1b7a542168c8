package provider

import (
	"sync"
	"time"

	"github.com/cuemby/sandboxrun/pkg/metrics"
	"github.com/cuemby/sandboxrun/pkg/types"
)

// metricsTracker accumulates the counters and latency ring behind a
// single provider's Metrics() call. Single-writer per provider per spec
// §5 ("the metrics structure per provider is mutated only by that
// provider").
type metricsTracker struct {
	mu sync.Mutex

	total, success, failed, timeout int64
	coldStarts, warmStarts          int64
	poolHits, poolMisses            int64

	ring *metrics.LatencyRing
}

func newMetricsTracker() *metricsTracker {
	return &metricsTracker{ring: metrics.NewLatencyRing()}
}

func (t *metricsTracker) recordOutcome(success, timedOut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	switch {
	case timedOut:
		t.timeout++
	case success:
		t.success++
	default:
		t.failed++
	}
}

func (t *metricsTracker) recordStart(coldStart bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if coldStart {
		t.coldStarts++
	} else {
		t.warmStarts++
	}
}

func (t *metricsTracker) recordPoolOutcome(hit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hit {
		t.poolHits++
	} else {
		t.poolMisses++
	}
}

func (t *metricsTracker) observeLatency(d time.Duration) {
	t.ring.Observe(float64(d.Microseconds())/1000.0, time.Now())
}

func (t *metricsTracker) snapshot() types.Metrics {
	t.mu.Lock()
	total, success, failed, timeout := t.total, t.success, t.failed, t.timeout
	cold, warm := t.coldStarts, t.warmStarts
	hits, misses := t.poolHits, t.poolMisses
	t.mu.Unlock()

	snap := t.ring.Snapshot()
	return types.Metrics{
		TotalExecutions:      total,
		SuccessfulExecutions: success,
		FailedExecutions:     failed,
		TimeoutExecutions:    timeout,
		ColdStartCount:       cold,
		WarmStartCount:       warm,
		PoolHits:             hits,
		PoolMisses:           misses,
		AvgLatencyMS:         snap.Avg,
		MinLatencyMS:         snap.Min,
		MaxLatencyMS:         snap.Max,
		P50LatencyMS:         snap.P50,
		P95LatencyMS:         snap.P95,
		P99LatencyMS:         snap.P99,
		FirstExecutionAt:     snap.First,
		LastExecutionAt:      snap.Last,
	}
}
