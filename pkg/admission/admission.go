// Package admission implements per-caller rate limiting and a
// process-wide concurrent-execution ceiling, the two admission-control
// knobs spec §6 names ("maximum concurrent executions", "rate-limited"
// taxonomy entry in §7) ahead of the Client Facade/Dispatcher.
package admission

import (
	"context"
	"sync"

	"github.com/cuemby/sandboxrun/pkg/apperror"
	"github.com/cuemby/sandboxrun/pkg/metrics"
	"golang.org/x/time/rate"
)

// Limiter gates execution admission: a per-caller token-bucket rate
// limit plus a global concurrency ceiling.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int

	sem chan struct{}
}

// New creates a Limiter allowing rps requests/second (burst) per caller
// key, and at most maxConcurrent executions in flight process-wide.
func New(rps float64, burst int, maxConcurrent int) *Limiter {
	l := &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	if maxConcurrent > 0 {
		l.sem = make(chan struct{}, maxConcurrent)
	}
	return l
}

func (l *Limiter) limiterFor(callerKey string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.limiters[callerKey]
	if !ok {
		rl = rate.NewLimiter(l.rps, l.burst)
		l.limiters[callerKey] = rl
	}
	return rl
}

// release is returned by Acquire and must be called exactly once to
// free the concurrency slot the admitted request was holding.
type release func()

// Acquire checks callerKey's rate limit (rejecting immediately, never
// waiting, per spec's "rate counter at exactly the limit → pass; one
// over → 429") and then blocks for a concurrency slot up to ctx's
// deadline. Returns a release function the caller must invoke when the
// execution finishes.
func (l *Limiter) Acquire(ctx context.Context, callerKey string) (release, error) {
	if !l.limiterFor(callerKey).Allow() {
		metrics.AdmissionRejectionsTotal.Inc()
		return nil, apperror.RateLimited("per-caller rate limit exceeded")
	}

	if l.sem == nil {
		return func() {}, nil
	}

	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		metrics.AdmissionRejectionsTotal.Inc()
		return nil, apperror.RateLimited("concurrency ceiling reached")
	}
}

// InFlight reports the number of executions currently holding a
// concurrency slot.
func (l *Limiter) InFlight() int {
	if l.sem == nil {
		return 0
	}
	return len(l.sem)
}
