// Package replenisher implements the Replenisher: a background task that
// tops each runtime pool back up to its target size.
package replenisher

import (
	"context"
	"time"

	"github.com/cuemby/sandboxrun/pkg/log"
	"github.com/cuemby/sandboxrun/pkg/metrics"
	"github.com/cuemby/sandboxrun/pkg/pool"
	"github.com/rs/zerolog"
)

// DefaultInterval is the tick interval used when none is configured.
const DefaultInterval = 5 * time.Second

// Replenisher drives pool back to its configured target sizes, holding
// only a non-owning reference to it.
type Replenisher struct {
	pool     *pool.Manager
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Replenisher ticking every interval (DefaultInterval if
// zero).
func New(poolManager *pool.Manager, interval time.Duration) *Replenisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Replenisher{
		pool:     poolManager,
		interval: interval,
		logger:   log.WithComponent("replenisher"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *Replenisher) Start() {
	go r.run()
}

func (r *Replenisher) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Replenisher) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Replenisher) tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReplenishDuration)

	for rt, target := range r.pool.Targets() {
		current := r.pool.Status(rt).Total
		deficit := target - current
		if deficit <= 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		started, err := r.pool.TopUp(ctx, rt, deficit)
		cancel()
		if err != nil {
			r.logger.Error().Err(err).Str("runtime", string(rt)).Msg("replenish tick failed")
			continue
		}
		r.logger.Debug().Str("runtime", string(rt)).Int("deficit", deficit).Int("started", started).Msg("replenished pool")
	}
}
