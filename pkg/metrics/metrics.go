package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxrun_pool_workers_total",
			Help: "Total worker handles per runtime pool, by state",
		},
		[]string{"runtime", "state"},
	)

	PoolTargetSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxrun_pool_target_size",
			Help: "Configured target size per runtime pool",
		},
		[]string{"runtime"},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxrun_executions_total",
			Help: "Total executions by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxrun_execution_duration_seconds",
			Help:    "Execution duration in seconds by provider and runtime",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "runtime"},
	)

	ColdStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxrun_cold_starts_total",
			Help: "Cold vs warm starts by provider",
		},
		[]string{"provider", "kind"},
	)

	PoolHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxrun_pool_hits_total",
			Help: "Pool acquire hits vs misses by runtime",
		},
		[]string{"runtime", "kind"},
	)

	WorkerReplacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxrun_worker_replacements_total",
			Help: "Worker handles retired, by reason",
		},
		[]string{"runtime", "reason"},
	)

	ReplenishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxrun_replenish_duration_seconds",
			Help:    "Time taken by one replenisher tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxrun_health_check_duration_seconds",
			Help:    "Time taken by one worker health probe",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime"},
	)

	DispatchFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxrun_dispatch_fallbacks_total",
			Help: "Dispatcher candidate attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	AdmissionRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxrun_admission_rejections_total",
			Help: "Requests rejected by the admission limiter before dispatch",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		PoolTargetSize,
		ExecutionsTotal,
		ExecutionDuration,
		ColdStartsTotal,
		PoolHitsTotal,
		WorkerReplacementsTotal,
		ReplenishDuration,
		HealthCheckDuration,
		DispatchFallbacksTotal,
		AdmissionRejectionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
