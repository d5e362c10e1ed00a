package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "asset_jobs_submitted_total", Help: "Jobs accepted by the scheduler"})
	JobsCompleted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "asset_jobs_completed_total", Help: "Jobs that finished successfully"})
	JobsFailed           = prometheus.NewCounter(prometheus.CounterOpts{Name: "asset_jobs_failed_total", Help: "Jobs that ended in a terminal error"})
	JobRetries           = prometheus.NewCounter(prometheus.CounterOpts{Name: "asset_job_retries_total", Help: "Job-level retries scheduled after a failed run"})
	SubtaskRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "asset_subtask_retries_total", Help: "Render subtask attempts that failed and were retried"})
	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "asset_notifications_dropped_total", Help: "Progress events dropped because the stream was full"})
	SubmitRateLimited    = prometheus.NewCounter(prometheus.CounterOpts{Name: "asset_submissions_rate_limited_total", Help: "Submissions rejected by the per-client rate limiter"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "asset_queue_depth", Help: "Pending jobs waiting for admission"})
	ActiveGauge          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "asset_jobs_active", Help: "Jobs currently executing"})
	BreakerStateGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "asset_breaker_state", Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open"})
	JobDuration          = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "asset_job_duration_seconds",
		Help:    "Wall time of successful jobs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
)

// SetBreakerState maps a breaker state name onto the gauge.
func SetBreakerState(state string) {
	switch state {
	case "open":
		BreakerStateGauge.Set(2)
	case "half-open":
		BreakerStateGauge.Set(1)
	default:
		BreakerStateGauge.Set(0)
	}
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobRetries,
			SubtaskRetries,
			NotificationsDropped,
			SubmitRateLimited,
			QueueDepthGauge,
			ActiveGauge,
			BreakerStateGauge,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
