package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardscan_jobs_submitted_total", Help: "Jobs accepted by the submission API"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardscan_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardscan_jobs_failed_total", Help: "Jobs that reached failed with a fatal error"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardscan_jobs_retried_total", Help: "Retryable failures requeued with backoff"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardscan_jobs_dead_lettered_total", Help: "Jobs failed after exhausting retries"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "cardscan_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cardscan_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cardscan_jobs_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsDeadLettered,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
