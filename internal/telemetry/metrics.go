package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	NotificationsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_received_total", Help: "Inbound notifications by category and outcome"}, []string{"category", "result"})
	TasksEnqueued         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_tasks_enqueued_total", Help: "Tasks persisted, by backend"}, []string{"backend"})
	DegradedEnqueues      = prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_tasks_degraded_total", Help: "Tasks written to the file fallback because the primary backend was unavailable"})
	RateLimitRejects      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_rate_limit_rejects_total", Help: "Notifications rejected by the rate limiter"}, []string{"category"})
	TasksCompleted        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_tasks_completed_total", Help: "Tasks executed successfully"}, []string{"category"})
	TasksRetried          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_tasks_retried_total", Help: "Failed executions scheduled for retry"}, []string{"category"})
	TasksFailed           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_tasks_failed_total", Help: "Tasks that exhausted their attempts"}, []string{"category"})
	TasksReclaimed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_tasks_reclaimed_total", Help: "Stale processing tasks returned to retry or failed"}, []string{"category"})
	QueueDepth            = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "notify_queue_depth", Help: "Tasks per category and status"}, []string{"category", "status"})
	DrainDuration         = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "notify_drain_duration_seconds", Help: "Wall time of one drain pass", Buckets: prometheus.DefBuckets}, []string{"category"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			NotificationsReceived,
			TasksEnqueued,
			DegradedEnqueues,
			RateLimitRejects,
			TasksCompleted,
			TasksRetried,
			TasksFailed,
			TasksReclaimed,
			QueueDepth,
			DrainDuration,
		)
	})
	return promhttp.Handler()
}
