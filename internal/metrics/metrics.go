package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "udsd_scheduler_queue_depth",
			Help: "Number of scheduled jobs currently in FOR_EXECUTE state",
		},
	)

	SchedulerRunningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "udsd_scheduler_running_jobs",
			Help: "Number of scheduled jobs currently owned and RUNNING",
		},
	)

	SchedulerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "udsd_scheduler_job_duration_seconds",
			Help:    "Time taken to execute one scheduled job",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	SchedulerJobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsd_scheduler_jobs_failed_total",
			Help: "Total number of scheduled job executions that returned an error",
		},
		[]string{"job"},
	)

	// Cache updater metrics
	CacheUpdaterCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "udsd_cache_updater_cycles_total",
			Help: "Total number of cache updater reconciliation cycles completed",
		},
	)

	CacheUpdaterDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "udsd_cache_updater_duration_seconds",
			Help:    "Time taken for a cache updater reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheLevelSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "udsd_cache_level_size",
			Help: "Number of user services in a given cache level for a service pool",
		},
		[]string{"service_pool_id", "level"},
	)

	CacheUpdaterActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsd_cache_updater_actions_total",
			Help: "Total number of grow/reduce actions taken by the cache updater",
		},
		[]string{"action"},
	)

	// Deferred deletion metrics
	DeferredDeletionQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "udsd_deferred_deletion_queue_depth",
			Help: "Number of entries waiting in a deferred deletion queue",
		},
		[]string{"queue"},
	)

	DeferredDeletionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsd_deferred_deletion_retries_total",
			Help: "Total number of retried deferred deletion attempts",
		},
		[]string{"queue", "kind"},
	)

	DeferredDeletionAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "udsd_deferred_deletion_abandoned_total",
			Help: "Total number of deletion entries abandoned after exhausting retries",
		},
	)

	// User-service FSM metrics
	UserServicesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "udsd_user_services_by_state",
			Help: "Number of user services currently in a given engine state",
		},
		[]string{"state"},
	)

	// Unique ID allocator metrics
	UniqueIDAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udsd_unique_id_allocations_total",
			Help: "Total number of unique ID allocation attempts",
		},
		[]string{"basename", "result"},
	)

	// Service manager façade metrics
	GetUserServiceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "udsd_get_user_service_duration_seconds",
			Help:    "Time taken to resolve a get_user_service request",
			Buckets: prometheus.DefBuckets,
		},
	)

	AccessDeniedByCalendarTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "udsd_access_denied_by_calendar_total",
			Help: "Total number of access attempts denied by a calendar rule",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SchedulerQueueDepth,
		SchedulerRunningJobs,
		SchedulerJobDuration,
		SchedulerJobsFailed,
		CacheUpdaterCyclesTotal,
		CacheUpdaterDuration,
		CacheLevelSize,
		CacheUpdaterActionsTotal,
		DeferredDeletionQueueDepth,
		DeferredDeletionRetriesTotal,
		DeferredDeletionAbandonedTotal,
		UserServicesByState,
		UniqueIDAllocationsTotal,
		GetUserServiceDuration,
		AccessDeniedByCalendarTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
