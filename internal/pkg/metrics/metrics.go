// Package metrics holds the engine's prometheus collectors on a private
// registry, exposed through the dashboard's metrics listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registry = prometheus.NewRegistry()

// GetRegistry returns the shared registry for exposition.
func GetRegistry() *prometheus.Registry {
	return registry
}

var (
	JobsCreated = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "peterbot",
		Name:      "jobs_created_total",
		Help:      "Jobs enqueued, by source (chat or schedule).",
	}, []string{"source"})

	JobsCompleted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "peterbot",
		Name:      "jobs_completed_total",
		Help:      "Jobs that finished successfully.",
	})

	JobsFailed = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "peterbot",
		Name:      "jobs_failed_total",
		Help:      "Jobs that ended in failure.",
	})

	JobsDelivered = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "peterbot",
		Name:      "jobs_delivered_total",
		Help:      "Terminal job results delivered to the chat.",
	})

	JobsRequeued = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "peterbot",
		Name:      "jobs_requeued_total",
		Help:      "Stuck running jobs reconciled back to pending.",
	})

	ScheduleFirings = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "peterbot",
		Name:      "schedule_firings_total",
		Help:      "Jobs produced by due schedules.",
	})

	ScheduleParseFailures = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "peterbot",
		Name:      "schedule_parse_failures_total",
		Help:      "Schedules disabled because their cron expression is invalid.",
	})

	ScheduleRecoveries = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "peterbot",
		Name:      "schedule_recoveries_total",
		Help:      "Schedules pushed to the recovery floor after a partial firing.",
	})

	QuickReplies = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "peterbot",
		Name:      "quick_replies_total",
		Help:      "Messages answered synchronously without a job.",
	})
)
