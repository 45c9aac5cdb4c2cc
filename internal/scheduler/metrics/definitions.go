package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "queue_depth",
			Help: "Number of job executions waiting in the queue",
		},
	)

	OutstandingOffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "outstanding_offers",
			Help: "Number of resource offers held by the scheduler",
		},
	)

	RunningExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "running_executions",
			Help: "Number of job executions tracked in memory",
		},
	)

	ReconciliationSetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "reconciliation_set_size",
			Help: "Number of tasks whose status is being reconciled",
		},
	)

	SchedulableAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "schedulable_agents",
			Help: "Number of agents that may receive new work",
		},
	)

	AgentsNeedingAttention = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "agents_needing_attention",
			Help: "Number of agents whose cleanup keeps failing",
		},
	)

	TaskUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "task_updates",
			Help: "Number of task status updates received, by outcome",
		},
		[]string{outcomeLabel},
	)

	TaskUpdatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "task_updates_dropped",
			Help: "Number of task updates dropped because the persistence backlog was full",
		},
	)

	TasksLaunched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "tasks_launched",
			Help: "Number of tasks handed to the driver, by task type and outcome",
		},
		[]string{taskTypeLabel, outcomeLabel},
	)

	TaskKills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "task_kills",
			Help: "Number of kill requests sent, by reason",
		},
		[]string{reasonLabel},
	)

	OffersDeclined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "offers_declined",
			Help: "Number of expired offers declined",
		},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "jobs_finished",
			Help: "Number of job executions that finished, by status and error",
		},
		[]string{statusLabel, errorCategoryLabel, errorNameLabel},
	)

	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "messages_handled",
			Help: "Number of messages handled, by type and outcome",
		},
		[]string{typeLabel, outcomeLabel},
	)

	MessagePublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "message_publish_failures",
			Help: "Number of failed attempts to publish messages",
		},
	)

	MessageBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    MetricsPrefix + "message_batch_duration_seconds",
			Help:    "Time taken to handle a batch of messages",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	SchedulingCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    MetricsPrefix + "cycle_duration_seconds",
			Help:    "Time taken by a scheduling cycle",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)

// RecordJobFinished counts a finished execution. category and name are empty for successful executions.
func RecordJobFinished(status, category, name string) {
	JobsFinished.WithLabelValues(status, category, name).Inc()
}
