package metrics

const (
	// common prefix for all metric names
	MetricsPrefix = "scale_scheduler_"

	// Prometheus Labels
	typeLabel          = "type"
	outcomeLabel       = "outcome"
	reasonLabel        = "reason"
	statusLabel        = "status"
	errorCategoryLabel = "category"
	errorNameLabel     = "error"
	taskTypeLabel      = "task_type"

	// Outcomes
	Succeeded    = "succeeded"
	Failed       = "failed"
	DeadLettered = "dead_lettered"
	Applied      = "applied"
	Duplicate    = "duplicate"
	Stale        = "stale"
	Conflicting  = "conflicting"
	Unknown      = "unknown"
)
