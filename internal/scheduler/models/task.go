package models

import "time"

type TaskStatus string

const (
	TaskQueued   TaskStatus = "QUEUED"
	TaskLaunched TaskStatus = "LAUNCHED"
	TaskRunning  TaskStatus = "RUNNING"
	TaskFinished TaskStatus = "FINISHED"
	TaskFailed   TaskStatus = "FAILED"
	TaskKilled   TaskStatus = "KILLED"
	TaskLost     TaskStatus = "LOST"
)

// Rank orders statuses so that applied updates only ever move forward. All terminal statuses share the highest rank.
func (s TaskStatus) Rank() int {
	switch s {
	case TaskQueued:
		return 0
	case TaskLaunched:
		return 1
	case TaskRunning:
		return 2
	case TaskFinished, TaskFailed, TaskKilled, TaskLost:
		return 3
	default:
		return -1
	}
}

func (s TaskStatus) Terminal() bool {
	return s.Rank() == 3
}

// UpdateSource records where a task update came from.
type UpdateSource string

const (
	SourceDriver         UpdateSource = "driver"
	SourceReconciliation UpdateSource = "reconciliation"
	SourceNodeLost       UpdateSource = "node-lost"
	SourceScheduler      UpdateSource = "scheduler"
)

// TaskUpdate is a status report for a single task.
type TaskUpdate struct {
	TaskID    string
	AgentID   string
	Status    TaskStatus
	Source    UpdateSource
	Timestamp time.Time
	ExitCode  *int
	Message   string
	Reason    string
	StdoutRef string
	StderrRef string
	// Set by the driver when a task has produced a results manifest.
	Output *Data
}

func IntPtr(i int) *int {
	return &i
}
