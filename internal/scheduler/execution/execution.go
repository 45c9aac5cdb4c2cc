package execution

import (
	"time"

	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

// RunningExecution is the in-memory state of one attempt at running a job: the ordered list of tasks and the position
// of the task currently in flight.
type RunningExecution struct {
	ClusterID   string
	JobID       string
	ExeNum      int
	AgentID     string
	Hostname    string
	JobType     *models.JobType
	Priority    int
	Input       *models.Data
	MaxTries    int
	LostRetries int
	RecipeID    string
	Created     time.Time
	Tasks       []*tasks.Task
	// Index of the task in flight.
	current int
	// Whether the task in flight has been handed to the driver.
	launched        bool
	cancelRequested bool
	finished        bool
}

// CurrentTask returns the task in flight, or nil once the execution has finished.
func (e *RunningExecution) CurrentTask() *tasks.Task {
	if e.finished || e.current >= len(e.Tasks) {
		return nil
	}
	return e.Tasks[e.current]
}

// Phase is the type of the task in flight.
func (e *RunningExecution) Phase() tasks.Type {
	if task := e.CurrentTask(); task != nil {
		return task.Type
	}
	return ""
}

func (e *RunningExecution) IsLaunched() bool {
	return e.launched
}

func (e *RunningExecution) CancelRequested() bool {
	return e.cancelRequested
}

// TaskIDs returns the ids of every task of the execution.
func (e *RunningExecution) TaskIDs() []string {
	ids := make([]string, len(e.Tasks))
	for i, task := range e.Tasks {
		ids[i] = task.TaskID
	}
	return ids
}

func (e *RunningExecution) task(taskType tasks.Type) *tasks.Task {
	for _, task := range e.Tasks {
		if task.Type == taskType {
			return task
		}
	}
	return nil
}

// output merges the outputs reported by the main and post tasks.
func (e *RunningExecution) output() *models.Data {
	var rv *models.Data
	for _, taskType := range []tasks.Type{tasks.TypeMain, tasks.TypePost} {
		if task := e.task(taskType); task != nil && task.Output != nil {
			if rv == nil {
				rv = models.NewData()
			}
			rv.Merge(task.Output)
		}
	}
	return rv
}

func (e *RunningExecution) DeepCopy() *RunningExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Input = e.Input.DeepCopy()
	c.Tasks = make([]*tasks.Task, len(e.Tasks))
	for i, task := range e.Tasks {
		c.Tasks[i] = task.DeepCopy()
	}
	return &c
}
