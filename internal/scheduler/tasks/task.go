package tasks

import (
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/resources"
)

type Type string

const (
	TypePull    Type = "pull"
	TypePre     Type = "pre"
	TypeMain    Type = "main"
	TypePost    Type = "post"
	TypeCleanup Type = "cleanup"
	TypeSystem  Type = "system"
)

// Task id prefixes. The prefix of a task id determines which component owns the task.
const (
	JobTaskPrefix     = "scale_job_"
	CleanupTaskPrefix = "scale_cleanup_"
	SystemTaskPrefix  = "scale_system_"
)

// TaskID returns the id of the task of the given type belonging to the execution with the given cluster id.
func TaskID(clusterID string, taskType Type) string {
	return clusterID + "_" + string(taskType)
}

// Task is a single container invocation on an agent.
type Task struct {
	TaskID    string
	ClusterID string
	Type      Type
	AgentID   string
	Hostname  string
	Resources resources.NodeResources
	Image     string
	Command   string
	Args      []string
	Env       map[string]string
	Status    models.TaskStatus
	Launched  *time.Time
	Started   *time.Time
	Ended     *time.Time
	ExitCode  *int
	StdoutRef string
	StderrRef string
	// Last message reported by the resource manager.
	Message string
	Output  *models.Data
	// Maximum running time. Zero means no limit.
	Timeout  time.Duration
	Deadline time.Time
	KillSent bool
	TimedOut bool
}

func (t *Task) DeepCopy() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Resources = t.Resources.DeepCopy()
	c.Args = slices.Clone(t.Args)
	c.Env = maps.Clone(t.Env)
	c.Output = t.Output.DeepCopy()
	if t.ExitCode != nil {
		c.ExitCode = models.IntPtr(*t.ExitCode)
	}
	return &c
}

// Succeeded reports whether the task finished with exit code zero.
func (t *Task) Succeeded() bool {
	return t.Status == models.TaskFinished && (t.ExitCode == nil || *t.ExitCode == 0)
}

// IsJobTask reports whether the task belongs to a job execution.
func IsJobTask(taskID string) bool {
	return strings.HasPrefix(taskID, JobTaskPrefix)
}

type applyOutcome string

const (
	outcomeApplied     applyOutcome = "applied"
	outcomeDuplicate   applyOutcome = "duplicate"
	outcomeStale       applyOutcome = "stale"
	outcomeConflicting applyOutcome = "conflicting"
)

// apply moves the task forward according to update. Statuses only ever move forward through
// QUEUED, LAUNCHED, RUNNING and a terminal status; the first terminal status wins, except that a LOST task may be
// re-driven by an update coming from reconciliation.
func (t *Task) apply(update *models.TaskUpdate) applyOutcome {
	if t.Status == update.Status {
		return outcomeDuplicate
	}
	if t.Status.Terminal() {
		if t.Status == models.TaskLost && update.Source == models.SourceReconciliation {
			t.setStatus(update)
			return outcomeApplied
		}
		return outcomeConflicting
	}
	if update.Status.Rank() < t.Status.Rank() {
		return outcomeStale
	}
	t.setStatus(update)
	return outcomeApplied
}

func (t *Task) setStatus(update *models.TaskUpdate) {
	ts := update.Timestamp
	t.Status = update.Status
	if update.Message != "" {
		t.Message = update.Message
	}
	switch {
	case update.Status == models.TaskLaunched:
		t.Launched = &ts
	case update.Status == models.TaskRunning:
		t.Started = &ts
		if t.Timeout > 0 {
			t.Deadline = ts.Add(t.Timeout)
		}
	case update.Status.Terminal():
		t.Ended = &ts
		t.Deadline = time.Time{}
		if update.ExitCode != nil {
			t.ExitCode = models.IntPtr(*update.ExitCode)
		}
		if update.StdoutRef != "" {
			t.StdoutRef = update.StdoutRef
		}
		if update.StderrRef != "" {
			t.StderrRef = update.StderrRef
		}
		if update.Output != nil {
			t.Output = update.Output.DeepCopy()
		}
	}
}
