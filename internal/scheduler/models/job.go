package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobBlocked   JobStatus = "BLOCKED"
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCanceled  JobStatus = "CANCELED"
)

// Terminal returns true for statuses from which a job only leaves through an explicit requeue.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// Job is the database representation of a unit of work.
type Job struct {
	ID              string
	JobTypeName     string
	JobTypeVersion  string
	JobTypeRevision int64
	Status          JobStatus
	// Number of executions launched so far. Equal to the number of execution rows for this job.
	NumExes  int
	MaxTries int
	// Number of retries caused by lost tasks.
	LostRetries int
	// Lower values are scheduled first.
	Priority int
	Input    *Data
	Output   *Data
	Error    *JobError
	// Recipe membership. Empty for standalone jobs.
	RecipeID     string
	RecipeNode   string
	RootRecipeID string
	BatchID      string
	IsSuperseded bool
	SupersededBy string
	Created      time.Time
	LastModified time.Time
}

// NextExeNum is the execution number the next launch of this job will use.
func (j *Job) NextExeNum() int {
	return j.NumExes + 1
}

// CanRetry reports whether another execution may be attempted after the current one.
func (j *Job) CanRetry() bool {
	return j.NumExes < j.MaxTries
}

func (j *Job) DeepCopy() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Input = j.Input.DeepCopy()
	c.Output = j.Output.DeepCopy()
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCanceled  ExecutionStatus = "CANCELED"
)

// JobExecution is the database representation of one attempt at running a job.
type JobExecution struct {
	JobID     string
	ExeNum    int
	ClusterID string
	AgentID   string
	Hostname  string
	Status    ExecutionStatus
	Started   time.Time
	Ended     *time.Time
	Error     *JobError
	ExitCode  *int
	StdoutRef string
	StderrRef string
	Output    *Data
}

// ClusterID is the stable identifier of an execution used as the stem of all of its task ids.
func ClusterID(jobID string, exeNum int) string {
	return fmt.Sprintf("scale_job_%s_%d", jobID, exeNum)
}

// JobUpdate is a conditional change to a job. It is applied only if the job's current status is one of From (any
// status if From is empty). Nil fields are left unchanged.
type JobUpdate struct {
	JobID    string
	From     []JobStatus
	Status   JobStatus
	Priority *int
	Input    *Data
	Output   *Data
	Error    *JobError
	// Removes the error of a job that is being requeued.
	ClearError           bool
	MaxTries             *int
	IncrementLostRetries bool
	Superseded           bool
	When                 time.Time
}

// Allowed reports whether the update may be applied to a job in status current.
func (u *JobUpdate) Allowed(current JobStatus) bool {
	if len(u.From) == 0 {
		return true
	}
	for _, s := range u.From {
		if s == current {
			return true
		}
	}
	return false
}

// Apply changes job in place. The caller checks Allowed first.
func (u *JobUpdate) Apply(job *Job) {
	if u.Status != "" {
		job.Status = u.Status
	}
	if u.Priority != nil {
		job.Priority = *u.Priority
	}
	if u.Input != nil {
		job.Input = u.Input.DeepCopy()
	}
	if u.Output != nil {
		job.Output = u.Output.DeepCopy()
	}
	if u.ClearError {
		job.Error = nil
	}
	if u.Error != nil {
		e := *u.Error
		job.Error = &e
	}
	if u.MaxTries != nil {
		job.MaxTries = *u.MaxTries
	}
	if u.IncrementLostRetries {
		job.LostRetries++
	}
	if u.Superseded {
		job.IsSuperseded = true
	}
	if !u.When.IsZero() {
		job.LastModified = u.When
	}
}
