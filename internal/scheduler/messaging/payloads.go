package messaging

import (
	"time"

	"github.com/scaleproject/scale/internal/scheduler/models"
)

// JobScoped is implemented by payloads that act on specific jobs. When such a message is dead-lettered its jobs are
// failed.
type JobScoped interface {
	AffectedJobIDs() []string
}

// QueueJobPayload moves a job into the queue.
type QueueJobPayload struct {
	JobID string `json:"job_id"`
	// Overrides the job's priority when set.
	Priority *int `json:"priority,omitempty"`
	// Resolved input of a recipe job. Stored on the job before it is queued.
	Input *models.Data `json:"input,omitempty"`
	// Set when execution ExeNum failed with a retryable error and the job should run again.
	Retry  bool `json:"retry,omitempty"`
	ExeNum int  `json:"exe_num,omitempty"`
	// Set by operator requeues of failed or canceled jobs.
	Requeue bool `json:"requeue,omitempty"`
}

func (p *QueueJobPayload) AffectedJobIDs() []string { return []string{p.JobID} }

type CancelJobPayload struct {
	JobIDs []string  `json:"job_ids"`
	When   time.Time `json:"when"`
}

type RequeueJobPayload struct {
	JobIDs   []string `json:"job_ids"`
	Priority *int     `json:"priority,omitempty"`
}

// UpdateJobStatusPayload blocks or unblocks recipe jobs. Only BLOCKED and PENDING are valid statuses.
type UpdateJobStatusPayload struct {
	JobIDs []string         `json:"job_ids"`
	Status models.JobStatus `json:"status"`
	When   time.Time        `json:"when"`
}

func (p *UpdateJobStatusPayload) AffectedJobIDs() []string { return p.JobIDs }

// ProcessJobInputPayload validates the input of a standalone job and queues it.
type ProcessJobInputPayload struct {
	JobID string `json:"job_id"`
}

func (p *ProcessJobInputPayload) AffectedJobIDs() []string { return []string{p.JobID} }

// ProcessJobOutputPayload stores the output of a successful execution and completes its job.
type ProcessJobOutputPayload struct {
	JobID     string       `json:"job_id"`
	ExeNum    int          `json:"exe_num"`
	Output    *models.Data `json:"output,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
	StdoutRef string       `json:"stdout_ref,omitempty"`
	StderrRef string       `json:"stderr_ref,omitempty"`
	Ended     time.Time    `json:"ended"`
}

func (p *ProcessJobOutputPayload) AffectedJobIDs() []string { return []string{p.JobID} }

// JobFinishedPayload reports the end of an execution.
type JobFinishedPayload struct {
	JobID  string           `json:"job_id"`
	ExeNum int              `json:"exe_num"`
	Status models.JobStatus `json:"status"`
	// Output of a completed job
	Output    *models.Data     `json:"output,omitempty"`
	Error     *models.JobError `json:"error,omitempty"`
	ExitCode  *int             `json:"exit_code,omitempty"`
	StdoutRef string           `json:"stdout_ref,omitempty"`
	StderrRef string           `json:"stderr_ref,omitempty"`
	Ended     time.Time        `json:"ended"`
	// The execution failed but the job will be retried.
	Retry bool `json:"retry,omitempty"`
	// The retry is caused by a lost task.
	LostRetry bool `json:"lost_retry,omitempty"`
}

func (p *JobFinishedPayload) AffectedJobIDs() []string { return []string{p.JobID} }

// CreateRecipePayload creates a recipe. RecipeID is assigned by the producer so that redelivery is harmless.
type CreateRecipePayload struct {
	RecipeID           string       `json:"recipe_id"`
	RecipeTypeName     string       `json:"recipe_type_name"`
	RecipeTypeRevision int64        `json:"recipe_type_revision,omitempty"`
	Input              *models.Data `json:"input,omitempty"`
	BatchID            string       `json:"batch_id,omitempty"`
	ParentRecipeID     string       `json:"parent_recipe_id,omitempty"`
	ParentNode         string       `json:"parent_node,omitempty"`
	RootRecipeID       string       `json:"root_recipe_id,omitempty"`
	// Set when the new recipe reprocesses an older one.
	SupersededRecipeID string              `json:"superseded_recipe_id,omitempty"`
	ForcedNodes        *models.ForcedNodes `json:"forced_nodes,omitempty"`
}

type UpdateRecipePayload struct {
	RecipeID string `json:"recipe_id"`
}

// ReprocessRecipePayload re-runs a recipe against a newer revision, or the same one with forced nodes.
type ReprocessRecipePayload struct {
	RecipeID string `json:"recipe_id"`
	// Zero means the latest revision of the recipe type.
	RecipeTypeRevision int64               `json:"recipe_type_revision,omitempty"`
	ForcedNodes        *models.ForcedNodes `json:"forced_nodes,omitempty"`
	NewRecipeID        string              `json:"new_recipe_id"`
}

type EvaluateConditionPayload struct {
	ConditionID string       `json:"condition_id"`
	RecipeID    string       `json:"recipe_id"`
	Input       *models.Data `json:"input,omitempty"`
}

type ConditionEvaluatedPayload struct {
	ConditionID string `json:"condition_id"`
	RecipeID    string `json:"recipe_id"`
}

// CreateConditionsPayload creates the condition records of recipe nodes.
type CreateConditionsPayload struct {
	RecipeID string   `json:"recipe_id"`
	Nodes    []string `json:"nodes"`
}

// CreateJobsPayload either creates the jobs of recipe nodes (RecipeID set) or a single standalone job.
type CreateJobsPayload struct {
	RecipeID string   `json:"recipe_id,omitempty"`
	Nodes    []string `json:"nodes,omitempty"`

	JobID          string       `json:"job_id,omitempty"`
	JobTypeName    string       `json:"job_type_name,omitempty"`
	JobTypeVersion string       `json:"job_type_version,omitempty"`
	Input          *models.Data `json:"input,omitempty"`
	BatchID        string       `json:"batch_id,omitempty"`
	Priority       *int         `json:"priority,omitempty"`
}

// SubRecipe describes one sub-recipe to create for a node of a parent recipe.
type SubRecipe struct {
	Node               string              `json:"node"`
	RecipeID           string              `json:"recipe_id"`
	RecipeTypeName     string              `json:"recipe_type_name"`
	RecipeTypeRevision int64               `json:"recipe_type_revision,omitempty"`
	Input              *models.Data        `json:"input,omitempty"`
	SupersededRecipeID string              `json:"superseded_recipe_id,omitempty"`
	ForcedNodes        *models.ForcedNodes `json:"forced_nodes,omitempty"`
}

type CreateSubRecipesPayload struct {
	RecipeID   string      `json:"recipe_id"`
	SubRecipes []SubRecipe `json:"sub_recipes"`
}

// RestartSchedulerPayload is sent by a scheduler when it becomes leader.
type RestartSchedulerPayload struct {
	SchedulerID string    `json:"scheduler_id"`
	StartedAt   time.Time `json:"started_at"`
}

type NodeLostPayload struct {
	AgentID  string    `json:"agent_id"`
	Hostname string    `json:"hostname"`
	LostAt   time.Time `json:"lost_at"`
	Reason   string    `json:"reason,omitempty"`
}

// NewPayload returns a pointer to an empty payload of the struct type carried by messages of type t, or nil if t is
// unknown.
func NewPayload(t Type) interface{} {
	switch t {
	case QueueJob:
		return &QueueJobPayload{}
	case CancelJob:
		return &CancelJobPayload{}
	case RequeueJob:
		return &RequeueJobPayload{}
	case UpdateJobStatus:
		return &UpdateJobStatusPayload{}
	case ProcessJobInput:
		return &ProcessJobInputPayload{}
	case ProcessJobOutput:
		return &ProcessJobOutputPayload{}
	case JobFinished:
		return &JobFinishedPayload{}
	case CreateRecipe:
		return &CreateRecipePayload{}
	case UpdateRecipe:
		return &UpdateRecipePayload{}
	case ReprocessRecipe:
		return &ReprocessRecipePayload{}
	case EvaluateCondition:
		return &EvaluateConditionPayload{}
	case ConditionEvaluated:
		return &ConditionEvaluatedPayload{}
	case CreateConditions:
		return &CreateConditionsPayload{}
	case CreateJobs:
		return &CreateJobsPayload{}
	case CreateSubRecipes:
		return &CreateSubRecipesPayload{}
	case RestartScheduler:
		return &RestartSchedulerPayload{}
	case NodeLost:
		return &NodeLostPayload{}
	}
	return nil
}

// AffectedJobs decodes msg and returns the jobs it acts on, if any.
func AffectedJobs(msg *Message) []string {
	payload := NewPayload(msg.Type)
	scoped, ok := payload.(JobScoped)
	if !ok {
		return nil
	}
	if err := msg.Decode(payload); err != nil {
		return nil
	}
	return scoped.AffectedJobIDs()
}
