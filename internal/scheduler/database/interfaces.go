package database

import (
	"time"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// JobRepository stores jobs and their executions.
type JobRepository interface {
	GetJob(ctx *scalecontext.Context, jobID string) (*models.Job, error)
	// GetJobs returns the jobs that exist among jobIDs, in no particular order.
	GetJobs(ctx *scalecontext.Context, jobIDs []string) ([]*models.Job, error)
	GetJobsByStatus(ctx *scalecontext.Context, statuses ...models.JobStatus) ([]*models.Job, error)
	// CreateJobs inserts jobs. Jobs belonging to a recipe node are linked to the node in the same transaction. Jobs
	// that already exist are left untouched.
	CreateJobs(ctx *scalecontext.Context, jobs []*models.Job) error
	// UpdateJobs applies each update whose From condition holds and returns the ids of the jobs changed.
	UpdateJobs(ctx *scalecontext.Context, updates []*models.JobUpdate) ([]string, error)
	// ScheduleExecutions inserts execution rows and moves their jobs from QUEUED to RUNNING, setting num_exes to the
	// execution number. Executions whose job is no longer queued, or is on a different execution, are skipped. Returns
	// the cluster ids of the executions scheduled.
	ScheduleExecutions(ctx *scalecontext.Context, exes []*models.JobExecution) ([]string, error)
	// UnscheduleExecutions reverts ScheduleExecutions for executions that could not be launched.
	UnscheduleExecutions(ctx *scalecontext.Context, exes []*models.JobExecution) error
	// FinishExecution records the end of a running execution. Finishing an execution twice is a no-op.
	FinishExecution(ctx *scalecontext.Context, exe *models.JobExecution) error
	GetExecution(ctx *scalecontext.Context, jobID string, exeNum int) (*models.JobExecution, error)
	GetRunningExecutions(ctx *scalecontext.Context) ([]*models.JobExecution, error)
}

// RecipeRepository stores recipes, their nodes and conditions.
type RecipeRepository interface {
	GetRecipe(ctx *scalecontext.Context, recipeID string) (*models.Recipe, error)
	// A zero revision selects the latest revision.
	GetRecipeTypeRevision(ctx *scalecontext.Context, name string, revision int64) (*models.RecipeTypeRevision, error)
	CreateRecipeTypeRevision(ctx *scalecontext.Context, revision *models.RecipeTypeRevision) (int64, error)
	GetRecipeNodes(ctx *scalecontext.Context, recipeID string) ([]*models.RecipeNodeDetails, error)
	CreateRecipe(ctx *scalecontext.Context, recipe *models.Recipe, carried []*models.RecipeNode, supersededJobIDs []string) error
	UpdateRecipeStatus(ctx *scalecontext.Context, recipeID string, status models.RecipeStatus, completed *time.Time) error
	GetRecipeIDsForSubRecipe(ctx *scalecontext.Context, subRecipeID string) ([]string, error)
	// GetRecipeIDsForJob returns the live recipes with a node backed by the job.
	GetRecipeIDsForJob(ctx *scalecontext.Context, jobID string) ([]string, error)
	GetCondition(ctx *scalecontext.Context, conditionID string) (*models.Condition, error)
	CreateConditions(ctx *scalecontext.Context, conditions []*models.Condition) error
	SetConditionResult(ctx *scalecontext.Context, conditionID string, accepted bool, data *models.Data) error
}

// DefinitionRepository stores job types and workspaces.
type DefinitionRepository interface {
	// A zero revision selects the latest revision.
	GetJobType(ctx *scalecontext.Context, name, version string, revision int64) (*models.JobType, error)
	// GetJobTypes returns every job type revision created or modified after since, oldest first.
	GetJobTypes(ctx *scalecontext.Context, since time.Time) ([]*models.JobType, error)
	// CreateJobType stores jobType as a new revision and returns its revision number.
	CreateJobType(ctx *scalecontext.Context, jobType *models.JobType) (int64, error)
	SetJobTypePaused(ctx *scalecontext.Context, name, version string, paused bool) error
	GetWorkspaces(ctx *scalecontext.Context) ([]*models.Workspace, error)
}

// NodeRepository stores the operator facing view of agents.
type NodeRepository interface {
	// UpsertNodes records agents. Pause flags are owned by operators and never overwritten.
	UpsertNodes(ctx *scalecontext.Context, nodes []*models.Node) error
	GetNodes(ctx *scalecontext.Context) ([]*models.Node, error)
	SetNodePaused(ctx *scalecontext.Context, hostname string, paused bool, reason string) error
	SetNodeActive(ctx *scalecontext.Context, agentID string, active bool) error
}

// TaskUpdateRepository is the audit log of task updates.
type TaskUpdateRepository interface {
	InsertTaskUpdates(ctx *scalecontext.Context, updates []*models.TaskUpdate) error
	// PruneTaskUpdates deletes updates older than before in batches and returns the number deleted.
	PruneTaskUpdates(ctx *scalecontext.Context, before time.Time, batchSize int) (int, error)
}

// SchedulerRepository stores operator settings and the scheduler's status snapshot.
type SchedulerRepository interface {
	GetSettings(ctx *scalecontext.Context) (*models.SchedulerSettings, error)
	SetPaused(ctx *scalecontext.Context, paused bool) error
	SetDiagnosticRequested(ctx *scalecontext.Context, requested bool) error
	StoreStatus(ctx *scalecontext.Context, status []byte, when time.Time) error
}
