package commands

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/database"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/queue"
	"github.com/scaleproject/scale/internal/scheduler/recipe"
)

// JobTypes resolves job type revisions. A zero revision selects the latest.
type JobTypes interface {
	GetJobType(ctx *scalecontext.Context, name, version string, revision int64) (*models.JobType, error)
}

// JobQueue is the queue of work ready to be scheduled.
type JobQueue interface {
	Enqueue(entries ...*queue.Entry) (int, error)
	Cancel(jobID string) bool
	Reprioritize(jobID string, priority int) (bool, error)
}

// Executions is the set of executions the scheduler is currently running.
type Executions interface {
	// Cancel kills every execution of the job and returns false if there is none.
	Cancel(ctx *scalecontext.Context, jobID string) bool
	Has(jobID string, exeNum int) bool
}

// Handlers implements the consumer side of every message type. Each handler is idempotent: a message delivered twice
// has the same effect as one delivered once.
type Handlers struct {
	jobs        database.JobRepository
	recipes     database.RecipeRepository
	nodes       database.NodeRepository
	jobTypes    JobTypes
	engine      *recipe.Engine
	queue       JobQueue
	executions  Executions
	sender      messaging.Sender
	schedulerID string
	clock       clock.PassiveClock
}

func NewHandlers(
	jobs database.JobRepository,
	recipes database.RecipeRepository,
	nodes database.NodeRepository,
	jobTypes JobTypes,
	engine *recipe.Engine,
	queue JobQueue,
	executions Executions,
	sender messaging.Sender,
	schedulerID string,
	clock clock.PassiveClock,
) *Handlers {
	return &Handlers{
		jobs:        jobs,
		recipes:     recipes,
		nodes:       nodes,
		jobTypes:    jobTypes,
		engine:      engine,
		queue:       queue,
		executions:  executions,
		sender:      sender,
		schedulerID: schedulerID,
		clock:       clock,
	}
}

// Registrar is the part of the consumer handlers are registered with.
type Registrar interface {
	Register(t messaging.Type, handler messaging.Handler)
}

// Register installs a handler for every message type.
func (h *Handlers) Register(r Registrar) {
	r.Register(messaging.QueueJob, handle(h.QueueJob))
	r.Register(messaging.CancelJob, handle(h.CancelJob))
	r.Register(messaging.RequeueJob, handle(h.RequeueJob))
	r.Register(messaging.UpdateJobStatus, handle(h.UpdateJobStatus))
	r.Register(messaging.ProcessJobInput, handle(h.ProcessJobInput))
	r.Register(messaging.ProcessJobOutput, handle(h.ProcessJobOutput))
	r.Register(messaging.JobFinished, handle(h.JobFinished))
	r.Register(messaging.CreateJobs, handle(h.CreateJobs))
	r.Register(messaging.CreateRecipe, handle(h.engine.CreateRecipe))
	r.Register(messaging.UpdateRecipe, handle(h.UpdateRecipe))
	r.Register(messaging.ReprocessRecipe, handle(h.engine.Reprocess))
	r.Register(messaging.EvaluateCondition, handle(h.engine.EvaluateCondition))
	r.Register(messaging.ConditionEvaluated, handle(h.ConditionEvaluated))
	r.Register(messaging.CreateConditions, handle(h.engine.CreateConditions))
	r.Register(messaging.CreateSubRecipes, handle(h.engine.CreateSubRecipes))
	r.Register(messaging.RestartScheduler, handle(h.RestartScheduler))
	r.Register(messaging.NodeLost, handle(h.NodeLost))
}

// handle adapts a typed handler to a messaging.Handler.
func handle[T any](f func(ctx *scalecontext.Context, p *T, outbox *messaging.Outbox) error) messaging.Handler {
	return func(ctx *scalecontext.Context, msg *messaging.Message, outbox *messaging.Outbox) error {
		payload := new(T)
		if err := msg.Decode(payload); err != nil {
			return err
		}
		return f(ctx, payload, outbox)
	}
}

func (h *Handlers) UpdateRecipe(ctx *scalecontext.Context, p *messaging.UpdateRecipePayload, outbox *messaging.Outbox) error {
	return h.engine.Update(ctx, p.RecipeID, outbox)
}

func (h *Handlers) ConditionEvaluated(ctx *scalecontext.Context, p *messaging.ConditionEvaluatedPayload, outbox *messaging.Outbox) error {
	return h.engine.Update(ctx, p.RecipeID, outbox)
}

// FailJobs fails jobs whose messages were dead-lettered. Queued jobs leave the queue, running executions are killed
// and the recipes holding the jobs are updated.
func (h *Handlers) FailJobs(ctx *scalecontext.Context, jobIDs []string, jobErr *models.JobError) error {
	now := h.clock.Now()
	updates := make([]*models.JobUpdate, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		updates = append(updates, &models.JobUpdate{
			JobID:  jobID,
			From:   activeStatuses,
			Status: models.JobFailed,
			Error:  jobErr,
			When:   now,
		})
	}
	changed, err := h.jobs.UpdateJobs(ctx, updates)
	if err != nil {
		return err
	}
	// Acts on every failed job rather than only those changed here, so that a repeated call finishes the work of one
	// that stopped part way.
	jobs, err := h.jobs.GetJobs(ctx, jobIDs)
	if err != nil {
		return err
	}
	var failed []string
	for _, job := range jobs {
		if job.Status != models.JobFailed {
			continue
		}
		failed = append(failed, job.ID)
		h.queue.Cancel(job.ID)
		h.executions.Cancel(ctx, job.ID)
	}
	outbox := messaging.NewOutbox()
	if err := h.notifyRecipes(ctx, failed, outbox); err != nil {
		return err
	}
	ctx.Log.WithField("jobIds", changed).Warnf("Failed %d jobs: %s", len(changed), jobErr)
	h.sender.Send(outbox.Messages()...)
	return nil
}

// RestoreQueue puts every queued job back on the in-memory queue. Called when the scheduler becomes leader.
func (h *Handlers) RestoreQueue(ctx *scalecontext.Context) error {
	jobs, err := h.jobs.GetJobsByStatus(ctx, models.JobQueued)
	if err != nil {
		return err
	}
	now := h.clock.Now()
	entries := make([]*queue.Entry, 0, len(jobs))
	for _, job := range jobs {
		jt, err := h.jobTypes.GetJobType(ctx, job.JobTypeName, job.JobTypeVersion, job.JobTypeRevision)
		if err != nil {
			return errors.WithMessagef(err, "restoring job %s", job.ID)
		}
		entries = append(entries, newEntry(job, jt, now))
	}
	added, err := h.queue.Enqueue(entries...)
	if err != nil {
		return err
	}
	ctx.Log.Infof("Restored %d queued jobs", added)
	return nil
}

// notifyRecipes adds an UpdateRecipe message for every live recipe holding one of the jobs.
func (h *Handlers) notifyRecipes(ctx *scalecontext.Context, jobIDs []string, outbox *messaging.Outbox) error {
	var recipeIDs []string
	for _, jobID := range jobIDs {
		ids, err := h.recipes.GetRecipeIDsForJob(ctx, jobID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if !slices.Contains(recipeIDs, id) {
				recipeIDs = append(recipeIDs, id)
			}
		}
	}
	for _, id := range recipeIDs {
		outbox.AddNew(messaging.UpdateRecipe, &messaging.UpdateRecipePayload{RecipeID: id})
	}
	return nil
}

func jobLogger(ctx *scalecontext.Context, jobID string) *logrus.Entry {
	return ctx.Log.WithField("jobId", jobID)
}

func isNotFound(err error) bool {
	var notFound *models.ErrNotFound
	return errors.As(err, &notFound)
}
