package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/common/util"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/queue"
)

// Statuses from which a job can still be failed or canceled.
var activeStatuses = []models.JobStatus{models.JobPending, models.JobBlocked, models.JobQueued, models.JobRunning}

func newEntry(job *models.Job, jt *models.JobType, now time.Time) *queue.Entry {
	return &queue.Entry{
		JobID:           job.ID,
		ExeNum:          job.NextExeNum(),
		Priority:        job.Priority,
		QueuedAt:        now.UnixNano(),
		Resources:       jt.Resources.DeepCopy(),
		NodeAffinity:    jt.NodeAffinity,
		JobTypeName:     job.JobTypeName,
		JobTypeVersion:  job.JobTypeVersion,
		JobTypeRevision: job.JobTypeRevision,
		Input:           job.Input.DeepCopy(),
		MaxTries:        job.MaxTries,
		LostRetries:     job.LostRetries,
		RecipeID:        job.RecipeID,
	}
}

// validateInput returns a DATA error naming the required inputs missing from input.
func validateInput(jt *models.JobType, input *models.Data) *models.JobError {
	var missing []string
	for _, name := range jt.RequiredInputs {
		if !input.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return models.DataError(models.ErrorNameInvalidInput, fmt.Sprintf("Required inputs are missing: %s", strings.Join(missing, ", ")))
}

// QueueJob moves a job onto the queue. Pending jobs are validated and become QUEUED; jobs that are already QUEUED are
// (re-)added to the in-memory queue; retries enqueue the execution after the failed one; operator requeues revive
// failed and canceled jobs with a fresh allowance of tries.
func (h *Handlers) QueueJob(ctx *scalecontext.Context, p *messaging.QueueJobPayload, outbox *messaging.Outbox) error {
	log := jobLogger(ctx, p.JobID)
	job, err := h.jobs.GetJob(ctx, p.JobID)
	if isNotFound(err) {
		log.Warn("Not queueing job as it does not exist")
		return nil
	} else if err != nil {
		return err
	}
	if job.IsSuperseded {
		log.Infof("Not queueing job as it is superseded by recipe %s", job.SupersededBy)
		return nil
	}
	jt, err := h.jobTypes.GetJobType(ctx, job.JobTypeName, job.JobTypeVersion, job.JobTypeRevision)
	if err != nil {
		return err
	}
	now := h.clock.Now()

	var update *models.JobUpdate
	switch {
	case p.Retry:
		if job.Status != models.JobQueued || job.NumExes != p.ExeNum {
			log.Infof("Not retrying execution %d as the job is %s with %d executions", p.ExeNum, job.Status, job.NumExes)
			return nil
		}
	case p.Requeue:
		switch job.Status {
		case models.JobFailed, models.JobCanceled:
			maxTries := job.NumExes + jt.MaxTries
			update = &models.JobUpdate{
				JobID:      job.ID,
				From:       []models.JobStatus{models.JobFailed, models.JobCanceled},
				Status:     models.JobQueued,
				Priority:   p.Priority,
				MaxTries:   &maxTries,
				ClearError: true,
				When:       now,
			}
		case models.JobQueued:
			if p.Priority != nil && *p.Priority != job.Priority {
				update = &models.JobUpdate{JobID: job.ID, From: []models.JobStatus{models.JobQueued}, Priority: p.Priority, When: now}
				if _, err := h.queue.Reprioritize(job.ID, *p.Priority); err != nil {
					return err
				}
			}
		default:
			log.Infof("Not requeueing job in status %s", job.Status)
			return nil
		}
	default:
		switch job.Status {
		case models.JobPending:
			input := job.Input
			if p.Input != nil {
				input = p.Input
			}
			if jobErr := validateInput(jt, input); jobErr != nil {
				log.Warnf("Job input is invalid: %s", jobErr)
				outbox.AddNew(messaging.JobFinished, &messaging.JobFinishedPayload{
					JobID:  job.ID,
					Status: models.JobFailed,
					Error:  jobErr,
					Ended:  now,
				})
				return nil
			}
			update = &models.JobUpdate{
				JobID:    job.ID,
				From:     []models.JobStatus{models.JobPending},
				Status:   models.JobQueued,
				Input:    p.Input,
				Priority: p.Priority,
				When:     now,
			}
		case models.JobQueued:
		default:
			log.Infof("Not queueing job in status %s", job.Status)
			return nil
		}
	}

	if update != nil {
		changed, err := h.jobs.UpdateJobs(ctx, []*models.JobUpdate{update})
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			log.Info("Job changed status while being queued; leaving it alone")
			return nil
		}
		update.Apply(job)
	}
	if job.Status != models.JobQueued {
		return nil
	}
	added, err := h.queue.Enqueue(newEntry(job, jt, now))
	if err != nil {
		return err
	}
	if added > 0 {
		log.Infof("Queued execution %d", job.NextExeNum())
	}
	if p.Requeue {
		// Jobs below a revived recipe job are unblocked by the recipe.
		return h.notifyRecipes(ctx, []string{job.ID}, outbox)
	}
	return nil
}

// RequeueJob is the operator facing requeue. It fans out into one QueueJob per job.
func (h *Handlers) RequeueJob(_ *scalecontext.Context, p *messaging.RequeueJobPayload, outbox *messaging.Outbox) error {
	for _, jobID := range p.JobIDs {
		outbox.AddNew(messaging.QueueJob, &messaging.QueueJobPayload{JobID: jobID, Priority: p.Priority, Requeue: true})
	}
	return nil
}

// CancelJob cancels jobs that have not finished. Jobs with a running execution are canceled by killing the task in
// flight; they become CANCELED when the kill lands. Everything else is canceled immediately.
func (h *Handlers) CancelJob(ctx *scalecontext.Context, p *messaging.CancelJobPayload, outbox *messaging.Outbox) error {
	jobs, err := h.jobs.GetJobs(ctx, p.JobIDs)
	if err != nil {
		return err
	}
	when := p.When
	if when.IsZero() {
		when = h.clock.Now()
	}
	var updates []*models.JobUpdate
	var orphaned []*models.Job
	// Jobs canceled by an earlier delivery of this message still have their recipes notified.
	var settled []string
	for _, job := range jobs {
		if job.Status == models.JobCanceled {
			h.queue.Cancel(job.ID)
			settled = append(settled, job.ID)
			continue
		}
		if job.Status.Terminal() {
			continue
		}
		if job.Status == models.JobRunning {
			if h.executions.Cancel(ctx, job.ID) {
				jobLogger(ctx, job.ID).Info("Killing running execution of canceled job")
				continue
			}
			orphaned = append(orphaned, job)
		}
		h.queue.Cancel(job.ID)
		updates = append(updates, &models.JobUpdate{JobID: job.ID, From: activeStatuses, Status: models.JobCanceled, When: when})
	}
	if len(updates) == 0 {
		return h.notifyRecipes(ctx, settled, outbox)
	}
	changed, err := h.jobs.UpdateJobs(ctx, updates)
	if err != nil {
		return err
	}
	for _, job := range orphaned {
		// The scheduler does not know this execution, so no kill will ever land for it.
		err := h.jobs.FinishExecution(ctx, &models.JobExecution{
			JobID:  job.ID,
			ExeNum: job.NumExes,
			Status: models.ExecutionCanceled,
			Ended:  &when,
		})
		if err != nil {
			return err
		}
	}
	ctx.Log.WithField("jobIds", changed).Infof("Canceled %d jobs", len(changed))
	return h.notifyRecipes(ctx, append(settled, changed...), outbox)
}

// UpdateJobStatus blocks pending recipe jobs or unblocks blocked ones. Recipes holding unblocked jobs are updated so
// that the jobs get queued once their dependencies are done.
func (h *Handlers) UpdateJobStatus(ctx *scalecontext.Context, p *messaging.UpdateJobStatusPayload, outbox *messaging.Outbox) error {
	var from models.JobStatus
	switch p.Status {
	case models.JobBlocked:
		from = models.JobPending
	case models.JobPending:
		from = models.JobBlocked
	default:
		ctx.Log.Errorf("Ignoring request to move jobs %v to status %s", p.JobIDs, p.Status)
		return nil
	}
	when := p.When
	if when.IsZero() {
		when = h.clock.Now()
	}
	updates := make([]*models.JobUpdate, 0, len(p.JobIDs))
	for _, jobID := range p.JobIDs {
		updates = append(updates, &models.JobUpdate{JobID: jobID, From: []models.JobStatus{from}, Status: p.Status, When: when})
	}
	changed, err := h.jobs.UpdateJobs(ctx, updates)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		ctx.Log.WithField("jobIds", changed).Infof("Moved %d jobs from %s to %s", len(changed), from, p.Status)
	}
	if p.Status == models.JobPending {
		// All requested jobs, as an earlier delivery may have moved them and failed before sending anything.
		return h.notifyRecipes(ctx, p.JobIDs, outbox)
	}
	return nil
}

// ProcessJobInput validates the input of a standalone job and queues it.
func (h *Handlers) ProcessJobInput(ctx *scalecontext.Context, p *messaging.ProcessJobInputPayload, outbox *messaging.Outbox) error {
	job, err := h.jobs.GetJob(ctx, p.JobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobPending {
		return nil
	}
	jt, err := h.jobTypes.GetJobType(ctx, job.JobTypeName, job.JobTypeVersion, job.JobTypeRevision)
	if err != nil {
		return err
	}
	if jobErr := validateInput(jt, job.Input); jobErr != nil {
		jobLogger(ctx, job.ID).Warnf("Job input is invalid: %s", jobErr)
		outbox.AddNew(messaging.JobFinished, &messaging.JobFinishedPayload{
			JobID:  job.ID,
			Status: models.JobFailed,
			Error:  jobErr,
			Ended:  h.clock.Now(),
		})
		return nil
	}
	outbox.AddNew(messaging.QueueJob, &messaging.QueueJobPayload{JobID: job.ID})
	return nil
}

// ProcessJobOutput records the output of a successful execution, completes its job and announces it.
func (h *Handlers) ProcessJobOutput(ctx *scalecontext.Context, p *messaging.ProcessJobOutputPayload, outbox *messaging.Outbox) error {
	ended := p.Ended
	err := h.jobs.FinishExecution(ctx, &models.JobExecution{
		JobID:     p.JobID,
		ExeNum:    p.ExeNum,
		Status:    models.ExecutionCompleted,
		Ended:     &ended,
		ExitCode:  p.ExitCode,
		StdoutRef: p.StdoutRef,
		StderrRef: p.StderrRef,
		Output:    p.Output,
	})
	if err != nil {
		return err
	}
	output := p.Output
	if output == nil {
		output = models.NewData()
	}
	_, err = h.jobs.UpdateJobs(ctx, []*models.JobUpdate{{
		JobID:  p.JobID,
		From:   []models.JobStatus{models.JobRunning},
		Status: models.JobCompleted,
		Output: output,
		When:   p.Ended,
	}})
	if err != nil {
		return err
	}
	outbox.AddNew(messaging.JobFinished, &messaging.JobFinishedPayload{
		JobID:     p.JobID,
		ExeNum:    p.ExeNum,
		Status:    models.JobCompleted,
		Output:    output,
		ExitCode:  p.ExitCode,
		StdoutRef: p.StdoutRef,
		StderrRef: p.StderrRef,
		Ended:     p.Ended,
	})
	return nil
}

func executionStatus(status models.JobStatus) models.ExecutionStatus {
	switch status {
	case models.JobCompleted:
		return models.ExecutionCompleted
	case models.JobCanceled:
		return models.ExecutionCanceled
	default:
		return models.ExecutionFailed
	}
}

// JobFinished records the end of an execution and moves the job on: back to the queue for a retry, or to its final
// status. The recipes holding the job are then updated.
func (h *Handlers) JobFinished(ctx *scalecontext.Context, p *messaging.JobFinishedPayload, outbox *messaging.Outbox) error {
	log := jobLogger(ctx, p.JobID).WithField("exeNum", p.ExeNum)
	if p.ExeNum > 0 {
		ended := p.Ended
		err := h.jobs.FinishExecution(ctx, &models.JobExecution{
			JobID:     p.JobID,
			ExeNum:    p.ExeNum,
			Status:    executionStatus(p.Status),
			Ended:     &ended,
			Error:     p.Error,
			ExitCode:  p.ExitCode,
			StdoutRef: p.StdoutRef,
			StderrRef: p.StderrRef,
			Output:    p.Output,
		})
		if err != nil {
			return err
		}
	}

	var update *models.JobUpdate
	switch {
	case p.Retry:
		update = &models.JobUpdate{
			JobID:                p.JobID,
			From:                 []models.JobStatus{models.JobRunning},
			Status:               models.JobQueued,
			IncrementLostRetries: p.LostRetry,
			When:                 p.Ended,
		}
	case p.Status == models.JobCompleted:
		update = &models.JobUpdate{JobID: p.JobID, From: []models.JobStatus{models.JobRunning}, Status: models.JobCompleted, Output: p.Output, When: p.Ended}
	case p.Status == models.JobFailed || p.Status == models.JobCanceled:
		update = &models.JobUpdate{JobID: p.JobID, From: activeStatuses, Status: p.Status, Error: p.Error, When: p.Ended}
	default:
		return errors.WithStack(&models.ErrInvalidArgument{Name: "status", Value: p.Status, Message: "not a final job status"})
	}
	changed, err := h.jobs.UpdateJobs(ctx, []*models.JobUpdate{update})
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		log.Infof("Job is now %s", update.Status)
	}
	if p.Retry {
		// Sent even if the job was already moved so that a redelivered message still queues the retry.
		outbox.AddNew(messaging.QueueJob, &messaging.QueueJobPayload{JobID: p.JobID, Retry: true, ExeNum: p.ExeNum})
		return nil
	}
	recipeIDs, err := h.recipes.GetRecipeIDsForJob(ctx, p.JobID)
	if err != nil {
		return err
	}
	for _, recipeID := range recipeIDs {
		if err := h.engine.Update(ctx, recipeID, outbox); err != nil {
			return err
		}
	}
	return nil
}

// CreateJobs creates the jobs of recipe nodes, or a single standalone job.
func (h *Handlers) CreateJobs(ctx *scalecontext.Context, p *messaging.CreateJobsPayload, outbox *messaging.Outbox) error {
	if p.RecipeID == "" {
		return h.createStandaloneJob(ctx, p, outbox)
	}
	err := h.engine.Locked(p.RecipeID, func() error {
		inst, err := h.engine.Instance(ctx, p.RecipeID)
		if err != nil {
			return err
		}
		if inst.Recipe.IsSuperseded {
			return nil
		}
		now := h.clock.Now()
		var jobs []*models.Job
		for _, name := range p.Nodes {
			if _, exists := inst.Details(name); exists {
				continue
			}
			node := inst.Graph().Node(name)
			if node == nil || node.NodeType.NodeType != models.NodeTypeJob {
				return errors.WithStack(&models.ErrInvalidArgument{Name: "node", Value: name, Message: "not a job node of recipe " + p.RecipeID})
			}
			nt := node.NodeType
			jt, err := h.jobTypes.GetJobType(ctx, nt.JobTypeName, nt.JobTypeVersion, nt.JobTypeRevision)
			if err != nil {
				return err
			}
			job := newJob(util.NewULID(), jt, now)
			job.RecipeID = inst.Recipe.ID
			job.RecipeNode = name
			job.RootRecipeID = inst.Recipe.RootRecipeID
			job.BatchID = inst.Recipe.BatchID
			jobs = append(jobs, job)
		}
		if len(jobs) == 0 {
			return nil
		}
		ctx.Log.WithField("recipeId", p.RecipeID).Infof("Creating %d recipe jobs", len(jobs))
		return h.jobs.CreateJobs(ctx, jobs)
	})
	if err != nil {
		return err
	}
	outbox.AddNew(messaging.UpdateRecipe, &messaging.UpdateRecipePayload{RecipeID: p.RecipeID})
	return nil
}

func (h *Handlers) createStandaloneJob(ctx *scalecontext.Context, p *messaging.CreateJobsPayload, outbox *messaging.Outbox) error {
	if p.JobID == "" {
		return errors.WithStack(&models.ErrInvalidArgument{Name: "job_id", Value: "", Message: "must be set"})
	}
	jt, err := h.jobTypes.GetJobType(ctx, p.JobTypeName, p.JobTypeVersion, 0)
	if err != nil {
		return err
	}
	job := newJob(p.JobID, jt, h.clock.Now())
	job.BatchID = p.BatchID
	if p.Input != nil {
		job.Input = p.Input
	}
	if p.Priority != nil {
		job.Priority = *p.Priority
	}
	if err := h.jobs.CreateJobs(ctx, []*models.Job{job}); err != nil {
		return err
	}
	outbox.AddNew(messaging.ProcessJobInput, &messaging.ProcessJobInputPayload{JobID: p.JobID})
	return nil
}

func newJob(id string, jt *models.JobType, now time.Time) *models.Job {
	return &models.Job{
		ID:              id,
		JobTypeName:     jt.Name,
		JobTypeVersion:  jt.Version,
		JobTypeRevision: jt.RevisionNum,
		Status:          models.JobPending,
		MaxTries:        jt.MaxTries,
		Priority:        jt.Priority,
		Input:           models.NewData(),
		Created:         now,
		LastModified:    now,
	}
}
