package commands

import (
	"fmt"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// RestartScheduler fails executions that were running before a scheduler started and that the scheduler does not
// know about. Their tasks were launched by a previous scheduler process and no update for them will ever arrive.
func (h *Handlers) RestartScheduler(ctx *scalecontext.Context, p *messaging.RestartSchedulerPayload, outbox *messaging.Outbox) error {
	if p.SchedulerID != h.schedulerID {
		ctx.Log.Infof("Scheduler %s restarted at %s", p.SchedulerID, p.StartedAt)
	}
	exes, err := h.jobs.GetRunningExecutions(ctx)
	if err != nil {
		return err
	}
	var stale []*models.JobExecution
	var jobIDs []string
	for _, exe := range exes {
		if !exe.Started.Before(p.StartedAt) || h.executions.Has(exe.JobID, exe.ExeNum) {
			continue
		}
		stale = append(stale, exe)
		jobIDs = append(jobIDs, exe.JobID)
	}
	if len(stale) == 0 {
		return nil
	}
	jobs, err := h.jobs.GetJobs(ctx, jobIDs)
	if err != nil {
		return err
	}
	maxTries := make(map[string]int, len(jobs))
	for _, job := range jobs {
		maxTries[job.ID] = job.MaxTries
	}
	for _, exe := range stale {
		jobLogger(ctx, exe.JobID).Warnf("Failing execution %d started by a previous scheduler", exe.ExeNum)
		outbox.AddNew(messaging.JobFinished, &messaging.JobFinishedPayload{
			JobID:  exe.JobID,
			ExeNum: exe.ExeNum,
			Status: models.JobFailed,
			Error: models.SystemError(models.ErrorNameSchedulerRestart,
				fmt.Sprintf("The scheduler restarted while execution %d was running on %s", exe.ExeNum, exe.Hostname)),
			Ended: p.StartedAt,
			Retry: exe.ExeNum < maxTries[exe.JobID],
		})
	}
	return nil
}

// NodeLost records that an agent is no longer active.
func (h *Handlers) NodeLost(ctx *scalecontext.Context, p *messaging.NodeLostPayload, _ *messaging.Outbox) error {
	ctx.Log.WithField("agentId", p.AgentID).Warnf("Agent on %s was lost at %s: %s", p.Hostname, p.LostAt, p.Reason)
	return h.nodes.SetNodeActive(ctx, p.AgentID, false)
}
