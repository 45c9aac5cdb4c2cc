package scheduler

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/metrics"
	"github.com/scaleproject/scale/internal/scheduler/systemtask"
)

// Status is the snapshot of the scheduler written to the database for operators.
type Status struct {
	SchedulerID       string                       `json:"scheduler_id"`
	StartedAt         time.Time                    `json:"started_at"`
	Timestamp         time.Time                    `json:"timestamp"`
	Leader            bool                         `json:"leader"`
	Agents            []AgentStatus                `json:"agents"`
	QueueDepth        int                          `json:"queue_depth"`
	OutstandingOffers int                          `json:"outstanding_offers"`
	RunningExecutions int                          `json:"running_executions"`
	LiveTasks         int                          `json:"live_tasks"`
	Reconciling       []string                     `json:"reconciling"`
	PendingUpdates    int                          `json:"pending_task_updates"`
	PendingMessages   int                          `json:"pending_messages"`
	SystemTasks       map[string]systemtask.Result `json:"system_tasks"`
}

type AgentStatus struct {
	AgentID            string    `json:"agent_id"`
	Hostname           string    `json:"hostname"`
	Active             bool      `json:"active"`
	Paused             bool      `json:"paused"`
	Schedulable        bool      `json:"schedulable"`
	LastSeen           time.Time `json:"last_seen"`
	CleanupBacklog     int       `json:"cleanup_backlog"`
	InitialCleanupDone bool      `json:"initial_cleanup_done"`
	NeedsAttention     bool      `json:"needs_attention"`
	Running            int       `json:"running_executions"`
}

// RunStatus checks agent health and reports the scheduler's status every status period until ctx is cancelled.
func (a *App) RunStatus(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithLogField(ctx, "service", "Status")
	ticker := time.NewTicker(a.config.Scheduling.StatusPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !a.deps.Leader.GetToken().Leader() {
				continue
			}
			a.CheckAgents(ctx)
			if err := a.ReportStatus(ctx); err != nil {
				logging.WithStacktrace(ctx.Log, err).Warn("Error reporting scheduler status")
			}
		}
	}
}

// CheckAgents retires agents not heard from within the lost timeout.
func (a *App) CheckAgents(ctx *scalecontext.Context) {
	for _, agentID := range a.nodes.CheckHealth(a.deps.Clock.Now()) {
		a.agentLost(ctx, agentID, "no offers or updates received within the lost timeout")
	}
}

// Snapshot builds the current status of the scheduler.
func (a *App) Snapshot() *Status {
	running := map[string]int{}
	for _, exe := range a.executions.GetAll() {
		running[exe.AgentID]++
	}
	schedulable := map[string]bool{}
	for _, agent := range a.nodes.GetSchedulableAgents() {
		schedulable[agent.AgentID] = true
	}

	status := &Status{
		SchedulerID:       a.id,
		StartedAt:         a.startedAt,
		Timestamp:         a.deps.Clock.Now(),
		Leader:            a.deps.Leader.GetToken().Leader(),
		QueueDepth:        a.queue.Len(),
		OutstandingOffers: a.ledger.NumOutstanding(),
		RunningExecutions: a.executions.Len(),
		LiveTasks:         a.tasks.Len(),
		Reconciling:       a.reconciliation.TaskIDs(),
		PendingUpdates:    a.persistence.Backlog(),
		PendingMessages:   a.publisher.Pending(),
		SystemTasks:       a.system.Results(),
	}
	for _, agent := range a.nodes.GetAgents() {
		status.Agents = append(status.Agents, AgentStatus{
			AgentID:            agent.AgentID,
			Hostname:           agent.Hostname,
			Active:             agent.Active,
			Paused:             agent.Paused,
			Schedulable:        schedulable[agent.AgentID],
			LastSeen:           agent.LastSeen,
			CleanupBacklog:     agent.CleanupBacklog,
			InitialCleanupDone: agent.InitialCleanupDone,
			NeedsAttention:     agent.NeedsAttention,
			Running:            running[agent.AgentID],
		})
	}
	return status
}

// ReportStatus records the agents and the status snapshot in the database and updates the status gauges.
func (a *App) ReportStatus(ctx *scalecontext.Context) error {
	status := a.Snapshot()

	needsAttention := 0
	for _, agent := range status.Agents {
		if agent.NeedsAttention {
			needsAttention++
		}
	}
	metrics.RunningExecutions.Set(float64(status.RunningExecutions))
	metrics.ReconciliationSetSize.Set(float64(len(status.Reconciling)))
	metrics.SchedulableAgents.Set(float64(len(a.nodes.GetSchedulableAgents())))
	metrics.AgentsNeedingAttention.Set(float64(needsAttention))

	if err := a.deps.Nodes.UpsertNodes(ctx, a.nodes.Snapshot()); err != nil {
		return errors.WithMessage(err, "error recording nodes")
	}
	b, err := json.Marshal(status)
	if err != nil {
		return errors.WithStack(err)
	}
	return a.deps.Settings.StoreStatus(ctx, b, status.Timestamp)
}
