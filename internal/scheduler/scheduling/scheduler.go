package scheduling

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
	"github.com/scaleproject/scale/internal/scheduler/database"
	"github.com/scaleproject/scale/internal/scheduler/driver"
	"github.com/scaleproject/scale/internal/scheduler/execution"
	"github.com/scaleproject/scale/internal/scheduler/leader"
	"github.com/scaleproject/scale/internal/scheduler/metrics"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/nodes"
	"github.com/scaleproject/scale/internal/scheduler/offers"
	"github.com/scaleproject/scale/internal/scheduler/queue"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

// JobTypes resolves the job type revision a queued execution runs.
type JobTypes interface {
	GetJobType(ctx *scalecontext.Context, name, version string, revision int64) (*models.JobType, error)
}

// Settings exposes the cached operator settings and workspace configuration.
type Settings interface {
	Settings() *models.SchedulerSettings
	Workspaces() map[string]*models.Workspace
}

// CleanupTasks hands out cleanup tasks bound to the agents they clean.
type CleanupTasks interface {
	GetTasksToLaunch(agents []*nodes.Agent) []*tasks.Task
	LaunchFailed(taskIDs ...string)
}

// SystemTasks hands out tasks that run on any schedulable agent, or on the agent they are pinned to.
type SystemTasks interface {
	GetTasksToLaunch() []*tasks.Task
	LaunchFailed(taskIDs ...string)
}

// TaskRegistry is the task table launched tasks are registered in.
type TaskRegistry interface {
	Register(tasks ...*tasks.Task)
	Unregister(taskIDs ...string)
}

// plan is the set of launches decided for one agent in a cycle.
type plan struct {
	agentID string
	tasks   []*tasks.Task
	// executions created this cycle
	newExes []*execution.RunningExecution
	// cluster ids of existing executions whose next task is launched
	readyClusterIDs []string
	cleanupTaskIDs  []string
	systemTaskIDs   []string
}

func (p *plan) empty() bool {
	return len(p.tasks) == 0
}

// exeClusterIDs returns the cluster ids of every execution with a task in the plan.
func (p *plan) exeClusterIDs() []string {
	ids := make([]string, 0, len(p.newExes)+len(p.readyClusterIDs))
	for _, exe := range p.newExes {
		ids = append(ids, exe.ClusterID)
	}
	return append(ids, p.readyClusterIDs...)
}

// Scheduler matches queued executions and ready tasks against outstanding offers and hands the resulting launches to
// the driver, one call per agent.
type Scheduler struct {
	driver     driver.Driver
	ledger     *offers.Ledger
	nodes      *nodes.Manager
	queue      *queue.Queue
	executions *execution.Manager
	cleanup    CleanupTasks
	system     SystemTasks
	registry   TaskRegistry
	jobs       database.JobRepository
	jobTypes   JobTypes
	settings   Settings
	leader     leader.LeaderController
	config     configuration.SchedulingConfig
	offerAge   time.Duration
	clock      clock.Clock
	// Set while the driver is registered with the resource manager.
	connected atomic.Bool
}

func NewScheduler(
	drv driver.Driver,
	ledger *offers.Ledger,
	nodeManager *nodes.Manager,
	q *queue.Queue,
	executions *execution.Manager,
	cleanup CleanupTasks,
	system SystemTasks,
	registry TaskRegistry,
	jobs database.JobRepository,
	jobTypes JobTypes,
	settings Settings,
	leaderController leader.LeaderController,
	config configuration.SchedulingConfig,
	offersConfig configuration.OffersConfig,
	clock clock.Clock,
) *Scheduler {
	return &Scheduler{
		driver:     drv,
		ledger:     ledger,
		nodes:      nodeManager,
		queue:      q,
		executions: executions,
		cleanup:    cleanup,
		system:     system,
		registry:   registry,
		jobs:       jobs,
		jobTypes:   jobTypes,
		settings:   settings,
		leader:     leaderController,
		config:     config,
		offerAge:   offersConfig.MaxAge,
		clock:      clock,
	}
}

// SetConnected records whether the driver is registered. No launches are attempted while it is not.
func (s *Scheduler) SetConnected(connected bool) {
	s.connected.Store(connected)
}

func (s *Scheduler) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithLogField(ctx, "service", "Scheduler")
	ticker := time.NewTicker(s.config.CyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			token := s.leader.GetToken()
			if !token.Leader() || !s.connected.Load() {
				continue
			}
			s.Cycle(ctx, token)
		}
	}
}

// Cycle runs one scheduling pass. Launches are only issued while token is still valid.
func (s *Scheduler) Cycle(ctx *scalecontext.Context, token leader.LeaderToken) {
	if !s.leader.ValidateToken(token) {
		return
	}
	start := s.clock.Now()
	defer func() {
		metrics.SchedulingCycleDuration.Observe(s.clock.Since(start).Seconds())
	}()

	plans := map[string]*plan{}
	planFor := func(agentID string) *plan {
		p, ok := plans[agentID]
		if !ok {
			p = &plan{agentID: agentID}
			plans[agentID] = p
		}
		return p
	}

	s.planReadyTasks(ctx, planFor)
	s.planCleanupTasks(planFor)
	s.planSystemTasks(planFor)
	settings := s.settings.Settings()
	if settings != nil && settings.IsPaused {
		ctx.Log.Debug("Scheduler is paused; not scheduling queued jobs")
	} else if err := s.planQueuedJobs(ctx, settings, planFor); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Scheduling queued jobs failed")
	}

	agentIDs := maps.Keys(plans)
	sort.Strings(agentIDs)
	for _, agentID := range agentIDs {
		p := plans[agentID]
		if p.empty() || !s.leader.ValidateToken(token) {
			s.rollback(ctx, p)
			continue
		}
		s.launch(ctx, p)
	}
	// Drops reservations left by stale queue entries.
	s.ledger.ReleaseAll()

	s.declineExpiredOffers(ctx)
	metrics.OutstandingOffers.Set(float64(s.ledger.NumOutstanding()))
}

// planReadyTasks plans the next task of every execution waiting on its previous task. These tasks can only run on the
// execution's own agent.
func (s *Scheduler) planReadyTasks(ctx *scalecontext.Context, planFor func(string) *plan) {
	for _, task := range s.executions.GetReadyTasks() {
		if agent, ok := s.nodes.Get(task.AgentID); !ok || !agent.Active {
			s.executions.FailLaunch(ctx, task.ClusterID, "agent is no longer active")
			continue
		}
		if _, err := s.ledger.Allocate(task.AgentID, task.Resources); err != nil {
			continue
		}
		p := planFor(task.AgentID)
		p.tasks = append(p.tasks, task)
		p.readyClusterIDs = append(p.readyClusterIDs, task.ClusterID)
	}
}

func (s *Scheduler) planCleanupTasks(planFor func(string) *plan) {
	var unplaced []string
	for _, task := range s.cleanup.GetTasksToLaunch(s.nodes.GetActiveAgents()) {
		if _, err := s.ledger.Allocate(task.AgentID, task.Resources); err != nil {
			unplaced = append(unplaced, task.TaskID)
			continue
		}
		p := planFor(task.AgentID)
		p.tasks = append(p.tasks, task)
		p.cleanupTaskIDs = append(p.cleanupTaskIDs, task.TaskID)
	}
	if len(unplaced) > 0 {
		s.cleanup.LaunchFailed(unplaced...)
	}
}

func (s *Scheduler) planSystemTasks(planFor func(string) *plan) {
	agents := s.nodes.GetSchedulableAgents()
	candidates := make([]string, len(agents))
	hostnames := make(map[string]string, len(agents))
	for i, agent := range agents {
		candidates[i] = agent.AgentID
		hostnames[agent.AgentID] = agent.Hostname
	}
	var unplaced []string
	for _, task := range s.system.GetTasksToLaunch() {
		allowed := candidates
		if task.AgentID != "" {
			// Pinned to an agent, which must still be schedulable.
			allowed = nil
			if _, ok := hostnames[task.AgentID]; ok {
				allowed = []string{task.AgentID}
			}
		}
		agentID, ok := s.ledger.BestAgent(task.Resources, allowed)
		if !ok {
			unplaced = append(unplaced, task.TaskID)
			continue
		}
		if _, err := s.ledger.Allocate(agentID, task.Resources); err != nil {
			unplaced = append(unplaced, task.TaskID)
			continue
		}
		task.AgentID = agentID
		task.Hostname = hostnames[agentID]
		p := planFor(agentID)
		p.tasks = append(p.tasks, task)
		p.systemTaskIDs = append(p.systemTaskIDs, task.TaskID)
	}
	if len(unplaced) > 0 {
		s.system.LaunchFailed(unplaced...)
	}
}

// candidateLimit is the number of queued executions considered in a cycle.
func (s *Scheduler) candidateLimit(numAgents int, settings *models.SchedulerSettings) int {
	limit := numAgents * s.config.CandidatesPerAgent
	if limit < s.config.MinCandidates {
		limit = s.config.MinCandidates
	}
	if s.config.MaxCandidates > 0 && limit > s.config.MaxCandidates {
		limit = s.config.MaxCandidates
	}
	if settings != nil && settings.MaxCandidates > 0 && limit > settings.MaxCandidates {
		limit = settings.MaxCandidates
	}
	return limit
}

// planQueuedJobs walks the queue in priority order and places each candidate on the best agent with enough free
// resources. Candidates that fit nowhere stay queued. The executions placed are recorded in the database before
// anything is launched.
func (s *Scheduler) planQueuedJobs(ctx *scalecontext.Context, settings *models.SchedulerSettings, planFor func(string) *plan) error {
	agents := s.nodes.GetSchedulableAgents()
	if len(agents) == 0 {
		return nil
	}
	entries, err := s.queue.PopCandidates(s.candidateLimit(len(agents), settings))
	if err != nil {
		return err
	}
	var workspaces map[string]*models.Workspace
	if len(entries) > 0 {
		workspaces = s.settings.Workspaces()
	}

	var placed []*execution.RunningExecution
	for _, entry := range entries {
		log := ctx.Log.WithFields(logrus.Fields{"jobId": entry.JobID, "exeNum": entry.ExeNum})
		if s.executions.Has(entry.JobID, entry.ExeNum) {
			continue
		}
		jobType, err := s.jobTypes.GetJobType(ctx, entry.JobTypeName, entry.JobTypeVersion, entry.JobTypeRevision)
		if err != nil {
			logging.WithStacktrace(log, err).Warnf("Cannot resolve job type %s", models.JobTypeRevisionKey(entry.JobTypeName, entry.JobTypeVersion, entry.JobTypeRevision))
			continue
		}
		if jobType.IsPaused {
			continue
		}
		affinity := entry.NodeAffinity
		if affinity == "" {
			affinity = jobType.NodeAffinity
		}
		candidates := make([]string, 0, len(agents))
		hostnames := make(map[string]string, len(agents))
		for _, agent := range agents {
			if affinity != "" && agent.Hostname != affinity {
				continue
			}
			candidates = append(candidates, agent.AgentID)
			hostnames[agent.AgentID] = agent.Hostname
		}
		agentID, ok := s.ledger.BestAgent(jobType.Resources, candidates)
		if !ok {
			continue
		}
		if _, err := s.ledger.Allocate(agentID, jobType.Resources); err != nil {
			log.WithError(err).Debugf("Allocation on agent %s failed", agentID)
			continue
		}
		placed = append(placed, s.executions.CreateExecution(entry, jobType, agentID, hostnames[agentID], workspaces))
	}
	if len(placed) == 0 {
		return nil
	}

	rows := make([]*models.JobExecution, len(placed))
	firstTasks := make([]*tasks.Task, len(placed))
	now := s.clock.Now()
	for i, exe := range placed {
		firstTasks[i] = exe.CurrentTask().DeepCopy()
		rows[i] = &models.JobExecution{
			JobID:     exe.JobID,
			ExeNum:    exe.ExeNum,
			ClusterID: exe.ClusterID,
			AgentID:   exe.AgentID,
			Hostname:  exe.Hostname,
			Status:    models.ExecutionRunning,
			Started:   now,
		}
	}
	// Tracked before the commit so that a cancel of a job that is now RUNNING always finds its execution.
	s.executions.Add(placed...)
	scheduled, err := s.jobs.ScheduleExecutions(ctx, rows)
	if err != nil {
		for _, exe := range placed {
			s.executions.Discard(exe.ClusterID)
		}
		return errors.WithMessage(err, "error scheduling executions")
	}
	isScheduled := make(map[string]bool, len(scheduled))
	for _, clusterID := range scheduled {
		isScheduled[clusterID] = true
	}
	for i, exe := range placed {
		if !isScheduled[exe.ClusterID] {
			// The job left the queued state, or moved on to a later execution, after it was queued here.
			ctx.Log.Infof("Dropping stale queue entry for execution %s", exe.ClusterID)
			s.executions.Discard(exe.ClusterID)
			s.queue.Remove(exe.JobID, exe.ExeNum)
			continue
		}
		p := planFor(exe.AgentID)
		p.newExes = append(p.newExes, exe)
		p.tasks = append(p.tasks, firstTasks[i])
	}
	return nil
}

// launch hands the agent's planned tasks to the driver on the offers reserved for them.
func (s *Scheduler) launch(ctx *scalecontext.Context, p *plan) {
	log := ctx.Log.WithField("agentId", p.agentID)
	offerIDs, err := s.ledger.Reserved(p.agentID)
	if err != nil {
		log.WithError(err).Info("Offers reserved on agent are gone; launches deferred")
		s.rollback(ctx, p)
		return
	}

	s.registry.Register(p.tasks...)
	s.dropCanceled(ctx, p, s.executions.BeginLaunch(p.exeClusterIDs()...))
	if p.empty() {
		s.rollback(ctx, p)
		return
	}
	if err := s.driver.Launch(ctx, p.agentID, offerIDs, p.tasks); err != nil {
		logging.WithStacktrace(log, err).Warnf("Launching %d tasks failed", len(p.tasks))
		s.registry.Unregister(taskIDs(p.tasks)...)
		s.executions.AbortLaunch(ctx, p.readyClusterIDs...)
		s.rollback(ctx, p)
		s.countLaunches(p.tasks, metrics.Failed)
		return
	}

	if _, err := s.ledger.Commit(p.agentID); err != nil {
		// The driver reports tasks launched on rescinded offers as lost.
		log.WithError(err).Warn("Offers were rescinded during launch")
	}
	for _, exe := range p.newExes {
		s.queue.Remove(exe.JobID, exe.ExeNum)
	}
	s.countLaunches(p.tasks, metrics.Succeeded)
	log.Infof("Launched %d tasks on %d offers", len(p.tasks), len(offerIDs))
}

// dropCanceled removes from the plan the execution tasks whose executions were finished or canceled after planning.
// started holds the cluster ids of the executions that go ahead.
func (s *Scheduler) dropCanceled(ctx *scalecontext.Context, p *plan, started []string) {
	if len(started) == len(p.newExes)+len(p.readyClusterIDs) {
		return
	}
	goesAhead := make(map[string]bool, len(started))
	for _, clusterID := range started {
		goesAhead[clusterID] = true
	}
	var dropped []string
	planned := p.tasks[:0]
	for _, task := range p.tasks {
		if tasks.IsJobTask(task.TaskID) && !goesAhead[task.ClusterID] {
			dropped = append(dropped, task.TaskID)
			continue
		}
		planned = append(planned, task)
	}
	p.tasks = planned
	s.registry.Unregister(dropped...)

	newExes := p.newExes[:0]
	for _, exe := range p.newExes {
		if goesAhead[exe.ClusterID] {
			newExes = append(newExes, exe)
			continue
		}
		ctx.Log.Infof("Not launching execution %s of canceled job %s", exe.ClusterID, exe.JobID)
		s.queue.Remove(exe.JobID, exe.ExeNum)
	}
	p.newExes = newExes
	readyClusterIDs := p.readyClusterIDs[:0]
	for _, clusterID := range p.readyClusterIDs {
		if goesAhead[clusterID] {
			readyClusterIDs = append(readyClusterIDs, clusterID)
		}
	}
	p.readyClusterIDs = readyClusterIDs
}

// rollback releases the agent's reservation and returns the plan's work to its owners. New executions still tracked
// are removed from the database so that their queue entries can be scheduled again.
func (s *Scheduler) rollback(ctx *scalecontext.Context, p *plan) {
	s.ledger.Release(p.agentID)
	if len(p.cleanupTaskIDs) > 0 {
		s.cleanup.LaunchFailed(p.cleanupTaskIDs...)
	}
	if len(p.systemTaskIDs) > 0 {
		s.system.LaunchFailed(p.systemTaskIDs...)
	}
	if len(p.newExes) == 0 {
		return
	}
	clusterIDs := make([]string, len(p.newExes))
	for i, exe := range p.newExes {
		clusterIDs[i] = exe.ClusterID
	}
	// Executions canceled in the meantime are finished by AbortLaunch and keep their database rows.
	live := s.executions.AbortLaunch(ctx, clusterIDs...)
	isLive := make(map[string]bool, len(live))
	for _, clusterID := range live {
		isLive[clusterID] = true
		s.executions.Discard(clusterID)
	}
	var rows []*models.JobExecution
	for _, exe := range p.newExes {
		if !isLive[exe.ClusterID] {
			s.queue.Remove(exe.JobID, exe.ExeNum)
			continue
		}
		rows = append(rows, &models.JobExecution{JobID: exe.JobID, ExeNum: exe.ExeNum, ClusterID: exe.ClusterID})
	}
	if len(rows) == 0 {
		return
	}
	if err := s.jobs.UnscheduleExecutions(ctx, rows); err != nil {
		logging.WithStacktrace(ctx.Log, err).Errorf("Failed to unschedule %d executions", len(rows))
	} else {
		ctx.Log.Infof("Unscheduled %d executions on agent %s", len(rows), p.agentID)
	}
}

func (s *Scheduler) declineExpiredOffers(ctx *scalecontext.Context) {
	if s.offerAge <= 0 {
		return
	}
	expired := s.ledger.Expire(s.clock.Now(), s.offerAge)
	if len(expired) == 0 {
		return
	}
	ids := make([]string, len(expired))
	for i, offer := range expired {
		ids[i] = offer.OfferID
	}
	if err := s.driver.Decline(ctx, ids); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("Failed to decline %d offers", len(ids))
	}
	metrics.OffersDeclined.Add(float64(len(ids)))
}

func (s *Scheduler) countLaunches(launched []*tasks.Task, outcome string) {
	for _, task := range launched {
		metrics.TasksLaunched.WithLabelValues(string(task.Type), outcome).Inc()
	}
}

func taskIDs(ts []*tasks.Task) []string {
	ids := make([]string, len(ts))
	for i, task := range ts {
		ids[i] = task.TaskID
	}
	return ids
}
