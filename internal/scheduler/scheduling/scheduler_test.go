package scheduling

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/cleanup"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
	"github.com/scaleproject/scale/internal/scheduler/driver/fake"
	"github.com/scaleproject/scale/internal/scheduler/execution"
	"github.com/scaleproject/scale/internal/scheduler/leader"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/nodes"
	"github.com/scaleproject/scale/internal/scheduler/offers"
	"github.com/scaleproject/scale/internal/scheduler/queue"
	"github.com/scaleproject/scale/internal/scheduler/resources"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
	"github.com/scaleproject/scale/internal/scheduler/testfixtures"
)

var (
	schedulingConfig = configuration.SchedulingConfig{
		CyclePeriod:        100 * time.Millisecond,
		CandidatesPerAgent: 10,
		MinCandidates:      10,
		MaxCandidates:      100,
		StatusPeriod:       time.Second,
	}
	offersConfig = configuration.OffersConfig{MaxAge: 30 * time.Second}
)

type fakeRegistry struct {
	mu         sync.Mutex
	registered map[string]*tasks.Task
	kills      []string
}

func (r *fakeRegistry) Register(ts ...*tasks.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range ts {
		r.registered[task.TaskID] = task
	}
}

func (r *fakeRegistry) Unregister(taskIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range taskIDs {
		delete(r.registered, id)
	}
}

func (r *fakeRegistry) Kill(_ *scalecontext.Context, taskID string, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kills = append(r.kills, taskID)
	return true, nil
}

func (r *fakeRegistry) LoseAgentTasks(string) {}

func (r *fakeRegistry) has(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registered[taskID]
	return ok
}

type fakeSender struct{}

func (fakeSender) Send(...*messaging.Message) {}

type fakeSystemTasks struct {
	pending []*tasks.Task
	failed  []string
}

func (s *fakeSystemTasks) GetTasksToLaunch() []*tasks.Task {
	rv := s.pending
	s.pending = nil
	return rv
}

func (s *fakeSystemTasks) LaunchFailed(taskIDs ...string) {
	s.failed = append(s.failed, taskIDs...)
}

type fakeSettings struct {
	settings models.SchedulerSettings
}

func (s *fakeSettings) Settings() *models.SchedulerSettings {
	settings := s.settings
	return &settings
}

func (s *fakeSettings) Workspaces() map[string]*models.Workspace {
	return map[string]*models.Workspace{"raw": testfixtures.Workspace("raw")}
}

type fakeLeader struct {
	token leader.LeaderToken
}

func (l *fakeLeader) GetToken() leader.LeaderToken              { return l.token }
func (l *fakeLeader) ValidateToken(tok leader.LeaderToken) bool { return tok.Leader() && tok == l.token }
func (l *fakeLeader) RegisterListener(leader.LeaseListener)     {}
func (l *fakeLeader) GetLeaderReport() leader.LeaderReport      { return leader.LeaderReport{} }

func (l *fakeLeader) Run(ctx *scalecontext.Context) error {
	<-ctx.Done()
	return nil
}

type fixture struct {
	ctx        *scalecontext.Context
	clock      *clock.FakeClock
	store      *testfixtures.Store
	driver     *fake.Driver
	ledger     *offers.Ledger
	nodes      *nodes.Manager
	queue      *queue.Queue
	executions *execution.Manager
	cleanup    *cleanup.Manager
	system     *fakeSystemTasks
	registry   *fakeRegistry
	settings   *fakeSettings
	leader     *fakeLeader
	scheduler  *Scheduler
	jobType    *models.JobType
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		ctx:      scalecontext.Background(),
		clock:    testfixtures.NewClock(),
		store:    testfixtures.NewStore(),
		driver:   fake.New(),
		system:   &fakeSystemTasks{},
		registry: &fakeRegistry{registered: map[string]*tasks.Task{}},
		settings: &fakeSettings{},
		leader:   &fakeLeader{token: leader.NewLeaderToken()},
	}
	f.ledger = offers.NewLedger(f.clock)
	f.nodes = nodes.NewManager(nodes.Config{}, f.registry, fakeSender{}, f.clock)
	q, err := queue.New(f.clock)
	require.NoError(t, err)
	f.queue = q
	f.cleanup = cleanup.NewManager(cleanup.Config{
		MaxConcurrentPerAgent: 1,
		MaxAttempts:           2,
		Image:                 "scale-cleanup:1",
		Resources:             testfixtures.Resources(0.1, 32, 0),
	}, f.nodes, f.registry)
	f.executions = execution.NewManager(
		execution.Config{SupportImage: "scale-support:1", PreCommand: "scale_pre", PostCommand: "scale_post"},
		f.registry,
		f.cleanup,
		fakeSender{},
		f.clock,
	)
	f.scheduler = NewScheduler(
		f.driver, f.ledger, f.nodes, f.queue, f.executions, f.cleanup, f.system, f.registry,
		f.store, f.store, f.settings, f.leader, schedulingConfig, offersConfig, f.clock,
	)

	jt := testfixtures.JobType("landsat-parse", "1.0")
	revision, err := f.store.CreateJobType(f.ctx, jt)
	require.NoError(t, err)
	jt.RevisionNum = revision
	f.jobType = jt
	return f
}

func (f *fixture) addAgent(agentID, hostname string, offerID string, amounts resources.NodeResources) {
	f.nodes.Observe(agentID, hostname)
	f.addOffer(agentID, hostname, offerID, amounts)
}

func (f *fixture) addOffer(agentID, hostname string, offerID string, amounts resources.NodeResources) {
	f.ledger.AddOffers([]*offers.Offer{{
		OfferID:   offerID,
		AgentID:   agentID,
		Hostname:  hostname,
		Resources: amounts,
	}})
}

func (f *fixture) enqueue(t *testing.T, jt *models.JobType, status models.JobStatus) *models.Job {
	job := testfixtures.Job(jt, status)
	require.NoError(t, f.store.CreateJobs(f.ctx, []*models.Job{job}))
	_, err := f.queue.Enqueue(testfixtures.Entry(job, jt))
	require.NoError(t, err)
	return job
}

func (f *fixture) job(t *testing.T, jobID string) *models.Job {
	job, err := f.store.GetJob(f.ctx, jobID)
	require.NoError(t, err)
	return job
}

func TestCycle_LaunchesQueuedJob(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(4, 4096, 0))
	job := f.enqueue(t, f.jobType, models.JobQueued)

	f.scheduler.Cycle(f.ctx, f.leader.token)

	launches := f.driver.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, "agent-1", launches[0].AgentID)
	assert.Equal(t, []string{"offer-1"}, launches[0].OfferIDs)
	require.Len(t, launches[0].Tasks, 1)
	task := launches[0].Tasks[0]
	assert.Equal(t, tasks.TypePull, task.Type)
	assert.Equal(t, tasks.TaskID(models.ClusterID(job.ID, 1), tasks.TypePull), task.TaskID)
	assert.True(t, f.registry.has(task.TaskID))

	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 1, f.executions.Len())
	assert.Equal(t, 0, f.ledger.NumOutstanding())
	stored := f.job(t, job.ID)
	assert.Equal(t, models.JobRunning, stored.Status)
	assert.Equal(t, 1, stored.NumExes)
	assert.Empty(t, f.executions.GetReadyTasks(), "the launched task is no longer ready")
}

func TestCycle_InsufficientOffers(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(0.5, 4096, 0))
	job := f.enqueue(t, f.jobType, models.JobQueued)

	f.scheduler.Cycle(f.ctx, f.leader.token)
	assert.Empty(t, f.driver.Launches())
	assert.Empty(t, f.driver.Declined())
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 0, f.executions.Len())
	assert.Equal(t, models.JobQueued, f.job(t, job.ID).Status)

	f.clock.Step(offersConfig.MaxAge + time.Second)
	f.scheduler.Cycle(f.ctx, f.leader.token)
	f.scheduler.Cycle(f.ctx, f.leader.token)
	assert.Equal(t, []string{"offer-1"}, f.driver.Declined(), "an expired offer is declined exactly once")

	f.addOffer("agent-1", "host-1", "offer-2", testfixtures.Resources(4, 4096, 0))
	f.scheduler.Cycle(f.ctx, f.leader.token)
	require.Len(t, f.driver.Launches(), 1)
	assert.Equal(t, []string{"offer-2"}, f.driver.Launches()[0].OfferIDs)
	assert.Equal(t, 0, f.queue.Len())
}

func TestCycle_LaunchFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(4, 4096, 0))
	job := f.enqueue(t, f.jobType, models.JobQueued)
	f.driver.LaunchError = errors.New("resource manager unavailable")

	f.scheduler.Cycle(f.ctx, f.leader.token)

	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 0, f.executions.Len())
	assert.Empty(t, f.registry.registered)
	assert.Equal(t, 1, f.ledger.NumOutstanding(), "the offer is returned to the ledger")
	stored := f.job(t, job.ID)
	assert.Equal(t, models.JobQueued, stored.Status)
	assert.Equal(t, 0, stored.NumExes)

	f.driver.LaunchError = nil
	f.scheduler.Cycle(f.ctx, f.leader.token)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, models.JobRunning, f.job(t, job.ID).Status)
}

func TestCycle_NodeAffinity(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(8, 8192, 0))
	f.addAgent("agent-2", "host-2", "offer-2", testfixtures.Resources(2, 2048, 0))
	pinned := testfixtures.JobType("pinned", "1.0")
	pinned.NodeAffinity = "host-2"
	revision, err := f.store.CreateJobType(f.ctx, pinned)
	require.NoError(t, err)
	pinned.RevisionNum = revision
	f.enqueue(t, pinned, models.JobQueued)

	f.scheduler.Cycle(f.ctx, f.leader.token)

	launches := f.driver.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, "agent-2", launches[0].AgentID)
}

func TestCycle_PrefersAgentWithMostLeftover(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(2, 2048, 0))
	f.addAgent("agent-2", "host-2", "offer-2", testfixtures.Resources(8, 8192, 0))
	f.enqueue(t, f.jobType, models.JobQueued)

	f.scheduler.Cycle(f.ctx, f.leader.token)

	launches := f.driver.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, "agent-2", launches[0].AgentID)
	assert.Equal(t, 1, f.ledger.NumOutstanding())
}

func TestCycle_NothingScheduled(t *testing.T) {
	tests := map[string]struct {
		setup func(f *fixture) *models.Job
	}{
		"scheduler paused": {
			setup: func(f *fixture) *models.Job {
				f.settings.settings.IsPaused = true
				return f.enqueue(t, f.jobType, models.JobQueued)
			},
		},
		"job type paused": {
			setup: func(f *fixture) *models.Job {
				require.NoError(t, f.store.SetJobTypePaused(f.ctx, f.jobType.Name, f.jobType.Version, true))
				return f.enqueue(t, f.jobType, models.JobQueued)
			},
		},
		"agent paused": {
			setup: func(f *fixture) *models.Job {
				f.nodes.SetPausedHosts(map[string]bool{"host-1": true})
				return f.enqueue(t, f.jobType, models.JobQueued)
			},
		},
		"not leader": {
			setup: func(f *fixture) *models.Job {
				f.leader.token = leader.InvalidLeaderToken()
				return f.enqueue(t, f.jobType, models.JobQueued)
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(4, 4096, 0))
			token := f.leader.token
			job := tc.setup(f)

			f.scheduler.Cycle(f.ctx, token)

			assert.Empty(t, f.driver.Launches())
			assert.Equal(t, 1, f.queue.Len())
			assert.Equal(t, 0, f.executions.Len())
			assert.Equal(t, models.JobQueued, f.job(t, job.ID).Status)
			assert.Equal(t, 1, f.ledger.NumOutstanding())
		})
	}
}

func TestCycle_DropsStaleQueueEntries(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(4, 4096, 0))
	f.enqueue(t, f.jobType, models.JobCanceled)

	f.scheduler.Cycle(f.ctx, f.leader.token)

	assert.Empty(t, f.driver.Launches())
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, f.executions.Len())
	assert.Equal(t, 1, f.ledger.NumOutstanding())
}

func TestCycle_LaunchesNextTaskOnSameAgent(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(4, 4096, 0))
	f.addAgent("agent-2", "host-2", "offer-2", testfixtures.Resources(1, 1024, 0))
	f.enqueue(t, f.jobType, models.JobQueued)
	f.scheduler.Cycle(f.ctx, f.leader.token)
	require.Len(t, f.driver.LaunchedTasks(), 1)
	pull := f.driver.LaunchedTasks()[0]
	require.Equal(t, "agent-1", pull.AgentID)

	finished := pull.DeepCopy()
	finished.Status = models.TaskFinished
	finished.ExitCode = models.IntPtr(0)
	require.NoError(t, f.executions.HandleTaskUpdate(f.ctx, finished, &models.TaskUpdate{
		TaskID: pull.TaskID,
		Status: models.TaskFinished,
	}))
	f.driver.Reset()

	f.scheduler.Cycle(f.ctx, f.leader.token)
	assert.Empty(t, f.driver.Launches(), "no offers left on the execution's agent")

	f.addOffer("agent-1", "host-1", "offer-3", testfixtures.Resources(4, 4096, 0))
	f.scheduler.Cycle(f.ctx, f.leader.token)
	launches := f.driver.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, "agent-1", launches[0].AgentID)
	require.Len(t, launches[0].Tasks, 1)
	assert.Equal(t, tasks.TypePre, launches[0].Tasks[0].Type)
}

func TestCycle_CleanupTasks(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(4, 4096, 0))
	f.nodes.Observe("agent-2", "host-2")
	f.cleanup.AddAgent("agent-1")
	f.cleanup.AddAgent("agent-2")

	f.scheduler.Cycle(f.ctx, f.leader.token)

	launches := f.driver.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, "agent-1", launches[0].AgentID)
	require.Len(t, launches[0].Tasks, 1)
	assert.Equal(t, tasks.TypeCleanup, launches[0].Tasks[0].Type)
	assert.Equal(t, []string{launches[0].Tasks[0].TaskID}, f.cleanup.InFlightTaskIDs())
	assert.Equal(t, map[string]int{"agent-1": 1, "agent-2": 1}, f.cleanup.Backlog(), "agent-2 has no offers so its cleanup stays pending")
}

func TestCycle_SystemTasks(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(1, 1024, 0))
	f.addAgent("agent-2", "host-2", "offer-2", testfixtures.Resources(2, 2048, 0))
	f.system.pending = []*tasks.Task{
		{TaskID: tasks.SystemTaskPrefix + "housekeeping_1", Type: tasks.TypeSystem, Resources: testfixtures.Resources(1, 512, 0)},
		{TaskID: tasks.SystemTaskPrefix + "diagnostic_1", Type: tasks.TypeSystem, Resources: testfixtures.Resources(16, 512, 0)},
	}

	f.scheduler.Cycle(f.ctx, f.leader.token)

	launches := f.driver.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, "agent-2", launches[0].AgentID)
	require.Len(t, launches[0].Tasks, 1)
	assert.Equal(t, "host-2", launches[0].Tasks[0].Hostname)
	assert.Equal(t, []string{tasks.SystemTaskPrefix + "diagnostic_1"}, f.system.failed)
}

func TestCycle_JobsAndTasksShareOneLaunchPerAgent(t *testing.T) {
	f := newFixture(t)
	f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(2, 2048, 0))
	f.addOffer("agent-1", "host-1", "offer-2", testfixtures.Resources(2, 2048, 0))
	f.cleanup.AddAgent("agent-1")
	f.enqueue(t, f.jobType, models.JobQueued)
	f.enqueue(t, f.jobType, models.JobQueued)

	f.scheduler.Cycle(f.ctx, f.leader.token)

	launches := f.driver.Launches()
	require.Len(t, launches, 1)
	assert.Len(t, launches[0].Tasks, 3)
	assert.ElementsMatch(t, []string{"offer-1", "offer-2"}, launches[0].OfferIDs)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 2, f.executions.Len())
}

func TestCandidateLimit(t *testing.T) {
	tests := map[string]struct {
		agents     int
		maxSetting int
		expected   int
	}{
		"minimum applies":         {agents: 0, expected: 10},
		"scales with agents":      {agents: 5, expected: 50},
		"maximum applies":         {agents: 50, expected: 100},
		"operator maximum":        {agents: 5, maxSetting: 20, expected: 20},
		"operator maximum higher": {agents: 5, maxSetting: 500, expected: 50},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := &Scheduler{config: schedulingConfig}
			limit := s.candidateLimit(tc.agents, &models.SchedulerSettings{MaxCandidates: tc.maxSetting})
			assert.Equal(t, tc.expected, limit)
		})
	}
}

// interleavedJobs runs afterSchedule once executions have been committed as running.
type interleavedJobs struct {
	*testfixtures.Store
	afterSchedule func()
}

func (j *interleavedJobs) ScheduleExecutions(ctx *scalecontext.Context, exes []*models.JobExecution) ([]string, error) {
	scheduled, err := j.Store.ScheduleExecutions(ctx, exes)
	if err == nil && j.afterSchedule != nil {
		j.afterSchedule()
	}
	return scheduled, err
}

// interleavedDriver runs beforeLaunch while the launch is with the driver.
type interleavedDriver struct {
	*fake.Driver
	beforeLaunch func()
}

func (d *interleavedDriver) Launch(ctx *scalecontext.Context, agentID string, offerIDs []string, launched []*tasks.Task) error {
	if d.beforeLaunch != nil {
		d.beforeLaunch()
	}
	return d.Driver.Launch(ctx, agentID, offerIDs, launched)
}

func TestCycle_CancelBetweenCommitAndLaunch(t *testing.T) {
	tests := map[string]struct {
		cancelAfterCommit bool
		cancelInLaunch    bool
		launchError       error
		expectLaunched    bool
		expectKill        bool
	}{
		"canceled before launch is never launched": {
			cancelAfterCommit: true,
		},
		"canceled while launching is killed": {
			cancelInLaunch: true,
			expectLaunched: true,
			expectKill:     true,
		},
		"canceled while a failing launch is in flight is finished": {
			cancelInLaunch: true,
			launchError:    errors.New("resource manager unavailable"),
			expectKill:     true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.addAgent("agent-1", "host-1", "offer-1", testfixtures.Resources(4, 4096, 0))
			job := f.enqueue(t, f.jobType, models.JobQueued)
			f.driver.LaunchError = tc.launchError

			found := false
			cancel := func() { found = f.executions.Cancel(f.ctx, job.ID) }
			jobs := &interleavedJobs{Store: f.store}
			drv := &interleavedDriver{Driver: f.driver}
			if tc.cancelAfterCommit {
				jobs.afterSchedule = cancel
			}
			if tc.cancelInLaunch {
				drv.beforeLaunch = cancel
			}
			scheduler := NewScheduler(
				drv, f.ledger, f.nodes, f.queue, f.executions, f.cleanup, f.system, f.registry,
				jobs, f.store, f.settings, f.leader, schedulingConfig, offersConfig, f.clock,
			)

			scheduler.Cycle(f.ctx, f.leader.token)

			assert.True(t, found, "the cancel finds the execution")
			assert.Equal(t, 0, f.queue.Len())
			pull := tasks.TaskID(models.ClusterID(job.ID, 1), tasks.TypePull)
			if tc.expectLaunched {
				require.Len(t, f.driver.LaunchedTasks(), 1)
				assert.Equal(t, 1, f.executions.Len(), "the execution ends when the kill lands")
			} else {
				assert.Empty(t, f.driver.LaunchedTasks())
				assert.Equal(t, 0, f.executions.Len())
				assert.False(t, f.registry.has(pull))
			}
			if tc.expectKill {
				assert.Equal(t, []string{pull}, f.registry.kills)
			} else {
				assert.Empty(t, f.registry.kills)
			}
			// The job stays running until the cancel handler records the finished execution.
			assert.Equal(t, models.JobRunning, f.job(t, job.ID).Status)
		})
	}
}
