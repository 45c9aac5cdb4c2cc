package systemtask

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/common/util"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
	"github.com/scaleproject/scale/internal/scheduler/database"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/nodes"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

const (
	KindHousekeeping = "housekeeping"
	KindDiagnostic   = "diagnostic"

	generatePeriod = 10 * time.Second
	// Cycles a task pinned to an agent may go unlaunched before it is dropped.
	maxPinnedLaunchFailures = 100
)

// AgentLister lists the agents diagnostic probes are sent to.
type AgentLister interface {
	GetSchedulableAgents() []*nodes.Agent
}

// Settings exposes the cached operator settings.
type Settings interface {
	Settings() *models.SchedulerSettings
}

// TaskRegistry is the task table system tasks are registered in.
type TaskRegistry interface {
	Unregister(taskIDs ...string)
}

// Result is the outcome of the most recent system task of a kind.
type Result struct {
	TaskID   string
	AgentID  string
	Status   models.TaskStatus
	ExitCode *int
	Ended    time.Time
}

// Manager generates tasks that are not tied to any job: periodic database housekeeping and diagnostic probes
// requested by operators. It owns every task with the system prefix.
type Manager struct {
	config       configuration.SystemTasksConfig
	agents       AgentLister
	settings     Settings
	settingsRepo database.SchedulerRepository
	taskUpdates  database.TaskUpdateRepository
	registry     TaskRegistry
	clock        clock.Clock

	mu               sync.Mutex
	pending          []*tasks.Task
	inFlight         map[string]*tasks.Task
	lastHousekeeping time.Time
	results          map[string]*Result
	launchFailures   map[string]int
}

func NewManager(
	config configuration.SystemTasksConfig,
	agents AgentLister,
	settings Settings,
	settingsRepo database.SchedulerRepository,
	taskUpdates database.TaskUpdateRepository,
	registry TaskRegistry,
	clock clock.Clock,
) *Manager {
	return &Manager{
		config:         config,
		agents:         agents,
		settings:       settings,
		settingsRepo:   settingsRepo,
		taskUpdates:    taskUpdates,
		registry:       registry,
		clock:          clock,
		inFlight:       map[string]*tasks.Task{},
		results:        map[string]*Result{},
		launchFailures: map[string]int{},
		// The first housekeeping runs one interval after startup.
		lastHousekeeping: clock.Now(),
	}
}

func (m *Manager) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithLogField(ctx, "service", "SystemTasks")
	ticker := time.NewTicker(generatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Generate(ctx)
		}
	}
}

// Generate queues the system tasks that are due.
func (m *Manager) Generate(ctx *scalecontext.Context) {
	now := m.clock.Now()
	if m.config.HousekeepingInterval > 0 && now.Sub(m.lastHousekeeping) >= m.config.HousekeepingInterval {
		m.housekeeping(ctx, now)
	}
	if settings := m.settings.Settings(); settings != nil && settings.DiagnosticRequested {
		m.diagnostics(ctx)
	}
}

func (m *Manager) housekeeping(ctx *scalecontext.Context, now time.Time) {
	m.lastHousekeeping = now
	if m.config.TaskUpdateRetention > 0 {
		pruned, err := m.taskUpdates.PruneTaskUpdates(ctx, now.Add(-m.config.TaskUpdateRetention), m.config.PruneBatchSize)
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("Error pruning task updates")
		} else if pruned > 0 {
			ctx.Log.Infof("Pruned %d task updates", pruned)
		}
	}
	if m.outstanding(KindHousekeeping) {
		ctx.Log.Info("Previous housekeeping task has not finished; skipping")
		return
	}
	m.add(m.newTask(KindHousekeeping, nil))
}

func (m *Manager) diagnostics(ctx *scalecontext.Context) {
	if !m.outstanding(KindDiagnostic) {
		agents := m.agents.GetSchedulableAgents()
		for _, agent := range agents {
			m.add(m.newTask(KindDiagnostic, agent))
		}
		ctx.Log.Infof("Queued diagnostic tasks for %d agents", len(agents))
	}
	if err := m.settingsRepo.SetDiagnosticRequested(ctx, false); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Error clearing diagnostic request")
	}
}

// newTask builds a task of the given kind. Tasks without an agent may run on any schedulable agent.
func (m *Manager) newTask(kind string, agent *nodes.Agent) *tasks.Task {
	clusterID := tasks.SystemTaskPrefix + kind + "_" + util.NewULID()
	task := &tasks.Task{
		TaskID:    tasks.TaskID(clusterID, tasks.TypeSystem),
		ClusterID: clusterID,
		Type:      tasks.TypeSystem,
		Resources: m.config.Resources.DeepCopy(),
		Image:     m.config.Image,
		Command:   m.config.Command,
		Args:      []string{kind},
		Env:       map[string]string{"SCALE_SYSTEM_TASK": kind},
		Status:    models.TaskQueued,
	}
	if agent != nil {
		task.AgentID = agent.AgentID
		task.Hostname = agent.Hostname
	}
	return task
}

func kindOf(taskID string) string {
	rest := strings.TrimPrefix(taskID, tasks.SystemTaskPrefix)
	if i := strings.Index(rest, "_"); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (m *Manager) add(task *tasks.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, task)
}

// outstanding reports whether a task of the kind is pending or in flight.
func (m *Manager) outstanding(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.pending {
		if kindOf(task.TaskID) == kind {
			return true
		}
	}
	for taskID := range m.inFlight {
		if kindOf(taskID) == kind {
			return true
		}
	}
	return false
}

// GetTasksToLaunch hands out every pending task. Returned tasks count as in flight until their terminal update or
// LaunchFailed.
func (m *Manager) GetTasksToLaunch() []*tasks.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]*tasks.Task, 0, len(m.pending))
	for _, task := range m.pending {
		m.inFlight[task.TaskID] = task
		rv = append(rv, task.DeepCopy())
	}
	m.pending = nil
	return rv
}

// LaunchFailed returns tasks that could not be launched to the pending list. A task pinned to an agent that keeps
// failing to launch is dropped, as the agent may have gone.
func (m *Manager) LaunchFailed(taskIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, taskID := range taskIDs {
		task, ok := m.inFlight[taskID]
		if !ok {
			continue
		}
		delete(m.inFlight, taskID)
		m.launchFailures[taskID]++
		if task.AgentID != "" && m.launchFailures[taskID] >= maxPinnedLaunchFailures {
			delete(m.launchFailures, taskID)
			continue
		}
		m.pending = append(m.pending, task)
	}
}

// HandleTaskUpdate records the outcome of a finished system task.
func (m *Manager) HandleTaskUpdate(ctx *scalecontext.Context, task *tasks.Task, _ *models.TaskUpdate) error {
	if !task.Status.Terminal() {
		return nil
	}
	m.registry.Unregister(task.TaskID)
	log := ctx.Log.WithFields(logrus.Fields{"taskId": task.TaskID, "agentId": task.AgentID})

	m.mu.Lock()
	_, known := m.inFlight[task.TaskID]
	delete(m.inFlight, task.TaskID)
	delete(m.launchFailures, task.TaskID)
	kind := kindOf(task.TaskID)
	ended := m.clock.Now()
	if task.Ended != nil {
		ended = *task.Ended
	}
	m.results[kind] = &Result{
		TaskID:   task.TaskID,
		AgentID:  task.AgentID,
		Status:   task.Status,
		ExitCode: task.ExitCode,
		Ended:    ended,
	}
	m.mu.Unlock()

	if !known {
		log.Debug("Update for a system task from an earlier run")
	}
	if task.Succeeded() {
		log.Infof("System task %s finished", kind)
	} else {
		log.Warnf("System task %s ended with status %s", kind, task.Status)
	}
	return nil
}

// Results returns the outcome of the most recent task of each kind.
func (m *Manager) Results() map[string]Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make(map[string]Result, len(m.results))
	for kind, result := range m.results {
		rv[kind] = *result
	}
	return rv
}

// Outstanding returns the ids of pending and in-flight tasks, sorted.
func (m *Manager) Outstanding() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := maps.Keys(m.inFlight)
	for _, task := range m.pending {
		ids = append(ids, task.TaskID)
	}
	sort.Strings(ids)
	return ids
}
