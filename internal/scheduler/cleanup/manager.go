package cleanup

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/nodes"
	"github.com/scaleproject/scale/internal/scheduler/resources"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

// AgentTracker receives the cleanup state of each agent. Implemented by nodes.Manager.
type AgentTracker interface {
	IncrementCleanupBacklog(agentID string)
	DecrementCleanupBacklog(agentID string)
	MarkInitialCleanupDone(agentID string)
	MarkNeedsAttention(agentID string)
}

// TaskRegistry is the task table cleanup tasks are registered in.
type TaskRegistry interface {
	Unregister(taskIDs ...string)
}

type Config struct {
	MaxConcurrentPerAgent int `validate:"gte=1"`
	// Attempts per cleanup before the agent is flagged as needing attention.
	MaxAttempts int `validate:"gte=1"`
	Image       string
	Command     string
	Resources   resources.NodeResources
}

// work is one unit of cleanup on an agent: either the containers of finished executions or, for an initial cleanup,
// everything the scheduler may have left behind.
type work struct {
	initial    bool
	clusterIDs []string
	attempts   int
	task       *tasks.Task
}

type agentState struct {
	pending  []*work
	inFlight map[string]*work
}

// Manager removes the leftovers of finished executions from agents.
type Manager struct {
	mu       sync.Mutex
	agents   map[string]*agentState
	seq      int
	tracker  AgentTracker
	registry TaskRegistry
	config   Config
}

func NewManager(config Config, tracker AgentTracker, registry TaskRegistry) *Manager {
	if config.MaxConcurrentPerAgent <= 0 {
		config.MaxConcurrentPerAgent = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Manager{
		agents:   map[string]*agentState{},
		tracker:  tracker,
		registry: registry,
		config:   config,
	}
}

func (m *Manager) agent(agentID string) *agentState {
	state, ok := m.agents[agentID]
	if !ok {
		state = &agentState{inFlight: map[string]*work{}}
		m.agents[agentID] = state
	}
	return state
}

// AddAgent queues the initial cleanup of a new or returning agent. It replaces any cleanup still pending for the agent,
// since the initial cleanup removes everything.
func (m *Manager) AddAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.agent(agentID)
	state.pending = []*work{{initial: true}}
}

// AddFinishedExecution queues the cleanup of a finished execution.
func (m *Manager) AddFinishedExecution(agentID, clusterID string) {
	m.mu.Lock()
	state := m.agent(agentID)
	state.pending = append(state.pending, &work{clusterIDs: []string{clusterID}})
	m.mu.Unlock()
	m.tracker.IncrementCleanupBacklog(agentID)
}

// GetTasksToLaunch returns the cleanup tasks to launch on the given agents, at most MaxConcurrentPerAgent in flight per
// agent. Returned tasks count as in flight until their terminal update or LaunchFailed.
func (m *Manager) GetTasksToLaunch(agents []*nodes.Agent) []*tasks.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rv []*tasks.Task
	for _, agent := range agents {
		state, ok := m.agents[agent.AgentID]
		if !ok {
			continue
		}
		for len(state.pending) > 0 && len(state.inFlight) < m.config.MaxConcurrentPerAgent {
			w := state.pending[0]
			state.pending = state.pending[1:]
			w.task = m.newTask(agent, w)
			state.inFlight[w.task.TaskID] = w
			rv = append(rv, w.task.DeepCopy())
		}
	}
	return rv
}

func (m *Manager) newTask(agent *nodes.Agent, w *work) *tasks.Task {
	m.seq++
	clusterID := fmt.Sprintf("%s%s_%d", tasks.CleanupTaskPrefix, agent.AgentID, m.seq)
	targets := "all"
	if !w.initial {
		targets = strings.Join(w.clusterIDs, ",")
	}
	return &tasks.Task{
		TaskID:    tasks.TaskID(clusterID, tasks.TypeCleanup),
		ClusterID: clusterID,
		Type:      tasks.TypeCleanup,
		AgentID:   agent.AgentID,
		Hostname:  agent.Hostname,
		Resources: m.config.Resources.DeepCopy(),
		Image:     m.config.Image,
		Command:   m.config.Command,
		Env: map[string]string{
			"SCALE_CLEANUP_TARGETS": targets,
			"SCALE_CLUSTER_PREFIX":  tasks.JobTaskPrefix,
		},
		Status: models.TaskQueued,
	}
}

// LaunchFailed returns cleanup tasks the driver did not accept to the front of their agent's queue.
func (m *Manager) LaunchFailed(taskIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, taskID := range taskIDs {
		for _, state := range m.agents {
			if w, ok := state.inFlight[taskID]; ok {
				delete(state.inFlight, taskID)
				w.task = nil
				state.pending = append([]*work{w}, state.pending...)
			}
		}
	}
}

// HandleTaskUpdate completes or retries the cleanup behind a task.
func (m *Manager) HandleTaskUpdate(ctx *scalecontext.Context, task *tasks.Task, _ *models.TaskUpdate) error {
	if !task.Status.Terminal() {
		return nil
	}
	log := ctx.Log.WithFields(logrus.Fields{"agentId": task.AgentID, "taskId": task.TaskID})
	m.registry.Unregister(task.TaskID)

	m.mu.Lock()
	state, ok := m.agents[task.AgentID]
	var w *work
	if ok {
		w = state.inFlight[task.TaskID]
	}
	if w == nil {
		m.mu.Unlock()
		return nil
	}
	delete(state.inFlight, task.TaskID)
	done, exhausted := task.Succeeded(), false
	if !done {
		w.attempts++
		w.task = nil
		if w.attempts < m.config.MaxAttempts {
			state.pending = append([]*work{w}, state.pending...)
		} else {
			exhausted = true
		}
	}
	m.mu.Unlock()

	if !done && !exhausted {
		log.Warnf("Cleanup task ended with status %s; retrying (attempt %d of %d)", task.Status, w.attempts, m.config.MaxAttempts)
		return nil
	}
	if exhausted {
		log.Errorf("Cleanup failed %d times; agent needs attention", w.attempts)
		m.tracker.MarkNeedsAttention(task.AgentID)
	}
	if w.initial {
		m.tracker.MarkInitialCleanupDone(task.AgentID)
	} else {
		for range w.clusterIDs {
			m.tracker.DecrementCleanupBacklog(task.AgentID)
		}
	}
	return nil
}

// Backlog returns the number of pending and in-flight cleanups per agent.
func (m *Manager) Backlog() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make(map[string]int, len(m.agents))
	for agentID, state := range m.agents {
		if n := len(state.pending) + len(state.inFlight); n > 0 {
			rv[agentID] = n
		}
	}
	return rv
}

// InFlightTaskIDs returns the ids of cleanup tasks handed out and not yet finished, sorted.
func (m *Manager) InFlightTaskIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rv []string
	for _, state := range m.agents {
		for taskID := range state.inFlight {
			rv = append(rv, taskID)
		}
	}
	sort.Strings(rv)
	return rv
}
