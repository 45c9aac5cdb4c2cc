package nodes

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// Agent is the scheduler's view of a compute host offered by the resource manager.
type Agent struct {
	AgentID   string
	Hostname  string
	Active    bool
	Paused    bool
	FirstSeen time.Time
	LastSeen  time.Time
	// Number of finished executions whose cleanup has not yet completed.
	CleanupBacklog int
	// New agents are cleaned of leftovers from previous schedulers before they receive work.
	InitialCleanupDone bool
	// Set when cleanup on this agent keeps failing.
	NeedsAttention bool
}

func (a *Agent) DeepCopy() *Agent {
	c := *a
	return &c
}

// TaskLoser fails every live task on an agent.
type TaskLoser interface {
	LoseAgentTasks(agentID string)
}

// MessageSender sends messages without blocking the caller.
type MessageSender interface {
	Send(msgs ...*messaging.Message)
}

type Config struct {
	// An active agent not heard from for this long is treated as lost.
	LostTimeout time.Duration
	// Agents with at least this many outstanding cleanups receive no new work. Zero disables the limit.
	MaxCleanupBacklog int
	// If true agents receive no work until their initial cleanup has completed.
	RequireInitialCleanup bool
}

// Manager is the registry of agents.
type Manager struct {
	mu     sync.Mutex
	clock  clock.Clock
	config Config
	agents map[string]*Agent
	// hostnames paused by operators
	pausedHosts map[string]bool
	taskLoser   TaskLoser
	sender      MessageSender
}

func NewManager(config Config, taskLoser TaskLoser, sender MessageSender, clock clock.Clock) *Manager {
	return &Manager{
		clock:       clock,
		config:      config,
		agents:      map[string]*Agent{},
		pausedHosts: map[string]bool{},
		taskLoser:   taskLoser,
		sender:      sender,
	}
}

// Observe records that the agent is alive, registering it if it has not been seen before.
// Returns true if the agent is new or was previously inactive, i.e. it needs an initial cleanup.
func (m *Manager) Observe(agentID, hostname string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	agent, ok := m.agents[agentID]
	if !ok {
		m.agents[agentID] = &Agent{
			AgentID:            agentID,
			Hostname:           hostname,
			Active:             true,
			Paused:             m.pausedHosts[hostname],
			FirstSeen:          now,
			LastSeen:           now,
			InitialCleanupDone: !m.config.RequireInitialCleanup,
		}
		return true
	}
	agent.LastSeen = now
	if hostname != "" {
		agent.Hostname = hostname
	}
	if !agent.Active {
		agent.Active = true
		agent.InitialCleanupDone = !m.config.RequireInitialCleanup
		agent.CleanupBacklog = 0
		return true
	}
	return false
}

// Touch refreshes the last observation time of a known agent.
func (m *Manager) Touch(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent, ok := m.agents[agentID]; ok {
		agent.LastSeen = m.clock.Now()
	}
}

// GetSchedulableAgents returns the agents that may receive new work: active, unpaused and not held back by cleanup.
// Agents are ordered by agent id.
func (m *Manager) GetSchedulableAgents() []*Agent {
	return m.filter(func(a *Agent) bool {
		return a.Active && !a.Paused && a.InitialCleanupDone &&
			(m.config.MaxCleanupBacklog <= 0 || a.CleanupBacklog < m.config.MaxCleanupBacklog)
	})
}

// GetActiveAgents returns every active agent ordered by agent id.
func (m *Manager) GetActiveAgents() []*Agent {
	return m.filter(func(a *Agent) bool { return a.Active })
}

// GetAgents returns every known agent ordered by agent id.
func (m *Manager) GetAgents() []*Agent {
	return m.filter(func(a *Agent) bool { return true })
}

func (m *Manager) Get(agentID string) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	return agent.DeepCopy(), true
}

func (m *Manager) filter(include func(a *Agent) bool) []*Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rv []*Agent
	for _, agent := range m.agents {
		if include(agent) {
			rv = append(rv, agent.DeepCopy())
		}
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].AgentID < rv[j].AgentID })
	return rv
}

// SetPausedHosts replaces the set of hostnames paused by operators.
func (m *Manager) SetPausedHosts(hosts map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pausedHosts = maps.Clone(hosts)
	for _, agent := range m.agents {
		agent.Paused = m.pausedHosts[agent.Hostname]
	}
}

// AgentLost marks the agent inactive, fails every task running on it and announces the loss.
func (m *Manager) AgentLost(ctx *scalecontext.Context, agentID string, reason string) {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok || !agent.Active {
		m.mu.Unlock()
		return
	}
	agent.Active = false
	hostname := agent.Hostname
	m.mu.Unlock()

	ctx.Log.WithField("agentId", agentID).Warnf("Agent %s (%s) lost: %s", agentID, hostname, reason)
	m.taskLoser.LoseAgentTasks(agentID)
	m.sender.Send(messaging.MustNew(messaging.NodeLost, &messaging.NodeLostPayload{
		AgentID:  agentID,
		Hostname: hostname,
		LostAt:   m.clock.Now(),
		Reason:   reason,
	}))
}

// CheckHealth returns the ids of active agents that have not been observed within the lost timeout.
func (m *Manager) CheckHealth(now time.Time) []string {
	if m.config.LostTimeout <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for _, agent := range m.agents {
		if agent.Active && now.Sub(agent.LastSeen) > m.config.LostTimeout {
			stale = append(stale, agent.AgentID)
		}
	}
	sort.Strings(stale)
	return stale
}

func (m *Manager) IncrementCleanupBacklog(agentID string) {
	m.update(agentID, func(a *Agent) { a.CleanupBacklog++ })
}

func (m *Manager) DecrementCleanupBacklog(agentID string) {
	m.update(agentID, func(a *Agent) {
		if a.CleanupBacklog > 0 {
			a.CleanupBacklog--
		}
	})
}

func (m *Manager) MarkInitialCleanupDone(agentID string) {
	m.update(agentID, func(a *Agent) { a.InitialCleanupDone = true })
}

func (m *Manager) MarkNeedsAttention(agentID string) {
	m.update(agentID, func(a *Agent) { a.NeedsAttention = true })
}

func (m *Manager) update(agentID string, f func(a *Agent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent, ok := m.agents[agentID]; ok {
		f(agent)
	}
}

// Snapshot converts the registry into node records for persistence.
func (m *Manager) Snapshot() []*models.Node {
	agents := m.GetAgents()
	rv := make([]*models.Node, len(agents))
	for i, agent := range agents {
		rv[i] = &models.Node{
			AgentID:  agent.AgentID,
			Hostname: agent.Hostname,
			IsActive: agent.Active,
			IsPaused: agent.Paused,
			LastSeen: agent.LastSeen,
		}
	}
	return rv
}
