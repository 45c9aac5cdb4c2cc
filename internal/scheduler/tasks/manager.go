package tasks

import (
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/metrics"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// Owner is the component responsible for a family of tasks. It receives every applied update for its tasks.
type Owner interface {
	HandleTaskUpdate(ctx *scalecontext.Context, task *Task, update *models.TaskUpdate) error
}

// Killer asks the resource manager to kill a task.
type Killer interface {
	Kill(ctx *scalecontext.Context, agentID string, taskID string) error
}

// Reconciler tracks tasks whose status must be confirmed with the resource manager.
type Reconciler interface {
	Add(taskIDs ...string)
	Remove(taskID string)
}

// Persister durably records task updates.
type Persister interface {
	Enqueue(update *models.TaskUpdate)
}

type Config struct {
	// Capacity of the channel between driver callbacks and the update pipeline.
	UpdateBufferSize int
	// How often running tasks are checked against their deadlines.
	DeadlineCheckPeriod time.Duration
	// Minimum time between two kills of the same unknown task.
	ZombieKillInterval time.Duration
}

type ownerRoute struct {
	prefix string
	owner  Owner
}

// Manager holds the canonical table of live tasks and applies status updates to it one at a time.
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	owners  []ownerRoute
	updates chan *models.TaskUpdate
	// Unknown tasks recently killed.
	zombies    *cache.Cache
	killer     Killer
	reconciler Reconciler
	persister  Persister
	config     Config
	clock      clock.Clock
}

func NewManager(config Config, killer Killer, reconciler Reconciler, persister Persister, clock clock.Clock) *Manager {
	bufferSize := config.UpdateBufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	zombieInterval := config.ZombieKillInterval
	if zombieInterval <= 0 {
		zombieInterval = 30 * time.Second
	}
	return &Manager{
		tasks:      map[string]*Task{},
		updates:    make(chan *models.TaskUpdate, bufferSize),
		zombies:    cache.New(zombieInterval, time.Minute),
		killer:     killer,
		reconciler: reconciler,
		persister:  persister,
		config:     config,
		clock:      clock,
	}
}

// RegisterOwner routes updates for tasks whose id starts with prefix to owner.
func (m *Manager) RegisterOwner(prefix string, owner Owner) {
	m.owners = append(m.owners, ownerRoute{prefix: prefix, owner: owner})
}

// Register adds tasks to the table. Tasks without a status are QUEUED.
func (m *Manager) Register(tasks ...*Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range tasks {
		t := task.DeepCopy()
		if t.Status == "" {
			t.Status = models.TaskQueued
		}
		m.tasks[t.TaskID] = t
	}
}

// Unregister removes tasks from the table. Later updates for them are treated as updates for unknown tasks.
func (m *Manager) Unregister(taskIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range taskIDs {
		delete(m.tasks, id)
	}
}

func (m *Manager) Get(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.DeepCopy(), true
}

// TaskIDs returns the ids of every registered task, sorted.
func (m *Manager) TaskIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := maps.Keys(m.tasks)
	slices.Sort(ids)
	return ids
}

// Submit hands an update to the pipeline. It blocks only while the pipeline's buffer is full.
func (m *Manager) Submit(update *models.TaskUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = m.clock.Now()
	}
	m.updates <- update
}

// Run applies submitted updates and enforces deadlines until ctx is cancelled.
func (m *Manager) Run(ctx *scalecontext.Context) error {
	period := m.config.DeadlineCheckPeriod
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-m.updates:
			m.Apply(ctx, update)
		case <-ticker.C:
			m.CheckDeadlines(ctx, m.clock.Now())
		}
	}
}

// Drain applies every update already submitted and returns the number applied. Used on shutdown.
func (m *Manager) Drain(ctx *scalecontext.Context) int {
	n := 0
	for {
		select {
		case update := <-m.updates:
			m.Apply(ctx, update)
			n++
		default:
			return n
		}
	}
}

// Apply applies a single update and forwards it to the task's owner. Only the pipeline goroutine calls Apply, so
// updates to a task never interleave.
func (m *Manager) Apply(ctx *scalecontext.Context, update *models.TaskUpdate) {
	m.reconciler.Remove(update.TaskID)
	m.persister.Enqueue(update)
	log := ctx.Log.WithFields(logrus.Fields{"taskId": update.TaskID, "status": update.Status, "source": update.Source})

	m.mu.Lock()
	task, ok := m.tasks[update.TaskID]
	if !ok {
		m.mu.Unlock()
		metrics.TaskUpdates.WithLabelValues(metrics.Unknown).Inc()
		if !update.Status.Terminal() {
			m.killZombie(ctx, update)
		}
		return
	}
	outcome := task.apply(update)
	applied := task.DeepCopy()
	m.mu.Unlock()

	switch outcome {
	case outcomeDuplicate:
		metrics.TaskUpdates.WithLabelValues(metrics.Duplicate).Inc()
		return
	case outcomeStale:
		metrics.TaskUpdates.WithLabelValues(metrics.Stale).Inc()
		log.Debugf("Ignoring stale update; task is %s", applied.Status)
		return
	case outcomeConflicting:
		metrics.TaskUpdates.WithLabelValues(metrics.Conflicting).Inc()
		log.Warnf("Ignoring update conflicting with terminal status %s", applied.Status)
		return
	}
	metrics.TaskUpdates.WithLabelValues(metrics.Applied).Inc()

	owner := m.ownerFor(update.TaskID)
	if owner == nil {
		log.Errorf("No owner for task")
		return
	}
	if err := owner.HandleTaskUpdate(ctx, applied, update); err != nil {
		logging.WithStacktrace(log, err).Error("Failed to handle task update; the task will be reconciled")
		m.reconciler.Add(update.TaskID)
	}
}

func (m *Manager) ownerFor(taskID string) Owner {
	for _, route := range m.owners {
		if strings.HasPrefix(taskID, route.prefix) {
			return route.owner
		}
	}
	return nil
}

func (m *Manager) killZombie(ctx *scalecontext.Context, update *models.TaskUpdate) {
	if update.AgentID == "" {
		ctx.Log.Warnf("Received %s update for unknown task %s on an unknown agent", update.Status, update.TaskID)
		return
	}
	if err := m.zombies.Add(update.TaskID, struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}
	ctx.Log.Warnf("Killing unknown task %s on agent %s", update.TaskID, update.AgentID)
	metrics.TaskKills.WithLabelValues("zombie").Inc()
	if err := m.killer.Kill(ctx, update.AgentID, update.TaskID); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("Failed to kill unknown task %s", update.TaskID)
		m.zombies.Delete(update.TaskID)
	}
}

// Kill sends a kill for a launched, non-terminal task. At most one kill is sent per task; further calls are no-ops.
// Returns false if the task is unknown, finished or not yet launched.
func (m *Manager) Kill(ctx *scalecontext.Context, taskID string, reason string) (bool, error) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status.Terminal() || task.Status == models.TaskQueued {
		m.mu.Unlock()
		return false, nil
	}
	if task.KillSent {
		m.mu.Unlock()
		return true, nil
	}
	task.KillSent = true
	agentID := task.AgentID
	m.mu.Unlock()

	ctx.Log.Infof("Killing task %s on agent %s: %s", taskID, agentID, reason)
	metrics.TaskKills.WithLabelValues(reason).Inc()
	if err := m.killer.Kill(ctx, agentID, taskID); err != nil {
		m.mu.Lock()
		if task, ok := m.tasks[taskID]; ok {
			task.KillSent = false
		}
		m.mu.Unlock()
		return false, errors.WithMessagef(err, "error killing task %s", taskID)
	}
	return true, nil
}

// CheckDeadlines kills every running task past its deadline. Each timed out task is killed once and marked TimedOut
// so that its owner can report a timeout when the KILLED update arrives.
func (m *Manager) CheckDeadlines(ctx *scalecontext.Context, now time.Time) {
	m.mu.Lock()
	var expired []*Task
	for _, task := range m.tasks {
		if task.Status == models.TaskRunning && !task.Deadline.IsZero() && now.After(task.Deadline) && !task.KillSent {
			task.TimedOut = true
			task.KillSent = true
			expired = append(expired, task.DeepCopy())
		}
	}
	m.mu.Unlock()
	slices.SortFunc(expired, func(a, b *Task) bool { return a.TaskID < b.TaskID })

	for _, task := range expired {
		ctx.Log.Warnf("Task %s exceeded its deadline %s; killing it", task.TaskID, task.Deadline)
		metrics.TaskKills.WithLabelValues("timeout").Inc()
		if err := m.killer.Kill(ctx, task.AgentID, task.TaskID); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("Failed to kill timed out task %s; will try again", task.TaskID)
			m.mu.Lock()
			if t, ok := m.tasks[task.TaskID]; ok {
				t.KillSent = false
			}
			m.mu.Unlock()
		}
	}
}

// LoseAgentTasks submits a LOST update for every live task on the agent.
func (m *Manager) LoseAgentTasks(agentID string) {
	m.mu.Lock()
	var lost []string
	for id, task := range m.tasks {
		if task.AgentID == agentID && !task.Status.Terminal() {
			lost = append(lost, id)
		}
	}
	m.mu.Unlock()
	slices.Sort(lost)

	now := m.clock.Now()
	for _, id := range lost {
		m.Submit(&models.TaskUpdate{
			TaskID:    id,
			AgentID:   agentID,
			Status:    models.TaskLost,
			Source:    models.SourceNodeLost,
			Timestamp: now,
			Reason:    "agent lost",
		})
	}
}

// Len returns the number of registered tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
