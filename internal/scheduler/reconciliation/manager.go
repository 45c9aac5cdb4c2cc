package reconciliation

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/common/util"
	"github.com/scaleproject/scale/internal/scheduler/metrics"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// Driver asks the resource manager to report the current status of tasks.
type Driver interface {
	Reconcile(ctx *scalecontext.Context, taskIDs []string) error
}

// Submitter accepts synthetic task updates.
type Submitter interface {
	Submit(update *models.TaskUpdate)
}

type Config struct {
	Period         time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// A task not answered for after this many requests is declared LOST.
	MaxAttempts int
	// Maximum number of task ids per reconcile request.
	BatchSize int
	// Maximum reconcile requests per second.
	RequestsPerSecond float64
}

type entry struct {
	attempts int
	nextAt   time.Time
}

// Manager holds the set of tasks whose status is uncertain and periodically asks the resource manager about them.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	driver  Driver
	config  Config
	limiter *rate.Limiter
	clock   clock.Clock
}

func NewManager(driver Driver, config Config, clock clock.Clock) *Manager {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	return &Manager{
		entries: map[string]*entry{},
		driver:  driver,
		config:  config,
		limiter: rate.NewLimiter(limit, 1),
		clock:   clock,
	}
}

// Add puts tasks in the set. Tasks already present keep their backoff.
func (m *Manager) Add(taskIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, id := range taskIDs {
		if _, ok := m.entries[id]; !ok {
			m.entries[id] = &entry{nextAt: now}
		}
	}
}

// Seed adds the current tasks of every running execution, e.g. after the framework (re-)registers.
func (m *Manager) Seed(taskIDs []string) {
	m.Add(taskIDs...)
}

func (m *Manager) Remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, taskID)
}

func (m *Manager) Contains(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[taskID]
	return ok
}

func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// TaskIDs returns the members of the set, sorted.
func (m *Manager) TaskIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Run reconciles due tasks every period until ctx is cancelled.
func (m *Manager) Run(ctx *scalecontext.Context, submitter Submitter) error {
	ticker := time.NewTicker(m.config.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.ReconcileDue(ctx, submitter)
		}
	}
}

// ReconcileDue requests the status of every task whose backoff has elapsed. Tasks that have used up their attempts
// are removed and reported LOST.
func (m *Manager) ReconcileDue(ctx *scalecontext.Context, submitter Submitter) {
	now := m.clock.Now()
	var due, lost []string
	m.mu.Lock()
	for id, e := range m.entries {
		if e.nextAt.After(now) {
			continue
		}
		if m.config.MaxAttempts > 0 && e.attempts >= m.config.MaxAttempts {
			lost = append(lost, id)
			delete(m.entries, id)
			continue
		}
		e.attempts++
		e.nextAt = now.Add(m.backoff(e.attempts))
		due = append(due, id)
	}
	size := len(m.entries)
	m.mu.Unlock()
	metrics.ReconciliationSetSize.Set(float64(size))
	slices.Sort(due)
	slices.Sort(lost)

	for _, id := range lost {
		ctx.Log.Warnf("No status received for task %s after %d reconciliation attempts; marking it lost", id, m.config.MaxAttempts)
		submitter.Submit(&models.TaskUpdate{
			TaskID:    id,
			Status:    models.TaskLost,
			Source:    models.SourceReconciliation,
			Timestamp: now,
			Reason:    "reconciliation failed",
		})
	}
	for _, batch := range util.Batch(due, m.config.BatchSize) {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		if err := m.driver.Reconcile(ctx, batch); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("Failed to request reconciliation of %d tasks", len(batch))
		}
	}
}

func (m *Manager) backoff(attempts int) time.Duration {
	d := m.config.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if m.config.MaxBackoff > 0 && d >= m.config.MaxBackoff {
			return m.config.MaxBackoff
		}
	}
	if m.config.MaxBackoff > 0 && d > m.config.MaxBackoff {
		return m.config.MaxBackoff
	}
	return d
}
