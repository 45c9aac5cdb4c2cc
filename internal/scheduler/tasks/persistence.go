package tasks

import (
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/metrics"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// UpdateWriter stores a batch of task updates in one transaction.
type UpdateWriter interface {
	InsertTaskUpdates(ctx *scalecontext.Context, updates []*models.TaskUpdate) error
}

type PersistenceConfig struct {
	// Maximum number of updates held in memory. When full the oldest update is dropped.
	MaxBacklog int
	// Maximum number of updates written per transaction.
	BatchSize int
	// How long the worker waits for more updates before writing a partial batch.
	FlushPeriod time.Duration
	// Number of attempts made to write a batch before it is dropped.
	MaxAttempts uint
	RetryDelay  time.Duration
}

// PersistenceWorker is the only writer of task updates to the database. Updates are buffered in a bounded backlog
// and written in batches.
type PersistenceWorker struct {
	mu      sync.Mutex
	backlog []*models.TaskUpdate
	notify  chan struct{}
	writer  UpdateWriter
	config  PersistenceConfig
}

func NewPersistenceWorker(writer UpdateWriter, config PersistenceConfig) *PersistenceWorker {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.MaxBacklog <= 0 {
		config.MaxBacklog = 100000
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	return &PersistenceWorker{
		notify: make(chan struct{}, 1),
		writer: writer,
		config: config,
	}
}

func (w *PersistenceWorker) Enqueue(update *models.TaskUpdate) {
	w.mu.Lock()
	if len(w.backlog) >= w.config.MaxBacklog {
		w.backlog = w.backlog[1:]
		metrics.TaskUpdatesDropped.Inc()
	}
	w.backlog = append(w.backlog, update)
	full := len(w.backlog) >= w.config.BatchSize
	w.mu.Unlock()
	if full {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// Backlog returns the number of updates waiting to be written.
func (w *PersistenceWorker) Backlog() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.backlog)
}

// Run writes batches until ctx is cancelled, then makes a final attempt to flush the backlog.
func (w *PersistenceWorker) Run(ctx *scalecontext.Context) error {
	flushPeriod := w.config.FlushPeriod
	if flushPeriod <= 0 {
		flushPeriod = time.Second
	}
	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Flush(scalecontext.WithLogField(scalecontext.Background(), "service", "task-persistence"))
			return nil
		case <-ticker.C:
		case <-w.notify:
		}
		w.Flush(ctx)
	}
}

// Flush writes everything currently in the backlog.
func (w *PersistenceWorker) Flush(ctx *scalecontext.Context) {
	for {
		batch := w.takeBatch()
		if len(batch) == 0 {
			return
		}
		if err := w.write(ctx, batch); err != nil {
			logging.WithStacktrace(ctx.Log, err).Errorf("Dropping %d task updates that could not be stored", len(batch))
			metrics.TaskUpdatesDropped.Add(float64(len(batch)))
		}
	}
}

func (w *PersistenceWorker) takeBatch() []*models.TaskUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.backlog)
	if n > w.config.BatchSize {
		n = w.config.BatchSize
	}
	batch := w.backlog[:n:n]
	w.backlog = w.backlog[n:]
	return batch
}

func (w *PersistenceWorker) write(ctx *scalecontext.Context, batch []*models.TaskUpdate) error {
	return retry.Do(
		func() error { return w.writer.InsertTaskUpdates(ctx, batch) },
		retry.Context(ctx),
		retry.Attempts(w.config.MaxAttempts),
		retry.Delay(w.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
	)
}

// IsRetryable reports whether a database error is transient.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) ||
			pgErr.Code == pgerrcode.AdminShutdown ||
			pgErr.Code == pgerrcode.CannotConnectNow
	}
	// Anything else, e.g. a dropped connection, is worth another attempt.
	return true
}
