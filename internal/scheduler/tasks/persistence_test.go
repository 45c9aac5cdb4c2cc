package tasks

import (
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

type fakeWriter struct {
	batches  [][]*models.TaskUpdate
	failures []error
}

func (w *fakeWriter) InsertTaskUpdates(_ *scalecontext.Context, updates []*models.TaskUpdate) error {
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return err
	}
	w.batches = append(w.batches, updates)
	return nil
}

func updates(n int) []*models.TaskUpdate {
	rv := make([]*models.TaskUpdate, n)
	for i := range rv {
		rv[i] = &models.TaskUpdate{TaskID: string(rune('a' + i)), Status: models.TaskRunning}
	}
	return rv
}

func TestPersistenceWorker_Batches(t *testing.T) {
	writer := &fakeWriter{}
	w := NewPersistenceWorker(writer, PersistenceConfig{BatchSize: 2, MaxBacklog: 10})
	for _, u := range updates(5) {
		w.Enqueue(u)
	}
	w.Flush(scalecontext.Background())
	assert.Equal(t, 0, w.Backlog())
	assert.Len(t, writer.batches, 3)
	assert.Len(t, writer.batches[0], 2)
	assert.Len(t, writer.batches[2], 1)
	assert.Equal(t, "a", writer.batches[0][0].TaskID)
}

func TestPersistenceWorker_DropsOldestWhenFull(t *testing.T) {
	writer := &fakeWriter{}
	w := NewPersistenceWorker(writer, PersistenceConfig{BatchSize: 10, MaxBacklog: 3})
	for _, u := range updates(5) {
		w.Enqueue(u)
	}
	assert.Equal(t, 3, w.Backlog())
	w.Flush(scalecontext.Background())
	assert.Len(t, writer.batches, 1)
	assert.Equal(t, "c", writer.batches[0][0].TaskID)
}

func TestPersistenceWorker_RetriesTransientErrors(t *testing.T) {
	writer := &fakeWriter{failures: []error{&pgconn.PgError{Code: pgerrcode.SerializationFailure}}}
	w := NewPersistenceWorker(writer, PersistenceConfig{BatchSize: 10, MaxAttempts: 3, RetryDelay: time.Millisecond})
	for _, u := range updates(2) {
		w.Enqueue(u)
	}
	w.Flush(scalecontext.Background())
	assert.Len(t, writer.batches, 1)
}

func TestPersistenceWorker_DropsBatchOnPermanentError(t *testing.T) {
	writer := &fakeWriter{failures: []error{&pgconn.PgError{Code: pgerrcode.UniqueViolation}}}
	w := NewPersistenceWorker(writer, PersistenceConfig{BatchSize: 10, MaxAttempts: 3, RetryDelay: time.Millisecond})
	for _, u := range updates(2) {
		w.Enqueue(u)
	}
	w.Flush(scalecontext.Background())
	assert.Empty(t, writer.batches)
	assert.Equal(t, 0, w.Backlog())
}

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err      error
		expected bool
	}{
		"serialization failure": {
			err:      &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			expected: true,
		},
		"connection failure": {
			err:      errors.WithStack(&pgconn.PgError{Code: pgerrcode.ConnectionFailure}),
			expected: true,
		},
		"unique violation": {
			err:      &pgconn.PgError{Code: pgerrcode.UniqueViolation},
			expected: false,
		},
		"other error": {
			err:      errors.New("connection reset"),
			expected: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsRetryable(tc.err))
		})
	}
}
