package queue

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/scheduler/metrics"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/resources"
)

const (
	entriesTable = "entries"
	idIndex      = "id"    // unique (job id, exe num)
	jobIdIndex   = "jobId" // all entries of a job
	orderIndex   = "order" // scheduling order
)

// Entry is a job execution waiting to be scheduled.
// Entries stored in the queue must not be modified; use DeepCopy.
type Entry struct {
	// "<job id>/<exe num>"
	Key    string
	JobID  string
	ExeNum int
	// Lower values are scheduled first.
	Priority int
	// Unix nanoseconds. Breaks priority ties.
	QueuedAt        int64
	Resources       resources.NodeResources
	NodeAffinity    string
	JobTypeName     string
	JobTypeVersion  string
	JobTypeRevision int64
	Input           *models.Data
	MaxTries        int
	LostRetries     int
	RecipeID        string
}

func EntryKey(jobID string, exeNum int) string {
	return fmt.Sprintf("%s/%d", jobID, exeNum)
}

func (e *Entry) DeepCopy() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Resources = e.Resources.DeepCopy()
	c.Input = e.Input.DeepCopy()
	return &c
}

// Queue is the priority-ordered set of ready job executions. It is implemented on go-memdb, so reads see a
// consistent snapshot while the scheduling loop and message handlers write concurrently.
type Queue struct {
	db    *memdb.MemDB
	clock clock.PassiveClock
}

func New(clock clock.PassiveClock) (*Queue, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Queue{db: db, clock: clock}, nil
}

// Enqueue adds entries not already present. Returns the number added.
func (q *Queue) Enqueue(entries ...*Entry) (int, error) {
	txn := q.db.Txn(true)
	defer txn.Abort()
	added := 0
	for _, entry := range entries {
		e := entry.DeepCopy()
		e.Key = EntryKey(e.JobID, e.ExeNum)
		existing, err := txn.First(entriesTable, idIndex, e.Key)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		if existing != nil {
			continue
		}
		if e.QueuedAt == 0 {
			e.QueuedAt = q.clock.Now().UnixNano()
		}
		if err := txn.Insert(entriesTable, e); err != nil {
			return 0, errors.WithStack(err)
		}
		added++
	}
	txn.Commit()
	q.updateMetrics()
	return added, nil
}

// PopCandidates returns up to limit entries in scheduling order without removing them. Entries are removed with
// Remove once their launch has been committed.
func (q *Queue) PopCandidates(limit int) ([]*Entry, error) {
	txn := q.db.Txn(false)
	it, err := txn.LowerBound(entriesTable, orderIndex, math.MinInt, int64(math.MinInt64), "")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var rv []*Entry
	for obj := it.Next(); obj != nil && len(rv) < limit; obj = it.Next() {
		rv = append(rv, obj.(*Entry))
	}
	return rv, nil
}

// All returns every entry in scheduling order.
func (q *Queue) All() ([]*Entry, error) {
	return q.PopCandidates(math.MaxInt)
}

// Remove deletes the entry for an execution. Returns true if it was present.
func (q *Queue) Remove(jobID string, exeNum int) bool {
	txn := q.db.Txn(true)
	defer txn.Abort()
	n, err := txn.DeleteAll(entriesTable, idIndex, EntryKey(jobID, exeNum))
	if err != nil || n == 0 {
		return false
	}
	txn.Commit()
	q.updateMetrics()
	return true
}

// Cancel removes every entry for the job. Returns true if any was present.
func (q *Queue) Cancel(jobID string) bool {
	txn := q.db.Txn(true)
	defer txn.Abort()
	n, err := txn.DeleteAll(entriesTable, jobIdIndex, jobID)
	if err != nil || n == 0 {
		return false
	}
	txn.Commit()
	q.updateMetrics()
	return true
}

// Reprioritize changes the priority of every entry for the job. Returns true if any was present.
func (q *Queue) Reprioritize(jobID string, priority int) (bool, error) {
	txn := q.db.Txn(true)
	defer txn.Abort()
	existing, err := q.getByJob(txn, jobID)
	if err != nil {
		return false, err
	}
	for _, entry := range existing {
		updated := entry.DeepCopy()
		updated.Priority = priority
		// Insert replaces the object with the same id.
		if err := txn.Insert(entriesTable, updated); err != nil {
			return false, errors.WithStack(err)
		}
	}
	txn.Commit()
	return len(existing) > 0, nil
}

// Get returns the entries for a job.
func (q *Queue) Get(jobID string) []*Entry {
	rv, _ := q.getByJob(q.db.Txn(false), jobID)
	return rv
}

func (q *Queue) Contains(jobID string, exeNum int) bool {
	obj, err := q.db.Txn(false).First(entriesTable, idIndex, EntryKey(jobID, exeNum))
	return err == nil && obj != nil
}

func (q *Queue) getByJob(txn *memdb.Txn, jobID string) ([]*Entry, error) {
	it, err := txn.Get(entriesTable, jobIdIndex, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var rv []*Entry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rv = append(rv, obj.(*Entry))
	}
	return rv, nil
}

func (q *Queue) Len() int {
	it, err := q.db.Txn(false).Get(entriesTable, idIndex)
	if err != nil {
		return 0
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n
}

func (q *Queue) updateMetrics() {
	metrics.QueueDepth.Set(float64(q.Len()))
}

func schema() *memdb.DBSchema {
	indexes := map[string]*memdb.IndexSchema{
		idIndex: {
			Name:    idIndex,
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "Key"},
		},
		jobIdIndex: {
			Name:    jobIdIndex,
			Unique:  false,
			Indexer: &memdb.StringFieldIndex{Field: "JobID"},
		},
		orderIndex: {
			Name:   orderIndex,
			Unique: false,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.IntFieldIndex{Field: "Priority"},
					&memdb.IntFieldIndex{Field: "QueuedAt"},
					&memdb.StringFieldIndex{Field: "JobID"},
				},
			},
		},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			entriesTable: {
				Name:    entriesTable,
				Indexes: indexes,
			},
		},
	}
}
