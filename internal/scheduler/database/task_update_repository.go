package database

import (
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

var taskUpdateColumns = []string{
	"task_id", "agent_id", "status", "source", "exit_code", "message", "reason", "stdout_ref", "stderr_ref", "timestamp",
}

// PostgresTaskUpdateRepository is an implementation of TaskUpdateRepository that stores its state in postgres
type PostgresTaskUpdateRepository struct {
	db *pgxpool.Pool
}

func NewPostgresTaskUpdateRepository(db *pgxpool.Pool) *PostgresTaskUpdateRepository {
	return &PostgresTaskUpdateRepository{db: db}
}

func (r *PostgresTaskUpdateRepository) InsertTaskUpdates(ctx *scalecontext.Context, updates []*models.TaskUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	_, err := r.db.CopyFrom(ctx, pgx.Identifier{taskUpdateTable}, taskUpdateColumns, pgx.CopyFromSlice(len(updates), func(i int) ([]interface{}, error) {
		u := updates[i]
		return []interface{}{
			u.TaskID, u.AgentID, string(u.Status), string(u.Source), u.ExitCode, u.Message, u.Reason, u.StdoutRef,
			u.StderrRef, u.Timestamp,
		}, nil
	}))
	return errors.WithStack(err)
}

// PruneTaskUpdates deletes task updates older than before. Rows are deleted in batches of batchSize, each in its own
// transaction, so a failure midway leaves the earlier batches deleted.
func (r *PostgresTaskUpdateRepository) PruneTaskUpdates(ctx *scalecontext.Context, before time.Time, batchSize int) (int, error) {
	start := time.Now()
	total := 0
	for {
		batchStart := time.Now()
		var deleted int64
		err := r.db.BeginTxFunc(ctx, pgx.TxOptions{
			IsoLevel:   pgx.ReadCommitted,
			AccessMode: pgx.ReadWrite,
		}, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`DELETE FROM task_update WHERE ctid IN (SELECT ctid FROM task_update WHERE timestamp < $1 LIMIT $2)`,
				before, batchSize)
			if err != nil {
				return errors.Wrapf(err, "error deleting batch from postgres")
			}
			deleted = tag.RowsAffected()
			return nil
		})
		if err != nil {
			return total, err
		}
		if deleted == 0 {
			break
		}
		total += int(deleted)
		log.Infof("Deleted %d task updates in %s", deleted, time.Since(batchStart))
	}
	log.Infof("Deleted %d task updates older than %s in %s", total, before, time.Since(start))
	return total, nil
}
