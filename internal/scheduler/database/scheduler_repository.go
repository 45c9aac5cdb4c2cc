package database

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// The scheduler table has exactly one row.
const schedulerRowID = 1

// PostgresSchedulerRepository is an implementation of SchedulerRepository that stores its state in postgres
type PostgresSchedulerRepository struct {
	db *pgxpool.Pool
}

func NewPostgresSchedulerRepository(db *pgxpool.Pool) *PostgresSchedulerRepository {
	return &PostgresSchedulerRepository{db: db}
}

func (r *PostgresSchedulerRepository) GetSettings(ctx *scalecontext.Context) (*models.SchedulerSettings, error) {
	row, err := queryRowDs(ctx, r.db, dialect.From(schedulerTable).
		Select("is_paused", "max_candidates", "diagnostic_requested").
		Where(goqu.C("id").Eq(schedulerRowID)).
		Prepared(true))
	if err != nil {
		return nil, err
	}
	settings := &models.SchedulerSettings{}
	if err := row.Scan(&settings.IsPaused, &settings.MaxCandidates, &settings.DiagnosticRequested); err != nil {
		return nil, notFound(err, "scheduler", "settings")
	}
	return settings, nil
}

func (r *PostgresSchedulerRepository) SetPaused(ctx *scalecontext.Context, paused bool) error {
	return r.update(ctx, goqu.Record{"is_paused": paused, "last_modified": goqu.L("now()")})
}

func (r *PostgresSchedulerRepository) SetDiagnosticRequested(ctx *scalecontext.Context, requested bool) error {
	return r.update(ctx, goqu.Record{"diagnostic_requested": requested, "last_modified": goqu.L("now()")})
}

func (r *PostgresSchedulerRepository) StoreStatus(ctx *scalecontext.Context, status []byte, when time.Time) error {
	return r.update(ctx, goqu.Record{"status": status, "last_modified": when})
}

func (r *PostgresSchedulerRepository) update(ctx *scalecontext.Context, record goqu.Record) error {
	_, err := execDs(ctx, r.db, dialect.Update(schedulerTable).Set(record).Where(goqu.C("id").Eq(schedulerRowID)).Prepared(true))
	return err
}
