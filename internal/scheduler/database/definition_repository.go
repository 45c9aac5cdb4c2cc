package database

import (
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

var jobTypeColumns = []interface{}{
	"name", "version", "revision_num", "image", "command", "args", "env", "resources", "timeout_seconds", "max_tries",
	"priority", "is_active", "is_paused", "node_affinity", "required_inputs", "output_workspace", "error_mapping",
	"created", "last_modified",
}

// PostgresDefinitionRepository is an implementation of DefinitionRepository that stores its state in postgres
type PostgresDefinitionRepository struct {
	db *pgxpool.Pool
}

func NewPostgresDefinitionRepository(db *pgxpool.Pool) *PostgresDefinitionRepository {
	return &PostgresDefinitionRepository{db: db}
}

func (r *PostgresDefinitionRepository) GetJobType(ctx *scalecontext.Context, name, version string, revision int64) (*models.JobType, error) {
	ds := dialect.From(jobTypeTable).
		Select(jobTypeColumns...).
		Where(goqu.C("name").Eq(name), goqu.C("version").Eq(version))
	if revision > 0 {
		ds = ds.Where(goqu.C("revision_num").Eq(revision))
	}
	row, err := queryRowDs(ctx, r.db, ds.Order(goqu.C("revision_num").Desc()).Limit(1).Prepared(true))
	if err != nil {
		return nil, err
	}
	jt, err := scanJobType(row)
	if err != nil {
		return nil, notFound(err, "job type", models.JobTypeRevisionKey(name, version, revision))
	}
	return jt, nil
}

func (r *PostgresDefinitionRepository) GetJobTypes(ctx *scalecontext.Context, since time.Time) ([]*models.JobType, error) {
	rows, err := queryDs(ctx, r.db, dialect.From(jobTypeTable).
		Select(jobTypeColumns...).
		Where(goqu.C("last_modified").Gt(since)).
		Order(goqu.C("last_modified").Asc(), goqu.C("name").Asc(), goqu.C("version").Asc(), goqu.C("revision_num").Asc()).
		Prepared(true))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobTypes []*models.JobType
	for rows.Next() {
		jt, err := scanJobType(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		jobTypes = append(jobTypes, jt)
	}
	return jobTypes, errors.WithStack(rows.Err())
}

func (r *PostgresDefinitionRepository) CreateJobType(ctx *scalecontext.Context, jt *models.JobType) (int64, error) {
	var revisionNum int64
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		row, err := queryRowDs(ctx, tx, dialect.From(jobTypeTable).
			Select(goqu.COALESCE(goqu.MAX("revision_num"), 0)).
			Where(goqu.C("name").Eq(jt.Name), goqu.C("version").Eq(jt.Version)).
			Prepared(true))
		if err != nil {
			return err
		}
		if err := row.Scan(&revisionNum); err != nil {
			return errors.WithStack(err)
		}
		revisionNum++
		_, err = execDs(ctx, tx, dialect.Insert(jobTypeTable).Rows(goqu.Record{
			"name":             jt.Name,
			"version":          jt.Version,
			"revision_num":     revisionNum,
			"image":            jt.Image,
			"command":          jt.Command,
			"args":             toJSON(jt.Args),
			"env":              toJSON(jt.Env),
			"resources":        toJSON(jt.Resources),
			"timeout_seconds":  jt.TimeoutSeconds,
			"max_tries":        jt.MaxTries,
			"priority":         jt.Priority,
			"is_active":        jt.IsActive,
			"is_paused":        jt.IsPaused,
			"node_affinity":    jt.NodeAffinity,
			"required_inputs":  toJSON(jt.RequiredInputs),
			"output_workspace": jt.OutputWorkspace,
			"error_mapping":    toJSON(jt.ErrorMapping),
			"created":          jt.Created,
			"last_modified":    jt.Created,
		}).Prepared(true))
		return err
	})
	return revisionNum, err
}

// SetJobTypePaused pauses or resumes every revision of a job type.
func (r *PostgresDefinitionRepository) SetJobTypePaused(ctx *scalecontext.Context, name, version string, paused bool) error {
	n, err := execDs(ctx, r.db, dialect.Update(jobTypeTable).
		Set(goqu.Record{"is_paused": paused, "last_modified": goqu.L("now()")}).
		Where(goqu.C("name").Eq(name), goqu.C("version").Eq(version)).
		Prepared(true))
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.WithStack(&models.ErrNotFound{Type: "job type", Value: models.JobTypeKey(name, version)})
	}
	return nil
}

func (r *PostgresDefinitionRepository) GetWorkspaces(ctx *scalecontext.Context) ([]*models.Workspace, error) {
	rows, err := queryDs(ctx, r.db, dialect.From(workspaceTable).
		Select("name", "is_active", "configuration", "last_modified").
		Order(goqu.C("name").Asc()).
		Prepared(true))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var workspaces []*models.Workspace
	for rows.Next() {
		var (
			ws  models.Workspace
			raw []byte
		)
		if err := rows.Scan(&ws.Name, &ws.IsActive, &raw, &ws.LastModified); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(raw, &ws.Configuration); err != nil {
			return nil, errors.Wrapf(err, "invalid configuration for workspace %s", ws.Name)
		}
		workspaces = append(workspaces, &ws)
	}
	return workspaces, errors.WithStack(rows.Err())
}

func scanJobType(row pgx.Row) (*models.JobType, error) {
	var (
		jt                                       models.JobType
		args, env, res, requiredInputs, errorMap []byte
	)
	err := row.Scan(
		&jt.Name, &jt.Version, &jt.RevisionNum, &jt.Image, &jt.Command, &args, &env, &res, &jt.TimeoutSeconds,
		&jt.MaxTries, &jt.Priority, &jt.IsActive, &jt.IsPaused, &jt.NodeAffinity, &requiredInputs,
		&jt.OutputWorkspace, &errorMap, &jt.Created, &jt.LastModified,
	)
	if err != nil {
		return nil, err
	}
	for _, field := range []struct {
		raw  []byte
		into interface{}
	}{
		{args, &jt.Args},
		{env, &jt.Env},
		{res, &jt.Resources},
		{requiredInputs, &jt.RequiredInputs},
		{errorMap, &jt.ErrorMapping},
	} {
		if err := json.Unmarshal(field.raw, field.into); err != nil {
			return nil, errors.Wrapf(err, "invalid job type %s", jt.RevisionKey())
		}
	}
	return &jt, nil
}
