package database

import (
	"context"
	"encoding/json"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/scheduler/models"
)

var dialect = goqu.Dialect("postgres")

// Table names
const (
	jobTypeTable            = "job_type"
	recipeTypeRevisionTable = "recipe_type_revision"
	jobTable                = "job"
	jobExeTable             = "job_exe"
	recipeTable             = "recipe"
	recipeNodeTable         = "recipe_node"
	conditionTable          = "recipe_condition"
	nodeTable               = "node"
	workspaceTable          = "workspace"
	schedulerTable          = "scheduler"
	taskUpdateTable         = "task_update"
)

// sqlBuilder is implemented by every goqu dataset.
type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

func execDs(ctx context.Context, db pgxtype.Querier, ds sqlBuilder) (int64, error) {
	sql, args, err := ds.ToSQL()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

func queryDs(ctx context.Context, db pgxtype.Querier, ds sqlBuilder) (pgx.Rows, error) {
	sql, args, err := ds.ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := db.Query(ctx, sql, args...)
	return rows, errors.WithStack(err)
}

func queryRowDs(ctx context.Context, db pgxtype.Querier, ds sqlBuilder) (pgx.Row, error) {
	sql, args, err := ds.ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return db.QueryRow(ctx, sql, args...), nil
}

// queryStrings runs a query returning a single text column.
func queryStrings(ctx context.Context, db pgxtype.Querier, ds sqlBuilder) ([]string, error) {
	rows, err := queryDs(ctx, db, ds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rv []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, s)
	}
	return rv, errors.WithStack(rows.Err())
}

func notFound(err error, entityType, value string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.WithStack(&models.ErrNotFound{Type: entityType, Value: value})
	}
	return errors.WithStack(err)
}

// toJSON encodes v for a jsonb column. Nil pointers are stored as NULL.
func toJSON(v interface{}) []byte {
	switch t := v.(type) {
	case *models.Data:
		if t == nil {
			return nil
		}
	case *models.ForcedNodes:
		if t == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		// Everything stored here is plain data.
		panic(err)
	}
	return b
}

func dataFromJSON(raw []byte) (*models.Data, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := models.ParseData(raw)
	return d, errors.WithStack(err)
}

// errorColumns returns the error_category, error_name and error_desc values of e.
func errorColumns(e *models.JobError) (interface{}, interface{}, interface{}) {
	if e == nil {
		return nil, nil, nil
	}
	return string(e.Category), e.Name, e.Description
}

func errorFromColumns(category, name, desc *string) *models.JobError {
	if category == nil {
		return nil
	}
	e := &models.JobError{Category: models.ErrorCategory(*category)}
	if name != nil {
		e.Name = *name
	}
	if desc != nil {
		e.Description = *desc
	}
	return e
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func statusStrings[T ~string](statuses []T) []string {
	rv := make([]string, len(statuses))
	for i, s := range statuses {
		rv[i] = string(s)
	}
	return rv
}
