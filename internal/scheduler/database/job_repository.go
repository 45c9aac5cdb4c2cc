package database

import (
	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

var jobColumns = []interface{}{
	"job_id", "job_type_name", "job_type_version", "job_type_rev", "status", "num_exes", "max_tries", "lost_retries",
	"priority", "input", "output", "error_category", "error_name", "error_desc", "recipe_id", "recipe_node",
	"root_recipe_id", "batch_id", "is_superseded", "superseded_by", "created", "last_modified",
}

var exeColumns = []interface{}{
	"job_id", "exe_num", "cluster_id", "agent_id", "hostname", "status", "started", "ended", "error_category",
	"error_name", "error_desc", "exit_code", "stdout_ref", "stderr_ref", "output",
}

// PostgresJobRepository is an implementation of JobRepository that stores its state in postgres
type PostgresJobRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

func (r *PostgresJobRepository) GetJob(ctx *scalecontext.Context, jobID string) (*models.Job, error) {
	row, err := queryRowDs(ctx, r.db, dialect.From(jobTable).Select(jobColumns...).Where(goqu.C("job_id").Eq(jobID)).Prepared(true))
	if err != nil {
		return nil, err
	}
	job, err := scanJob(row)
	if err != nil {
		return nil, notFound(err, "job", jobID)
	}
	return job, nil
}

func (r *PostgresJobRepository) GetJobs(ctx *scalecontext.Context, jobIDs []string) ([]*models.Job, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	return queryJobs(ctx, r.db, dialect.From(jobTable).Select(jobColumns...).Where(goqu.C("job_id").In(jobIDs)).Prepared(true))
}

func (r *PostgresJobRepository) GetJobsByStatus(ctx *scalecontext.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	ds := dialect.From(jobTable).
		Select(jobColumns...).
		Where(goqu.C("status").In(statusStrings(statuses))).
		Order(goqu.C("priority").Asc(), goqu.C("job_id").Asc()).
		Prepared(true)
	return queryJobs(ctx, r.db, ds)
}

func (r *PostgresJobRepository) CreateJobs(ctx *scalecontext.Context, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	jobRows := make([]interface{}, 0, len(jobs))
	var nodeRows []interface{}
	for _, job := range jobs {
		errCat, errName, errDesc := errorColumns(job.Error)
		jobRows = append(jobRows, goqu.Record{
			"job_id":           job.ID,
			"job_type_name":    job.JobTypeName,
			"job_type_version": job.JobTypeVersion,
			"job_type_rev":     job.JobTypeRevision,
			"status":           string(job.Status),
			"num_exes":         job.NumExes,
			"max_tries":        job.MaxTries,
			"lost_retries":     job.LostRetries,
			"priority":         job.Priority,
			"input":            toJSON(job.Input),
			"output":           toJSON(job.Output),
			"error_category":   errCat,
			"error_name":       errName,
			"error_desc":       errDesc,
			"recipe_id":        nullString(job.RecipeID),
			"recipe_node":      nullString(job.RecipeNode),
			"root_recipe_id":   nullString(job.RootRecipeID),
			"batch_id":         nullString(job.BatchID),
			"is_superseded":    job.IsSuperseded,
			"superseded_by":    nullString(job.SupersededBy),
			"created":          job.Created,
			"last_modified":    job.LastModified,
		})
		if job.RecipeID != "" {
			nodeRows = append(nodeRows, goqu.Record{
				"recipe_id":   job.RecipeID,
				"node_name":   job.RecipeNode,
				"node_type":   string(models.NodeTypeJob),
				"job_id":      job.ID,
				"is_original": true,
			})
		}
	}
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := execDs(ctx, tx, dialect.Insert(jobTable).Rows(jobRows...).OnConflict(goqu.DoNothing()).Prepared(true)); err != nil {
			return err
		}
		if len(nodeRows) == 0 {
			return nil
		}
		_, err := execDs(ctx, tx, dialect.Insert(recipeNodeTable).Rows(nodeRows...).OnConflict(goqu.DoNothing()).Prepared(true))
		return err
	})
}

func (r *PostgresJobRepository) UpdateJobs(ctx *scalecontext.Context, updates []*models.JobUpdate) ([]string, error) {
	var changed []string
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		changed = nil
		for _, update := range updates {
			job, err := lockJob(ctx, tx, update.JobID)
			if err != nil {
				return err
			}
			if !update.Allowed(job.Status) {
				continue
			}
			update.Apply(job)
			if err := writeJob(ctx, tx, job); err != nil {
				return err
			}
			changed = append(changed, job.ID)
		}
		return nil
	})
	return changed, err
}

func (r *PostgresJobRepository) ScheduleExecutions(ctx *scalecontext.Context, exes []*models.JobExecution) ([]string, error) {
	var scheduled []string
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		scheduled = nil
		for _, exe := range exes {
			job, err := lockJob(ctx, tx, exe.JobID)
			if err != nil {
				return err
			}
			if job.Status != models.JobQueued || job.NumExes != exe.ExeNum-1 {
				ctx.Log.Infof("Not scheduling execution %s: job is %s with %d executions", exe.ClusterID, job.Status, job.NumExes)
				continue
			}
			if _, err := execDs(ctx, tx, dialect.Insert(jobExeTable).Rows(exeRecord(exe)).Prepared(true)); err != nil {
				return err
			}
			job.Status = models.JobRunning
			job.NumExes = exe.ExeNum
			job.LastModified = exe.Started
			if err := writeJob(ctx, tx, job); err != nil {
				return err
			}
			scheduled = append(scheduled, exe.ClusterID)
		}
		return nil
	})
	return scheduled, err
}

func (r *PostgresJobRepository) UnscheduleExecutions(ctx *scalecontext.Context, exes []*models.JobExecution) error {
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		for _, exe := range exes {
			deleted, err := execDs(ctx, tx, dialect.Delete(jobExeTable).Where(
				goqu.C("job_id").Eq(exe.JobID),
				goqu.C("exe_num").Eq(exe.ExeNum),
				goqu.C("status").Eq(string(models.ExecutionRunning)),
			).Prepared(true))
			if err != nil {
				return err
			}
			if deleted == 0 {
				continue
			}
			_, err = execDs(ctx, tx, dialect.Update(jobTable).Set(goqu.Record{
				"status":   string(models.JobQueued),
				"num_exes": exe.ExeNum - 1,
			}).Where(
				goqu.C("job_id").Eq(exe.JobID),
				goqu.C("status").Eq(string(models.JobRunning)),
				goqu.C("num_exes").Eq(exe.ExeNum),
			).Prepared(true))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresJobRepository) FinishExecution(ctx *scalecontext.Context, exe *models.JobExecution) error {
	errCat, errName, errDesc := errorColumns(exe.Error)
	_, err := execDs(ctx, r.db, dialect.Update(jobExeTable).Set(goqu.Record{
		"status":         string(exe.Status),
		"ended":          exe.Ended,
		"error_category": errCat,
		"error_name":     errName,
		"error_desc":     errDesc,
		"exit_code":      exe.ExitCode,
		"stdout_ref":     exe.StdoutRef,
		"stderr_ref":     exe.StderrRef,
		"output":         toJSON(exe.Output),
	}).Where(
		goqu.C("job_id").Eq(exe.JobID),
		goqu.C("exe_num").Eq(exe.ExeNum),
		goqu.C("status").Eq(string(models.ExecutionRunning)),
	).Prepared(true))
	return err
}

func (r *PostgresJobRepository) GetExecution(ctx *scalecontext.Context, jobID string, exeNum int) (*models.JobExecution, error) {
	row, err := queryRowDs(ctx, r.db, dialect.From(jobExeTable).Select(exeColumns...).Where(
		goqu.C("job_id").Eq(jobID),
		goqu.C("exe_num").Eq(exeNum),
	).Prepared(true))
	if err != nil {
		return nil, err
	}
	exe, err := scanExecution(row)
	if err != nil {
		return nil, notFound(err, "execution", models.ClusterID(jobID, exeNum))
	}
	return exe, nil
}

func (r *PostgresJobRepository) GetRunningExecutions(ctx *scalecontext.Context) ([]*models.JobExecution, error) {
	rows, err := queryDs(ctx, r.db, dialect.From(jobExeTable).
		Select(exeColumns...).
		Where(goqu.C("status").Eq(string(models.ExecutionRunning))).
		Order(goqu.C("cluster_id").Asc()).
		Prepared(true))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exes []*models.JobExecution
	for rows.Next() {
		exe, err := scanExecution(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		exes = append(exes, exe)
	}
	return exes, errors.WithStack(rows.Err())
}

func lockJob(ctx *scalecontext.Context, tx pgxtype.Querier, jobID string) (*models.Job, error) {
	row, err := queryRowDs(ctx, tx, dialect.From(jobTable).Select(jobColumns...).Where(goqu.C("job_id").Eq(jobID)).ForUpdate(goqu.Wait).Prepared(true))
	if err != nil {
		return nil, err
	}
	job, err := scanJob(row)
	if err != nil {
		return nil, notFound(err, "job", jobID)
	}
	return job, nil
}

// writeJob stores every mutable column of job.
func writeJob(ctx *scalecontext.Context, tx pgxtype.Querier, job *models.Job) error {
	errCat, errName, errDesc := errorColumns(job.Error)
	_, err := execDs(ctx, tx, dialect.Update(jobTable).Set(goqu.Record{
		"status":         string(job.Status),
		"num_exes":       job.NumExes,
		"max_tries":      job.MaxTries,
		"lost_retries":   job.LostRetries,
		"priority":       job.Priority,
		"input":          toJSON(job.Input),
		"output":         toJSON(job.Output),
		"error_category": errCat,
		"error_name":     errName,
		"error_desc":     errDesc,
		"is_superseded":  job.IsSuperseded,
		"superseded_by":  nullString(job.SupersededBy),
		"last_modified":  job.LastModified,
	}).Where(goqu.C("job_id").Eq(job.ID)).Prepared(true))
	return err
}

func queryJobs(ctx *scalecontext.Context, db pgxtype.Querier, ds sqlBuilder) ([]*models.Job, error) {
	rows, err := queryDs(ctx, db, ds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.WithStack(rows.Err())
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job                                   models.Job
		status                                string
		input, output                         []byte
		errCat, errName, errDesc              *string
		recipeID, recipeNode, rootID, batchID *string
		supersededBy                          *string
	)
	err := row.Scan(
		&job.ID, &job.JobTypeName, &job.JobTypeVersion, &job.JobTypeRevision, &status, &job.NumExes, &job.MaxTries,
		&job.LostRetries, &job.Priority, &input, &output, &errCat, &errName, &errDesc, &recipeID, &recipeNode,
		&rootID, &batchID, &job.IsSuperseded, &supersededBy, &job.Created, &job.LastModified,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	if job.Input, err = dataFromJSON(input); err != nil {
		return nil, err
	}
	if job.Output, err = dataFromJSON(output); err != nil {
		return nil, err
	}
	job.Error = errorFromColumns(errCat, errName, errDesc)
	job.RecipeID = stringValue(recipeID)
	job.RecipeNode = stringValue(recipeNode)
	job.RootRecipeID = stringValue(rootID)
	job.BatchID = stringValue(batchID)
	job.SupersededBy = stringValue(supersededBy)
	return &job, nil
}

func exeRecord(exe *models.JobExecution) goqu.Record {
	errCat, errName, errDesc := errorColumns(exe.Error)
	return goqu.Record{
		"job_id":         exe.JobID,
		"exe_num":        exe.ExeNum,
		"cluster_id":     exe.ClusterID,
		"agent_id":       exe.AgentID,
		"hostname":       exe.Hostname,
		"status":         string(exe.Status),
		"started":        exe.Started,
		"ended":          exe.Ended,
		"error_category": errCat,
		"error_name":     errName,
		"error_desc":     errDesc,
		"exit_code":      exe.ExitCode,
		"stdout_ref":     exe.StdoutRef,
		"stderr_ref":     exe.StderrRef,
		"output":         toJSON(exe.Output),
	}
}

func scanExecution(row pgx.Row) (*models.JobExecution, error) {
	var (
		exe                      models.JobExecution
		status                   string
		errCat, errName, errDesc *string
		output                   []byte
	)
	err := row.Scan(
		&exe.JobID, &exe.ExeNum, &exe.ClusterID, &exe.AgentID, &exe.Hostname, &status, &exe.Started, &exe.Ended,
		&errCat, &errName, &errDesc, &exe.ExitCode, &exe.StdoutRef, &exe.StderrRef, &output,
	)
	if err != nil {
		return nil, err
	}
	exe.Status = models.ExecutionStatus(status)
	exe.Error = errorFromColumns(errCat, errName, errDesc)
	if exe.Output, err = dataFromJSON(output); err != nil {
		return nil, err
	}
	return &exe, nil
}
