package database

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleproject/scale/internal/common/database"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/resources"
)

var baseTime = time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)

func withRepositories(t *testing.T, action func(ctx *scalecontext.Context, db *pgxpool.Pool)) {
	if !database.TestDbAvailable() {
		t.Skipf("%s not set", database.TestPostgresEnvVar)
	}
	err := WithTestDb(func(db *pgxpool.Pool) error {
		ctx, cancel := scalecontext.WithTimeout(scalecontext.Background(), 10*time.Second)
		defer cancel()
		action(ctx, db)
		return nil
	})
	require.NoError(t, err)
}

func testJob(id string) *models.Job {
	return &models.Job{
		ID:              id,
		JobTypeName:     "ingest",
		JobTypeVersion:  "1.0",
		JobTypeRevision: 1,
		Status:          models.JobQueued,
		MaxTries:        3,
		Priority:        100,
		Input:           &models.Data{Values: map[string]interface{}{"size": 3.0}, Files: map[string][]string{}},
		Created:         baseTime,
		LastModified:    baseTime,
	}
}

func TestJobRepository_ExecutionLifecycle(t *testing.T) {
	withRepositories(t, func(ctx *scalecontext.Context, db *pgxpool.Pool) {
		repo := NewPostgresJobRepository(db)
		require.NoError(t, repo.CreateJobs(ctx, []*models.Job{testJob("job-1"), testJob("job-2")}))
		// Creating an existing job is a no-op.
		require.NoError(t, repo.CreateJobs(ctx, []*models.Job{testJob("job-1")}))

		exe := &models.JobExecution{
			JobID:     "job-1",
			ExeNum:    1,
			ClusterID: models.ClusterID("job-1", 1),
			AgentID:   "agent-1",
			Hostname:  "host-1",
			Status:    models.ExecutionRunning,
			Started:   baseTime,
		}
		stale := &models.JobExecution{
			JobID:     "job-2",
			ExeNum:    2,
			ClusterID: models.ClusterID("job-2", 2),
			AgentID:   "agent-1",
			Hostname:  "host-1",
			Status:    models.ExecutionRunning,
			Started:   baseTime,
		}
		scheduled, err := repo.ScheduleExecutions(ctx, []*models.JobExecution{exe, stale})
		require.NoError(t, err)
		assert.Equal(t, []string{exe.ClusterID}, scheduled)

		job, err := repo.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobRunning, job.Status)
		assert.Equal(t, 1, job.NumExes)

		running, err := repo.GetRunningExecutions(ctx)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, exe.ClusterID, running[0].ClusterID)

		require.NoError(t, repo.UnscheduleExecutions(ctx, []*models.JobExecution{exe}))
		job, err = repo.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobQueued, job.Status)
		assert.Equal(t, 0, job.NumExes)

		_, err = repo.ScheduleExecutions(ctx, []*models.JobExecution{exe})
		require.NoError(t, err)
		ended := baseTime.Add(time.Minute)
		exe.Status = models.ExecutionFailed
		exe.Ended = &ended
		exe.ExitCode = models.IntPtr(2)
		exe.Error = models.AlgorithmError("bad-input", "")
		require.NoError(t, repo.FinishExecution(ctx, exe))

		stored, err := repo.GetExecution(ctx, "job-1", 1)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionFailed, stored.Status)
		assert.Equal(t, 2, *stored.ExitCode)
		assert.Equal(t, exe.Error, stored.Error)

		_, err = repo.GetExecution(ctx, "job-1", 7)
		var notFound *models.ErrNotFound
		assert.True(t, errors.As(err, &notFound))
	})
}

func TestJobRepository_UpdateJobs(t *testing.T) {
	withRepositories(t, func(ctx *scalecontext.Context, db *pgxpool.Pool) {
		repo := NewPostgresJobRepository(db)
		require.NoError(t, repo.CreateJobs(ctx, []*models.Job{testJob("job-1"), testJob("job-2")}))

		changed, err := repo.UpdateJobs(ctx, []*models.JobUpdate{
			{JobID: "job-1", From: []models.JobStatus{models.JobQueued}, Status: models.JobCanceled, When: baseTime},
			{JobID: "job-2", From: []models.JobStatus{models.JobRunning}, Status: models.JobFailed, When: baseTime},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"job-1"}, changed)

		jobs, err := repo.GetJobsByStatus(ctx, models.JobCanceled)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "job-1", jobs[0].ID)
		assert.Equal(t, 3.0, jobs[0].Input.Values["size"])
	})
}

func TestRecipeRepository_Supersede(t *testing.T) {
	withRepositories(t, func(ctx *scalecontext.Context, db *pgxpool.Pool) {
		jobs := NewPostgresJobRepository(db)
		recipes := NewPostgresRecipeRepository(db)

		rev, err := recipes.CreateRecipeTypeRevision(ctx, &models.RecipeTypeRevision{
			Name:       "pipeline",
			Definition: json.RawMessage(`{"version": "6", "nodes": {}}`),
			Created:    baseTime,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rev)

		original := &models.Recipe{
			ID:                 "recipe-1",
			RecipeTypeName:     "pipeline",
			RecipeTypeRevision: 1,
			Status:             models.RecipeRunning,
			RootRecipeID:       "recipe-1",
			Created:            baseTime,
		}
		require.NoError(t, recipes.CreateRecipe(ctx, original, nil, nil))

		job := testJob("job-a")
		job.Status = models.JobCompleted
		job.Output = &models.Data{Values: map[string]interface{}{"count": 2.0}, Files: map[string][]string{}}
		job.RecipeID = "recipe-1"
		job.RecipeNode = "a"
		require.NoError(t, jobs.CreateJobs(ctx, []*models.Job{job}))

		ids, err := recipes.GetRecipeIDsForJob(ctx, "job-a")
		require.NoError(t, err)
		assert.Equal(t, []string{"recipe-1"}, ids)

		successor := &models.Recipe{
			ID:                 "recipe-2",
			RecipeTypeName:     "pipeline",
			RecipeTypeRevision: 1,
			Status:             models.RecipePending,
			RootRecipeID:       "recipe-1",
			SupersededRecipeID: "recipe-1",
			ForcedNodes:        &models.ForcedNodes{Nodes: []string{"b"}},
			Created:            baseTime,
		}
		carried := []*models.RecipeNode{{RecipeID: "recipe-2", NodeName: "a", NodeType: models.NodeTypeJob, JobID: "job-a"}}
		require.NoError(t, recipes.CreateRecipe(ctx, successor, carried, nil))

		prev, err := recipes.GetRecipe(ctx, "recipe-1")
		require.NoError(t, err)
		assert.True(t, prev.IsSuperseded)
		assert.Equal(t, "recipe-2", prev.SupersededBy)

		next, err := recipes.GetRecipe(ctx, "recipe-2")
		require.NoError(t, err)
		assert.Equal(t, successor.ForcedNodes, next.ForcedNodes)

		nodes, err := recipes.GetRecipeNodes(ctx, "recipe-2")
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.False(t, nodes[0].IsOriginal)
		assert.Equal(t, models.JobCompleted, nodes[0].JobStatus)
		assert.Equal(t, 2.0, nodes[0].JobOutput.Values["count"])

		// Only the live recipe is reported for the shared job.
		ids, err = recipes.GetRecipeIDsForJob(ctx, "job-a")
		require.NoError(t, err)
		assert.Equal(t, []string{"recipe-2"}, ids)
	})
}

func TestRecipeRepository_Conditions(t *testing.T) {
	withRepositories(t, func(ctx *scalecontext.Context, db *pgxpool.Pool) {
		recipes := NewPostgresRecipeRepository(db)
		require.NoError(t, recipes.CreateRecipe(ctx, &models.Recipe{
			ID:             "recipe-1",
			RecipeTypeName: "pipeline",
			Status:         models.RecipeRunning,
			RootRecipeID:   "recipe-1",
			Created:        baseTime,
		}, nil, nil))
		require.NoError(t, recipes.CreateConditions(ctx, []*models.Condition{
			{ID: "cond-1", RecipeID: "recipe-1", NodeName: "gate", Created: baseTime},
		}))
		data := &models.Data{Values: map[string]interface{}{"ok": true}, Files: map[string][]string{}}
		require.NoError(t, recipes.SetConditionResult(ctx, "cond-1", true, data))

		c, err := recipes.GetCondition(ctx, "cond-1")
		require.NoError(t, err)
		assert.True(t, c.Evaluated)
		assert.True(t, c.Accepted)
		assert.Equal(t, data, c.Data)

		nodes, err := recipes.GetRecipeNodes(ctx, "recipe-1")
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, models.NodeTypeCondition, nodes[0].NodeType)
		assert.True(t, nodes[0].ConditionAccepted)
	})
}

func TestDefinitionRepository_JobTypeRevisions(t *testing.T) {
	withRepositories(t, func(ctx *scalecontext.Context, db *pgxpool.Pool) {
		repo := NewPostgresDefinitionRepository(db)
		jt := &models.JobType{
			Name:      "ingest",
			Version:   "1.0",
			Image:     "scale/ingest:1",
			Resources: resources.New(map[string]float64{resources.Cpus: 1, resources.Mem: 256}),
			MaxTries:  3,
			IsActive:  true,
			ErrorMapping: models.ErrorMapping{ExitCodes: map[int]models.JobError{
				3: {Category: models.ErrorCategoryData, Name: "corrupt"},
			}},
			Created: baseTime,
		}
		first, err := repo.CreateJobType(ctx, jt)
		require.NoError(t, err)
		jt.Image = "scale/ingest:2"
		jt.Created = baseTime.Add(time.Hour)
		second, err := repo.CreateJobType(ctx, jt)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, []int64{first, second})

		latest, err := repo.GetJobType(ctx, "ingest", "1.0", 0)
		require.NoError(t, err)
		assert.Equal(t, "scale/ingest:2", latest.Image)
		assert.Equal(t, models.ErrorCategoryData, latest.ErrorMapping.Lookup(3).Category)
		assert.Equal(t, 0, resources.Compare(jt.Resources, latest.Resources))

		newer, err := repo.GetJobTypes(ctx, baseTime)
		require.NoError(t, err)
		require.Len(t, newer, 1)
		assert.Equal(t, int64(2), newer[0].RevisionNum)
	})
}

func TestNodeRepository_PauseSurvivesUpsert(t *testing.T) {
	withRepositories(t, func(ctx *scalecontext.Context, db *pgxpool.Pool) {
		repo := NewPostgresNodeRepository(db)
		require.NoError(t, repo.SetNodePaused(ctx, "host-1", true, "disk replacement"))
		require.NoError(t, repo.UpsertNodes(ctx, []*models.Node{{AgentID: "agent-1", Hostname: "host-1", IsActive: true, LastSeen: baseTime}}))

		nodes, err := repo.GetNodes(ctx)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "agent-1", nodes[0].AgentID)
		assert.True(t, nodes[0].IsPaused)
		assert.Equal(t, "disk replacement", nodes[0].PauseReason)

		require.NoError(t, repo.SetNodeActive(ctx, "agent-1", false))
		nodes, err = repo.GetNodes(ctx)
		require.NoError(t, err)
		assert.False(t, nodes[0].IsActive)
	})
}

func TestTaskUpdateRepository_Prune(t *testing.T) {
	withRepositories(t, func(ctx *scalecontext.Context, db *pgxpool.Pool) {
		repo := NewPostgresTaskUpdateRepository(db)
		var updates []*models.TaskUpdate
		for i := 0; i < 5; i++ {
			updates = append(updates, &models.TaskUpdate{
				TaskID:    "scale_job_1_1_main",
				AgentID:   "agent-1",
				Status:    models.TaskRunning,
				Source:    models.SourceDriver,
				Timestamp: baseTime.Add(time.Duration(i) * time.Hour),
			})
		}
		require.NoError(t, repo.InsertTaskUpdates(ctx, updates))

		deleted, err := repo.PruneTaskUpdates(ctx, baseTime.Add(3*time.Hour), 2)
		require.NoError(t, err)
		assert.Equal(t, 3, deleted)
	})
}

func TestSchedulerRepository_Settings(t *testing.T) {
	withRepositories(t, func(ctx *scalecontext.Context, db *pgxpool.Pool) {
		repo := NewPostgresSchedulerRepository(db)
		require.NoError(t, repo.SetPaused(ctx, true))
		require.NoError(t, repo.SetDiagnosticRequested(ctx, true))
		require.NoError(t, repo.StoreStatus(ctx, []byte(`{"agents": 1}`), baseTime))

		settings, err := repo.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, &models.SchedulerSettings{IsPaused: true, DiagnosticRequested: true}, settings)
	})
}
