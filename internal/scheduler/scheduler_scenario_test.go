package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
	"github.com/scaleproject/scale/internal/scheduler/testfixtures"
)

const chainRecipe = `{
	"version": "6",
	"input": {"files": [{"name": "scene"}]},
	"nodes": {
		"a": {
			"input": {"image": {"type": "recipe", "input": "scene"}},
			"node_type": {"node_type": "job", "job_type_name": "ingest", "job_type_version": "1.0"}
		},
		"b": {
			"dependencies": [{"name": "a"}],
			"input": {"image": {"type": "dependency", "node": "a", "output": "product"}},
			"node_type": {"node_type": "job", "job_type_name": "parse", "job_type_version": "1.0"}
		},
		"c": {
			"dependencies": [{"name": "b"}],
			"input": {"parsed": {"type": "dependency", "node": "b", "output": "product"}},
			"node_type": {"node_type": "job", "job_type_name": "publish", "job_type_version": "2.0"}
		}
	}
}`

// runToMain runs the pull, pre and main tasks of the only queued job until the main task is RUNNING.
func (f *appFixture) runToMain(t *testing.T, agentID string) *tasks.Task {
	for _, phase := range []tasks.Type{tasks.TypePull, tasks.TypePre} {
		task := f.launchOne(t, agentID)
		require.Equal(t, phase, task.Type)
		f.finish(t, task, 0, nil)
	}
	main := f.launchOne(t, agentID)
	require.Equal(t, tasks.TypeMain, main.Type)
	f.start(t, main)
	return main
}

func (f *appFixture) recipeNodes(t *testing.T, recipeID string) map[string]*models.RecipeNodeDetails {
	details, err := f.store.GetRecipeNodes(f.ctx, recipeID)
	require.NoError(t, err)
	rv := make(map[string]*models.RecipeNodeDetails, len(details))
	for _, d := range details {
		rv[d.NodeName] = d
	}
	return rv
}

func TestScenario_StandaloneJobRunsToCompletion(t *testing.T) {
	f := newAppFixture(t, nil)
	f.addAgent(t, "agent-1")

	jobID := f.submit(t)
	assert.Equal(t, models.JobQueued, f.job(t, jobID).Status)
	assert.True(t, f.app.queue.Contains(jobID, 1))

	clusterID := models.ClusterID(jobID, 1)
	for _, phase := range []tasks.Type{tasks.TypePull, tasks.TypePre, tasks.TypeMain, tasks.TypePost} {
		task := f.launchOne(t, "agent-1")
		assert.Equal(t, tasks.TaskID(clusterID, phase), task.TaskID)
		assert.Equal(t, "agent-1", task.AgentID)
		switch phase {
		case tasks.TypePull:
			assert.Equal(t, f.jobType.Image, task.Image)
		case tasks.TypeMain:
			assert.Equal(t, f.jobType.Image, task.Image)
			assert.Equal(t, jobID, task.Env["SCALE_JOB_ID"])
		default:
			assert.Equal(t, "scale-support:1", task.Image)
			assert.Equal(t, jobID, task.Env["SCALE_JOB_ID"])
		}
		assert.Equal(t, models.JobRunning, f.job(t, jobID).Status)

		var output *models.Data
		if phase == tasks.TypeMain {
			output = testfixtures.Files("product", "42")
		}
		f.finish(t, task, 0, output)
	}

	job := f.job(t, jobID)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1, job.NumExes)
	require.NotNil(t, job.Output)
	assert.Equal(t, []string{"42"}, job.Output.Files["product"])
	exe := f.execution(t, jobID, 1)
	assert.Equal(t, models.ExecutionCompleted, exe.Status)
	require.NotNil(t, exe.ExitCode)
	assert.Zero(t, *exe.ExitCode)
	assert.Zero(t, f.app.executions.Len())
	assert.Zero(t, f.app.queue.Len())

	agent, _ := f.app.nodes.Get("agent-1")
	assert.Equal(t, 1, agent.CleanupBacklog)
	cleanupTask := f.launchOne(t, "agent-1")
	assert.Equal(t, tasks.TypeCleanup, cleanupTask.Type)
	assert.Equal(t, clusterID, cleanupTask.Env["SCALE_CLEANUP_TARGETS"])
	f.finish(t, cleanupTask, 0, nil)
	agent, _ = f.app.nodes.Get("agent-1")
	assert.Zero(t, agent.CleanupBacklog)
	assert.Zero(t, f.app.tasks.Len())
}

func TestScenario_SmallOfferIsHeldThenDeclined(t *testing.T) {
	f := newAppFixture(t, nil)
	f.addAgent(t, "agent-1")
	jobID := f.submit(t)
	before := len(f.driver.LaunchedTasks())

	small := f.driver.Offer(f.ctx, "agent-1", hostFor("agent-1"), testfixtures.Resources(0.5, 512, 0))
	f.cycle()
	assert.Len(t, f.driver.LaunchedTasks(), before)
	assert.Empty(t, f.driver.Declined())
	assert.Equal(t, models.JobQueued, f.job(t, jobID).Status)
	assert.Equal(t, 1, f.app.ledger.NumOutstanding())

	f.clock.Step(31 * time.Second)
	f.cycle()
	assert.Equal(t, []string{small}, f.driver.Declined())
	assert.Zero(t, f.app.ledger.NumOutstanding())

	task := f.launchOne(t, "agent-1")
	assert.Equal(t, tasks.TaskID(models.ClusterID(jobID, 1), tasks.TypePull), task.TaskID)
}

func TestScenario_LostAgentRetriesJobElsewhere(t *testing.T) {
	f := newAppFixture(t, nil)
	f.addAgent(t, "agent-1")
	f.addAgent(t, "agent-2")
	require.NoError(t, f.app.ReportStatus(f.ctx))

	jobID := f.submit(t)
	main := f.runToMain(t, "agent-1")
	assert.Equal(t, "agent-1", main.AgentID)

	f.driver.LoseAgent(f.ctx, "agent-1")
	f.settle(t)

	job := f.job(t, jobID)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 1, job.LostRetries)
	assert.True(t, f.app.queue.Contains(jobID, 2))
	exe := f.execution(t, jobID, 1)
	assert.Equal(t, models.ExecutionFailed, exe.Status)
	require.NotNil(t, exe.Error)
	assert.Equal(t, models.ErrorNameNodeLost, exe.Error.Name)

	agent, _ := f.app.nodes.Get("agent-1")
	assert.False(t, agent.Active)
	storedNodes, err := f.store.GetNodes(f.ctx)
	require.NoError(t, err)
	for _, node := range storedNodes {
		assert.Equal(t, node.AgentID == "agent-2", node.IsActive, node.AgentID)
	}

	f.drive(t, "agent-2", succeed)
	job = f.job(t, jobID)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 2, job.NumExes)
	exe = f.execution(t, jobID, 2)
	assert.Equal(t, models.ExecutionCompleted, exe.Status)
	assert.Equal(t, "agent-2", exe.AgentID)
}

func TestScenario_RecipeFailureAndReprocess(t *testing.T) {
	f := newAppFixture(t, nil)
	f.createJobType(t, "ingest", "1.0")
	f.createJobType(t, "parse", "1.0")
	f.createJobType(t, "publish", "2.0")
	_, err := f.store.CreateRecipeTypeRevision(f.ctx, &models.RecipeTypeRevision{
		Name:       "chain",
		Definition: []byte(chainRecipe),
		Created:    testfixtures.BaseTime,
	})
	require.NoError(t, err)
	require.NoError(t, f.app.syncer.Sync(f.ctx))
	f.addAgent(t, "agent-1")

	f.send(t, messaging.CreateRecipe, &messaging.CreateRecipePayload{
		RecipeID:       "r1",
		RecipeTypeName: "chain",
		Input:          testfixtures.Files("scene", "7"),
	})
	parseFails := true
	f.drive(t, "agent-1", func(task *tasks.Task) int {
		if parseFails && task.Type == tasks.TypeMain && task.Image == "parse:1.0" {
			return 1
		}
		return 0
	})

	r1, err := f.store.GetRecipe(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RecipeFailed, r1.Status)
	first := f.recipeNodes(t, "r1")
	require.Len(t, first, 3)
	assert.Equal(t, models.JobCompleted, first["a"].JobStatus)
	assert.Equal(t, models.JobFailed, first["b"].JobStatus)
	assert.Equal(t, models.JobBlocked, first["c"].JobStatus)
	failed := f.job(t, first["b"].JobID)
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.ErrorCategoryAlgorithm, failed.Error.Category)
	assert.Equal(t, 1, failed.NumExes, "algorithm errors are not retried")
	assert.Equal(t, []string{"7"}, f.job(t, first["a"].JobID).Input.Files["image"])

	parseFails = false
	f.send(t, messaging.ReprocessRecipe, &messaging.ReprocessRecipePayload{
		RecipeID:    "r1",
		NewRecipeID: "r2",
		ForcedNodes: &models.ForcedNodes{Nodes: []string{"b"}},
	})
	f.drive(t, "agent-1", succeed)

	r1, err = f.store.GetRecipe(f.ctx, "r1")
	require.NoError(t, err)
	assert.True(t, r1.IsSuperseded)
	r2, err := f.store.GetRecipe(f.ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, models.RecipeCompleted, r2.Status)
	assert.Equal(t, "r1", r2.SupersededRecipeID)

	second := f.recipeNodes(t, "r2")
	require.Len(t, second, 3)
	assert.Equal(t, first["a"].JobID, second["a"].JobID)
	assert.False(t, second["a"].IsOriginal)
	assert.NotEqual(t, first["b"].JobID, second["b"].JobID)
	assert.NotEqual(t, first["c"].JobID, second["c"].JobID)
	assert.Equal(t, models.JobCompleted, second["c"].JobStatus)
	assert.Equal(t, models.JobCanceled, f.job(t, first["c"].JobID).Status)
	assert.Equal(t, models.JobFailed, f.job(t, first["b"].JobID).Status)
}

func TestScenario_CancelRunningJob(t *testing.T) {
	f := newAppFixture(t, nil)
	f.addAgent(t, "agent-1")
	jobID := f.submit(t)
	main := f.runToMain(t, "agent-1")

	f.send(t, messaging.CancelJob, &messaging.CancelJobPayload{JobIDs: []string{jobID}, When: f.clock.Now()})
	assert.Equal(t, []string{main.TaskID}, f.driver.Kills())
	assert.Equal(t, models.JobRunning, f.job(t, jobID).Status, "the job stays running until the kill is confirmed")

	f.driver.Update(f.ctx, "agent-1", main.TaskID, models.TaskKilled, nil)
	f.settle(t)
	assert.Equal(t, models.JobCanceled, f.job(t, jobID).Status)
	assert.Equal(t, models.ExecutionCanceled, f.execution(t, jobID, 1).Status)
	assert.Zero(t, f.app.executions.Len())

	cleanupTask := f.launchOne(t, "agent-1")
	assert.Equal(t, tasks.TypeCleanup, cleanupTask.Type)
	assert.Equal(t, models.ClusterID(jobID, 1), cleanupTask.Env["SCALE_CLEANUP_TARGETS"])
}

func TestScenario_CancelQueuedJob(t *testing.T) {
	f := newAppFixture(t, nil)
	jobID := f.submit(t)
	require.True(t, f.app.queue.Contains(jobID, 1))

	f.send(t, messaging.CancelJob, &messaging.CancelJobPayload{JobIDs: []string{jobID}, When: f.clock.Now()})
	assert.Equal(t, models.JobCanceled, f.job(t, jobID).Status)
	assert.Zero(t, f.app.queue.Len())
	assert.Empty(t, f.driver.Kills())
}

func TestScenario_ReconnectReconcilesRunningTasks(t *testing.T) {
	f := newAppFixture(t, nil)
	f.addAgent(t, "agent-1")
	jobIDs := []string{f.submit(t), f.submit(t)}

	var mains []string
	for _, phase := range []tasks.Type{tasks.TypePull, tasks.TypePre, tasks.TypeMain} {
		launched := f.launch(t, "agent-1")
		require.Len(t, launched, 2, "phase %s", phase)
		for _, task := range launched {
			if phase == tasks.TypeMain {
				f.start(t, task)
				mains = append(mains, task.TaskID)
			} else {
				f.finish(t, task, 0, nil)
			}
		}
	}

	f.driver.Reconnect(f.ctx)
	assert.ElementsMatch(t, mains, f.app.reconciliation.TaskIDs())

	f.app.reconciliation.ReconcileDue(f.ctx, f.app.tasks)
	assert.ElementsMatch(t, mains, f.driver.Reconciled())

	for _, taskID := range mains {
		f.driver.Answer(f.ctx, "agent-1", taskID, models.TaskRunning)
	}
	f.settle(t)

	assert.Empty(t, f.app.reconciliation.TaskIDs())
	assert.Equal(t, 2, f.app.executions.Len())
	for _, jobID := range jobIDs {
		assert.Equal(t, models.JobRunning, f.job(t, jobID).Status)
	}
	for _, taskID := range mains {
		task, ok := f.app.tasks.Get(taskID)
		require.True(t, ok)
		assert.Equal(t, models.TaskRunning, task.Status)
	}
}
