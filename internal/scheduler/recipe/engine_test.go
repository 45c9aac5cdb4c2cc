package recipe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/models"
	"github.com/scaleproject/scale/internal/scheduler/testfixtures"
)

const parentDefinition = `{
	"version": "6",
	"input": {"files": [{"name": "scene"}]},
	"nodes": {
		"chain": {
			"input": {"scene": {"type": "recipe", "input": "scene"}},
			"node_type": {"node_type": "recipe", "recipe_type_name": "chain"}
		}
	}
}`

type engineFixture struct {
	ctx    *scalecontext.Context
	store  *testfixtures.Store
	engine *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	ctx := scalecontext.Background()
	store := testfixtures.NewStore()
	for name, def := range map[string]string{"chain": chainDefinition, "parent": parentDefinition, "condition": conditionDefinition} {
		_, err := store.CreateRecipeTypeRevision(ctx, &models.RecipeTypeRevision{Name: name, Definition: json.RawMessage(def)})
		require.NoError(t, err)
	}
	engine, err := NewEngine(store, 10, testfixtures.NewClock())
	require.NoError(t, err)
	return &engineFixture{ctx: ctx, store: store, engine: engine}
}

func (f *engineFixture) createRecipe(t *testing.T, p *messaging.CreateRecipePayload) {
	outbox := messaging.NewOutbox()
	require.NoError(t, f.engine.CreateRecipe(f.ctx, p, outbox))
	require.Equal(t, 1, outbox.Len())
}

// createNodeJobs creates a pending job for each named node of a recipe, the way the create jobs handler does.
func (f *engineFixture) createNodeJobs(t *testing.T, recipeID string, nodes ...string) map[string]string {
	ids := map[string]string{}
	var jobs []*models.Job
	for _, node := range nodes {
		job := testfixtures.Job(testfixtures.JobType(node, "1.0"), models.JobPending)
		job.RecipeID = recipeID
		job.RecipeNode = node
		jobs = append(jobs, job)
		ids[node] = job.ID
	}
	require.NoError(t, f.store.CreateJobs(f.ctx, jobs))
	return ids
}

func (f *engineFixture) setJobStatus(t *testing.T, jobID string, status models.JobStatus, output *models.Data) {
	_, err := f.store.UpdateJobs(f.ctx, []*models.JobUpdate{{JobID: jobID, Status: status, Output: output}})
	require.NoError(t, err)
}

func (f *engineFixture) update(t *testing.T, recipeID string) []*messaging.Message {
	outbox := messaging.NewOutbox()
	require.NoError(t, f.engine.Update(f.ctx, recipeID, outbox))
	return outbox.Messages()
}

func messagesOfType(msgs []*messaging.Message, msgType messaging.Type) []*messaging.Message {
	var rv []*messaging.Message
	for _, msg := range msgs {
		if msg.Type == msgType {
			rv = append(rv, msg)
		}
	}
	return rv
}

func decodeOne[T any](t *testing.T, msgs []*messaging.Message, msgType messaging.Type) *T {
	matching := messagesOfType(msgs, msgType)
	require.Len(t, matching, 1, "expected exactly one %s message", msgType)
	payload := new(T)
	require.NoError(t, matching[0].Decode(payload))
	return payload
}

func TestEngine_ChainLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	f.createRecipe(t, &messaging.CreateRecipePayload{RecipeID: "r1", RecipeTypeName: "chain", Input: testRecipe().Input})

	recipe, err := f.store.GetRecipe(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), recipe.RecipeTypeRevision)
	assert.Equal(t, "r1", recipe.RootRecipeID)
	assert.Equal(t, models.RecipePending, recipe.Status)

	msgs := f.update(t, "r1")
	create := decodeOne[messaging.CreateJobsPayload](t, msgs, messaging.CreateJobs)
	assert.Equal(t, []string{"a"}, create.Nodes)

	ids := f.createNodeJobs(t, "r1", "a")
	msgs = f.update(t, "r1")
	queue := decodeOne[messaging.QueueJobPayload](t, msgs, messaging.QueueJob)
	assert.Equal(t, ids["a"], queue.JobID)
	assert.Equal(t, []string{"7"}, queue.Input.Files["image"])
	assert.Equal(t, []string{"b"}, decodeOne[messaging.CreateJobsPayload](t, msgs, messaging.CreateJobs).Nodes)

	recipe, err = f.store.GetRecipe(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RecipeRunning, recipe.Status)

	for node, id := range f.createNodeJobs(t, "r1", "b", "c") {
		ids[node] = id
	}
	f.setJobStatus(t, ids["a"], models.JobCompleted, testfixtures.Files("product", "8"))
	msgs = f.update(t, "r1")
	queue = decodeOne[messaging.QueueJobPayload](t, msgs, messaging.QueueJob)
	assert.Equal(t, ids["b"], queue.JobID)
	assert.Equal(t, []string{"8"}, queue.Input.Files["image"])

	f.setJobStatus(t, ids["b"], models.JobCompleted, testfixtures.Files("product", "9"))
	f.setJobStatus(t, ids["c"], models.JobCompleted, nil)
	msgs = f.update(t, "r1")
	assert.Empty(t, messagesOfType(msgs, messaging.UpdateRecipe))

	recipe, err = f.store.GetRecipe(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RecipeCompleted, recipe.Status)
	assert.NotNil(t, recipe.Completed)

	// A completed recipe has nothing left to do.
	assert.Empty(t, f.update(t, "r1"))
}

func TestEngine_FailedJobBlocksDownstream(t *testing.T) {
	f := newEngineFixture(t)
	f.createRecipe(t, &messaging.CreateRecipePayload{RecipeID: "r1", RecipeTypeName: "chain", Input: testRecipe().Input})
	ids := f.createNodeJobs(t, "r1", "a", "b", "c")
	f.setJobStatus(t, ids["a"], models.JobFailed, nil)

	msgs := f.update(t, "r1")
	block := decodeOne[messaging.UpdateJobStatusPayload](t, msgs, messaging.UpdateJobStatus)
	assert.Equal(t, models.JobBlocked, block.Status)
	assert.ElementsMatch(t, []string{ids["b"], ids["c"]}, block.JobIDs)

	recipe, err := f.store.GetRecipe(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RecipeFailed, recipe.Status)

	// Requeueing the failed job unblocks the jobs below it one level per update.
	f.setJobStatus(t, ids["b"], models.JobBlocked, nil)
	f.setJobStatus(t, ids["c"], models.JobBlocked, nil)
	f.setJobStatus(t, ids["a"], models.JobQueued, nil)
	unblock := decodeOne[messaging.UpdateJobStatusPayload](t, f.update(t, "r1"), messaging.UpdateJobStatus)
	assert.Equal(t, models.JobPending, unblock.Status)
	assert.Equal(t, []string{ids["b"]}, unblock.JobIDs)

	f.setJobStatus(t, ids["b"], models.JobPending, nil)
	unblock = decodeOne[messaging.UpdateJobStatusPayload](t, f.update(t, "r1"), messaging.UpdateJobStatus)
	assert.Equal(t, []string{ids["c"]}, unblock.JobIDs)

	recipe, err = f.store.GetRecipe(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RecipeRunning, recipe.Status)
}

func TestEngine_CreateRecipeIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	p := &messaging.CreateRecipePayload{RecipeID: "r1", RecipeTypeName: "chain", BatchID: "batch-1"}
	f.createRecipe(t, p)

	outbox := messaging.NewOutbox()
	require.NoError(t, f.engine.CreateRecipe(f.ctx, p, outbox))
	update := decodeOne[messaging.UpdateRecipePayload](t, outbox.Messages(), messaging.UpdateRecipe)
	assert.Equal(t, "r1", update.RecipeID)

	recipe, err := f.store.GetRecipe(f.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", recipe.BatchID)
	assert.NotNil(t, recipe.Input)
}

func TestEngine_CreateRecipeRequiresID(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.CreateRecipe(f.ctx, &messaging.CreateRecipePayload{RecipeTypeName: "chain"}, messaging.NewOutbox())
	var invalidArg *models.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalidArg)
}

func TestEngine_Reprocess(t *testing.T) {
	f := newEngineFixture(t)
	f.createRecipe(t, &messaging.CreateRecipePayload{RecipeID: "r1", RecipeTypeName: "chain", Input: testRecipe().Input})
	ids := f.createNodeJobs(t, "r1", "a", "b", "c")
	f.setJobStatus(t, ids["a"], models.JobCompleted, testfixtures.Files("product", "8"))
	f.setJobStatus(t, ids["b"], models.JobCompleted, testfixtures.Files("product", "9"))
	f.setJobStatus(t, ids["c"], models.JobRunning, nil)

	outbox := messaging.NewOutbox()
	require.NoError(t, f.engine.Reprocess(f.ctx, &messaging.ReprocessRecipePayload{
		RecipeID:    "r1",
		NewRecipeID: "r2",
		ForcedNodes: &models.ForcedNodes{Nodes: []string{"c"}},
	}, outbox))
	create := decodeOne[messaging.CreateRecipePayload](t, outbox.Messages(), messaging.CreateRecipe)
	assert.Equal(t, "r1", create.SupersededRecipeID)
	assert.Equal(t, "r1", create.RootRecipeID)

	outbox = messaging.NewOutbox()
	require.NoError(t, f.engine.CreateRecipe(f.ctx, create, outbox))
	cancel := decodeOne[messaging.CancelJobPayload](t, outbox.Messages(), messaging.CancelJob)
	assert.Equal(t, []string{ids["c"]}, cancel.JobIDs)
	decodeOne[messaging.UpdateRecipePayload](t, outbox.Messages(), messaging.UpdateRecipe)

	old, err := f.store.GetRecipe(f.ctx, "r1")
	require.NoError(t, err)
	assert.True(t, old.IsSuperseded)
	assert.Equal(t, "r2", old.SupersededBy)
	oldJob, err := f.store.GetJob(f.ctx, ids["c"])
	require.NoError(t, err)
	assert.True(t, oldJob.IsSuperseded)

	// a and b are carried over by reference, c runs again.
	nodes, err := f.store.GetRecipeNodes(f.ctx, "r2")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.False(t, n.IsOriginal)
		assert.Equal(t, ids[n.NodeName], n.JobID)
	}
	msgs := f.update(t, "r2")
	assert.Equal(t, []string{"c"}, decodeOne[messaging.CreateJobsPayload](t, msgs, messaging.CreateJobs).Nodes)

	// The superseded recipe is frozen and cannot be superseded twice.
	assert.Empty(t, f.update(t, "r1"))
	outbox = messaging.NewOutbox()
	require.NoError(t, f.engine.Reprocess(f.ctx, &messaging.ReprocessRecipePayload{RecipeID: "r1", NewRecipeID: "r3"}, outbox))
	assert.Zero(t, outbox.Len())
}

func TestEngine_SubRecipes(t *testing.T) {
	f := newEngineFixture(t)
	f.createRecipe(t, &messaging.CreateRecipePayload{RecipeID: "p1", RecipeTypeName: "parent", BatchID: "b1", Input: testRecipe().Input})

	msgs := f.update(t, "p1")
	subs := decodeOne[messaging.CreateSubRecipesPayload](t, msgs, messaging.CreateSubRecipes)
	require.Len(t, subs.SubRecipes, 1)
	subs.SubRecipes[0].RecipeID = "c1"

	outbox := messaging.NewOutbox()
	require.NoError(t, f.engine.CreateSubRecipes(f.ctx, subs, outbox))
	create := decodeOne[messaging.CreateRecipePayload](t, outbox.Messages(), messaging.CreateRecipe)
	assert.Equal(t, "p1", create.ParentRecipeID)
	assert.Equal(t, "chain", create.ParentNode)
	assert.Equal(t, "b1", create.BatchID)
	f.createRecipe(t, create)

	// A redelivered sub-recipe for the same node is dropped.
	dup := *create
	dup.RecipeID = "c2"
	outbox = messaging.NewOutbox()
	require.NoError(t, f.engine.CreateRecipe(f.ctx, &dup, outbox))
	assert.Zero(t, outbox.Len())
	_, err := f.store.GetRecipe(f.ctx, "c2")
	assert.Error(t, err)

	ids := f.createNodeJobs(t, "c1", "a", "b", "c")
	for node, id := range ids {
		f.setJobStatus(t, id, models.JobCompleted, testfixtures.Files(node+"_product", node))
	}
	msgs = f.update(t, "c1")
	parentUpdate := decodeOne[messaging.UpdateRecipePayload](t, msgs, messaging.UpdateRecipe)
	assert.Equal(t, "p1", parentUpdate.RecipeID)

	assert.Empty(t, f.update(t, "p1"))
	parent, err := f.store.GetRecipe(f.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RecipeCompleted, parent.Status)
	nodes, err := f.store.GetRecipeNodes(f.ctx, "p1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, []string{"c"}, nodes[0].SubRecipeOutput.Files["c_product"])
}

func TestEngine_Conditions(t *testing.T) {
	tests := map[string]struct {
		cloudCover   float64
		expectedNode string
	}{
		"accepted": {cloudCover: 10, expectedNode: "clear"},
		"rejected": {cloudCover: 80, expectedNode: "cloudy"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t)
			input := &models.Data{Values: map[string]interface{}{"cloud_cover": tc.cloudCover}}
			f.createRecipe(t, &messaging.CreateRecipePayload{RecipeID: "r1", RecipeTypeName: "condition", Input: input})

			msgs := f.update(t, "r1")
			createConditions := decodeOne[messaging.CreateConditionsPayload](t, msgs, messaging.CreateConditions)
			assert.Equal(t, []string{"check"}, createConditions.Nodes)
			assert.Empty(t, messagesOfType(msgs, messaging.CreateJobs))

			outbox := messaging.NewOutbox()
			require.NoError(t, f.engine.CreateConditions(f.ctx, createConditions, outbox))
			// Creating the same condition twice keeps the first record.
			require.NoError(t, f.engine.CreateConditions(f.ctx, createConditions, messaging.NewOutbox()))

			evaluate := decodeOne[messaging.EvaluateConditionPayload](t, f.update(t, "r1"), messaging.EvaluateCondition)
			outbox = messaging.NewOutbox()
			require.NoError(t, f.engine.EvaluateCondition(f.ctx, evaluate, outbox))
			evaluated := decodeOne[messaging.ConditionEvaluatedPayload](t, outbox.Messages(), messaging.ConditionEvaluated)
			assert.Equal(t, "r1", evaluated.RecipeID)

			create := decodeOne[messaging.CreateJobsPayload](t, f.update(t, "r1"), messaging.CreateJobs)
			assert.Equal(t, []string{tc.expectedNode}, create.Nodes)
		})
	}
}

func TestEngine_CreateConditionsRejectsJobNodes(t *testing.T) {
	f := newEngineFixture(t)
	f.createRecipe(t, &messaging.CreateRecipePayload{RecipeID: "r1", RecipeTypeName: "chain"})
	err := f.engine.CreateConditions(f.ctx, &messaging.CreateConditionsPayload{RecipeID: "r1", Nodes: []string{"a"}}, messaging.NewOutbox())
	var invalidArg *models.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalidArg)
}

func TestEngine_Locked(t *testing.T) {
	f := newEngineFixture(t)
	called := false
	err := f.engine.Locked("r1", func() error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}
