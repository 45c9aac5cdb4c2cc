package recipe

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/common/util"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// Repository is the recipe storage used by the engine.
type Repository interface {
	GetRecipe(ctx *scalecontext.Context, recipeID string) (*models.Recipe, error)
	// A zero revision selects the latest revision.
	GetRecipeTypeRevision(ctx *scalecontext.Context, name string, revision int64) (*models.RecipeTypeRevision, error)
	GetRecipeNodes(ctx *scalecontext.Context, recipeID string) ([]*models.RecipeNodeDetails, error)
	// CreateRecipe inserts the recipe and the nodes carried over from the recipe it supersedes, marks the superseded
	// recipe and jobs, and links a sub-recipe to its parent node, all in one transaction.
	CreateRecipe(ctx *scalecontext.Context, recipe *models.Recipe, carried []*models.RecipeNode, supersededJobIDs []string) error
	UpdateRecipeStatus(ctx *scalecontext.Context, recipeID string, status models.RecipeStatus, completed *time.Time) error
	// GetRecipeIDsForSubRecipe returns the live recipes running the given recipe as one of their nodes.
	GetRecipeIDsForSubRecipe(ctx *scalecontext.Context, subRecipeID string) ([]string, error)
	GetCondition(ctx *scalecontext.Context, conditionID string) (*models.Condition, error)
	CreateConditions(ctx *scalecontext.Context, conditions []*models.Condition) error
	SetConditionResult(ctx *scalecontext.Context, conditionID string, accepted bool, data *models.Data) error
}

// Engine moves recipes forward. Every change to a recipe happens under a lock on the recipe id.
type Engine struct {
	repo   Repository
	graphs *lru.Cache
	locks  *keyedMutex
	clock  clock.PassiveClock
}

func NewEngine(repo Repository, graphCacheSize int, clock clock.PassiveClock) (*Engine, error) {
	graphs, err := lru.New(graphCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Engine{
		repo:   repo,
		graphs: graphs,
		locks:  newKeyedMutex(),
		clock:  clock,
	}, nil
}

// Graph returns the parsed definition of a recipe type revision. A zero revision selects the latest revision.
func (e *Engine) Graph(ctx *scalecontext.Context, name string, revision int64) (*Graph, error) {
	key := fmt.Sprintf("%s:%d", name, revision)
	if revision > 0 {
		if g, ok := e.graphs.Get(key); ok {
			return g.(*Graph), nil
		}
	}
	rev, err := e.repo.GetRecipeTypeRevision(ctx, name, revision)
	if err != nil {
		return nil, err
	}
	g, err := ParseGraph(rev.Definition)
	if err != nil {
		return nil, errors.WithMessagef(err, "recipe type %s revision %d", name, rev.RevisionNum)
	}
	e.graphs.Add(fmt.Sprintf("%s:%d", name, rev.RevisionNum), g)
	return g, nil
}

// Instance loads and evaluates a recipe.
func (e *Engine) Instance(ctx *scalecontext.Context, recipeID string) (*Instance, error) {
	recipe, err := e.repo.GetRecipe(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	graph, err := e.Graph(ctx, recipe.RecipeTypeName, recipe.RecipeTypeRevision)
	if err != nil {
		return nil, err
	}
	details, err := e.repo.GetRecipeNodes(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	return NewInstance(recipe, graph, details), nil
}

// Update evaluates a recipe and adds the messages that move it forward to the outbox. Superseded recipes are left
// alone.
func (e *Engine) Update(ctx *scalecontext.Context, recipeID string, outbox *messaging.Outbox) error {
	unlock := e.locks.Lock(recipeID)
	defer unlock()
	log := ctx.Log.WithField("recipeId", recipeID)

	inst, err := e.Instance(ctx, recipeID)
	if err != nil {
		return err
	}
	recipe := inst.Recipe
	if recipe.IsSuperseded {
		log.Debugf("Recipe is superseded by %s; not updating it", recipe.SupersededBy)
		return nil
	}
	plan := inst.Plan()
	now := e.clock.Now()

	if len(plan.CreateJobs) > 0 {
		outbox.AddNew(messaging.CreateJobs, &messaging.CreateJobsPayload{RecipeID: recipeID, Nodes: plan.CreateJobs})
	}
	if len(plan.CreateConditions) > 0 {
		outbox.AddNew(messaging.CreateConditions, &messaging.CreateConditionsPayload{RecipeID: recipeID, Nodes: plan.CreateConditions})
	}
	if len(plan.CreateSubRecipes) > 0 {
		subs, err := e.subRecipes(ctx, inst, plan.CreateSubRecipes)
		if err != nil {
			return err
		}
		outbox.AddNew(messaging.CreateSubRecipes, &messaging.CreateSubRecipesPayload{RecipeID: recipeID, SubRecipes: subs})
	}
	for _, name := range plan.QueueJobs {
		d, _ := inst.Details(name)
		outbox.AddNew(messaging.QueueJob, &messaging.QueueJobPayload{JobID: d.JobID, Input: inst.ResolveInput(name)})
	}
	for _, name := range plan.EvaluateConditions {
		d, _ := inst.Details(name)
		outbox.AddNew(messaging.EvaluateCondition, &messaging.EvaluateConditionPayload{
			ConditionID: d.ConditionID,
			RecipeID:    recipeID,
			Input:       inst.ResolveInput(name),
		})
	}
	if len(plan.BlockJobs) > 0 {
		outbox.AddNew(messaging.UpdateJobStatus, &messaging.UpdateJobStatusPayload{JobIDs: plan.BlockJobs, Status: models.JobBlocked, When: now})
	}
	if len(plan.UnblockJobs) > 0 {
		outbox.AddNew(messaging.UpdateJobStatus, &messaging.UpdateJobStatusPayload{JobIDs: plan.UnblockJobs, Status: models.JobPending, When: now})
	}

	if plan.Status == recipe.Status {
		return nil
	}
	var completed *time.Time
	if plan.Status == models.RecipeCompleted {
		completed = &now
	}
	if err := e.repo.UpdateRecipeStatus(ctx, recipeID, plan.Status, completed); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"from": recipe.Status, "to": plan.Status}).Info("Recipe status changed")
	parents, err := e.repo.GetRecipeIDsForSubRecipe(ctx, recipeID)
	if err != nil {
		return err
	}
	for _, parentID := range parents {
		outbox.AddNew(messaging.UpdateRecipe, &messaging.UpdateRecipePayload{RecipeID: parentID})
	}
	return nil
}

// subRecipes describes the sub-recipes to create for the given recipe nodes. When the recipe superseded another, the
// sub-recipes of the superseded recipe are superseded in turn.
func (e *Engine) subRecipes(ctx *scalecontext.Context, inst *Instance, names []string) ([]messaging.SubRecipe, error) {
	previous := map[string]*models.RecipeNodeDetails{}
	if inst.Recipe.SupersededRecipeID != "" {
		details, err := e.repo.GetRecipeNodes(ctx, inst.Recipe.SupersededRecipeID)
		if err != nil {
			return nil, err
		}
		for _, d := range details {
			previous[d.NodeName] = d
		}
	}
	subs := make([]messaging.SubRecipe, 0, len(names))
	for _, name := range names {
		node := inst.Graph().Node(name)
		sub := messaging.SubRecipe{
			Node:               name,
			RecipeTypeName:     node.NodeType.RecipeTypeName,
			RecipeTypeRevision: node.NodeType.RecipeTypeRevision,
			Input:              inst.ResolveInput(name),
		}
		if prev, ok := previous[name]; ok && prev.SubRecipeID != "" {
			sub.SupersededRecipeID = prev.SubRecipeID
			sub.ForcedNodes = inst.Recipe.ForcedNodes.ForSubRecipe(name)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// CreateSubRecipes turns each sub-recipe of a parent into its own CreateRecipe message.
func (e *Engine) CreateSubRecipes(ctx *scalecontext.Context, p *messaging.CreateSubRecipesPayload, outbox *messaging.Outbox) error {
	parent, err := e.repo.GetRecipe(ctx, p.RecipeID)
	if err != nil {
		return err
	}
	for _, sub := range p.SubRecipes {
		recipeID := sub.RecipeID
		if recipeID == "" {
			recipeID = util.NewULID()
		}
		outbox.AddNew(messaging.CreateRecipe, &messaging.CreateRecipePayload{
			RecipeID:           recipeID,
			RecipeTypeName:     sub.RecipeTypeName,
			RecipeTypeRevision: sub.RecipeTypeRevision,
			Input:              sub.Input,
			BatchID:            parent.BatchID,
			ParentRecipeID:     parent.ID,
			ParentNode:         sub.Node,
			SupersededRecipeID: sub.SupersededRecipeID,
			ForcedNodes:        sub.ForcedNodes,
		})
	}
	return nil
}

// CreateRecipe creates a recipe, superseding an older one if requested, and schedules its first update. Creating a
// recipe that already exists, superseding a recipe twice or filling a parent node twice is a no-op.
func (e *Engine) CreateRecipe(ctx *scalecontext.Context, p *messaging.CreateRecipePayload, outbox *messaging.Outbox) error {
	if p.RecipeID == "" {
		return errors.WithStack(&models.ErrInvalidArgument{Name: "recipe_id", Value: "", Message: "must be set"})
	}
	log := ctx.Log.WithField("recipeId", p.RecipeID)
	if _, err := e.repo.GetRecipe(ctx, p.RecipeID); err == nil {
		log.Info("Recipe already exists")
		outbox.AddNew(messaging.UpdateRecipe, &messaging.UpdateRecipePayload{RecipeID: p.RecipeID})
		return nil
	} else if !isNotFound(err) {
		return err
	}
	if p.ParentRecipeID != "" {
		unlock := e.locks.Lock(p.ParentRecipeID)
		defer unlock()
		nodes, err := e.repo.GetRecipeNodes(ctx, p.ParentRecipeID)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			if node.NodeName == p.ParentNode && (p.SupersededRecipeID == "" || node.SubRecipeID != p.SupersededRecipeID) {
				log.Infof("Node %s of recipe %s already has a sub-recipe", p.ParentNode, p.ParentRecipeID)
				return nil
			}
		}
	}

	graph, err := e.Graph(ctx, p.RecipeTypeName, p.RecipeTypeRevision)
	if err != nil {
		return err
	}
	revision, err := e.repo.GetRecipeTypeRevision(ctx, p.RecipeTypeName, p.RecipeTypeRevision)
	if err != nil {
		return err
	}
	recipe := &models.Recipe{
		ID:                 p.RecipeID,
		RecipeTypeName:     p.RecipeTypeName,
		RecipeTypeRevision: revision.RevisionNum,
		Status:             models.RecipePending,
		Input:              p.Input,
		RootRecipeID:       p.RootRecipeID,
		SupersededRecipeID: p.SupersededRecipeID,
		ParentRecipeID:     p.ParentRecipeID,
		ParentNode:         p.ParentNode,
		BatchID:            p.BatchID,
		ForcedNodes:        p.ForcedNodes,
		Created:            e.clock.Now(),
	}
	if recipe.Input == nil {
		recipe.Input = models.NewData()
	}
	if recipe.RootRecipeID == "" {
		recipe.RootRecipeID = recipe.ID
	}

	var carried []*models.RecipeNode
	var superseded, toCancel []string
	if p.SupersededRecipeID != "" {
		unlock := e.locks.Lock(p.SupersededRecipeID)
		defer unlock()
		prev, err := e.Instance(ctx, p.SupersededRecipeID)
		if err != nil {
			return err
		}
		if prev.Recipe.IsSuperseded {
			log.Warnf("Recipe %s is already superseded by %s", prev.Recipe.ID, prev.Recipe.SupersededBy)
			return nil
		}
		if prev.Recipe.RootRecipeID != "" {
			recipe.RootRecipeID = prev.Recipe.RootRecipeID
		} else {
			recipe.RootRecipeID = prev.Recipe.ID
		}
		diff := NewDiff(prev.Graph(), graph, p.ForcedNodes)
		for _, name := range prev.Graph().Definition().NodeNames() {
			d, ok := prev.Details(name)
			if !ok {
				continue
			}
			if diff.Nodes[name].Change == NodeUnchanged {
				node := d.RecipeNode
				node.RecipeID = recipe.ID
				node.IsOriginal = false
				carried = append(carried, &node)
				continue
			}
			if d.JobID != "" {
				superseded = append(superseded, d.JobID)
				if !d.JobStatus.Terminal() {
					toCancel = append(toCancel, d.JobID)
				}
			}
		}
		log.Infof("Superseding recipe %s: %d nodes carried over, %d superseded", prev.Recipe.ID, len(carried), len(superseded))
	}

	if err := e.repo.CreateRecipe(ctx, recipe, carried, superseded); err != nil {
		return err
	}
	if len(toCancel) > 0 {
		outbox.AddNew(messaging.CancelJob, &messaging.CancelJobPayload{JobIDs: toCancel, When: e.clock.Now()})
	}
	outbox.AddNew(messaging.UpdateRecipe, &messaging.UpdateRecipePayload{RecipeID: recipe.ID})
	return nil
}

// Reprocess creates a recipe superseding recipeID. Nodes whose definition is unchanged between the two revisions, and
// that are not forced, carry their results over; the rest run again.
func (e *Engine) Reprocess(ctx *scalecontext.Context, p *messaging.ReprocessRecipePayload, outbox *messaging.Outbox) error {
	prev, err := e.repo.GetRecipe(ctx, p.RecipeID)
	if err != nil {
		return err
	}
	if prev.IsSuperseded {
		ctx.Log.Warnf("Recipe %s is already superseded by %s; not reprocessing it", prev.ID, prev.SupersededBy)
		return nil
	}
	if _, err := e.Graph(ctx, prev.RecipeTypeName, p.RecipeTypeRevision); err != nil {
		return err
	}
	newID := p.NewRecipeID
	if newID == "" {
		newID = util.NewULID()
	}
	outbox.AddNew(messaging.CreateRecipe, &messaging.CreateRecipePayload{
		RecipeID:           newID,
		RecipeTypeName:     prev.RecipeTypeName,
		RecipeTypeRevision: p.RecipeTypeRevision,
		Input:              prev.Input,
		BatchID:            prev.BatchID,
		ParentRecipeID:     prev.ParentRecipeID,
		ParentNode:         prev.ParentNode,
		RootRecipeID:       prev.RootRecipeID,
		SupersededRecipeID: prev.ID,
		ForcedNodes:        p.ForcedNodes,
	})
	return nil
}

// CreateConditions creates the condition records of recipe nodes that do not have one yet.
func (e *Engine) CreateConditions(ctx *scalecontext.Context, p *messaging.CreateConditionsPayload, outbox *messaging.Outbox) error {
	unlock := e.locks.Lock(p.RecipeID)
	defer unlock()
	inst, err := e.Instance(ctx, p.RecipeID)
	if err != nil {
		return err
	}
	var conditions []*models.Condition
	for _, name := range p.Nodes {
		node := inst.Graph().Node(name)
		if node == nil || node.NodeType.NodeType != models.NodeTypeCondition {
			return errors.WithStack(&models.ErrInvalidArgument{Name: "node", Value: name, Message: "not a condition node of recipe " + p.RecipeID})
		}
		if _, exists := inst.Details(name); exists {
			continue
		}
		conditions = append(conditions, &models.Condition{
			ID:       util.NewULID(),
			RecipeID: p.RecipeID,
			NodeName: name,
			Created:  e.clock.Now(),
		})
	}
	if len(conditions) > 0 {
		if err := e.repo.CreateConditions(ctx, conditions); err != nil {
			return err
		}
	}
	outbox.AddNew(messaging.UpdateRecipe, &messaging.UpdateRecipePayload{RecipeID: p.RecipeID})
	return nil
}

// EvaluateCondition applies a condition's data filter to its input and records the result.
func (e *Engine) EvaluateCondition(ctx *scalecontext.Context, p *messaging.EvaluateConditionPayload, outbox *messaging.Outbox) error {
	condition, err := e.repo.GetCondition(ctx, p.ConditionID)
	if err != nil {
		return err
	}
	if !condition.Evaluated {
		recipe, err := e.repo.GetRecipe(ctx, condition.RecipeID)
		if err != nil {
			return err
		}
		graph, err := e.Graph(ctx, recipe.RecipeTypeName, recipe.RecipeTypeRevision)
		if err != nil {
			return err
		}
		node := graph.Node(condition.NodeName)
		if node == nil || node.NodeType.Filter == nil {
			return errors.Errorf("condition %s refers to unknown condition node %s", condition.ID, condition.NodeName)
		}
		accepted := node.NodeType.Filter.Evaluate(p.Input)
		ctx.Log.WithFields(logrus.Fields{"conditionId": condition.ID, "accepted": accepted}).Info("Evaluated condition")
		if err := e.repo.SetConditionResult(ctx, condition.ID, accepted, p.Input); err != nil {
			return err
		}
	}
	outbox.AddNew(messaging.ConditionEvaluated, &messaging.ConditionEvaluatedPayload{ConditionID: condition.ID, RecipeID: condition.RecipeID})
	return nil
}

// Locked runs f while holding the lock of recipeID. Handlers that write recipe nodes outside the engine use it to
// serialize with Update.
func (e *Engine) Locked(recipeID string, f func() error) error {
	unlock := e.locks.Lock(recipeID)
	defer unlock()
	return f()
}

func isNotFound(err error) bool {
	var notFound *models.ErrNotFound
	return errors.As(err, &notFound)
}
