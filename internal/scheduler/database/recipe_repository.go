package database

import (
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

var recipeColumns = []interface{}{
	"recipe_id", "recipe_type_name", "recipe_type_rev", "status", "input", "root_recipe_id", "superseded_recipe_id",
	"is_superseded", "superseded_by", "parent_recipe_id", "parent_node", "batch_id", "forced_nodes", "created",
	"completed",
}

// PostgresRecipeRepository is an implementation of RecipeRepository that stores its state in postgres
type PostgresRecipeRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRecipeRepository(db *pgxpool.Pool) *PostgresRecipeRepository {
	return &PostgresRecipeRepository{db: db}
}

func (r *PostgresRecipeRepository) GetRecipe(ctx *scalecontext.Context, recipeID string) (*models.Recipe, error) {
	row, err := queryRowDs(ctx, r.db, dialect.From(recipeTable).Select(recipeColumns...).Where(goqu.C("recipe_id").Eq(recipeID)).Prepared(true))
	if err != nil {
		return nil, err
	}
	var (
		recipe                               models.Recipe
		status                               string
		input, forced                        []byte
		supersededID, supersededBy, parentID *string
		parentNode, batchID                  *string
	)
	err = row.Scan(
		&recipe.ID, &recipe.RecipeTypeName, &recipe.RecipeTypeRevision, &status, &input, &recipe.RootRecipeID,
		&supersededID, &recipe.IsSuperseded, &supersededBy, &parentID, &parentNode, &batchID, &forced, &recipe.Created,
		&recipe.Completed,
	)
	if err != nil {
		return nil, notFound(err, "recipe", recipeID)
	}
	recipe.Status = models.RecipeStatus(status)
	if recipe.Input, err = dataFromJSON(input); err != nil {
		return nil, err
	}
	if forced != nil {
		recipe.ForcedNodes = &models.ForcedNodes{}
		if err := json.Unmarshal(forced, recipe.ForcedNodes); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	recipe.SupersededRecipeID = stringValue(supersededID)
	recipe.SupersededBy = stringValue(supersededBy)
	recipe.ParentRecipeID = stringValue(parentID)
	recipe.ParentNode = stringValue(parentNode)
	recipe.BatchID = stringValue(batchID)
	return &recipe, nil
}

func (r *PostgresRecipeRepository) GetRecipeTypeRevision(ctx *scalecontext.Context, name string, revision int64) (*models.RecipeTypeRevision, error) {
	ds := dialect.From(recipeTypeRevisionTable).
		Select("name", "revision_num", "definition", "created").
		Where(goqu.C("name").Eq(name))
	if revision > 0 {
		ds = ds.Where(goqu.C("revision_num").Eq(revision))
	}
	row, err := queryRowDs(ctx, r.db, ds.Order(goqu.C("revision_num").Desc()).Limit(1).Prepared(true))
	if err != nil {
		return nil, err
	}
	rev := &models.RecipeTypeRevision{}
	if err := row.Scan(&rev.Name, &rev.RevisionNum, &rev.Definition, &rev.Created); err != nil {
		return nil, notFound(err, "recipe type revision", name)
	}
	return rev, nil
}

func (r *PostgresRecipeRepository) CreateRecipeTypeRevision(ctx *scalecontext.Context, revision *models.RecipeTypeRevision) (int64, error) {
	var revisionNum int64
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		row, err := queryRowDs(ctx, tx, dialect.From(recipeTypeRevisionTable).
			Select(goqu.COALESCE(goqu.MAX("revision_num"), 0)).
			Where(goqu.C("name").Eq(revision.Name)).
			Prepared(true))
		if err != nil {
			return err
		}
		if err := row.Scan(&revisionNum); err != nil {
			return errors.WithStack(err)
		}
		revisionNum++
		_, err = execDs(ctx, tx, dialect.Insert(recipeTypeRevisionTable).Rows(goqu.Record{
			"name":         revision.Name,
			"revision_num": revisionNum,
			"definition":   []byte(revision.Definition),
			"created":      revision.Created,
		}).Prepared(true))
		return err
	})
	return revisionNum, err
}

func (r *PostgresRecipeRepository) GetRecipeNodes(ctx *scalecontext.Context, recipeID string) ([]*models.RecipeNodeDetails, error) {
	ds := dialect.From(goqu.T(recipeNodeTable).As("rn")).
		LeftJoin(goqu.T(jobTable).As("j"), goqu.On(goqu.I("j.job_id").Eq(goqu.I("rn.job_id")))).
		LeftJoin(goqu.T(recipeTable).As("sr"), goqu.On(goqu.I("sr.recipe_id").Eq(goqu.I("rn.sub_recipe_id")))).
		LeftJoin(goqu.T(conditionTable).As("c"), goqu.On(goqu.I("c.condition_id").Eq(goqu.I("rn.condition_id")))).
		Select(
			goqu.I("rn.recipe_id"), goqu.I("rn.node_name"), goqu.I("rn.node_type"), goqu.I("rn.job_id"),
			goqu.I("rn.sub_recipe_id"), goqu.I("rn.condition_id"), goqu.I("rn.is_original"), goqu.I("j.status"),
			goqu.I("j.output"), goqu.I("sr.status"), goqu.I("c.is_evaluated"), goqu.I("c.is_accepted"), goqu.I("c.data"),
		).
		Where(goqu.I("rn.recipe_id").Eq(recipeID)).
		Order(goqu.I("rn.node_name").Asc()).
		Prepared(true)
	rows, err := queryDs(ctx, r.db, ds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var details []*models.RecipeNodeDetails
	for rows.Next() {
		var (
			d                               models.RecipeNodeDetails
			nodeType                        string
			jobID, subRecipeID, conditionID *string
			jobStatus, subStatus            *string
			jobOutput, conditionData        []byte
			evaluated, accepted             *bool
		)
		err := rows.Scan(
			&d.RecipeID, &d.NodeName, &nodeType, &jobID, &subRecipeID, &conditionID, &d.IsOriginal, &jobStatus,
			&jobOutput, &subStatus, &evaluated, &accepted, &conditionData,
		)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		d.NodeType = models.RecipeNodeType(nodeType)
		d.JobID = stringValue(jobID)
		d.SubRecipeID = stringValue(subRecipeID)
		d.ConditionID = stringValue(conditionID)
		d.JobStatus = models.JobStatus(stringValue(jobStatus))
		d.SubRecipeStatus = models.RecipeStatus(stringValue(subStatus))
		d.ConditionEvaluated = evaluated != nil && *evaluated
		d.ConditionAccepted = accepted != nil && *accepted
		if d.JobOutput, err = dataFromJSON(jobOutput); err != nil {
			return nil, err
		}
		if d.ConditionData, err = dataFromJSON(conditionData); err != nil {
			return nil, err
		}
		details = append(details, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	rows.Close()
	for _, d := range details {
		if d.SubRecipeID == "" || d.SubRecipeStatus != models.RecipeCompleted {
			continue
		}
		if d.SubRecipeOutput, err = r.subRecipeOutput(ctx, d.SubRecipeID); err != nil {
			return nil, err
		}
	}
	return details, nil
}

// subRecipeOutput merges the outputs of the completed jobs of a recipe in node name order.
func (r *PostgresRecipeRepository) subRecipeOutput(ctx *scalecontext.Context, recipeID string) (*models.Data, error) {
	rows, err := queryDs(ctx, r.db, dialect.From(goqu.T(recipeNodeTable).As("rn")).
		InnerJoin(goqu.T(jobTable).As("j"), goqu.On(goqu.I("j.job_id").Eq(goqu.I("rn.job_id")))).
		Select(goqu.I("j.output")).
		Where(goqu.I("rn.recipe_id").Eq(recipeID), goqu.I("j.status").Eq(string(models.JobCompleted))).
		Order(goqu.I("rn.node_name").Asc()).
		Prepared(true))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	output := models.NewData()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.WithStack(err)
		}
		d, err := dataFromJSON(raw)
		if err != nil {
			return nil, err
		}
		output.Merge(d)
	}
	return output, errors.WithStack(rows.Err())
}

func (r *PostgresRecipeRepository) CreateRecipe(ctx *scalecontext.Context, recipe *models.Recipe, carried []*models.RecipeNode, supersededJobIDs []string) error {
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		inserted, err := execDs(ctx, tx, dialect.Insert(recipeTable).Rows(goqu.Record{
			"recipe_id":            recipe.ID,
			"recipe_type_name":     recipe.RecipeTypeName,
			"recipe_type_rev":      recipe.RecipeTypeRevision,
			"status":               string(recipe.Status),
			"input":                toJSON(recipe.Input),
			"root_recipe_id":       recipe.RootRecipeID,
			"superseded_recipe_id": nullString(recipe.SupersededRecipeID),
			"parent_recipe_id":     nullString(recipe.ParentRecipeID),
			"parent_node":          nullString(recipe.ParentNode),
			"batch_id":             nullString(recipe.BatchID),
			"forced_nodes":         toJSON(recipe.ForcedNodes),
			"created":              recipe.Created,
		}).OnConflict(goqu.DoNothing()).Prepared(true))
		if err != nil || inserted == 0 {
			return err
		}
		if len(carried) > 0 {
			rows := make([]interface{}, len(carried))
			for i, node := range carried {
				rows[i] = recipeNodeRecord(node)
			}
			if _, err := execDs(ctx, tx, dialect.Insert(recipeNodeTable).Rows(rows...).OnConflict(goqu.DoNothing()).Prepared(true)); err != nil {
				return err
			}
		}
		if recipe.SupersededRecipeID != "" {
			_, err := execDs(ctx, tx, dialect.Update(recipeTable).
				Set(goqu.Record{"is_superseded": true, "superseded_by": recipe.ID}).
				Where(goqu.C("recipe_id").Eq(recipe.SupersededRecipeID)).
				Prepared(true))
			if err != nil {
				return err
			}
		}
		if len(supersededJobIDs) > 0 {
			_, err := execDs(ctx, tx, dialect.Update(jobTable).
				Set(goqu.Record{"is_superseded": true, "superseded_by": recipe.ID, "last_modified": recipe.Created}).
				Where(goqu.C("job_id").In(supersededJobIDs)).
				Prepared(true))
			if err != nil {
				return err
			}
		}
		if recipe.ParentRecipeID != "" {
			_, err := execDs(ctx, tx, dialect.Insert(recipeNodeTable).Rows(recipeNodeRecord(&models.RecipeNode{
				RecipeID:    recipe.ParentRecipeID,
				NodeName:    recipe.ParentNode,
				NodeType:    models.NodeTypeRecipe,
				SubRecipeID: recipe.ID,
				IsOriginal:  true,
			})).OnConflict(goqu.DoUpdate("recipe_id, node_name", goqu.Record{
				"sub_recipe_id": goqu.L("EXCLUDED.sub_recipe_id"),
			})).Prepared(true))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRecipeRepository) UpdateRecipeStatus(ctx *scalecontext.Context, recipeID string, status models.RecipeStatus, completed *time.Time) error {
	_, err := execDs(ctx, r.db, dialect.Update(recipeTable).
		Set(goqu.Record{"status": string(status), "completed": completed}).
		Where(goqu.C("recipe_id").Eq(recipeID)).
		Prepared(true))
	return err
}

func (r *PostgresRecipeRepository) GetRecipeIDsForSubRecipe(ctx *scalecontext.Context, subRecipeID string) ([]string, error) {
	return r.liveRecipesWithNode(ctx, goqu.I("rn.sub_recipe_id").Eq(subRecipeID))
}

func (r *PostgresRecipeRepository) GetRecipeIDsForJob(ctx *scalecontext.Context, jobID string) ([]string, error) {
	return r.liveRecipesWithNode(ctx, goqu.I("rn.job_id").Eq(jobID))
}

func (r *PostgresRecipeRepository) liveRecipesWithNode(ctx *scalecontext.Context, nodeFilter exp.Expression) ([]string, error) {
	return queryStrings(ctx, r.db, dialect.From(goqu.T(recipeNodeTable).As("rn")).
		InnerJoin(goqu.T(recipeTable).As("r"), goqu.On(goqu.I("r.recipe_id").Eq(goqu.I("rn.recipe_id")))).
		Select(goqu.I("rn.recipe_id")).
		Distinct().
		Where(nodeFilter, goqu.I("r.is_superseded").IsFalse()).
		Order(goqu.I("rn.recipe_id").Asc()).
		Prepared(true))
}

func (r *PostgresRecipeRepository) GetCondition(ctx *scalecontext.Context, conditionID string) (*models.Condition, error) {
	row, err := queryRowDs(ctx, r.db, dialect.From(conditionTable).
		Select("condition_id", "recipe_id", "node_name", "is_evaluated", "is_accepted", "data", "created").
		Where(goqu.C("condition_id").Eq(conditionID)).
		Prepared(true))
	if err != nil {
		return nil, err
	}
	var (
		c    models.Condition
		data []byte
	)
	if err := row.Scan(&c.ID, &c.RecipeID, &c.NodeName, &c.Evaluated, &c.Accepted, &data, &c.Created); err != nil {
		return nil, notFound(err, "condition", conditionID)
	}
	if c.Data, err = dataFromJSON(data); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRecipeRepository) CreateConditions(ctx *scalecontext.Context, conditions []*models.Condition) error {
	if len(conditions) == 0 {
		return nil
	}
	conditionRows := make([]interface{}, len(conditions))
	nodeRows := make([]interface{}, len(conditions))
	for i, c := range conditions {
		conditionRows[i] = goqu.Record{
			"condition_id": c.ID,
			"recipe_id":    c.RecipeID,
			"node_name":    c.NodeName,
			"is_evaluated": c.Evaluated,
			"is_accepted":  c.Accepted,
			"data":         toJSON(c.Data),
			"created":      c.Created,
		}
		nodeRows[i] = recipeNodeRecord(&models.RecipeNode{
			RecipeID:    c.RecipeID,
			NodeName:    c.NodeName,
			NodeType:    models.NodeTypeCondition,
			ConditionID: c.ID,
			IsOriginal:  true,
		})
	}
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := execDs(ctx, tx, dialect.Insert(conditionTable).Rows(conditionRows...).Prepared(true)); err != nil {
			return err
		}
		_, err := execDs(ctx, tx, dialect.Insert(recipeNodeTable).Rows(nodeRows...).OnConflict(goqu.DoNothing()).Prepared(true))
		return err
	})
}

func (r *PostgresRecipeRepository) SetConditionResult(ctx *scalecontext.Context, conditionID string, accepted bool, data *models.Data) error {
	_, err := execDs(ctx, r.db, dialect.Update(conditionTable).
		Set(goqu.Record{"is_evaluated": true, "is_accepted": accepted, "data": toJSON(data)}).
		Where(goqu.C("condition_id").Eq(conditionID)).
		Prepared(true))
	return err
}

func recipeNodeRecord(node *models.RecipeNode) goqu.Record {
	return goqu.Record{
		"recipe_id":     node.RecipeID,
		"node_name":     node.NodeName,
		"node_type":     string(node.NodeType),
		"job_id":        nullString(node.JobID),
		"sub_recipe_id": nullString(node.SubRecipeID),
		"condition_id":  nullString(node.ConditionID),
		"is_original":   node.IsOriginal,
	}
}
