package models

import (
	"encoding/json"
	"time"
)

type RecipeStatus string

const (
	RecipePending   RecipeStatus = "PENDING"
	RecipeRunning   RecipeStatus = "RUNNING"
	RecipeCompleted RecipeStatus = "COMPLETED"
	RecipeFailed    RecipeStatus = "FAILED"
)

// RecipeTypeRevision is an immutable recipe definition. Definition holds the raw JSON document.
type RecipeTypeRevision struct {
	Name        string
	RevisionNum int64
	Definition  json.RawMessage
	Created     time.Time
}

// Recipe is one run of a recipe type revision.
type Recipe struct {
	ID                 string
	RecipeTypeName     string
	RecipeTypeRevision int64
	Status             RecipeStatus
	Input              *Data
	// The first recipe in a chain of reprocessing. Equal to ID for recipes that supersede nothing.
	RootRecipeID       string
	SupersededRecipeID string
	IsSuperseded       bool
	SupersededBy       string
	// Set for recipes that run as a node of another recipe.
	ParentRecipeID string
	ParentNode     string
	BatchID        string
	// Nodes forced to re-run when this recipe superseded another.
	ForcedNodes *ForcedNodes
	Created     time.Time
	Completed   *time.Time
}

type RecipeNodeType string

const (
	NodeTypeJob       RecipeNodeType = "job"
	NodeTypeRecipe    RecipeNodeType = "recipe"
	NodeTypeCondition RecipeNodeType = "condition"
)

// RecipeNode links a node of a recipe to the job, sub-recipe or condition created for it.
type RecipeNode struct {
	RecipeID    string
	NodeName    string
	NodeType    RecipeNodeType
	JobID       string
	SubRecipeID string
	ConditionID string
	// False when the node was carried over by reference from a superseded recipe.
	IsOriginal bool
}

// Condition is the database record of a condition node.
type Condition struct {
	ID        string
	RecipeID  string
	NodeName  string
	Evaluated bool
	Accepted  bool
	Data      *Data
	Created   time.Time
}

// ForcedNodes selects recipe nodes to re-run during reprocessing regardless of whether their definition changed.
type ForcedNodes struct {
	All   bool     `json:"all,omitempty"`
	Nodes []string `json:"nodes,omitempty"`
	// Forced nodes of the sub-recipes run by the named recipe nodes.
	SubRecipes map[string]*ForcedNodes `json:"sub_recipes,omitempty"`
}

// IsForced reports whether the named node is forced.
func (f *ForcedNodes) IsForced(node string) bool {
	if f == nil {
		return false
	}
	if f.All {
		return true
	}
	for _, n := range f.Nodes {
		if n == node {
			return true
		}
	}
	return false
}

// ForSubRecipe returns the forced nodes to apply to the sub-recipe run by node.
func (f *ForcedNodes) ForSubRecipe(node string) *ForcedNodes {
	if f == nil {
		return nil
	}
	if sub, ok := f.SubRecipes[node]; ok {
		return sub
	}
	if f.All {
		return &ForcedNodes{All: true}
	}
	return nil
}

// RecipeNodeDetails is a recipe node together with the current state of the job, sub-recipe or condition behind it.
type RecipeNodeDetails struct {
	RecipeNode
	JobStatus JobStatus
	JobOutput *Data
	// Merged outputs of the completed jobs of the sub-recipe.
	SubRecipeStatus    RecipeStatus
	SubRecipeOutput    *Data
	ConditionEvaluated bool
	ConditionAccepted  bool
	ConditionData      *Data
}
