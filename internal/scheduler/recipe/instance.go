package recipe

import (
	"sort"

	"github.com/scaleproject/scale/internal/scheduler/models"
)

type NodeStatus string

const (
	NodeNotCreated NodeStatus = "NOT_CREATED"
	NodePending    NodeStatus = "PENDING"
	NodeBlocked    NodeStatus = "BLOCKED"
	NodeRunning    NodeStatus = "RUNNING"
	NodeCompleted  NodeStatus = "COMPLETED"
	NodeFailed     NodeStatus = "FAILED"
	NodeCanceled   NodeStatus = "CANCELED"
	NodeSkipped    NodeStatus = "SKIPPED"
)

func (s NodeStatus) failed() bool {
	return s == NodeFailed || s == NodeCanceled || s == NodeBlocked
}

// Instance is a recipe evaluated against the current state of its nodes.
type Instance struct {
	Recipe *models.Recipe
	graph  *Graph
	nodes  map[string]*models.RecipeNodeDetails
	status map[string]NodeStatus
	// Nodes below a failed, canceled or blocked dependency.
	blocked map[string]bool
}

// NewInstance evaluates every node of the recipe in topological order.
func NewInstance(recipe *models.Recipe, graph *Graph, details []*models.RecipeNodeDetails) *Instance {
	inst := &Instance{
		Recipe:  recipe,
		graph:   graph,
		nodes:   make(map[string]*models.RecipeNodeDetails, len(details)),
		status:  make(map[string]NodeStatus, len(graph.Order())),
		blocked: map[string]bool{},
	}
	for _, d := range details {
		inst.nodes[d.NodeName] = d
	}
	for _, name := range graph.Order() {
		inst.evaluate(name)
	}
	return inst
}

func (inst *Instance) evaluate(name string) {
	node := inst.graph.Node(name)
	status := inst.baseStatus(name)
	for _, dep := range node.Dependencies {
		parent := inst.status[dep.Name]
		if !dep.Optional && (parent.failed() || inst.blocked[dep.Name]) {
			inst.blocked[name] = true
		}
		if status == NodeNotCreated && (parent == NodeSkipped || inst.rejects(dep)) {
			status = NodeSkipped
		}
	}
	if status == NodeNotCreated && inst.blocked[name] {
		status = NodeBlocked
	}
	inst.status[name] = status
}

func (inst *Instance) baseStatus(name string) NodeStatus {
	d, ok := inst.nodes[name]
	if !ok {
		return NodeNotCreated
	}
	switch d.NodeType {
	case models.NodeTypeJob:
		switch d.JobStatus {
		case models.JobCompleted:
			return NodeCompleted
		case models.JobFailed:
			return NodeFailed
		case models.JobCanceled:
			return NodeCanceled
		case models.JobBlocked:
			return NodeBlocked
		case models.JobPending:
			return NodePending
		}
		return NodeRunning
	case models.NodeTypeRecipe:
		switch d.SubRecipeStatus {
		case models.RecipeCompleted:
			return NodeCompleted
		case models.RecipeFailed:
			return NodeFailed
		}
		return NodeRunning
	default:
		if d.ConditionEvaluated {
			return NodeCompleted
		}
		return NodePending
	}
}

// rejects reports whether dep is an evaluated condition whose result excludes the dependent node.
func (inst *Instance) rejects(dep Dependency) bool {
	d, ok := inst.nodes[dep.Name]
	if !ok || d.NodeType != models.NodeTypeCondition || !d.ConditionEvaluated {
		return false
	}
	return d.ConditionAccepted != dep.Accepts()
}

func (inst *Instance) Status(name string) NodeStatus {
	return inst.status[name]
}

func (inst *Instance) Details(name string) (*models.RecipeNodeDetails, bool) {
	d, ok := inst.nodes[name]
	return d, ok
}

func (inst *Instance) Graph() *Graph {
	return inst.graph
}

// creatable reports whether every dependency of the node exists and no condition above it is still undecided.
func (inst *Instance) creatable(name string) bool {
	for _, dep := range inst.graph.Node(name).Dependencies {
		status := inst.status[dep.Name]
		if status == NodeNotCreated || status == NodeSkipped || (status == NodeBlocked && inst.nodes[dep.Name] == nil) {
			return false
		}
		if inst.graph.Node(dep.Name).NodeType.NodeType == models.NodeTypeCondition && status != NodeCompleted {
			return false
		}
	}
	return true
}

// ready reports whether every dependency of the node has produced what the node needs.
func (inst *Instance) ready(name string) bool {
	for _, dep := range inst.graph.Node(name).Dependencies {
		status := inst.status[dep.Name]
		switch {
		case status == NodeCompleted && !inst.rejects(dep):
		case dep.Optional && (status == NodeFailed || status == NodeCanceled):
		default:
			return false
		}
	}
	return true
}

// ResolveInput builds the input of a node from the recipe input and the outputs of its dependencies.
func (inst *Instance) ResolveInput(name string) *models.Data {
	node := inst.graph.Node(name)
	data := models.NewData()
	inputNames := make([]string, 0, len(node.Input))
	for inputName := range node.Input {
		inputNames = append(inputNames, inputName)
	}
	sort.Strings(inputNames)
	for _, inputName := range inputNames {
		conn := node.Input[inputName]
		switch conn.Type {
		case ConnectionRecipe:
			data.Copy(inst.Recipe.Input, conn.Input, inputName)
		case ConnectionDependency:
			data.Copy(inst.output(conn.Node), conn.Output, inputName)
		}
	}
	return data
}

func (inst *Instance) output(name string) *models.Data {
	d, ok := inst.nodes[name]
	if !ok {
		return nil
	}
	switch d.NodeType {
	case models.NodeTypeJob:
		return d.JobOutput
	case models.NodeTypeRecipe:
		return d.SubRecipeOutput
	default:
		return d.ConditionData
	}
}

// Plan lists what must happen next for a recipe. Node names and job ids are sorted.
type Plan struct {
	CreateJobs         []string
	CreateConditions   []string
	CreateSubRecipes   []string
	QueueJobs          []string
	EvaluateConditions []string
	// Job ids
	BlockJobs   []string
	UnblockJobs []string
	Status      models.RecipeStatus
}

// Plan computes the actions that move the recipe forward. Nodes are visited in lexicographic order.
func (inst *Instance) Plan() *Plan {
	p := &Plan{Status: inst.RecipeStatus()}
	for _, name := range inst.graph.Definition().NodeNames() {
		node := inst.graph.Node(name)
		status := inst.status[name]
		d, created := inst.nodes[name]
		blocked := inst.blocked[name]
		switch node.NodeType.NodeType {
		case models.NodeTypeJob:
			switch {
			case !created:
				if status != NodeSkipped && !blocked && inst.creatable(name) {
					p.CreateJobs = append(p.CreateJobs, name)
				}
			case status == NodePending && blocked:
				p.BlockJobs = append(p.BlockJobs, d.JobID)
			case status == NodePending && inst.ready(name):
				p.QueueJobs = append(p.QueueJobs, name)
			case status == NodeBlocked && !blocked:
				p.UnblockJobs = append(p.UnblockJobs, d.JobID)
			}
		case models.NodeTypeCondition:
			switch {
			case !created:
				if status != NodeSkipped && !blocked && inst.creatable(name) {
					p.CreateConditions = append(p.CreateConditions, name)
				}
			case !d.ConditionEvaluated && !blocked && inst.ready(name):
				p.EvaluateConditions = append(p.EvaluateConditions, name)
			}
		case models.NodeTypeRecipe:
			if !created && status != NodeSkipped && !blocked && inst.ready(name) {
				p.CreateSubRecipes = append(p.CreateSubRecipes, name)
			}
		}
	}
	sort.Strings(p.BlockJobs)
	sort.Strings(p.UnblockJobs)
	return p
}

// RecipeStatus derives the status of the recipe: COMPLETED when every sink node completed or was skipped, FAILED
// when a node failed or was canceled without an optional edge absorbing it.
func (inst *Instance) RecipeStatus() models.RecipeStatus {
	completed := true
	for _, sink := range inst.graph.Sinks() {
		if s := inst.status[sink]; s != NodeCompleted && s != NodeSkipped {
			completed = false
			break
		}
	}
	if completed {
		return models.RecipeCompleted
	}
	for _, name := range inst.graph.Order() {
		if s := inst.status[name]; (s == NodeFailed || s == NodeCanceled) && inst.failureBlocks(name) {
			return models.RecipeFailed
		}
	}
	if len(inst.nodes) > 0 {
		return models.RecipeRunning
	}
	return models.RecipePending
}

func (inst *Instance) failureBlocks(name string) bool {
	children := inst.graph.Children(name)
	if len(children) == 0 {
		return true
	}
	for _, child := range children {
		for _, dep := range inst.graph.Node(child).Dependencies {
			if dep.Name == name && !dep.Optional {
				return true
			}
		}
	}
	return false
}
