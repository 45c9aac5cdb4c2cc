package recipe

import (
	"reflect"
	"sort"

	"github.com/scaleproject/scale/internal/scheduler/models"
)

type NodeChange string

const (
	NodeUnchanged NodeChange = "UNCHANGED"
	NodeChanged   NodeChange = "CHANGED"
	NodeNew       NodeChange = "NEW"
	NodeRemoved   NodeChange = "REMOVED"
)

type NodeDiff struct {
	Name   string
	Change NodeChange
	Reason string
	// For recipe nodes, the forced nodes to pass on to the sub-recipe.
	SubRecipeForced *models.ForcedNodes
}

// Diff compares the definition of a recipe with the definition of the recipe superseding it.
type Diff struct {
	Nodes map[string]*NodeDiff
}

// NewDiff classifies every node of both graphs. Forced nodes are changed regardless of their definitions, and every
// descendant of a changed or new node is changed too.
func NewDiff(prev, next *Graph, forced *models.ForcedNodes) *Diff {
	d := &Diff{Nodes: map[string]*NodeDiff{}}
	for _, name := range prev.Definition().NodeNames() {
		if next.Node(name) == nil {
			d.Nodes[name] = &NodeDiff{Name: name, Change: NodeRemoved}
		}
	}
	for _, name := range next.Order() {
		node := next.Node(name)
		nd := &NodeDiff{Name: name, Change: NodeUnchanged}
		d.Nodes[name] = nd
		old := prev.Node(name)
		switch {
		case old == nil:
			nd.Change, nd.Reason = NodeNew, "new node"
		case forced.IsForced(name):
			nd.Change, nd.Reason = NodeChanged, "forced"
		case !reflect.DeepEqual(old.NodeType, node.NodeType):
			nd.Change, nd.Reason = NodeChanged, "node type changed"
		case !sameDependencies(old.Dependencies, node.Dependencies):
			nd.Change, nd.Reason = NodeChanged, "dependencies changed"
		case !sameInputs(old.Input, node.Input):
			nd.Change, nd.Reason = NodeChanged, "input connections changed"
		}
		if node.NodeType.NodeType == models.NodeTypeRecipe {
			nd.SubRecipeForced = forced.ForSubRecipe(name)
			if nd.Change == NodeUnchanged && nd.SubRecipeForced != nil {
				nd.Change, nd.Reason = NodeChanged, "sub-recipe nodes forced"
			}
		}
		if nd.Change == NodeUnchanged {
			for _, dep := range node.Dependencies {
				if parent := d.Nodes[dep.Name]; parent.Change == NodeChanged || parent.Change == NodeNew {
					nd.Change, nd.Reason = NodeChanged, "dependency "+dep.Name+" changed"
					break
				}
			}
		}
	}
	return d
}

func sameDependencies(a, b []Dependency) bool {
	if len(a) != len(b) {
		return false
	}
	index := make(map[string]Dependency, len(a))
	for _, dep := range a {
		index[dep.Name] = dep
	}
	for _, dep := range b {
		other, ok := index[dep.Name]
		if !ok || other.Optional != dep.Optional || other.Accepts() != dep.Accepts() {
			return false
		}
	}
	return true
}

func sameInputs(a, b map[string]*Connection) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (d *Diff) names(change NodeChange) []string {
	var rv []string
	for name, nd := range d.Nodes {
		if nd.Change == change {
			rv = append(rv, name)
		}
	}
	sort.Strings(rv)
	return rv
}

// Unchanged returns the nodes whose previous results carry over to the superseding recipe.
func (d *Diff) Unchanged() []string {
	return d.names(NodeUnchanged)
}

// Changed returns the changed and new nodes.
func (d *Diff) Changed() []string {
	rv := append(d.names(NodeChanged), d.names(NodeNew)...)
	sort.Strings(rv)
	return rv
}

func (d *Diff) Removed() []string {
	return d.names(NodeRemoved)
}

// CanBeReprocessed is false if nothing would change.
func (d *Diff) CanBeReprocessed() bool {
	return len(d.Changed()) > 0 || len(d.Removed()) > 0
}
