package recipe

import (
	"sort"

	"golang.org/x/exp/slices"
)

// Graph is the validated dependency graph of a definition with its topological order and reverse edges precomputed.
type Graph struct {
	def      *Definition
	order    []string
	children map[string][]string
	sinks    []string
}

// NewGraph builds the graph of a definition. Fails if the dependencies contain a cycle.
func NewGraph(def *Definition) (*Graph, error) {
	g := &Graph{
		def:      def,
		children: make(map[string][]string, len(def.Nodes)),
	}
	remaining := make(map[string]int, len(def.Nodes))
	for _, name := range def.NodeNames() {
		node := def.Nodes[name]
		remaining[name] = len(node.Dependencies)
		for _, dep := range node.Dependencies {
			g.children[dep.Name] = append(g.children[dep.Name], name)
		}
	}
	var ready []string
	for name, n := range remaining {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		g.order = append(g.order, name)
		for _, child := range g.children[name] {
			remaining[child]--
			if remaining[child] == 0 {
				ready = append(ready, child)
				sort.Strings(ready)
			}
		}
	}
	if len(g.order) != len(def.Nodes) {
		var cyclic []string
		for name, n := range remaining {
			if n > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, invalid("", "dependency cycle between nodes %v", cyclic)
	}
	for _, name := range def.NodeNames() {
		if len(g.children[name]) == 0 {
			g.sinks = append(g.sinks, name)
		}
	}
	return g, nil
}

// ParseGraph parses a raw definition and builds its graph.
func ParseGraph(raw []byte) (*Graph, error) {
	def, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return NewGraph(def)
}

func (g *Graph) Definition() *Definition {
	return g.def
}

func (g *Graph) Node(name string) *NodeDefinition {
	return g.def.Nodes[name]
}

// Order returns the node names in topological order, ties broken lexicographically.
func (g *Graph) Order() []string {
	return g.order
}

// Children returns the nodes depending directly on name.
func (g *Graph) Children(name string) []string {
	return g.children[name]
}

// Sinks returns the nodes nothing depends on.
func (g *Graph) Sinks() []string {
	return g.sinks
}

// Descendants returns every node reachable from the given nodes, excluding the nodes themselves unless reachable
// from another of them. The result is sorted.
func (g *Graph) Descendants(names ...string) []string {
	seen := map[string]bool{}
	stack := append([]string(nil), names...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range g.children[name] {
			if !seen[child] {
				seen[child] = true
				stack = append(stack, child)
			}
		}
	}
	rv := make([]string, 0, len(seen))
	for name := range seen {
		rv = append(rv, name)
	}
	slices.Sort(rv)
	return rv
}
