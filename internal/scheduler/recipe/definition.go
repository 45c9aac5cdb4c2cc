package recipe

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/scheduler/models"
)

const (
	CurrentVersion = "6"
	legacyVersion  = "1.0"
)

// Connection types of a node input.
const (
	ConnectionRecipe     = "recipe"
	ConnectionDependency = "dependency"
)

// Definition describes the nodes of a recipe type revision and how data flows between them.
type Definition struct {
	Version string                     `json:"version"`
	Input   Interface                  `json:"input"`
	Nodes   map[string]*NodeDefinition `json:"nodes"`
}

// Interface lists the named inputs of a recipe.
type Interface struct {
	Files []Parameter `json:"files,omitempty"`
	JSON  []Parameter `json:"json,omitempty"`
}

type Parameter struct {
	Name string `json:"name"`
	// Defaults to true.
	Required *bool `json:"required,omitempty"`
}

func (p Parameter) IsRequired() bool {
	return p.Required == nil || *p.Required
}

// Names returns the names of every input parameter.
func (i Interface) Names() map[string]bool {
	rv := map[string]bool{}
	for _, p := range i.Files {
		rv[p.Name] = true
	}
	for _, p := range i.JSON {
		rv[p.Name] = true
	}
	return rv
}

type NodeDefinition struct {
	Name         string                 `json:"-"`
	Dependencies []Dependency           `json:"dependencies,omitempty"`
	Input        map[string]*Connection `json:"input,omitempty"`
	NodeType     NodeType               `json:"node_type"`
}

// NodeType holds the type specific part of a node definition.
type NodeType struct {
	NodeType       models.RecipeNodeType `json:"node_type"`
	JobTypeName    string                `json:"job_type_name,omitempty"`
	JobTypeVersion string                `json:"job_type_version,omitempty"`
	// Zero selects the latest revision when the job is created.
	JobTypeRevision    int64       `json:"job_type_revision,omitempty"`
	RecipeTypeName     string      `json:"recipe_type_name,omitempty"`
	RecipeTypeRevision int64       `json:"recipe_type_revision,omitempty"`
	Filter             *DataFilter `json:"data_filter,omitempty"`
}

type Dependency struct {
	Name string `json:"name"`
	// For dependencies on a condition: whether the node runs when the condition accepts (the default) or rejects.
	Acceptance *bool `json:"acceptance,omitempty"`
	// A failed or canceled optional dependency does not block the node.
	Optional bool `json:"optional,omitempty"`
}

func (d Dependency) Accepts() bool {
	return d.Acceptance == nil || *d.Acceptance
}

// Connection is the source of one input of a node: a recipe input, or an output of a dependency.
type Connection struct {
	Type   string `json:"type"`
	Input  string `json:"input,omitempty"`
	Node   string `json:"node,omitempty"`
	Output string `json:"output,omitempty"`
}

// InvalidDefinitionError describes why a recipe definition was rejected.
type InvalidDefinitionError struct {
	Node    string
	Message string
}

func (e *InvalidDefinitionError) Error() string {
	if e.Node == "" {
		return "invalid recipe definition: " + e.Message
	}
	return fmt.Sprintf("invalid recipe definition: node %s: %s", e.Node, e.Message)
}

func invalid(node, format string, args ...interface{}) error {
	return errors.WithStack(&InvalidDefinitionError{Node: node, Message: fmt.Sprintf(format, args...)})
}

// Parse decodes and validates a recipe definition. Documents in the legacy 1.0 format are migrated on the way in.
func Parse(raw []byte) (*Definition, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errors.WithStack(err)
	}
	var def *Definition
	if probe.Version == legacyVersion {
		legacy := &legacyDefinition{}
		if err := json.Unmarshal(raw, legacy); err != nil {
			return nil, errors.WithStack(err)
		}
		def = legacy.migrate()
	} else {
		def = &Definition{}
		if err := json.Unmarshal(raw, def); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for name, node := range def.Nodes {
		if node == nil {
			return nil, invalid(name, "empty node")
		}
		node.Name = name
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// NodeNames returns the names of every node in lexicographic order.
func (d *Definition) NodeNames() []string {
	names := make([]string, 0, len(d.Nodes))
	for name := range d.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks node types, dependencies and input connections. Cycles are detected when the graph is built.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return invalid("", "a recipe needs at least one node")
	}
	inputs := d.Input.Names()
	for _, name := range d.NodeNames() {
		node := d.Nodes[name]
		switch node.NodeType.NodeType {
		case models.NodeTypeJob:
			if node.NodeType.JobTypeName == "" || node.NodeType.JobTypeVersion == "" {
				return invalid(name, "job nodes need a job type name and version")
			}
		case models.NodeTypeRecipe:
			if node.NodeType.RecipeTypeName == "" {
				return invalid(name, "recipe nodes need a recipe type name")
			}
		case models.NodeTypeCondition:
			if node.NodeType.Filter == nil {
				return invalid(name, "condition nodes need a data filter")
			}
			if err := node.NodeType.Filter.Validate(); err != nil {
				return invalid(name, "%v", err)
			}
		default:
			return invalid(name, "unknown node type %q", node.NodeType.NodeType)
		}
		deps := map[string]bool{}
		for _, dep := range node.Dependencies {
			if dep.Name == name {
				return invalid(name, "a node cannot depend on itself")
			}
			parent, ok := d.Nodes[dep.Name]
			if !ok {
				return invalid(name, "unknown dependency %s", dep.Name)
			}
			if deps[dep.Name] {
				return invalid(name, "duplicate dependency %s", dep.Name)
			}
			if dep.Acceptance != nil && parent.NodeType.NodeType != models.NodeTypeCondition {
				return invalid(name, "acceptance is only valid on condition dependencies, %s is a %s", dep.Name, parent.NodeType.NodeType)
			}
			deps[dep.Name] = true
		}
		for inputName, conn := range node.Input {
			if conn == nil {
				return invalid(name, "input %s has no connection", inputName)
			}
			switch conn.Type {
			case ConnectionRecipe:
				if !inputs[conn.Input] {
					return invalid(name, "input %s is connected to unknown recipe input %s", inputName, conn.Input)
				}
			case ConnectionDependency:
				if !deps[conn.Node] {
					return invalid(name, "input %s is connected to %s which is not a dependency", inputName, conn.Node)
				}
			default:
				return invalid(name, "input %s has unknown connection type %q", inputName, conn.Type)
			}
		}
	}
	return nil
}

// legacyDefinition is the 1.0 document format: a list of jobs with connections embedded in their dependencies.
type legacyDefinition struct {
	Version   string `json:"version"`
	InputData []struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Required *bool  `json:"required"`
	} `json:"input_data"`
	Jobs []struct {
		Name    string `json:"name"`
		JobType struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"job_type"`
		RecipeInputs []struct {
			RecipeInput string `json:"recipe_input"`
			JobInput    string `json:"job_input"`
		} `json:"recipe_inputs"`
		Dependencies []struct {
			Name        string `json:"name"`
			Connections []struct {
				Output string `json:"output"`
				Input  string `json:"input"`
			} `json:"connections"`
		} `json:"dependencies"`
	} `json:"jobs"`
}

func (l *legacyDefinition) migrate() *Definition {
	def := &Definition{Version: CurrentVersion, Nodes: map[string]*NodeDefinition{}}
	for _, in := range l.InputData {
		p := Parameter{Name: in.Name, Required: in.Required}
		if in.Type == "property" {
			def.Input.JSON = append(def.Input.JSON, p)
		} else {
			def.Input.Files = append(def.Input.Files, p)
		}
	}
	for _, job := range l.Jobs {
		node := &NodeDefinition{
			Name:  job.Name,
			Input: map[string]*Connection{},
			NodeType: NodeType{
				NodeType:       models.NodeTypeJob,
				JobTypeName:    job.JobType.Name,
				JobTypeVersion: job.JobType.Version,
			},
		}
		for _, ri := range job.RecipeInputs {
			node.Input[ri.JobInput] = &Connection{Type: ConnectionRecipe, Input: ri.RecipeInput}
		}
		for _, dep := range job.Dependencies {
			node.Dependencies = append(node.Dependencies, Dependency{Name: dep.Name})
			for _, conn := range dep.Connections {
				node.Input[conn.Input] = &Connection{Type: ConnectionDependency, Node: dep.Name, Output: conn.Output}
			}
		}
		def.Nodes[job.Name] = node
	}
	return def
}
