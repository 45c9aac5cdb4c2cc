package recipe

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleproject/scale/internal/scheduler/models"
)

const chainDefinition = `{
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

func TestParse(t *testing.T) {
	def, err := Parse([]byte(chainDefinition))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, def.NodeNames())
	assert.Equal(t, "b", def.Nodes["b"].Name)
	assert.Equal(t, models.NodeTypeJob, def.Nodes["c"].NodeType.NodeType)
	assert.True(t, def.Input.Files[0].IsRequired())
}

func TestParseLegacy(t *testing.T) {
	legacy := `{
		"version": "1.0",
		"input_data": [{"name": "scene", "type": "file"}, {"name": "threshold", "type": "property", "required": false}],
		"jobs": [
			{
				"name": "ingest",
				"job_type": {"name": "ingest", "version": "1.0"},
				"recipe_inputs": [{"recipe_input": "scene", "job_input": "image"}]
			},
			{
				"name": "parse",
				"job_type": {"name": "parse", "version": "1.0"},
				"recipe_inputs": [{"recipe_input": "threshold", "job_input": "threshold"}],
				"dependencies": [{"name": "ingest", "connections": [{"output": "product", "input": "image"}]}]
			}
		]
	}`
	def, err := Parse([]byte(legacy))
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, def.Version)
	assert.Equal(t, "scene", def.Input.Files[0].Name)
	assert.False(t, def.Input.JSON[0].IsRequired())
	parse := def.Nodes["parse"]
	assert.Equal(t, []Dependency{{Name: "ingest"}}, parse.Dependencies)
	assert.Equal(t, &Connection{Type: ConnectionDependency, Node: "ingest", Output: "product"}, parse.Input["image"])
	assert.Equal(t, &Connection{Type: ConnectionRecipe, Input: "threshold"}, parse.Input["threshold"])
}

func TestParseInvalid(t *testing.T) {
	tests := map[string]string{
		"no nodes": `{"version": "6", "nodes": {}}`,
		"unknown node type": `{"version": "6", "nodes": {
			"a": {"node_type": {"node_type": "lambda"}}}}`,
		"job without job type": `{"version": "6", "nodes": {
			"a": {"node_type": {"node_type": "job"}}}}`,
		"self dependency": `{"version": "6", "nodes": {
			"a": {"dependencies": [{"name": "a"}], "node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}}}}`,
		"unknown dependency": `{"version": "6", "nodes": {
			"a": {"dependencies": [{"name": "z"}], "node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}}}}`,
		"connection to non dependency": `{"version": "6", "nodes": {
			"a": {"node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}},
			"b": {"input": {"i": {"type": "dependency", "node": "a", "output": "o"}},
				"node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}}}}`,
		"connection to unknown recipe input": `{"version": "6", "nodes": {
			"a": {"input": {"i": {"type": "recipe", "input": "missing"}},
				"node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}}}}`,
		"acceptance on job dependency": `{"version": "6", "nodes": {
			"a": {"node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}},
			"b": {"dependencies": [{"name": "a", "acceptance": false}],
				"node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}}}}`,
		"condition without filter": `{"version": "6", "nodes": {
			"a": {"node_type": {"node_type": "condition"}}}}`,
		"filter with unknown condition": `{"version": "6", "nodes": {
			"a": {"node_type": {"node_type": "condition", "data_filter": {"filters": [{"name": "x", "condition": "~"}]}}}}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			var invalidErr *InvalidDefinitionError
			assert.True(t, errors.As(err, &invalidErr), "expected an invalid definition error, got %v", err)
		})
	}
}

func TestGraph(t *testing.T) {
	g, err := ParseGraph([]byte(`{"version": "6", "nodes": {
		"d": {"dependencies": [{"name": "b"}, {"name": "c"}], "node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}},
		"c": {"dependencies": [{"name": "a"}], "node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}},
		"b": {"dependencies": [{"name": "a"}], "node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}},
		"a": {"node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}},
		"e": {"node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}}
	}}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, g.Order())
	assert.Equal(t, []string{"b", "c"}, g.Children("a"))
	assert.Equal(t, []string{"d", "e"}, g.Sinks())
	assert.Equal(t, []string{"b", "c", "d"}, g.Descendants("a"))
	assert.Equal(t, []string{"d"}, g.Descendants("b", "c"))
}

func TestGraphCycle(t *testing.T) {
	_, err := ParseGraph([]byte(`{"version": "6", "nodes": {
		"a": {"dependencies": [{"name": "c"}], "node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}},
		"b": {"dependencies": [{"name": "a"}], "node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}},
		"c": {"dependencies": [{"name": "b"}], "node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}},
		"d": {"node_type": {"node_type": "job", "job_type_name": "x", "job_type_version": "1"}}
	}}`))
	var invalidErr *InvalidDefinitionError
	require.True(t, errors.As(err, &invalidErr))
	assert.Contains(t, invalidErr.Message, "[a b c]")
}
