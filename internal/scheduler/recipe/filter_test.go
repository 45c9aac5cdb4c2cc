package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scaleproject/scale/internal/scheduler/models"
)

func TestFilterEvaluate(t *testing.T) {
	data := &models.Data{
		Values: map[string]interface{}{"cloud_cover": 12.5, "sensor": "OLI", "bands": []interface{}{"red", "nir"}},
		Files:  map[string][]string{"scene": {"101", "102"}},
	}
	tests := map[string]struct {
		filter   Filter
		expected bool
	}{
		"equal number":           {Filter{Name: "cloud_cover", Condition: ConditionEqual, Values: []interface{}{12.5}}, true},
		"equal int and float":    {Filter{Name: "cloud_cover", Condition: ConditionEqual, Values: []interface{}{12}}, false},
		"not equal":              {Filter{Name: "sensor", Condition: ConditionNotEqual, Values: []interface{}{"TIRS"}}, true},
		"less":                   {Filter{Name: "cloud_cover", Condition: ConditionLess, Values: []interface{}{20}}, true},
		"greater equal":          {Filter{Name: "cloud_cover", Condition: ConditionGreaterEqual, Values: []interface{}{12.5}}, true},
		"string ordering":        {Filter{Name: "sensor", Condition: ConditionGreater, Values: []interface{}{"ABC"}}, true},
		"mismatched ordering":    {Filter{Name: "sensor", Condition: ConditionLess, Values: []interface{}{3}}, false},
		"in":                     {Filter{Name: "sensor", Condition: ConditionIn, Values: []interface{}{"MSI", "OLI"}}, true},
		"not in":                 {Filter{Name: "sensor", Condition: ConditionNotIn, Values: []interface{}{"MSI", "OLI"}}, false},
		"string contains":        {Filter{Name: "sensor", Condition: ConditionContains, Values: []interface{}{"L"}}, true},
		"list contains":          {Filter{Name: "bands", Condition: ConditionContains, Values: []interface{}{"nir"}}, true},
		"file list contains":     {Filter{Name: "scene", Condition: ConditionContains, Values: []interface{}{"102"}}, true},
		"exists":                 {Filter{Name: "scene", Condition: ConditionExists}, true},
		"missing value exists":   {Filter{Name: "quality", Condition: ConditionExists}, false},
		"missing value compared": {Filter{Name: "quality", Condition: ConditionNotEqual, Values: []interface{}{1}}, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.filter.evaluate(data))
		})
	}
}

func TestDataFilterCombination(t *testing.T) {
	data := &models.Data{Values: map[string]interface{}{"a": 1.0, "b": 2.0}}
	pass := Filter{Name: "a", Condition: ConditionEqual, Values: []interface{}{1}}
	fail := Filter{Name: "b", Condition: ConditionEqual, Values: []interface{}{1}}

	assert.True(t, (&DataFilter{}).Evaluate(data))
	assert.True(t, (&DataFilter{All: false, Filters: []Filter{fail, pass}}).Evaluate(data))
	assert.False(t, (&DataFilter{All: true, Filters: []Filter{pass, fail}}).Evaluate(data))
	assert.True(t, (&DataFilter{All: true, Filters: []Filter{pass, pass}}).Evaluate(data))
	assert.False(t, (&DataFilter{All: false, Filters: []Filter{fail}}).Evaluate(data))
}
