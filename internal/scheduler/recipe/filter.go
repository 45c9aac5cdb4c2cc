package recipe

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/scheduler/models"
)

// Filter conditions.
const (
	ConditionEqual        = "=="
	ConditionNotEqual     = "!="
	ConditionLess         = "<"
	ConditionLessEqual    = "<="
	ConditionGreater      = ">"
	ConditionGreaterEqual = ">="
	ConditionIn           = "in"
	ConditionNotIn        = "not in"
	ConditionContains     = "contains"
	ConditionExists       = "exists"
)

// DataFilter decides whether a condition node accepts its input.
type DataFilter struct {
	// If true every filter must pass, otherwise at least one.
	All     bool     `json:"all"`
	Filters []Filter `json:"filters,omitempty"`
}

// Filter tests one named value of a condition's input.
type Filter struct {
	Name      string        `json:"name"`
	Condition string        `json:"condition"`
	Values    []interface{} `json:"values,omitempty"`
}

func (f *DataFilter) Validate() error {
	for _, filter := range f.Filters {
		if filter.Name == "" {
			return errors.New("filters need a name")
		}
		switch filter.Condition {
		case ConditionExists:
		case ConditionIn, ConditionNotIn:
			if len(filter.Values) == 0 {
				return errors.Errorf("filter on %s needs at least one value", filter.Name)
			}
		case ConditionEqual, ConditionNotEqual, ConditionLess, ConditionLessEqual, ConditionGreater,
			ConditionGreaterEqual, ConditionContains:
			if len(filter.Values) != 1 {
				return errors.Errorf("filter on %s needs exactly one value", filter.Name)
			}
		default:
			return errors.Errorf("filter on %s has unknown condition %q", filter.Name, filter.Condition)
		}
	}
	return nil
}

// Evaluate applies the filter to data. A filter with no conditions accepts everything.
func (f *DataFilter) Evaluate(data *models.Data) bool {
	if len(f.Filters) == 0 {
		return true
	}
	for _, filter := range f.Filters {
		passed := filter.evaluate(data)
		if f.All && !passed {
			return false
		}
		if !f.All && passed {
			return true
		}
	}
	return f.All
}

func (f Filter) evaluate(data *models.Data) bool {
	if f.Condition == ConditionExists {
		return data.Has(f.Name)
	}
	value, ok := lookup(data, f.Name)
	if !ok {
		return false
	}
	switch f.Condition {
	case ConditionEqual:
		return equal(value, f.Values[0])
	case ConditionNotEqual:
		return !equal(value, f.Values[0])
	case ConditionLess, ConditionLessEqual, ConditionGreater, ConditionGreaterEqual:
		cmp, ok := compare(value, f.Values[0])
		if !ok {
			return false
		}
		switch f.Condition {
		case ConditionLess:
			return cmp < 0
		case ConditionLessEqual:
			return cmp <= 0
		case ConditionGreater:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case ConditionIn, ConditionNotIn:
		found := false
		for _, v := range f.Values {
			if equal(value, v) {
				found = true
				break
			}
		}
		return found == (f.Condition == ConditionIn)
	case ConditionContains:
		switch v := value.(type) {
		case string:
			return strings.Contains(v, fmt.Sprint(f.Values[0]))
		case []interface{}:
			for _, elem := range v {
				if equal(elem, f.Values[0]) {
					return true
				}
			}
		}
	}
	return false
}

func lookup(data *models.Data, name string) (interface{}, bool) {
	if data == nil {
		return nil, false
	}
	if v, ok := data.Values[name]; ok {
		return v, true
	}
	if files, ok := data.Files[name]; ok {
		rv := make([]interface{}, len(files))
		for i, f := range files {
			rv[i] = f
		}
		return rv, true
	}
	return nil, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func equal(a, b interface{}) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers numerically and strings lexicographically. Returns false for any other pair.
func compare(a, b interface{}) (int, bool) {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}
