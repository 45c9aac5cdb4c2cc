package schedulermocks

import (
	"fmt"
)

// SliceMatcher matches a []string holding the expected ids in any order, e.g. job ids collected from a map.
type SliceMatcher struct {
	Expected []string
}

func (s SliceMatcher) Matches(x interface{}) bool {
	actual, ok := x.([]string)
	if !ok || len(actual) != len(s.Expected) {
		return false
	}
	counts := make(map[string]int, len(s.Expected))
	for _, id := range s.Expected {
		counts[id]++
	}
	for _, id := range actual {
		if counts[id] == 0 {
			return false
		}
		counts[id]--
	}
	return true
}

func (s SliceMatcher) String() string {
	return fmt.Sprintf("has the same elements as %v", s.Expected)
}
