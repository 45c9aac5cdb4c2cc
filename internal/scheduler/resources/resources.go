package resources

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	Cpus = "cpus"
	Mem  = "mem"
	Disk = "disk"
	Gpus = "gpus"
)

// canonicalOrder is the order in which resources are compared when ranking agents.
// Resources not listed here are compared afterwards in alphabetical order.
var canonicalOrder = []string{Cpus, Mem, Disk, Gpus}

// NodeResources is a multiset of named, non-negative scalar resources.
// Memory and disk are expressed in MiB, matching what resource managers offer.
type NodeResources map[string]resource.Quantity

// New builds NodeResources from float amounts, e.g. New(map[string]float64{"cpus": 1, "mem": 512}).
func New(amounts map[string]float64) NodeResources {
	rv := make(NodeResources, len(amounts))
	for name, amount := range amounts {
		rv[name] = *resource.NewMilliQuantity(int64(amount*1000), resource.DecimalSI)
	}
	return rv
}

// FromStrings parses quantities such as "500m" or "4".
func FromStrings(amounts map[string]string) (NodeResources, error) {
	rv := make(NodeResources, len(amounts))
	for name, amount := range amounts {
		q, err := resource.ParseQuantity(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity %q for resource %s: %w", amount, name, err)
		}
		if q.Sign() < 0 {
			return nil, fmt.Errorf("negative quantity %q for resource %s", amount, name)
		}
		rv[name] = q
	}
	return rv, nil
}

// Get returns the amount of the named resource, zero if absent.
func (r NodeResources) Get(name string) resource.Quantity {
	return r[name]
}

// Add adds other to r in place.
func (r NodeResources) Add(other NodeResources) {
	for name, q := range other {
		existing := r[name]
		existing.Add(q)
		r[name] = existing
	}
}

// Subtract removes other from r in place. If any resource would become negative r is left unchanged and an error is
// returned.
func (r NodeResources) Subtract(other NodeResources) error {
	if !r.HasEnough(other) {
		return &ErrInsufficient{Available: r.DeepCopy(), Required: other.DeepCopy()}
	}
	for name, q := range other {
		existing := r[name]
		existing.Sub(q)
		r[name] = existing
	}
	return nil
}

// HasEnough returns true if every resource in required is available in r.
func (r NodeResources) HasEnough(required NodeResources) bool {
	for name, q := range required {
		available := r[name]
		if available.Cmp(q) < 0 {
			return false
		}
	}
	return true
}

// IsZero returns true if no resource has a positive amount.
func (r NodeResources) IsZero() bool {
	for _, q := range r {
		if !q.IsZero() {
			return false
		}
	}
	return true
}

func (r NodeResources) DeepCopy() NodeResources {
	if r == nil {
		return nil
	}
	rv := make(NodeResources, len(r))
	for name, q := range r {
		rv[name] = q.DeepCopy()
	}
	return rv
}

// Names returns the resource names of r and other in comparison order.
func Names(rs ...NodeResources) []string {
	seen := map[string]bool{}
	for _, r := range rs {
		for name := range r {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for _, name := range canonicalOrder {
		if seen[name] {
			names = append(names, name)
			delete(seen, name)
		}
	}
	rest := maps.Keys(seen)
	sort.Strings(rest)
	return append(names, rest...)
}

// Compare orders two resource sets by comparing each resource in turn: cpus, mem, disk, gpus and then the remaining
// names alphabetically. Returns -1, 0 or 1.
func Compare(a, b NodeResources) int {
	for _, name := range Names(a, b) {
		qa := a[name]
		qb := b[name]
		if c := qa.Cmp(qb); c != 0 {
			return c
		}
	}
	return 0
}

func (r NodeResources) String() string {
	names := Names(r)
	parts := make([]string, len(names))
	for i, name := range names {
		q := r[name]
		parts[i] = fmt.Sprintf("%s=%s", name, q.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ErrInsufficient is returned when a subtraction would make a resource negative.
type ErrInsufficient struct {
	Available NodeResources
	Required  NodeResources
}

func (e *ErrInsufficient) Error() string {
	return fmt.Sprintf("insufficient resources: required %s but only %s available", e.Required, e.Available)
}
