package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestAddSubtract(t *testing.T) {
	r := New(map[string]float64{Cpus: 1, Mem: 512})
	r.Add(New(map[string]float64{Cpus: 0.5, Gpus: 1}))
	assert.True(t, resource.MustParse("1.5").Equal(r.Get(Cpus)))
	assert.True(t, resource.MustParse("1").Equal(r.Get(Gpus)))

	require.NoError(t, r.Subtract(New(map[string]float64{Cpus: 1.5, Mem: 512})))
	cpus := r.Get(Cpus)
	mem := r.Get(Mem)
	assert.True(t, cpus.IsZero())
	assert.True(t, mem.IsZero())
	assert.False(t, r.IsZero())
}

func TestSubtract_WouldGoNegative(t *testing.T) {
	r := New(map[string]float64{Cpus: 1, Mem: 512})
	before := r.DeepCopy()

	err := r.Subtract(New(map[string]float64{Cpus: 2}))
	var insufficient *ErrInsufficient
	assert.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 0, Compare(before, r))
}

func TestHasEnough(t *testing.T) {
	tests := map[string]struct {
		available NodeResources
		required  NodeResources
		expected  bool
	}{
		"exact": {
			available: New(map[string]float64{Cpus: 1, Mem: 512}),
			required:  New(map[string]float64{Cpus: 1, Mem: 512}),
			expected:  true,
		},
		"more than enough": {
			available: New(map[string]float64{Cpus: 4, Mem: 4096}),
			required:  New(map[string]float64{Cpus: 1, Mem: 512}),
			expected:  true,
		},
		"missing resource": {
			available: New(map[string]float64{Cpus: 4, Mem: 4096}),
			required:  New(map[string]float64{Gpus: 1}),
			expected:  false,
		},
		"not enough cpu": {
			available: New(map[string]float64{Cpus: 0.5, Mem: 4096}),
			required:  New(map[string]float64{Cpus: 1, Mem: 512}),
			expected:  false,
		},
		"nothing required": {
			available: NodeResources{},
			required:  NodeResources{},
			expected:  true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.available.HasEnough(tc.required))
		})
	}
}

func TestCompare(t *testing.T) {
	big := New(map[string]float64{Cpus: 4, Mem: 1024})
	moreMem := New(map[string]float64{Cpus: 4, Mem: 2048})
	lessCpu := New(map[string]float64{Cpus: 2, Mem: 8192})

	assert.Equal(t, -1, Compare(big, moreMem))
	assert.Equal(t, 1, Compare(big, lessCpu))
	assert.Equal(t, 0, Compare(big, big.DeepCopy()))
	assert.Equal(t, 1, Compare(New(map[string]float64{"fpga": 1}), NodeResources{}))
}

func TestNames(t *testing.T) {
	names := Names(New(map[string]float64{"zeta": 1, Gpus: 1, "alpha": 1}), New(map[string]float64{Cpus: 1, Disk: 1}))
	assert.Equal(t, []string{Cpus, Disk, Gpus, "alpha", "zeta"}, names)
}

func TestFromStrings(t *testing.T) {
	r, err := FromStrings(map[string]string{Cpus: "500m", Mem: "512"})
	require.NoError(t, err)
	assert.True(t, resource.MustParse("0.5").Equal(r.Get(Cpus)))

	_, err = FromStrings(map[string]string{Cpus: "lots"})
	assert.Error(t, err)
	_, err = FromStrings(map[string]string{Cpus: "-1"})
	assert.Error(t, err)
}
