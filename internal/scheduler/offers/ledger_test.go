package offers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/scaleproject/scale/internal/scheduler/resources"
)

var baseTime = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func offer(id, agent string, cpus, mem float64) *Offer {
	return &Offer{
		OfferID:   id,
		AgentID:   agent,
		Hostname:  agent + ".local",
		Resources: resources.New(map[string]float64{resources.Cpus: cpus, resources.Mem: mem}),
	}
}

func need(cpus, mem float64) resources.NodeResources {
	return resources.New(map[string]float64{resources.Cpus: cpus, resources.Mem: mem})
}

func TestAllocate_GreedyInReceiveOrder(t *testing.T) {
	fakeClock := clock.NewFakeClock(baseTime)
	ledger := NewLedger(fakeClock)
	o1, o2, o3 := offer("o1", "a1", 1, 256), offer("o2", "a1", 1, 256), offer("o3", "a1", 4, 4096)
	ledger.AddOffers([]*Offer{o1})
	fakeClock.Step(time.Second)
	ledger.AddOffers([]*Offer{o2, o3})
	assert.Equal(t, baseTime, o1.ReceivedAt)
	assert.Equal(t, baseTime.Add(time.Second), o2.ReceivedAt)

	allocation, err := ledger.Allocate("a1", need(1.5, 512))
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, allocation.OfferIDs)
	assert.Equal(t, 0, resources.Compare(need(0.5, 0), allocation.Leftovers))

	// The leftover of the reservation is used before more offers are taken
	allocation, err = ledger.Allocate("a1", need(0.5, 0))
	require.NoError(t, err)
	assert.Empty(t, allocation.OfferIDs)

	reserved, err := ledger.Reserved("a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, reserved)

	accepted, err := ledger.Commit("a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, accepted)
	assert.Equal(t, Accepted, o1.State)
	assert.Equal(t, Accepted, o2.State)
	assert.Equal(t, Outstanding, o3.State)
	assert.Equal(t, 1, ledger.NumOutstanding())
}

func TestAllocate_FailsFastWhenInsufficient(t *testing.T) {
	ledger := NewLedger(clock.NewFakeClock(baseTime))
	ledger.AddOffers([]*Offer{offer("o1", "a1", 0.25, 1024), offer("o2", "a1", 0.25, 1024)})

	_, err := ledger.Allocate("a1", need(1, 512))
	assert.ErrorIs(t, err, ErrInsufficient)
	_, err = ledger.Reserved("a1")
	assert.ErrorIs(t, err, ErrNoOffers)

	_, err = ledger.Allocate("unknown", need(1, 512))
	assert.ErrorIs(t, err, ErrNoOffers)
}

func TestRelease_ReturnsOffers(t *testing.T) {
	ledger := NewLedger(clock.NewFakeClock(baseTime))
	o1 := offer("o1", "a1", 1, 512)
	ledger.AddOffers([]*Offer{o1})

	_, err := ledger.Allocate("a1", need(1, 512))
	require.NoError(t, err)
	_, err = ledger.Allocate("a1", need(1, 512))
	assert.ErrorIs(t, err, ErrInsufficient)

	ledger.Release("a1")
	assert.Equal(t, Outstanding, o1.State)
	_, err = ledger.Allocate("a1", need(1, 512))
	assert.NoError(t, err)
}

func TestRescind_InvalidatesReservation(t *testing.T) {
	ledger := NewLedger(clock.NewFakeClock(baseTime))
	o1 := offer("o1", "a1", 2, 1024)
	ledger.AddOffers([]*Offer{o1})
	_, err := ledger.Allocate("a1", need(1, 512))
	require.NoError(t, err)

	assert.Equal(t, []string{"o1"}, ledger.Rescind("o1", "unknown"))
	assert.Equal(t, Rescinded, o1.State)

	_, err = ledger.Reserved("a1")
	assert.ErrorIs(t, err, ErrRescinded)
	_, err = ledger.Commit("a1")
	assert.ErrorIs(t, err, ErrRescinded)
	assert.Equal(t, Rescinded, o1.State)

	// Rescinding twice is a no-op
	assert.Empty(t, ledger.Rescind("o1"))
}

func TestExpire_DeclinesExactlyOnce(t *testing.T) {
	fakeClock := clock.NewFakeClock(baseTime)
	ledger := NewLedger(fakeClock)
	old, reserved, fresh := offer("old", "a1", 1, 512), offer("reserved", "a2", 1, 512), offer("fresh", "a1", 1, 512)
	ledger.AddOffers([]*Offer{old, reserved})
	fakeClock.Step(50 * time.Second)
	ledger.AddOffers([]*Offer{fresh})
	_, err := ledger.Allocate("a2", need(1, 512))
	require.NoError(t, err)

	now := baseTime.Add(61 * time.Second)
	expired := ledger.Expire(now, time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].OfferID)
	assert.Equal(t, Declined, old.State)
	assert.Equal(t, Outstanding, reserved.State)
	assert.Equal(t, Outstanding, fresh.State)

	assert.Empty(t, ledger.Expire(now, time.Minute))

	ledger.ReleaseAll()
	expired = ledger.Expire(now, time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "reserved", expired[0].OfferID)
}

func TestOfferStatesAreDisjoint(t *testing.T) {
	fakeClock := clock.NewFakeClock(baseTime)
	ledger := NewLedger(fakeClock)
	all := []*Offer{
		offer("accept", "a1", 1, 512),
		offer("rescind", "a2", 1, 512),
		offer("decline", "a3", 1, 512),
		offer("keep", "a4", 1, 512),
	}
	ledger.AddOffers(all)
	_, err := ledger.Allocate("a1", need(1, 512))
	require.NoError(t, err)
	_, err = ledger.Commit("a1")
	require.NoError(t, err)
	ledger.Rescind("rescind")
	fakeClock.Step(time.Minute)
	ledger.AddOffers([]*Offer{offer("accept", "a1", 1, 512)})
	ledger.Rescind("accept")
	ledger.Expire(fakeClock.Now().Add(time.Hour), time.Hour)

	// A second attempt to move an offer must not change its state
	ledger.Rescind("decline")

	assert.Equal(t, Accepted, all[0].State)
	assert.Equal(t, Rescinded, all[1].State)
	assert.Equal(t, Declined, all[2].State)
	assert.Equal(t, Declined, all[3].State)
}

func TestBestAgent_TieBreak(t *testing.T) {
	fakeClock := clock.NewFakeClock(baseTime)
	ledger := NewLedger(fakeClock)
	ledger.AddOffers([]*Offer{offer("o-b", "b", 4, 4096)})
	fakeClock.Step(time.Second)
	ledger.AddOffers([]*Offer{offer("o-a", "a", 4, 4096), offer("o-c", "c", 4, 4096)})
	fakeClock.Step(time.Second)
	ledger.AddOffers([]*Offer{offer("o-big", "big", 8, 4096), offer("o-small", "small", 0.5, 256)})

	tests := map[string]struct {
		candidates []string
		expected   string
		found      bool
	}{
		"most free resources wins": {
			candidates: []string{"a", "b", "big"},
			expected:   "big",
			found:      true,
		},
		"earliest seen wins": {
			candidates: []string{"a", "b", "c"},
			expected:   "b",
			found:      true,
		},
		"lexicographic agent id wins": {
			candidates: []string{"c", "a"},
			expected:   "a",
			found:      true,
		},
		"agents that cannot fit are skipped": {
			candidates: []string{"small"},
			found:      false,
		},
		"unknown agents are skipped": {
			candidates: []string{"unknown", "c"},
			expected:   "c",
			found:      true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			agent, found := ledger.BestAgent(need(1, 512), tc.candidates)
			assert.Equal(t, tc.found, found)
			assert.Equal(t, tc.expected, agent)
		})
	}
}

func TestBestAgent_AccountsForReservations(t *testing.T) {
	ledger := NewLedger(clock.NewFakeClock(baseTime))
	ledger.AddOffers([]*Offer{offer("o-a", "a", 4, 4096), offer("o-b", "b", 3, 4096)})

	agent, _ := ledger.BestAgent(need(1, 512), []string{"a", "b"})
	assert.Equal(t, "a", agent)
	_, err := ledger.Allocate("a", need(2, 512))
	require.NoError(t, err)

	agent, _ = ledger.BestAgent(need(1, 512), []string{"a", "b"})
	assert.Equal(t, "b", agent)
}

func TestRemoveAgent(t *testing.T) {
	ledger := NewLedger(clock.NewFakeClock(baseTime))
	o1, o2 := offer("o1", "a1", 1, 512), offer("o2", "a1", 1, 512)
	ledger.AddOffers([]*Offer{o1, o2, offer("o3", "a2", 1, 512)})

	assert.ElementsMatch(t, []string{"o1", "o2"}, ledger.RemoveAgent("a1"))
	assert.Equal(t, Rescinded, o1.State)
	assert.Equal(t, 1, ledger.NumOutstanding())
	assert.True(t, ledger.AgentResources("a1").IsZero())
}
