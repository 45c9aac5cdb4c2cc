package offers

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/scheduler/resources"
)

// State is the lifecycle state of an offer. An offer starts Outstanding and moves at most once, to one of the other
// states.
type State int

const (
	Outstanding State = iota
	Accepted
	Rescinded
	Declined
)

func (s State) String() string {
	switch s {
	case Outstanding:
		return "outstanding"
	case Accepted:
		return "accepted"
	case Rescinded:
		return "rescinded"
	case Declined:
		return "declined"
	default:
		return "unknown"
	}
}

// Offer is a resource manager's promise of a slice of an agent's resources.
type Offer struct {
	OfferID     string
	AgentID     string
	Hostname    string
	FrameworkID string
	Resources   resources.NodeResources
	ReceivedAt  time.Time
	State       State
}

var (
	ErrNoOffers     = errors.New("agent has no outstanding offers")
	ErrInsufficient = errors.New("agent offers are insufficient")
	ErrRescinded    = errors.New("an offer backing this reservation was rescinded")
)

// Allocation is the result of reserving resources on an agent.
type Allocation struct {
	AgentID string
	// Offers reserved by this allocation. Empty if the allocation was served from offers reserved earlier in the
	// same scheduling cycle.
	OfferIDs []string
	// Resources left in the agent's reservation after this allocation.
	Leftovers resources.NodeResources
}

// reservation collects the offers of one agent that back the launches planned for it in the current cycle.
type reservation struct {
	offerIDs  []string
	remaining resources.NodeResources
	invalid   bool
}

type agentOffers struct {
	hostname  string
	firstSeen time.Time
	// outstanding offers in the order they were received
	offers      []*Offer
	reservation *reservation
}

// Ledger tracks outstanding offers per agent and answers "what can fit now?".
// A single mutex guards every operation.
type Ledger struct {
	mu     sync.Mutex
	clock  clock.Clock
	agents map[string]*agentOffers
	byID   map[string]*Offer
}

func NewLedger(clock clock.Clock) *Ledger {
	return &Ledger{
		clock:  clock,
		agents: map[string]*agentOffers{},
		byID:   map[string]*Offer{},
	}
}

// AddOffers appends offers to their agents, stamping each with the time it was received.
// Offers whose id is already known are ignored.
func (l *Ledger) AddOffers(offers []*Offer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	for _, offer := range offers {
		if _, present := l.byID[offer.OfferID]; present {
			continue
		}
		offer.ReceivedAt = now
		offer.State = Outstanding
		agent, ok := l.agents[offer.AgentID]
		if !ok {
			agent = &agentOffers{firstSeen: now}
			l.agents[offer.AgentID] = agent
		}
		if offer.Hostname != "" {
			agent.hostname = offer.Hostname
		}
		agent.offers = append(agent.offers, offer)
		l.byID[offer.OfferID] = offer
	}
}

// Rescind marks the given outstanding offers as rescinded and returns the ids that were rescinded.
// A reservation relying on a rescinded offer becomes invalid and its launch must be aborted.
func (l *Ledger) Rescind(offerIDs ...string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rescinded []string
	for _, id := range offerIDs {
		offer, ok := l.byID[id]
		if !ok || offer.State != Outstanding {
			continue
		}
		l.removeLocked(offer, Rescinded)
		rescinded = append(rescinded, id)
	}
	return rescinded
}

// RemoveAgent rescinds every outstanding offer of the agent. Used when an agent is lost.
func (l *Ledger) RemoveAgent(agentID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	agent, ok := l.agents[agentID]
	if !ok {
		return nil
	}
	var rescinded []string
	for _, offer := range append([]*Offer(nil), agent.offers...) {
		l.removeLocked(offer, Rescinded)
		rescinded = append(rescinded, offer.OfferID)
	}
	return rescinded
}

// Allocate reserves required on the agent. Resources already reserved on the agent earlier in the cycle are used
// first; further offers are then taken in the order they were received until required is covered. If the agent
// cannot satisfy required nothing is reserved.
func (l *Ledger) Allocate(agentID string, required resources.NodeResources) (*Allocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	agent, ok := l.agents[agentID]
	if !ok || (len(agent.offers) == 0 && agent.reservation == nil) {
		return nil, errors.WithStack(ErrNoOffers)
	}
	if agent.reservation != nil && agent.reservation.invalid {
		return nil, errors.WithStack(ErrRescinded)
	}
	if !l.availableLocked(agent).HasEnough(required) {
		return nil, errors.WithStack(ErrInsufficient)
	}

	if agent.reservation == nil {
		agent.reservation = &reservation{remaining: resources.NodeResources{}}
	}
	res := agent.reservation
	var taken []string
	for _, offer := range agent.offers {
		if res.remaining.HasEnough(required) {
			break
		}
		if l.isReservedLocked(res, offer.OfferID) {
			continue
		}
		res.offerIDs = append(res.offerIDs, offer.OfferID)
		res.remaining.Add(offer.Resources)
		taken = append(taken, offer.OfferID)
	}
	if err := res.remaining.Subtract(required); err != nil {
		// Unreachable as the aggregate was checked above.
		return nil, errors.WithStack(err)
	}
	return &Allocation{
		AgentID:   agentID,
		OfferIDs:  taken,
		Leftovers: res.remaining.DeepCopy(),
	}, nil
}

// BestAgent returns the candidate agent best suited to host required: the agent with the most resources left after
// the allocation, then the agent seen earliest, then the lexicographically smallest agent id.
func (l *Ledger) BestAgent(required resources.NodeResources, candidates []string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var (
		best          string
		bestLeftover  resources.NodeResources
		bestFirstSeen time.Time
		found         bool
	)
	for _, agentID := range candidates {
		agent, ok := l.agents[agentID]
		if !ok || (agent.reservation != nil && agent.reservation.invalid) {
			continue
		}
		leftover := l.availableLocked(agent)
		if err := leftover.Subtract(required); err != nil {
			continue
		}
		if !found || better(leftover, agent.firstSeen, agentID, bestLeftover, bestFirstSeen, best) {
			best, bestLeftover, bestFirstSeen, found = agentID, leftover, agent.firstSeen, true
		}
	}
	return best, found
}

func better(leftover resources.NodeResources, firstSeen time.Time, agentID string,
	otherLeftover resources.NodeResources, otherFirstSeen time.Time, otherAgentID string,
) bool {
	if c := resources.Compare(leftover, otherLeftover); c != 0 {
		return c > 0
	}
	if !firstSeen.Equal(otherFirstSeen) {
		return firstSeen.Before(otherFirstSeen)
	}
	return agentID < otherAgentID
}

// Reserved returns the offers reserved on the agent in this cycle.
func (l *Ledger) Reserved(agentID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	agent, ok := l.agents[agentID]
	if !ok || agent.reservation == nil {
		return nil, errors.WithStack(ErrNoOffers)
	}
	if agent.reservation.invalid {
		return nil, errors.WithStack(ErrRescinded)
	}
	return append([]string(nil), agent.reservation.offerIDs...), nil
}

// Commit marks the offers reserved on the agent as accepted. Fails if any of them has been rescinded since it was
// reserved, in which case nothing is accepted.
func (l *Ledger) Commit(agentID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	agent, ok := l.agents[agentID]
	if !ok || agent.reservation == nil {
		return nil, errors.WithStack(ErrNoOffers)
	}
	res := agent.reservation
	agent.reservation = nil
	if res.invalid {
		return nil, errors.WithStack(ErrRescinded)
	}
	for _, id := range res.offerIDs {
		l.removeLocked(l.byID[id], Accepted)
	}
	return res.offerIDs, nil
}

// Release drops the agent's reservation. Its offers remain outstanding.
func (l *Ledger) Release(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if agent, ok := l.agents[agentID]; ok {
		agent.reservation = nil
	}
}

// ReleaseAll drops every reservation.
func (l *Ledger) ReleaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, agent := range l.agents {
		agent.reservation = nil
	}
}

// Expire marks every unreserved outstanding offer held for longer than maxAge as declined and returns them.
// The caller must decline the returned offers to the resource manager. Each offer is returned at most once.
func (l *Ledger) Expire(now time.Time, maxAge time.Duration) []*Offer {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []*Offer
	for _, agent := range l.agents {
		for _, offer := range append([]*Offer(nil), agent.offers...) {
			if agent.reservation != nil && l.isReservedLocked(agent.reservation, offer.OfferID) {
				continue
			}
			if now.Sub(offer.ReceivedAt) > maxAge {
				l.removeLocked(offer, Declined)
				expired = append(expired, offer)
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].ReceivedAt.Equal(expired[j].ReceivedAt) {
			return expired[i].ReceivedAt.Before(expired[j].ReceivedAt)
		}
		return expired[i].OfferID < expired[j].OfferID
	})
	return expired
}

// AgentResources returns the summed resources of the agent's outstanding offers.
func (l *Ledger) AgentResources(agentID string) resources.NodeResources {
	l.mu.Lock()
	defer l.mu.Unlock()
	agent, ok := l.agents[agentID]
	if !ok {
		return resources.NodeResources{}
	}
	total := resources.NodeResources{}
	for _, offer := range agent.offers {
		total.Add(offer.Resources)
	}
	return total
}

// Get returns the outstanding offer with the given id.
func (l *Ledger) Get(offerID string) (*Offer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	offer, ok := l.byID[offerID]
	return offer, ok
}

// NumOutstanding returns the number of outstanding offers across all agents.
func (l *Ledger) NumOutstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

// availableLocked is what the agent can still give in this cycle: the unallocated part of its reservation plus all of
// its unreserved offers.
func (l *Ledger) availableLocked(agent *agentOffers) resources.NodeResources {
	available := resources.NodeResources{}
	if agent.reservation != nil {
		available.Add(agent.reservation.remaining)
	}
	for _, offer := range agent.offers {
		if agent.reservation != nil && l.isReservedLocked(agent.reservation, offer.OfferID) {
			continue
		}
		available.Add(offer.Resources)
	}
	return available
}

func (l *Ledger) isReservedLocked(res *reservation, offerID string) bool {
	for _, id := range res.offerIDs {
		if id == offerID {
			return true
		}
	}
	return false
}

// removeLocked moves an outstanding offer into a terminal state.
func (l *Ledger) removeLocked(offer *Offer, state State) {
	if offer == nil {
		return
	}
	offer.State = state
	delete(l.byID, offer.OfferID)
	agent, ok := l.agents[offer.AgentID]
	if !ok {
		return
	}
	for i, o := range agent.offers {
		if o.OfferID == offer.OfferID {
			agent.offers = append(agent.offers[:i], agent.offers[i+1:]...)
			break
		}
	}
	if agent.reservation != nil && state == Rescinded && l.isReservedLocked(agent.reservation, offer.OfferID) {
		agent.reservation.invalid = true
	}
}
