package round

import (
	"sync"

	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

// Change describes how an observed round relates to the previous one.
type Change struct {
	// First is set for the very first observation. It is not a transition.
	First bool
	// Transition is set when the round id differs from the last known id.
	Transition bool
	// SeedChanged is set when the round id is unchanged but the seed moved.
	SeedChanged bool
	// Previous is the last known round, zero when First is set.
	Previous types.Round
}

// Tracker remembers the last observed round and detects transitions.
type Tracker struct {
	mu   sync.Mutex
	last types.Round
	seen bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe records r and reports how it differs from the previous observation.
func (t *Tracker) Observe(r types.Round) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen {
		t.seen = true
		t.last = r
		return Change{First: true}
	}

	prev := t.last
	t.last = r
	switch {
	case r.ID != prev.ID:
		return Change{Transition: true, Previous: prev}
	case r.SeedHash != prev.SeedHash:
		return Change{SeedChanged: true, Previous: prev}
	}
	return Change{Previous: prev}
}

// Last returns the last observed round and whether one exists.
func (t *Tracker) Last() (types.Round, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.seen
}

// Reset forgets the last observation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = types.Round{}
	t.seen = false
}
