package miner

import "fmt"

// State is the orchestrator's position in the mining loop.
type State uint8

const (
	StateIdle State = iota
	StateMining
	StateAwaitingClosure
	StateSubmitting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMining:
		return "mining"
	case StateAwaitingClosure:
		return "awaiting_closure"
	case StateSubmitting:
		return "submitting_transaction"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}
