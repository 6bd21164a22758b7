package round

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

// PhaseKind is what the agent should be doing with the current round.
type PhaseKind uint8

const (
	// Mine means there is search time left in the round.
	Mine PhaseKind = iota
	// AwaitClosure means mining is over and the round is not yet closable
	// by this agent.
	AwaitClosure
	// CloseNow means the round has run past its grace period.
	CloseNow
)

func (k PhaseKind) String() string {
	switch k {
	case Mine:
		return "mine"
	case AwaitClosure:
		return "await_closure"
	case CloseNow:
		return "close_now"
	default:
		return fmt.Sprintf("phase(%d)", uint8(k))
	}
}

// Phase is the result of classifying a round at a point in time.
type Phase struct {
	Kind      PhaseKind
	Remaining time.Duration
}

func (p Phase) String() string {
	if p.Kind == CloseNow {
		return p.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", p.Kind, p.Remaining)
}

// Classify decides the phase of r at now. It performs no I/O and depends
// only on its arguments.
func Classify(r types.Round, now time.Time, p Policy) Phase {
	age := r.Age(now)
	minDur := p.minDuration(r.MinDuration)

	switch {
	case age >= minDur+p.EndRoundWait:
		return Phase{Kind: CloseNow}
	case age >= minDur:
		return Phase{Kind: AwaitClosure, Remaining: minDur + p.EndRoundWait - age}
	}

	remaining := minDur - age - p.TxBuffer
	if remaining <= 0 {
		return Phase{Kind: AwaitClosure}
	}
	return Phase{Kind: Mine, Remaining: remaining}
}
