// Package round tracks the mining contract's round lifecycle and decides
// whether the agent should mine, wait, or close the current round.
package round

import "time"

// Policy holds the timing constants used to classify a round.
type Policy struct {
	// MinRoundDuration is the minimum round length. Zero means use the
	// duration reported by the contract for the round being classified.
	MinRoundDuration time.Duration
	// TxBuffer is reserved before the round's minimum end so a submission
	// still lands inside the round.
	TxBuffer time.Duration
	// EndRoundWait is the grace period after the minimum duration before
	// this agent tries to close the round itself.
	EndRoundWait time.Duration
}

// DefaultPolicy returns the policy used when no overrides are configured.
func DefaultPolicy() Policy {
	return Policy{
		TxBuffer:     10 * time.Second,
		EndRoundWait: 5 * time.Second,
	}
}

// minDuration resolves the effective minimum duration for a round.
func (p Policy) minDuration(reported time.Duration) time.Duration {
	if p.MinRoundDuration > 0 {
		return p.MinRoundDuration
	}
	return reported
}
