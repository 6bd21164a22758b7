// Package types defines the core records shared by the mining agent.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Round is a time-boxed competition epoch as reported by the mining contract.
//
// Everything except SeedHash is fixed for the lifetime of a round id. SeedHash
// is the smallest hash submitted so far and changes whenever someone beats it.
type Round struct {
	ID          uint64         `json:"id"`
	StartTime   time.Time      `json:"start_time"`
	SeedHash    common.Hash    `json:"seed_hash"`
	MinDuration time.Duration  `json:"min_duration"`
	BestMiner   common.Address `json:"best_miner"`
}

// Age returns how long the round has been running at now.
func (r Round) Age(now time.Time) time.Duration {
	return now.Sub(r.StartTime)
}

// SameSeed reports whether o describes the same round id and seed as r.
func (r Round) SameSeed(o Round) bool {
	return r.ID == o.ID && r.SeedHash == o.SeedHash
}
