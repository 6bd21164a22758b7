package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MiningAttempt is a single evaluated nonce.
//
// Seed and RoundID record the round state captured when the search started;
// an attempt is only valid for submission while the chain still reports them.
type MiningAttempt struct {
	Nonce   *uint256.Int `json:"nonce"`
	Hash    common.Hash  `json:"hash"`
	Value   *uint256.Int `json:"value"`
	Seed    common.Hash  `json:"seed"`
	RoundID uint64       `json:"round_id"`
}

// HashValue interprets h as an unsigned big-endian 256-bit integer.
func HashValue(h common.Hash) *uint256.Int {
	return new(uint256.Int).SetBytes32(h[:])
}

// Beats reports whether the attempt's hash is strictly smaller than h.
func (a *MiningAttempt) Beats(h common.Hash) bool {
	if a == nil || a.Value == nil {
		return false
	}
	return a.Value.Lt(HashValue(h))
}

// Better reports whether a is strictly better (smaller) than b.
// A nil b is always beaten by a non-nil a.
func (a *MiningAttempt) Better(b *MiningAttempt) bool {
	if a == nil || a.Value == nil {
		return false
	}
	if b == nil || b.Value == nil {
		return true
	}
	return a.Value.Lt(b.Value)
}

// Clone returns a deep copy of the attempt.
func (a *MiningAttempt) Clone() *MiningAttempt {
	if a == nil {
		return nil
	}
	c := *a
	if a.Nonce != nil {
		c.Nonce = a.Nonce.Clone()
	}
	if a.Value != nil {
		c.Value = a.Value.Clone()
	}
	return &c
}
