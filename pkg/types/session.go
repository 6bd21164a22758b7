package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SessionKey is a delegated signing key authorized by the primary wallet.
type SessionKey struct {
	Address       common.Address `json:"address"`
	Owner         common.Address `json:"owner"`
	Expiry        time.Time      `json:"expiry"`
	FundedBalance *big.Int       `json:"funded_balance"`
	Authorized    bool           `json:"authorized"`
}

// Usable reports whether the key is authorized and unexpired at now.
func (k *SessionKey) Usable(now time.Time) bool {
	return k != nil && k.Authorized && now.Before(k.Expiry)
}
