package agent

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-miner/internal/round"
	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

// recentTxs is how many journal entries Status reports.
const recentTxs = 10

// Status is a point-in-time view of the miner's accounts and the round.
type Status struct {
	ChainID *big.Int       `json:"chain_id"`
	Owner   common.Address `json:"owner"`
	Balance *big.Int       `json:"balance"`
	// TokenBalance is nil when no reward token is configured.
	TokenBalance *big.Int `json:"token_balance,omitempty"`

	SessionKey        common.Address `json:"session_key"`
	SessionBalance    *big.Int       `json:"session_balance"`
	SessionExpiry     time.Time      `json:"session_expiry"`
	SessionAuthorized bool           `json:"session_authorized"`

	Round types.Round `json:"round"`
	Phase string      `json:"phase"`

	Pending []*types.TxRecord `json:"pending"`
	Recent  []*types.TxRecord `json:"recent"`
}

// Status reads balances, the session key registration and the current
// round. Deriving the session key may ask the primary signer to sign.
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	owner := a.primary.Address()
	st := &Status{ChainID: a.chainID, Owner: owner}

	var err error
	if st.Balance, err = a.backend.BalanceAt(ctx, owner, nil); err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if a.token != nil {
		if st.TokenBalance, err = a.token.BalanceOf(ctx, owner); err != nil {
			return nil, fmt.Errorf("read token balance: %w", err)
		}
	}

	if st.SessionKey, err = a.sessions.LoadKey(); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	if st.SessionBalance, err = a.backend.BalanceAt(ctx, st.SessionKey, nil); err != nil {
		return nil, fmt.Errorf("read session balance: %w", err)
	}
	registered, expiry, err := a.contract.SessionOf(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	st.SessionExpiry = expiry
	st.SessionAuthorized = registered == st.SessionKey && expiry.After(a.sync.Now())

	snap, err := a.sync.Poll(ctx)
	if err != nil {
		return nil, err
	}
	a.sync.Reset()
	st.Round = snap.Round
	st.Phase = snap.Phase.String()

	if st.Pending, err = a.journal.Pending(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if st.Recent, err = a.journal.Recent(recentTxs); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return st, nil
}

// Sweep moves the session key balance back to the primary account without
// mining. It returns nil when there was nothing worth sweeping.
func (a *Agent) Sweep(ctx context.Context) (*types.TxRecord, error) {
	if _, err := a.sessions.LoadKey(); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return a.sessions.ReleaseFunds(ctx, a.primary.Address())
}

// Phase classifies the current round without recording it.
func (a *Agent) Phase(ctx context.Context) (types.Round, round.Phase, error) {
	r, err := a.sync.Fetch(ctx)
	if err != nil {
		return types.Round{}, round.Phase{}, err
	}
	return r, a.sync.Classify(r), nil
}
