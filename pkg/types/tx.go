package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxKind identifies what a transaction does for the miner.
type TxKind uint8

const (
	TxSubmitNonce TxKind = iota + 1
	TxEndRound
	TxAuthorizeSession
	TxSweep
)

func (k TxKind) String() string {
	switch k {
	case TxSubmitNonce:
		return "submit_nonce"
	case TxEndRound:
		return "end_round"
	case TxAuthorizeSession:
		return "authorize_session"
	case TxSweep:
		return "sweep"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalJSON encodes the kind as its name.
func (k TxKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name.
func (k *TxKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, c := range []TxKind{TxSubmitNonce, TxEndRound, TxAuthorizeSession, TxSweep} {
		if c.String() == s {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown tx kind %q", s)
}

// TxStatus is the lifecycle state of a submitted transaction.
type TxStatus uint8

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxReverted
	TxRejected
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	case TxRejected:
		return "rejected"
	case TxFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further status change is expected.
func (s TxStatus) Terminal() bool {
	return s != TxPending
}

// MarshalJSON encodes the status as its name.
func (s TxStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *TxStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, c := range []TxStatus{TxPending, TxConfirmed, TxReverted, TxRejected, TxFailed} {
		if c.String() == name {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown tx status %q", name)
}

// TxRecord tracks a transaction from submission to a terminal status.
type TxRecord struct {
	Hash          common.Hash    `json:"hash"`
	Kind          TxKind         `json:"kind"`
	From          common.Address `json:"from"`
	Nonce         uint64         `json:"nonce"`
	RoundID       uint64         `json:"round_id,omitempty"`
	Value         *big.Int       `json:"value,omitempty"`
	SubmittedAt   time.Time      `json:"submitted_at"`
	BlockNumber   uint64         `json:"block_number,omitempty"`
	Confirmations uint64         `json:"confirmations"`
	Status        TxStatus       `json:"status"`
	Error         string         `json:"error,omitempty"`
}
