// Package events carries the mining agent's event stream to presentation
// layers and exporters.
package events

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

// Kind identifies an event.
type Kind uint8

const (
	KindStarted Kind = iota + 1
	KindRoundStarted
	KindMining
	KindNonceFound
	KindTransactionSubmitted
	KindTransactionConfirmed
	KindTransactionFailed
	KindRewardReceived
	KindUserRejected
	KindStopped
	KindError
)

var kindNames = map[Kind]string{
	KindStarted:              "started",
	KindRoundStarted:         "round_started",
	KindMining:               "mining",
	KindNonceFound:           "nonce_found",
	KindTransactionSubmitted: "transaction_submitted",
	KindTransactionConfirmed: "transaction_confirmed",
	KindTransactionFailed:    "transaction_failed",
	KindRewardReceived:       "reward_received",
	KindUserRejected:         "user_rejected",
	KindStopped:              "stopped",
	KindError:                "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalJSON encodes the kind as its name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Payload is the data carried by one kind of event.
type Payload interface {
	Kind() Kind
}

// Event is one entry of the stream. Seq increases by one per published event.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Payload Payload   `json:"payload"`
}

// Started is emitted once the session is set up and mining begins.
type Started struct {
	Miner        common.Address `json:"miner"`
	SessionKey   common.Address `json:"session_key,omitempty"`
	UsingSession bool           `json:"using_session"`
}

// RoundStarted is emitted on the first observed round and on every round
// transition.
type RoundStarted struct {
	Round types.Round `json:"round"`
}

// Mining reports search progress.
type Mining struct {
	RoundID   uint64        `json:"round_id"`
	HashRate  float64       `json:"hash_rate_khs"`
	Hashes    uint64        `json:"hashes"`
	Best      common.Hash   `json:"best,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

// NonceFound is emitted when a search produced an attempt worth submitting.
type NonceFound struct {
	Attempt *types.MiningAttempt `json:"attempt"`
}

// TransactionSubmitted is emitted after a transaction was broadcast.
type TransactionSubmitted struct {
	Record types.TxRecord `json:"record"`
}

// TransactionConfirmed is emitted when a transaction reached its
// confirmation depth.
type TransactionConfirmed struct {
	Record types.TxRecord `json:"record"`
}

// TransactionFailed is emitted for every failed submission or confirmation.
type TransactionFailed struct {
	TxKind types.TxKind    `json:"tx_kind"`
	Class  string          `json:"class"`
	Fatal  bool            `json:"fatal"`
	Err    string          `json:"error"`
	Record *types.TxRecord `json:"record,omitempty"`
}

// RewardReceived is emitted when a token transfer from the mining contract
// to the miner is observed.
type RewardReceived struct {
	Amount *big.Int    `json:"amount"`
	TxHash common.Hash `json:"tx_hash"`
	Block  uint64      `json:"block"`
}

// UserRejected is emitted when the user declined to sign.
type UserRejected struct {
	TxKind types.TxKind `json:"tx_kind"`
	Err    string       `json:"error"`
}

// Stopped is the last event of a session.
type Stopped struct {
	Reason string `json:"reason"`
	Err    string `json:"error,omitempty"`
}

// Error reports a problem. Non-fatal errors do not stop mining.
type Error struct {
	Op    string `json:"op"`
	Err   string `json:"error"`
	Fatal bool   `json:"fatal"`
	// SessionKey names a session key left funded or authorized.
	SessionKey common.Address `json:"session_key,omitempty"`
}

func (Started) Kind() Kind              { return KindStarted }
func (RoundStarted) Kind() Kind         { return KindRoundStarted }
func (Mining) Kind() Kind               { return KindMining }
func (NonceFound) Kind() Kind           { return KindNonceFound }
func (TransactionSubmitted) Kind() Kind { return KindTransactionSubmitted }
func (TransactionConfirmed) Kind() Kind { return KindTransactionConfirmed }
func (TransactionFailed) Kind() Kind    { return KindTransactionFailed }
func (RewardReceived) Kind() Kind       { return KindRewardReceived }
func (UserRejected) Kind() Kind         { return KindUserRejected }
func (Stopped) Kind() Kind              { return KindStopped }
func (Error) Kind() Kind                { return KindError }

var (
	zeroHash common.Hash
	zeroAddr common.Address
)
