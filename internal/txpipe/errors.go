package txpipe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

var (
	ErrSubmissionPending = errors.New("a transaction is already pending")
	ErrReverted          = errors.New("transaction reverted")
	ErrDropped           = errors.New("transaction dropped")
)

// FailureClass groups submission failures by how the caller must react.
type FailureClass uint8

const (
	ClassUnknown FailureClass = iota
	// UserRejected means the signer declined. Fatal to the mining session.
	UserRejected
	// InsufficientFunds means the sender cannot pay for gas. Fatal.
	InsufficientFunds
	// Network is a transient RPC failure. Retried.
	Network
	// Reverted means the transaction was mined but failed.
	Reverted
	// Unauthorized is a revert caused by a session key the contract no
	// longer accepts.
	Unauthorized
	// Signer means a local signer failed for a reason other than rejection.
	Signer
	// Dropped means the transaction left the pool without being mined.
	Dropped
)

func (c FailureClass) String() string {
	switch c {
	case UserRejected:
		return "user_rejected"
	case InsufficientFunds:
		return "insufficient_funds"
	case Network:
		return "network"
	case Reverted:
		return "reverted"
	case Unauthorized:
		return "unauthorized"
	case Signer:
		return "signer"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Fatal reports whether the mining session must stop.
func (c FailureClass) Fatal() bool {
	return c == UserRejected || c == InsufficientFunds
}

// TxError is a classified submission or confirmation failure.
type TxError struct {
	Class  FailureClass
	Op     string
	Kind   types.TxKind
	Record *types.TxRecord
	Err    error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Kind, e.Class, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// ClassOf returns the failure class carried by err, or ClassUnknown.
func ClassOf(err error) FailureClass {
	var te *TxError
	if errors.As(err, &te) {
		return te.Class
	}
	return ClassUnknown
}

// IsFatal reports whether err must stop the mining session.
func IsFatal(err error) bool {
	return ClassOf(err).Fatal()
}

// classifySend maps an error from signing or broadcasting to a class.
func classifySend(err error) FailureClass {
	switch {
	case errors.Is(err, crypto.ErrUserRejected):
		return UserRejected
	case errors.Is(err, context.Canceled):
		return ClassUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return InsufficientFunds
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return UserRejected
	case strings.Contains(msg, "execution reverted"):
		return Reverted
	}
	return Network
}

// isKnownTx reports a node's answer to a transaction it already holds.
func isKnownTx(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func isRetryable(err error) bool {
	return ClassOf(err) == Network
}
