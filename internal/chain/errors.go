package chain

import (
	"bytes"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrWrongChain   = errors.New("wrong chain")
	ErrNoCode       = errors.New("no contract code at address")
	ErrRoundInvalid = errors.New("invalid round data")
)

// dataError matches JSON-RPC errors that carry revert data.
type dataError interface {
	ErrorData() interface{}
}

// RevertData extracts the raw revert payload from an RPC error, if any.
func RevertData(err error) []byte {
	var de dataError
	if !errors.As(err, &de) {
		return nil
	}
	switch v := de.ErrorData().(type) {
	case string:
		b, decErr := hexutil.Decode(v)
		if decErr != nil {
			return nil
		}
		return b
	case []byte:
		return v
	}
	return nil
}

// RevertReason decodes a revert payload into a readable reason. It knows
// Error(string) and the mining contract's custom errors.
func (c *MiningContract) RevertReason(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	for name, e := range c.abi.Errors {
		if bytes.Equal(e.ID[:4], data[:4]) {
			return name
		}
	}
	return ""
}

// IsUnauthorized reports whether err or reason identify an
// authorization failure of the session key.
func (c *MiningContract) IsUnauthorized(err error, reason string) bool {
	if reason == "" && err != nil {
		reason = c.RevertReason(RevertData(err))
		if reason == "" {
			reason = err.Error()
		}
	}
	return strings.Contains(strings.ToLower(reason), "unauthorized")
}
