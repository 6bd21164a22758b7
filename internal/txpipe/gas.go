package txpipe

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/Klingon-tech/klingnet-miner/internal/chain"
)

// GasLimit scales a configured base limit by multiplier, rounding up.
// A non-positive multiplier is treated as 1.
func GasLimit(base uint64, multiplier float64) uint64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	return uint64(math.Ceil(float64(base) * multiplier))
}

// Fees are EIP-1559 fee parameters.
type Fees struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// MaxCost returns the most a transaction with gas limit gas can pay.
func (f Fees) MaxCost(gas uint64) *big.Int {
	return new(big.Int).Mul(f.FeeCap, new(big.Int).SetUint64(gas))
}

// SuggestFees returns the node's suggested tip and a fee cap of twice the
// head base fee plus the tip.
func SuggestFees(ctx context.Context, backend chain.Backend) (Fees, error) {
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("read head: %w", err)
	}
	baseFee := new(big.Int)
	if head.BaseFee != nil {
		baseFee.Set(head.BaseFee)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return Fees{TipCap: tip, FeeCap: feeCap}, nil
}
