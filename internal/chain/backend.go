// Package chain wraps the JSON-RPC endpoint and the mining and token
// contracts the agent talks to.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Klingon-tech/klingnet-miner/internal/log"
)

// Backend is the subset of an Ethereum JSON-RPC client the agent needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to the RPC endpoint and checks it serves the expected chain.
// A zero wantChainID skips the check.
func Dial(ctx context.Context, url string, wantChainID uint64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if wantChainID != 0 && id.Uint64() != wantChainID {
		client.Close()
		return nil, fmt.Errorf("%w: endpoint serves chain %s, want %d", ErrWrongChain, id, wantChainID)
	}
	log.Chain.Info().Str("url", url).Str("chain_id", id.String()).Msg("Connected to RPC endpoint")
	return client, nil
}
