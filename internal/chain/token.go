package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingnet-miner/internal/log"
)

// Transfer is a decoded token Transfer event.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	BlockNumber uint64
	TxHash      common.Hash
}

// Token reads the reward token.
type Token struct {
	backend Backend
	address common.Address
	abi     abi.ABI
}

// NewToken binds the token contract at addr.
func NewToken(backend Backend, addr common.Address) (*Token, error) {
	parsed, err := abi.JSON(strings.NewReader(TokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	return &Token{backend: backend, address: addr, abi: parsed}, nil
}

// Address returns the token contract address.
func (t *Token) Address() common.Address {
	return t.address
}

// BalanceOf returns the token balance of account.
func (t *Token) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	input, err := t.abi.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := t.backend.CallContract(ctx, ethereum.CallMsg{To: &t.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	vals, err := t.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected type %T", vals[0])
	}
	return bal, nil
}

// Transfers returns Transfer events from -> to in the inclusive block range.
// A zero from matches any sender.
func (t *Token) Transfers(ctx context.Context, from, to common.Address, fromBlock, toBlock uint64) ([]Transfer, error) {
	fromTopic := []common.Hash(nil)
	if from != (common.Address{}) {
		fromTopic = []common.Hash{common.BytesToHash(from.Bytes())}
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{t.address},
		Topics: [][]common.Hash{
			{t.abi.Events["Transfer"].ID},
			fromTopic,
			{common.BytesToHash(to.Bytes())},
		},
	}
	logs, err := t.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter transfers: %w", err)
	}
	out := make([]Transfer, 0, len(logs))
	for _, l := range logs {
		tr, err := t.decodeTransfer(l)
		if err != nil {
			log.Chain.Warn().Err(err).Str("tx", l.TxHash.Hex()).Msg("Skipping malformed transfer log")
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

func (t *Token) decodeTransfer(l ethtypes.Log) (Transfer, error) {
	if len(l.Topics) != 3 {
		return Transfer{}, fmt.Errorf("transfer log has %d topics", len(l.Topics))
	}
	vals, err := t.abi.Unpack("Transfer", l.Data)
	if err != nil {
		return Transfer{}, err
	}
	value, ok := vals[0].(*big.Int)
	if !ok {
		return Transfer{}, fmt.Errorf("transfer value has type %T", vals[0])
	}
	return Transfer{
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Value:       value,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
	}, nil
}

// DefaultWatchTimeout bounds one reward watcher read.
const DefaultWatchTimeout = 5 * time.Second

// RewardWatch configures WatchRewards.
type RewardWatch struct {
	Minter   common.Address
	Owner    common.Address
	Interval time.Duration
	// ReadTimeout bounds each chain read. Zero means DefaultWatchTimeout.
	ReadTimeout time.Duration
	OnReward    func(Transfer)
	// OnError, if set, is called for the first failure of each run of
	// failed reads. The watcher keeps polling either way.
	OnError func(error)
}

// WatchRewards polls for transfers from w.Minter to w.Owner and calls
// w.OnReward for each one. It starts at the first head it can read and
// returns when ctx is done.
func (t *Token) WatchRewards(ctx context.Context, w RewardWatch) error {
	if w.ReadTimeout <= 0 {
		w.ReadTimeout = DefaultWatchTimeout
	}
	var (
		next    uint64
		started bool
		failing bool
	)
	fail := func(err error) {
		log.Chain.Debug().Err(err).Msg("Reward watcher read failed")
		if !failing && w.OnError != nil {
			w.OnError(err)
		}
		failing = true
	}
	poll := func() {
		rctx, cancel := context.WithTimeout(ctx, w.ReadTimeout)
		defer cancel()

		head, err := t.backend.BlockNumber(rctx)
		if err != nil {
			fail(fmt.Errorf("read head: %w", err))
			return
		}
		if !started {
			next, started = head+1, true
			failing = false
			return
		}
		if head < next {
			failing = false
			return
		}
		transfers, err := t.Transfers(rctx, w.Minter, w.Owner, next, head)
		if err != nil {
			fail(fmt.Errorf("read transfers: %w", err))
			return
		}
		failing = false
		for _, tr := range transfers {
			if w.OnReward != nil {
				w.OnReward(tr)
			}
		}
		next = head + 1
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		poll()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
