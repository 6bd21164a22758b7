package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

// MiningContract reads round state from, and packs calls to, the mining
// contract.
type MiningContract struct {
	backend Backend
	address common.Address
	abi     abi.ABI

	mu          sync.Mutex
	minDuration time.Duration
}

// NewMiningContract binds the mining contract at addr.
func NewMiningContract(backend Backend, addr common.Address) (*MiningContract, error) {
	parsed, err := abi.JSON(strings.NewReader(MiningABI))
	if err != nil {
		return nil, fmt.Errorf("parse mining abi: %w", err)
	}
	return &MiningContract{backend: backend, address: addr, abi: parsed}, nil
}

// Address returns the contract address.
func (c *MiningContract) Address() common.Address {
	return c.address
}

// ABI returns the parsed contract ABI.
func (c *MiningContract) ABI() abi.ABI {
	return c.abi
}

func (c *MiningContract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: %w", method, ErrNoCode)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

// MinRoundDuration reads the contract's minimum round duration. The value
// is immutable and cached after the first successful read.
func (c *MiningContract) MinRoundDuration(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	cached := c.minDuration
	c.mu.Unlock()
	if cached > 0 {
		return cached, nil
	}

	vals, err := c.call(ctx, "minRoundDuration")
	if err != nil {
		return 0, err
	}
	secs, ok := vals[0].(*big.Int)
	if !ok || !secs.IsInt64() || secs.Sign() < 0 {
		return 0, fmt.Errorf("%w: min duration %v", ErrRoundInvalid, vals[0])
	}
	d := time.Duration(secs.Int64()) * time.Second

	c.mu.Lock()
	c.minDuration = d
	c.mu.Unlock()
	return d, nil
}

// CurrentRound reads the active round.
func (c *MiningContract) CurrentRound(ctx context.Context) (types.Round, error) {
	minDur, err := c.MinRoundDuration(ctx)
	if err != nil {
		return types.Round{}, err
	}
	vals, err := c.call(ctx, "getCurrentRound")
	if err != nil {
		return types.Round{}, err
	}
	if len(vals) != 4 {
		return types.Round{}, fmt.Errorf("%w: %d return values", ErrRoundInvalid, len(vals))
	}
	id, ok1 := vals[0].(*big.Int)
	start, ok2 := vals[1].(*big.Int)
	seed, ok3 := vals[2].([32]byte)
	best, ok4 := vals[3].(common.Address)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return types.Round{}, fmt.Errorf("%w: unexpected types", ErrRoundInvalid)
	}
	if !id.IsUint64() || !start.IsInt64() {
		return types.Round{}, fmt.Errorf("%w: id %s start %s out of range", ErrRoundInvalid, id, start)
	}
	return types.Round{
		ID:          id.Uint64(),
		StartTime:   time.Unix(start.Int64(), 0),
		SeedHash:    common.Hash(seed),
		MinDuration: minDur,
		BestMiner:   best,
	}, nil
}

// ChainTime returns the timestamp of the latest block header.
func (c *MiningContract) ChainTime(ctx context.Context) (time.Time, error) {
	h, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("read head: %w", err)
	}
	return unixTime(h.Time), nil
}

// SessionOf reads the session key authorized for owner and its expiry.
// A zero key means no session is registered.
func (c *MiningContract) SessionOf(ctx context.Context, owner common.Address) (common.Address, time.Time, error) {
	vals, err := c.call(ctx, "sessionOf", owner)
	if err != nil {
		return common.Address{}, time.Time{}, err
	}
	key, ok1 := vals[0].(common.Address)
	expiry, ok2 := vals[1].(uint64)
	if !ok1 || !ok2 {
		return common.Address{}, time.Time{}, fmt.Errorf("sessionOf: unexpected types")
	}
	if key == (common.Address{}) {
		return key, time.Time{}, nil
	}
	return key, unixTime(expiry), nil
}

// maxUnix is 9999-12-31T23:59:59Z, the latest time that still encodes as
// JSON. Larger on-chain values, such as type(uint64).max for keys that
// never expire, are clamped to it.
const maxUnix = 253402300799

func unixTime(sec uint64) time.Time {
	return time.Unix(int64(min(sec, maxUnix)), 0)
}

// PackSubmitNonce builds calldata for submitNonce(roundId, nonce).
func (c *MiningContract) PackSubmitNonce(roundID uint64, nonce *uint256.Int) ([]byte, error) {
	return c.abi.Pack("submitNonce", new(big.Int).SetUint64(roundID), nonce.ToBig())
}

// PackEndRound builds calldata for endRound().
func (c *MiningContract) PackEndRound() ([]byte, error) {
	return c.abi.Pack("endRound")
}

// PackAuthorizeSession builds calldata for authorizeSession(key, expiry).
func (c *MiningContract) PackAuthorizeSession(key common.Address, expiry time.Time) ([]byte, error) {
	return c.abi.Pack("authorizeSession", key, uint64(expiry.Unix()))
}
