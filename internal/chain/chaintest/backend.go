// Package chaintest provides an in-memory chain that executes the mining
// and token contracts for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-miner/internal/chain"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
)

// Gas charged by the simulated contracts.
const (
	TransferGas = 21_000
	CallGas     = 60_000
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrAlreadyKnown      = errors.New("already known")
)

type session struct {
	key    common.Address
	expiry uint64
}

// Backend is a single-node chain with the mining contract at MiningAddress
// and the reward token at TokenAddress. Transactions are mined immediately
// unless Manual is set.
type Backend struct {
	MiningAddress common.Address
	TokenAddress  common.Address

	mining abi.ABI
	token  abi.ABI

	mu       sync.Mutex
	chainID  *big.Int
	baseFee  *big.Int
	tip      *big.Int
	height   uint64
	now      time.Time
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*ethtypes.Receipt
	pending  []*ethtypes.Transaction
	logs     []ethtypes.Log

	roundID     uint64
	roundStart  time.Time
	seed        common.Hash
	bestMiner   common.Address
	minDuration time.Duration
	reward      *big.Int
	sessions    map[common.Address]session
	sessionKeys map[common.Address]common.Address

	// Manual leaves sent transactions pending until Mine is called.
	Manual bool
	// SendHook, when set, can fail SendTransaction before execution.
	SendHook func(tx *ethtypes.Transaction) error
	// CallHook, when set, can fail CallContract.
	CallHook func(msg ethereum.CallMsg) error

	sent int
}

// New creates a chain whose first round starts at start.
func New(chainID int64, start time.Time, minDuration time.Duration) *Backend {
	mining, err := abi.JSON(strings.NewReader(chain.MiningABI))
	if err != nil {
		panic(err)
	}
	token, err := abi.JSON(strings.NewReader(chain.TokenABI))
	if err != nil {
		panic(err)
	}
	b := &Backend{
		MiningAddress: common.HexToAddress("0x00000000000000000000000000000000000A11CE"),
		TokenAddress:  common.HexToAddress("0x0000000000000000000000000000000000000B0B"),
		mining:        mining,
		token:         token,
		chainID:       big.NewInt(chainID),
		baseFee:       big.NewInt(1_000_000_000),
		tip:           big.NewInt(100_000_000),
		height:        1,
		now:           start,
		balances:      make(map[common.Address]*big.Int),
		nonces:        make(map[common.Address]uint64),
		receipts:      make(map[common.Hash]*ethtypes.Receipt),
		roundID:       1,
		roundStart:    start,
		seed:          common.MaxHash,
		minDuration:   minDuration,
		reward:        big.NewInt(50),
		sessions:      make(map[common.Address]session),
		sessionKeys:   make(map[common.Address]common.Address),
	}
	return b
}

// Fund credits addr with wei.
func (b *Backend) Fund(addr common.Address, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balanceLocked(addr).Add(b.balanceLocked(addr), wei)
}

// Balance returns the native balance of addr.
func (b *Backend) Balance(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceLocked(addr))
}

// Advance moves chain time forward.
func (b *Backend) Advance(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = b.now.Add(d)
}

// Now returns chain time.
func (b *Backend) Now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

// SetSeed overwrites the current round's best hash, as if another miner
// had submitted.
func (b *Backend) SetSeed(seed common.Hash, miner common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seed = seed
	b.bestMiner = miner
}

// StartRound closes the current round in a new block without a
// transaction, paying the best miner.
func (b *Backend) StartRound() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.height++
	b.newRoundLocked()
}

// Round returns the current round id and seed.
func (b *Backend) Round() (uint64, common.Hash, common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roundID, b.seed, b.bestMiner
}

// SetSession registers a session key directly.
func (b *Backend) SetSession(owner, key common.Address, expiry time.Time) {
	b.SetSessionExpiry(owner, key, uint64(expiry.Unix()))
}

// SetSessionExpiry registers a session key with a raw expiry in seconds.
func (b *Backend) SetSessionExpiry(owner, key common.Address, expiry uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[owner] = session{key: key, expiry: expiry}
	b.sessionKeys[key] = owner
}

// Sent returns how many transactions were accepted by SendTransaction.
func (b *Backend) Sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// Pending returns the transactions waiting for Mine.
func (b *Backend) Pending() []*ethtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ethtypes.Transaction(nil), b.pending...)
}

// Drop discards pending transactions and bumps each sender's nonce past
// them, as if replacements had been mined.
func (b *Backend) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.pending {
		from, err := b.sender(tx)
		if err == nil && b.nonces[from] <= tx.Nonce() {
			b.nonces[from] = tx.Nonce() + 1
		}
	}
	b.pending = nil
}

// Mine executes all pending transactions in one block.
func (b *Backend) Mine() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mineLocked()
}

func (b *Backend) mineLocked() {
	if len(b.pending) == 0 {
		return
	}
	b.height++
	for i, tx := range b.pending {
		b.executeLocked(tx, uint(i))
	}
	b.pending = nil
}

func (b *Backend) balanceLocked(addr common.Address) *big.Int {
	bal, ok := b.balances[addr]
	if !ok {
		bal = new(big.Int)
		b.balances[addr] = bal
	}
	return bal
}

func (b *Backend) sender(tx *ethtypes.Transaction) (common.Address, error) {
	return ethtypes.Sender(ethtypes.LatestSignerForChainID(b.chainID), tx)
}

func (b *Backend) gasPrice(tx *ethtypes.Transaction) *big.Int {
	price := new(big.Int).Add(b.baseFee, tx.GasTipCap())
	if price.Cmp(tx.GasFeeCap()) > 0 {
		price.Set(tx.GasFeeCap())
	}
	return price
}

func (b *Backend) newRoundLocked() {
	if b.bestMiner != (common.Address{}) {
		b.logs = append(b.logs, b.transferLog(b.MiningAddress, b.bestMiner, b.reward))
	}
	b.roundID++
	b.roundStart = b.now
	b.seed = common.MaxHash
	b.bestMiner = common.Address{}
}

func (b *Backend) transferLog(from, to common.Address, value *big.Int) ethtypes.Log {
	data, _ := b.token.Events["Transfer"].Inputs.NonIndexed().Pack(value)
	return ethtypes.Log{
		Address:     b.TokenAddress,
		Topics:      []common.Hash{b.token.Events["Transfer"].ID, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        data,
		BlockNumber: b.height,
	}
}

// executeLocked applies tx and stores its receipt.
func (b *Backend) executeLocked(tx *ethtypes.Transaction, index uint) {
	from, _ := b.sender(tx)
	b.nonces[from] = tx.Nonce() + 1

	gas := uint64(TransferGas)
	var revertErr error
	if tx.To() != nil && *tx.To() == b.MiningAddress {
		gas = CallGas
		revertErr = b.applyMiningLocked(from, tx.Value(), tx.Data(), false)
	} else if tx.To() != nil {
		bal := b.balanceLocked(from)
		if bal.Cmp(tx.Value()) < 0 {
			revertErr = ErrInsufficientFunds
		} else {
			bal.Sub(bal, tx.Value())
			to := b.balanceLocked(*tx.To())
			to.Add(to, tx.Value())
		}
	}
	if gas > tx.Gas() {
		gas = tx.Gas()
		revertErr = errors.New("out of gas")
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(gas), b.gasPrice(tx))
	bal := b.balanceLocked(from)
	bal.Sub(bal, fee)

	status := ethtypes.ReceiptStatusSuccessful
	if revertErr != nil {
		status = ethtypes.ReceiptStatusFailed
	}
	b.receipts[tx.Hash()] = &ethtypes.Receipt{
		Type:              tx.Type(),
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           gas,
		EffectiveGasPrice: b.gasPrice(tx),
		BlockNumber:       new(big.Int).SetUint64(b.height),
		TransactionIndex:  index,
	}
}

func (b *Backend) owner(sender common.Address) (common.Address, error) {
	owner, ok := b.sessionKeys[sender]
	if !ok {
		return sender, nil
	}
	s := b.sessions[owner]
	if s.key != sender || s.expiry <= uint64(b.now.Unix()) {
		return common.Address{}, errors.New("Unauthorized")
	}
	return owner, nil
}

// applyMiningLocked runs a mining contract call. With dry set it only
// reports whether the call would revert.
func (b *Backend) applyMiningLocked(from common.Address, value *big.Int, data []byte, dry bool) error {
	if len(data) < 4 {
		return errors.New("no selector")
	}
	method, err := b.mining.MethodById(data[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return err
	}

	switch method.Name {
	case "submitNonce":
		miner, err := b.owner(from)
		if err != nil {
			return err
		}
		roundID := args[0].(*big.Int)
		if roundID.Uint64() != b.roundID {
			return fmt.Errorf("RoundClosed(%s)", roundID)
		}
		nonce, _ := uint256.FromBig(args[1].(*big.Int))
		h := crypto.MiningHash(miner, b.seed, nonce)
		if h.Big().Cmp(b.seed.Big()) >= 0 {
			return errors.New("NotImproved")
		}
		if dry {
			return nil
		}
		b.seed = h
		b.bestMiner = miner
	case "endRound":
		if _, err := b.owner(from); err != nil {
			return err
		}
		if b.now.Sub(b.roundStart) < b.minDuration {
			return errors.New("round still open")
		}
		if !dry {
			b.newRoundLocked()
		}
	case "authorizeSession":
		key := args[0].(common.Address)
		expiry := args[1].(uint64)
		bal := b.balanceLocked(from)
		if value == nil {
			value = new(big.Int)
		}
		if bal.Cmp(value) < 0 {
			return ErrInsufficientFunds
		}
		if dry {
			return nil
		}
		bal.Sub(bal, value)
		kb := b.balanceLocked(key)
		kb.Add(kb, value)
		if old, ok := b.sessions[from]; ok {
			delete(b.sessionKeys, old.key)
		}
		b.sessions[from] = session{key: key, expiry: expiry}
		b.sessionKeys[key] = from
	default:
		return fmt.Errorf("%s is not a transaction", method.Name)
	}
	return nil
}

// Backend interface.

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.height, nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &ethtypes.Header{
		Number:  new(big.Int).SetUint64(b.height),
		Time:    uint64(b.now.Unix()),
		BaseFee: new(big.Int).Set(b.baseFee),
	}, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.CallHook != nil {
		if err := b.CallHook(msg); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("bad call")
	}

	switch *msg.To {
	case b.MiningAddress:
		method, err := b.mining.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		switch method.Name {
		case "getCurrentRound":
			return method.Outputs.Pack(new(big.Int).SetUint64(b.roundID), big.NewInt(b.roundStart.Unix()), [32]byte(b.seed), b.bestMiner)
		case "minRoundDuration":
			return method.Outputs.Pack(big.NewInt(int64(b.minDuration / time.Second)))
		case "sessionOf":
			args, err := method.Inputs.Unpack(msg.Data[4:])
			if err != nil {
				return nil, err
			}
			s := b.sessions[args[0].(common.Address)]
			return method.Outputs.Pack(s.key, s.expiry)
		}
		if err := b.applyMiningLocked(msg.From, msg.Value, msg.Data, true); err != nil {
			return nil, newRevertError(err.Error())
		}
		return []byte{}, nil
	case b.TokenAddress:
		method, err := b.token.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		owner := args[0].(common.Address)
		total := new(big.Int)
		for _, l := range b.logs {
			if common.BytesToAddress(l.Topics[2].Bytes()) == owner {
				v, _ := b.token.Events["Transfer"].Inputs.NonIndexed().Unpack(l.Data)
				total.Add(total, v[0].(*big.Int))
			}
		}
		return method.Outputs.Pack(total)
	}
	return nil, nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return b.Balance(account), nil
}

func (b *Backend) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nonces[account]
	for _, tx := range b.pending {
		if from, err := b.sender(tx); err == nil && from == account && tx.Nonce() >= n {
			n = tx.Nonce() + 1
		}
	}
	return n, nil
}

func (b *Backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.tip), nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.SendHook != nil {
		if err := b.SendHook(tx); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	from, err := b.sender(tx)
	if err != nil {
		return err
	}
	for _, p := range b.pending {
		if p.Hash() == tx.Hash() {
			return ErrAlreadyKnown
		}
	}
	if tx.Nonce() < b.nonces[from] {
		return ErrNonceTooLow
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasFeeCap())
	cost.Add(cost, tx.Value())
	if b.balanceLocked(from).Cmp(cost) < 0 {
		return ErrInsufficientFunds
	}
	b.sent++
	b.pending = append(b.pending, tx)
	if !b.Manual {
		b.mineLocked()
	}
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cp := *r
	return &cp, nil
}

func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ethtypes.Log
	for _, l := range b.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && l.Address != q.Addresses[0] {
			continue
		}
		if !topicsMatch(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	for i, alts := range filter {
		if len(alts) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		ok := false
		for _, a := range alts {
			if a == topics[i] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// RevertError mimics the JSON-RPC error geth returns for a reverted call.
type RevertError struct {
	Reason string
	data   []byte
}

func newRevertError(reason string) *RevertError {
	str, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: str}}.Pack(reason)
	data := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
	return &RevertError{Reason: reason, data: data}
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

// ErrorData returns the hex-encoded revert payload.
func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(e.data) }

var _ chain.Backend = (*Backend)(nil)
