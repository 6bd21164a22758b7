// Package txpipe submits mining transactions and waits for them to confirm.
package txpipe

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingnet-miner/internal/chain"
	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
	"github.com/Klingon-tech/klingnet-miner/pkg/retry"
	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

// DefaultConfirmPoll is how often receipts are polled.
const DefaultConfirmPoll = 2 * time.Second

// Call is a contract call or value transfer to submit.
type Call struct {
	Kind    types.TxKind
	To      common.Address
	Data    []byte
	Value   *big.Int
	RoundID uint64
}

// RevertDecoder turns revert payloads into reasons.
// *chain.MiningContract satisfies it.
type RevertDecoder interface {
	RevertReason(data []byte) string
	IsUnauthorized(err error, reason string) bool
}

// Config tunes the pipeline.
type Config struct {
	ChainID     *big.Int
	ConfirmPoll time.Duration
	Retry       *retry.Config
	ReadTimeout time.Duration
}

type inflight struct {
	rec  *types.TxRecord
	call Call
}

// Pipeline builds, signs, sends and tracks transactions. At most one
// transaction is outstanding at a time.
type Pipeline struct {
	backend chain.Backend
	journal *Journal
	decoder RevertDecoder
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	pending *inflight
}

// New creates a pipeline. journal and decoder may be nil.
func New(backend chain.Backend, journal *Journal, decoder RevertDecoder, cfg Config) *Pipeline {
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = DefaultConfirmPoll
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	return &Pipeline{backend: backend, journal: journal, decoder: decoder, cfg: cfg, now: time.Now}
}

// Pending returns a copy of the outstanding record, or nil.
func (p *Pipeline) Pending() *types.TxRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	cp := *p.pending.rec
	return &cp
}

// Release forgets the outstanding transaction without waiting for it. The
// journal keeps it as pending.
func (p *Pipeline) Release() *types.TxRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	rec := p.pending.rec
	p.pending = nil
	log.Tx.Warn().Str("tx", rec.Hash.Hex()).Str("kind", rec.Kind.String()).Msg("Released pending transaction without confirmation")
	return rec
}

// Submit signs call with signer and broadcasts it. The transaction is
// built and signed once; network failures re-send that same transaction
// with the configured backoff. Every other failure is returned as a
// *TxError right away.
func (p *Pipeline) Submit(ctx context.Context, call Call, signer crypto.Signer, gasLimit uint64) (*types.TxRecord, error) {
	p.mu.Lock()
	if p.pending != nil {
		hash := p.pending.rec.Hash
		p.mu.Unlock()
		return nil, &TxError{Class: ClassUnknown, Op: "submit", Kind: call.Kind, Err: fmt.Errorf("%w: %s", ErrSubmissionPending, hash.Hex())}
	}
	// Reserve the slot while sending.
	p.pending = &inflight{rec: &types.TxRecord{Kind: call.Kind, Status: types.TxPending}, call: call}
	p.mu.Unlock()

	rec, err := p.send(ctx, call, signer, gasLimit)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.pending = nil
		if ClassOf(err) == ClassUnknown && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			// Exhausted network retries.
			err = &TxError{Class: Network, Op: "submit", Kind: call.Kind, Err: err}
		}
		return nil, err
	}
	p.pending = &inflight{rec: rec, call: call}
	cp := *rec
	return &cp, nil
}

func (p *Pipeline) send(ctx context.Context, call Call, signer crypto.Signer, gasLimit uint64) (*types.TxRecord, error) {
	onRetry := func(attempt int, err error) {
		log.Tx.Warn().Err(err).Int("attempt", attempt).Str("kind", call.Kind.String()).Msg("Submission failed, retrying")
	}
	fail := func(class FailureClass, err error) error {
		return &TxError{Class: class, Op: "submit", Kind: call.Kind, Err: err}
	}

	from := signer.Address()
	params, err := retry.DoWithResult(ctx, p.cfg.Retry, isRetryable, onRetry, func() (txParams, error) {
		rctx, cancel := context.WithTimeout(ctx, p.cfg.ReadTimeout)
		defer cancel()
		nonce, err := p.backend.PendingNonceAt(rctx, from)
		if err != nil {
			return txParams{}, fail(Network, fmt.Errorf("read nonce: %w", err))
		}
		fees, err := SuggestFees(rctx, p.backend)
		if err != nil {
			return txParams{}, fail(Network, err)
		}
		return txParams{nonce: nonce, fees: fees}, nil
	})
	if err != nil {
		return nil, err
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To
	unsigned := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   p.cfg.ChainID,
		Nonce:     params.nonce,
		GasTipCap: params.fees.TipCap,
		GasFeeCap: params.fees.FeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := signer.SignTx(unsigned, p.cfg.ChainID)
	if err != nil {
		if errors.Is(err, crypto.ErrUserRejected) {
			return nil, fail(UserRejected, err)
		}
		return nil, fail(Signer, err)
	}

	err = retry.Do(ctx, p.cfg.Retry, isRetryable, onRetry, func() error {
		return p.broadcast(ctx, signed, fail)
	})
	if err != nil {
		return nil, err
	}

	rec := &types.TxRecord{
		Hash:        signed.Hash(),
		Kind:        call.Kind,
		From:        from,
		Nonce:       params.nonce,
		RoundID:     call.RoundID,
		Value:       value,
		SubmittedAt: p.now(),
		Status:      types.TxPending,
	}
	p.persist(rec)
	log.Tx.Info().
		Str("tx", rec.Hash.Hex()).
		Str("kind", call.Kind.String()).
		Str("from", from.Hex()).
		Uint64("nonce", params.nonce).
		Uint64("gas", gasLimit).
		Msg("Transaction submitted")
	return rec, nil
}

type txParams struct {
	nonce uint64
	fees  Fees
}

// broadcast sends signed once. A node that already holds or has mined the
// same transaction counts as success, since an earlier attempt may have
// been accepted before its reply was lost.
func (p *Pipeline) broadcast(ctx context.Context, signed *ethtypes.Transaction, fail func(FailureClass, error) error) error {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.ReadTimeout)
	defer cancel()

	err := p.backend.SendTransaction(rctx, signed)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isKnownTx(err) {
		log.Tx.Debug().Str("tx", signed.Hash().Hex()).Msg("Node already has transaction")
		return nil
	}
	if isNonceTooLow(err) {
		if p.included(ctx, signed.Hash()) {
			log.Tx.Debug().Str("tx", signed.Hash().Hex()).Msg("Transaction already mined")
			return nil
		}
		// Another transaction took the nonce.
		return fail(Dropped, fmt.Errorf("send: %w", err))
	}
	class := classifySend(err)
	if class == Reverted && p.decoder != nil && p.decoder.IsUnauthorized(err, "") {
		class = Unauthorized
	}
	return fail(class, fmt.Errorf("send: %w", err))
}

// included reports whether hash has a receipt.
func (p *Pipeline) included(ctx context.Context, hash common.Hash) bool {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.ReadTimeout)
	defer cancel()
	_, err := p.backend.TransactionReceipt(rctx, hash)
	return err == nil
}

// AwaitConfirmation polls until rec has depth confirmations or fails. It has
// no timeout of its own and returns only on a terminal status or when ctx
// is done.
func (p *Pipeline) AwaitConfirmation(ctx context.Context, rec *types.TxRecord, depth uint64) (*types.TxRecord, error) {
	if depth == 0 {
		depth = 1
	}
	rec = p.tracked(rec)

	ticker := time.NewTicker(p.cfg.ConfirmPoll)
	defer ticker.Stop()
	for {
		done, err := p.check(ctx, rec, depth)
		if done {
			p.finish(rec)
			cp := *rec
			return &cp, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SubmitAndWait is Submit followed by AwaitConfirmation.
func (p *Pipeline) SubmitAndWait(ctx context.Context, call Call, signer crypto.Signer, gasLimit, depth uint64) (*types.TxRecord, error) {
	rec, err := p.Submit(ctx, call, signer, gasLimit)
	if err != nil {
		return nil, err
	}
	return p.AwaitConfirmation(ctx, rec, depth)
}

// tracked returns a working copy of the pipeline's view of rec.
func (p *Pipeline) tracked(rec *types.TxRecord) *types.TxRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil && p.pending.rec.Hash == rec.Hash {
		rec = p.pending.rec
	}
	cp := *rec
	return &cp
}

func (p *Pipeline) callFor(hash common.Hash) (Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil && p.pending.rec.Hash == hash {
		return p.pending.call, true
	}
	return Call{}, false
}

// check polls once. It reports done when rec reached a terminal status.
func (p *Pipeline) check(ctx context.Context, rec *types.TxRecord, depth uint64) (bool, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.ReadTimeout)
	defer cancel()

	receipt, err := p.backend.TransactionReceipt(rctx, rec.Hash)
	if errors.Is(err, ethereum.NotFound) {
		return p.checkDropped(rctx, rec)
	}
	if err != nil {
		log.Tx.Debug().Err(err).Str("tx", rec.Hash.Hex()).Msg("Receipt read failed")
		return false, nil
	}

	rec.BlockNumber = receipt.BlockNumber.Uint64()
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		class, reason := p.revertReason(rctx, rec, receipt)
		rec.Status = types.TxReverted
		rec.Error = reason
		log.Tx.Warn().Str("tx", rec.Hash.Hex()).Str("kind", rec.Kind.String()).Str("reason", reason).Msg("Transaction reverted")
		return true, &TxError{Class: class, Op: "confirm", Kind: rec.Kind, Record: rec, Err: fmt.Errorf("%w: %s", ErrReverted, reason)}
	}

	head, err := p.backend.BlockNumber(rctx)
	if err != nil {
		log.Tx.Debug().Err(err).Msg("Head read failed")
		return false, nil
	}
	if head >= rec.BlockNumber {
		rec.Confirmations = head - rec.BlockNumber + 1
	}
	if rec.Confirmations < depth {
		p.persist(rec)
		return false, nil
	}
	rec.Status = types.TxConfirmed
	log.Tx.Info().
		Str("tx", rec.Hash.Hex()).
		Str("kind", rec.Kind.String()).
		Uint64("block", rec.BlockNumber).
		Uint64("confirmations", rec.Confirmations).
		Msg("Transaction confirmed")
	return true, nil
}

// checkDropped reports a missing transaction as dropped once the sender's
// mined nonce has moved past it.
func (p *Pipeline) checkDropped(ctx context.Context, rec *types.TxRecord) (bool, error) {
	mined, err := p.backend.NonceAt(ctx, rec.From, nil)
	if err != nil || mined <= rec.Nonce {
		return false, nil
	}
	// The nonce was used; look once more in case the receipt just landed.
	if _, err := p.backend.TransactionReceipt(ctx, rec.Hash); err == nil {
		return false, nil
	}
	rec.Status = types.TxFailed
	rec.Error = ErrDropped.Error()
	log.Tx.Warn().Str("tx", rec.Hash.Hex()).Uint64("nonce", rec.Nonce).Msg("Transaction dropped")
	return true, &TxError{Class: Dropped, Op: "confirm", Kind: rec.Kind, Record: rec, Err: ErrDropped}
}

// revertReason replays the call against the parent block to recover the
// revert payload.
func (p *Pipeline) revertReason(ctx context.Context, rec *types.TxRecord, receipt *ethtypes.Receipt) (FailureClass, string) {
	call, ok := p.callFor(rec.Hash)
	if !ok || p.decoder == nil {
		return Reverted, "execution reverted"
	}
	var at *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		at = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}
	to := call.To
	_, err := p.backend.CallContract(ctx, ethereum.CallMsg{
		From:  rec.From,
		To:    &to,
		Data:  call.Data,
		Value: call.Value,
	}, at)
	if err == nil {
		return Reverted, "execution reverted"
	}
	reason := p.decoder.RevertReason(chain.RevertData(err))
	if reason == "" {
		reason = err.Error()
	}
	if p.decoder.IsUnauthorized(err, reason) {
		return Unauthorized, reason
	}
	return Reverted, reason
}

func (p *Pipeline) finish(rec *types.TxRecord) {
	p.persist(rec)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil && p.pending.rec.Hash == rec.Hash {
		p.pending = nil
	}
}

func (p *Pipeline) persist(rec *types.TxRecord) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Put(rec); err != nil {
		log.Tx.Error().Err(err).Str("tx", rec.Hash.Hex()).Msg("Failed to journal transaction")
	}
}

// Journal returns the pipeline's journal, or nil.
func (p *Pipeline) Journal() *Journal {
	return p.journal
}
