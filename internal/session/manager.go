package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-miner/internal/chain"
	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/internal/txpipe"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

var (
	ErrAuthorization = errors.New("session key authorization failed")
	ErrNotAuthorized = errors.New("session key not authorized after confirmation")
)

// Config tunes session key funding and lifetime.
type Config struct {
	Enabled bool
	// Duration is the lifetime requested on authorization.
	Duration time.Duration
	// RenewMargin re-authorizes keys expiring sooner than this.
	RenewMargin time.Duration
	// FundOperations is how many mining transactions the key is funded for.
	FundOperations uint64
	// GasPerOperation is the gas budget of one mining transaction.
	GasPerOperation uint64
	// AuthorizeGas is the gas limit of the authorizeSession call.
	AuthorizeGas uint64
	// SweepGas is the gas limit of the sweep transfer.
	SweepGas uint64
	// SweepMargin scales the sweep fee reserve. Values below 1 are raised to 1.
	SweepMargin float64
	// Confirmations awaited for authorization and sweep.
	Confirmations uint64
	// SettlePoll is how often a sweep re-checks for session key
	// transactions still in the pool.
	SettlePoll time.Duration
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Duration:        24 * time.Hour,
		RenewMargin:     10 * time.Minute,
		FundOperations:  50,
		GasPerOperation: 150_000,
		AuthorizeGas:    120_000,
		SweepGas:        21_000,
		SweepMargin:     1.5,
		Confirmations:   1,
		SettlePoll:      2 * time.Second,
	}
}

// Contract is the session surface of the mining contract.
type Contract interface {
	Address() common.Address
	SessionOf(ctx context.Context, owner common.Address) (common.Address, time.Time, error)
	PackAuthorizeSession(key common.Address, expiry time.Time) ([]byte, error)
}

// Submitter sends a transaction and waits for it.
type Submitter interface {
	SubmitAndWait(ctx context.Context, call txpipe.Call, signer crypto.Signer, gasLimit, depth uint64) (*types.TxRecord, error)
}

// Manager owns the session key for one primary account.
type Manager struct {
	primary  crypto.Signer
	contract Contract
	backend  chain.Backend
	pipe     Submitter
	chainID  *big.Int
	cfg      Config
	now      func() time.Time

	mu         sync.Mutex
	signer     *crypto.PrivateKey
	key        *types.SessionKey
	downgraded string
}

// NewManager creates a manager. now supplies the clock expiry is judged
// against; nil uses the local clock.
func NewManager(primary crypto.Signer, contract Contract, backend chain.Backend, pipe Submitter,
	chainID *big.Int, cfg Config, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if cfg.SweepMargin < 1 {
		cfg.SweepMargin = 1
	}
	if cfg.SettlePoll <= 0 {
		cfg.SettlePoll = DefaultConfig().SettlePoll
	}
	return &Manager{
		primary:  primary,
		contract: contract,
		backend:  backend,
		pipe:     pipe,
		chainID:  chainID,
		cfg:      cfg,
		now:      now,
	}
}

// Owner returns the primary account.
func (m *Manager) Owner() common.Address {
	return m.primary.Address()
}

// Key returns a copy of the current session key, or nil.
func (m *Manager) Key() *types.SessionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return nil
	}
	cp := *m.key
	return &cp
}

// EnsureSessionKey derives the session key and makes sure the contract
// accepts it until at least now+RenewMargin, authorizing and funding it
// through the pipeline when needed. It returns nil when session keys are
// disabled. Authorization failures are returned, never retried here.
func (m *Manager) EnsureSessionKey(ctx context.Context) (*types.SessionKey, error) {
	if !m.cfg.Enabled {
		log.Session.Info().Msg("Session keys disabled, signing with primary wallet")
		return nil, nil
	}

	signer, err := m.derive()
	if err != nil {
		return nil, err
	}

	owner := m.primary.Address()
	registered, expiry, err := m.contract.SessionOf(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	balance, err := m.backend.BalanceAt(ctx, signer.Address(), nil)
	if err != nil {
		return nil, fmt.Errorf("read session balance: %w", err)
	}
	fees, err := txpipe.SuggestFees(ctx, m.backend)
	if err != nil {
		return nil, err
	}

	now := m.now()
	perOp := new(big.Int).Mul(fees.FeeCap, new(big.Int).SetUint64(m.cfg.GasPerOperation))
	valid := registered == signer.Address() && expiry.After(now.Add(m.cfg.RenewMargin))
	funded := balance.Cmp(perOp) >= 0

	if valid && funded {
		key := &types.SessionKey{
			Address:       signer.Address(),
			Owner:         owner,
			Expiry:        expiry,
			FundedBalance: balance,
			Authorized:    true,
		}
		m.setKey(key)
		log.Session.Info().
			Str("session", key.Address.Hex()).
			Time("expiry", expiry).
			Str("balance", balance.String()).
			Msg("Reusing authorized session key")
		return key, nil
	}

	switch {
	case registered != signer.Address():
		log.Session.Info().Str("registered", registered.Hex()).Msg("Session key not registered, authorizing")
	case !valid:
		log.Session.Info().Time("expiry", expiry).Msg("Session key expired or expiring, re-authorizing")
	default:
		log.Session.Info().Str("balance", balance.String()).Msg("Session key underfunded, topping up")
	}
	return m.authorize(ctx, signer, balance, perOp, now)
}

// LoadKey derives the session key without touching the chain and returns
// its address. The primary signer is asked to sign the derivation message
// once per manager.
func (m *Manager) LoadKey() (common.Address, error) {
	signer, err := m.derive()
	if err != nil {
		return common.Address{}, err
	}
	return signer.Address(), nil
}

func (m *Manager) derive() (*crypto.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signer != nil {
		return m.signer, nil
	}
	signer, err := Derive(m.primary, m.chainID, m.contract.Address())
	if err != nil {
		return nil, err
	}
	m.signer = signer
	log.Session.Info().Str("session", signer.Address().Hex()).Msg("Derived session key")
	return signer, nil
}

func (m *Manager) authorize(ctx context.Context, signer *crypto.PrivateKey, balance, perOp *big.Int, now time.Time) (*types.SessionKey, error) {
	target := new(big.Int).Mul(perOp, new(big.Int).SetUint64(m.cfg.FundOperations))
	amount := new(big.Int).Sub(target, balance)
	if amount.Sign() < 0 {
		amount.SetInt64(0)
	}
	expiry := now.Add(m.cfg.Duration).Truncate(time.Second)

	data, err := m.contract.PackAuthorizeSession(signer.Address(), expiry)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}
	call := txpipe.Call{Kind: types.TxAuthorizeSession, To: m.contract.Address(), Data: data, Value: amount}
	rec, err := m.pipe.SubmitAndWait(ctx, call, m.primary, m.cfg.AuthorizeGas, m.cfg.Confirmations)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}

	registered, gotExpiry, err := m.contract.SessionOf(ctx, m.primary.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: verify: %w", ErrAuthorization, err)
	}
	if registered != signer.Address() || !gotExpiry.After(now) {
		return nil, fmt.Errorf("%w: %w", ErrAuthorization, ErrNotAuthorized)
	}

	key := &types.SessionKey{
		Address:       signer.Address(),
		Owner:         m.primary.Address(),
		Expiry:        gotExpiry,
		FundedBalance: new(big.Int).Add(balance, amount),
		Authorized:    true,
	}
	m.setKey(key)
	log.Session.Info().
		Str("session", key.Address.Hex()).
		Str("tx", rec.Hash.Hex()).
		Str("funded", amount.String()).
		Time("expiry", gotExpiry).
		Msg("Session key authorized")
	return key, nil
}

func (m *Manager) setKey(k *types.SessionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = k
	m.downgraded = ""
}

// Signer returns the session key while it is usable, otherwise the primary
// signer.
func (m *Manager) Signer() crypto.Signer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signer != nil && m.downgraded == "" && m.key.Usable(m.now()) {
		return m.signer
	}
	return m.primary
}

// UsingSessionKey reports whether Signer currently returns the session key.
func (m *Manager) UsingSessionKey() bool {
	return m.Signer() != m.primary
}

// Downgrade stops using the session key for the rest of the session.
func (m *Manager) Downgrade(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downgraded != "" || m.signer == nil {
		return
	}
	m.downgraded = reason
	log.Session.Warn().Str("session", m.signer.Address().Hex()).Str("reason", reason).Msg("Session key downgraded, signing with primary wallet")
}

// Downgraded returns the downgrade reason, or "".
func (m *Manager) Downgraded() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downgraded
}

// SessionAddress returns the derived session key address, if derived.
func (m *Manager) SessionAddress() (common.Address, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signer == nil {
		return common.Address{}, false
	}
	return m.signer.Address(), true
}

// ReleaseFunds sweeps the session key balance to target, keeping back the
// fee of the transfer itself. Session key transactions still in the pool
// are waited for first, so the swept amount is computed from a settled
// balance. It returns nil without sending anything when there is no
// session key or the balance does not cover the fee.
func (m *Manager) ReleaseFunds(ctx context.Context, target common.Address) (*types.TxRecord, error) {
	m.mu.Lock()
	signer := m.signer
	m.mu.Unlock()
	if signer == nil {
		return nil, nil
	}
	if err := m.awaitSettled(ctx, signer.Address()); err != nil {
		return nil, fmt.Errorf("sweep session key %s: %w", signer.Address().Hex(), err)
	}

	balance, err := m.backend.BalanceAt(ctx, signer.Address(), nil)
	if err != nil {
		return nil, fmt.Errorf("read session balance: %w", err)
	}
	fees, err := txpipe.SuggestFees(ctx, m.backend)
	if err != nil {
		return nil, err
	}
	reserve := sweepReserve(fees.MaxCost(m.cfg.SweepGas), m.cfg.SweepMargin)
	value := new(big.Int).Sub(balance, reserve)
	if value.Sign() <= 0 {
		log.Session.Info().
			Str("session", signer.Address().Hex()).
			Str("balance", balance.String()).
			Str("reserve", reserve.String()).
			Msg("Session balance below sweep fee, skipping sweep")
		return nil, nil
	}

	call := txpipe.Call{Kind: types.TxSweep, To: target, Value: value}
	rec, err := m.pipe.SubmitAndWait(ctx, call, signer, m.cfg.SweepGas, m.cfg.Confirmations)
	if err != nil {
		return nil, fmt.Errorf("sweep session key %s: %w", signer.Address().Hex(), err)
	}
	log.Session.Info().
		Str("session", signer.Address().Hex()).
		Str("to", target.Hex()).
		Str("value", value.String()).
		Str("tx", rec.Hash.Hex()).
		Msg("Session funds released")
	return rec, nil
}

// awaitSettled blocks until addr has no transactions waiting in the pool.
func (m *Manager) awaitSettled(ctx context.Context, addr common.Address) error {
	ticker := time.NewTicker(m.cfg.SettlePoll)
	defer ticker.Stop()
	waiting := false
	for {
		pending, err := m.backend.PendingNonceAt(ctx, addr)
		if err != nil {
			return fmt.Errorf("read pending nonce: %w", err)
		}
		mined, err := m.backend.NonceAt(ctx, addr, nil)
		if err != nil {
			return fmt.Errorf("read nonce: %w", err)
		}
		if pending <= mined {
			return nil
		}
		if !waiting {
			log.Session.Info().
				Str("session", addr.Hex()).
				Uint64("in_pool", pending-mined).
				Msg("Waiting for session transactions to settle before sweep")
			waiting = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweepReserve returns fee scaled by margin, rounded up.
func sweepReserve(fee *big.Int, margin float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(fee), big.NewFloat(margin))
	out, acc := scaled.Int(nil)
	if acc == big.Below {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// Close zeroes the session key material.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signer != nil {
		m.signer.Zero()
	}
}
