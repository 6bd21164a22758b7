package session

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-miner/internal/chain"
	"github.com/Klingon-tech/klingnet-miner/internal/chain/chaintest"
	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/internal/txpipe"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
	"github.com/Klingon-tech/klingnet-miner/pkg/retry"
	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

const testChainID = 31337

var (
	genesis = time.Unix(1_700_000_000, 0)
	oneEth  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type rejectingSigner struct{ crypto.Signer }

func (rejectingSigner) SignMessage([]byte) ([]byte, error) { return nil, crypto.ErrUserRejected }

type fixture struct {
	backend *chaintest.Backend
	primary *crypto.PrivateKey
	mgr     *Manager
	derived common.Address
}

func newFixture(t *testing.T, fundPrimary bool, cfg Config) *fixture {
	t.Helper()
	log.Nop()
	b := chaintest.New(testChainID, genesis, 60*time.Second)
	c, err := chain.NewMiningContract(b, b.MiningAddress)
	if err != nil {
		t.Fatal(err)
	}
	primary, err := crypto.PrivateKeyFromHex("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	if err != nil {
		t.Fatal(err)
	}
	if fundPrimary {
		b.Fund(primary.Address(), oneEth)
	}
	pipe := txpipe.New(b, nil, c, txpipe.Config{
		ChainID:     big.NewInt(testChainID),
		ConfirmPoll: 5 * time.Millisecond,
		Retry:       retry.Fixed(2, time.Millisecond),
	})
	mgr := NewManager(primary, c, b, pipe, big.NewInt(testChainID), cfg, b.Now)

	derived, err := Derive(primary, big.NewInt(testChainID), b.MiningAddress)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{backend: b, primary: primary, mgr: mgr, derived: derived.Address()}
}

func TestDeriveDeterministic(t *testing.T) {
	primary, _ := crypto.PrivateKeyFromHex("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	contract := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	a, err := Derive(primary, big.NewInt(1), contract)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	b, err := Derive(primary, big.NewInt(1), contract)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if a.Address() != b.Address() {
		t.Fatalf("same wallet derived %s and %s", a.Address(), b.Address())
	}
	if a.Address() == primary.Address() {
		t.Fatal("session key equals primary key")
	}

	otherChain, _ := Derive(primary, big.NewInt(2), contract)
	if otherChain.Address() == a.Address() {
		t.Error("derivation not bound to chain id")
	}
	otherContract, _ := Derive(primary, big.NewInt(1), common.HexToAddress("0x01"))
	if otherContract.Address() == a.Address() {
		t.Error("derivation not bound to contract")
	}
	otherWallet, _ := crypto.GenerateKey()
	w, _ := Derive(otherWallet, big.NewInt(1), contract)
	if w.Address() == a.Address() {
		t.Error("different wallets derived the same key")
	}
}

func TestDeriveUserRejected(t *testing.T) {
	primary, _ := crypto.GenerateKey()
	_, err := Derive(rejectingSigner{primary}, big.NewInt(1), common.Address{})
	if !errors.Is(err, crypto.ErrUserRejected) {
		t.Fatalf("err = %v, want ErrUserRejected", err)
	}
}

func TestDerivationMessage(t *testing.T) {
	got := string(DerivationMessage(big.NewInt(8453), common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")))
	want := "klingnet-miner session key v1\nchain:8453\ncontract:0x5FbDB2315678afecb367f032d93F642f64180aa3"
	if got != want {
		t.Fatalf("DerivationMessage = %q, want %q", got, want)
	}
}

func TestEnsureAuthorizesNewKey(t *testing.T) {
	f := newFixture(t, true, DefaultConfig())

	key, err := f.mgr.EnsureSessionKey(context.Background())
	if err != nil {
		t.Fatalf("EnsureSessionKey: %v", err)
	}
	if key.Address != f.derived || !key.Authorized {
		t.Fatalf("key = %+v", key)
	}
	if f.backend.Sent() != 1 {
		t.Fatalf("sent %d transactions, want 1 authorization", f.backend.Sent())
	}
	if f.backend.Balance(f.derived).Sign() <= 0 {
		t.Fatal("session key not funded")
	}
	if f.mgr.Signer().Address() != f.derived {
		t.Fatal("Signer is not the session key after authorization")
	}
}

func TestEnsureReauthorizesExpiredKey(t *testing.T) {
	f := newFixture(t, true, DefaultConfig())
	f.backend.Fund(f.derived, oneEth)
	f.backend.SetSession(f.primary.Address(), f.derived, genesis.Add(-time.Minute))

	key, err := f.mgr.EnsureSessionKey(context.Background())
	if err != nil {
		t.Fatalf("EnsureSessionKey: %v", err)
	}
	if f.backend.Sent() != 1 {
		t.Fatalf("sent %d transactions, want 1 re-authorization", f.backend.Sent())
	}
	if !key.Expiry.After(genesis.Add(time.Hour)) {
		t.Fatalf("expiry = %s, want renewed", key.Expiry)
	}
	if f.mgr.Signer().Address() != f.derived {
		t.Fatal("Signer is not the renewed session key")
	}
}

func TestEnsureReusesValidKey(t *testing.T) {
	f := newFixture(t, true, DefaultConfig())
	f.backend.Fund(f.derived, oneEth)
	f.backend.SetSession(f.primary.Address(), f.derived, genesis.Add(6*time.Hour))

	key, err := f.mgr.EnsureSessionKey(context.Background())
	if err != nil {
		t.Fatalf("EnsureSessionKey: %v", err)
	}
	if f.backend.Sent() != 0 {
		t.Fatalf("sent %d transactions, want none", f.backend.Sent())
	}
	if !key.Expiry.Equal(genesis.Add(6 * time.Hour)) {
		t.Fatalf("expiry = %s", key.Expiry)
	}
}

func TestEnsureReusesNeverExpiringKey(t *testing.T) {
	f := newFixture(t, true, DefaultConfig())
	f.backend.Fund(f.derived, oneEth)
	f.backend.SetSessionExpiry(f.primary.Address(), f.derived, math.MaxUint64)

	key, err := f.mgr.EnsureSessionKey(context.Background())
	if err != nil {
		t.Fatalf("EnsureSessionKey: %v", err)
	}
	if f.backend.Sent() != 0 {
		t.Fatalf("sent %d transactions, want none", f.backend.Sent())
	}
	if !key.Expiry.After(genesis) {
		t.Fatalf("expiry = %s", key.Expiry)
	}
}

func TestEnsureRenewsNearExpiry(t *testing.T) {
	f := newFixture(t, true, DefaultConfig())
	f.backend.Fund(f.derived, oneEth)
	f.backend.SetSession(f.primary.Address(), f.derived, genesis.Add(time.Minute)) // inside RenewMargin

	if _, err := f.mgr.EnsureSessionKey(context.Background()); err != nil {
		t.Fatalf("EnsureSessionKey: %v", err)
	}
	if f.backend.Sent() != 1 {
		t.Fatalf("sent %d transactions, want 1", f.backend.Sent())
	}
}

func TestEnsureAuthorizationFailureIsFatal(t *testing.T) {
	f := newFixture(t, false, DefaultConfig())

	_, err := f.mgr.EnsureSessionKey(context.Background())
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("err = %v, want ErrAuthorization", err)
	}
	if txpipe.ClassOf(err) != txpipe.InsufficientFunds {
		t.Fatalf("class = %s, want insufficient_funds", txpipe.ClassOf(err))
	}
	if f.mgr.Signer() != crypto.Signer(f.primary) {
		t.Fatal("unauthorized session key used for signing")
	}
}

func TestDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	f := newFixture(t, true, cfg)

	key, err := f.mgr.EnsureSessionKey(context.Background())
	if err != nil || key != nil {
		t.Fatalf("EnsureSessionKey = (%v, %v), want (nil, nil)", key, err)
	}
	if f.mgr.UsingSessionKey() {
		t.Fatal("disabled manager uses a session key")
	}
	if rec, err := f.mgr.ReleaseFunds(context.Background(), f.primary.Address()); rec != nil || err != nil {
		t.Fatalf("ReleaseFunds = (%v, %v), want nothing", rec, err)
	}
}

func TestSignerFallsBackAfterExpiry(t *testing.T) {
	f := newFixture(t, true, DefaultConfig())
	if _, err := f.mgr.EnsureSessionKey(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.backend.Advance(25 * time.Hour)
	if f.mgr.UsingSessionKey() {
		t.Fatal("expired session key still signing")
	}
}

func TestDowngrade(t *testing.T) {
	f := newFixture(t, true, DefaultConfig())
	if _, err := f.mgr.EnsureSessionKey(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.mgr.Downgrade("unauthorized revert")
	if f.mgr.UsingSessionKey() {
		t.Fatal("downgraded manager still uses session key")
	}
	if f.mgr.Downgraded() != "unauthorized revert" {
		t.Fatalf("Downgraded = %q", f.mgr.Downgraded())
	}
}

func TestReleaseFunds(t *testing.T) {
	f := newFixture(t, true, DefaultConfig())
	if _, err := f.mgr.EnsureSessionKey(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := f.backend.Balance(f.primary.Address())

	rec, err := f.mgr.ReleaseFunds(context.Background(), f.primary.Address())
	if err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}
	if rec == nil {
		t.Fatal("ReleaseFunds sent nothing")
	}
	if f.backend.Balance(f.primary.Address()).Cmp(before) <= 0 {
		t.Fatal("owner balance did not increase")
	}
	left := f.backend.Balance(f.derived)
	maxFee := new(big.Int).Mul(big.NewInt(21_000*3), big.NewInt(2_100_000_000))
	if left.Cmp(maxFee) > 0 {
		t.Fatalf("session key kept %s, more than the fee reserve", left)
	}
}

func TestReleaseFundsWaitsForPoolTx(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettlePoll = 5 * time.Millisecond
	f := newFixture(t, true, cfg)
	if _, err := f.mgr.EnsureSessionKey(context.Background()); err != nil {
		t.Fatal(err)
	}
	sessionKey, err := Derive(f.primary, big.NewInt(testChainID), f.backend.MiningAddress)
	if err != nil {
		t.Fatal(err)
	}

	// A session transaction spending half the balance is still in the pool
	// when the sweep starts, as after a stop that released it unconfirmed.
	f.backend.Manual = true
	half := new(big.Int).Div(f.backend.Balance(f.derived), big.NewInt(2))
	other := txpipe.New(f.backend, nil, nil, txpipe.Config{ChainID: big.NewInt(testChainID)})
	inPool, err := other.Submit(context.Background(), txpipe.Call{
		Kind:  types.TxSubmitNonce,
		To:    common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		Value: half,
	}, sessionKey, 21_000)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			time.Sleep(20 * time.Millisecond)
			f.backend.Mine()
		}
	}()

	rec, err := f.mgr.ReleaseFunds(ctx, f.primary.Address())
	if err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}
	if rec == nil || rec.Status != types.TxConfirmed {
		t.Fatalf("sweep record = %+v", rec)
	}
	if receipt, err := f.backend.TransactionReceipt(ctx, inPool.Hash); err != nil || receipt.Status != 1 {
		t.Fatalf("pool transaction receipt = %+v, %v", receipt, err)
	}
	left := f.backend.Balance(f.derived)
	maxFee := new(big.Int).Mul(big.NewInt(21_000*3), big.NewInt(2_100_000_000))
	if left.Cmp(maxFee) > 0 {
		t.Fatalf("session key kept %s, more than the fee reserve", left)
	}
}

func TestReleaseFundsSkipsDust(t *testing.T) {
	f := newFixture(t, true, DefaultConfig())
	if _, err := f.mgr.EnsureSessionKey(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Leave the session key with far less than one transfer fee.
	bal := f.backend.Balance(f.derived)
	f.backend.Fund(f.derived, new(big.Int).Sub(big.NewInt(1000), bal))
	sent := f.backend.Sent()

	rec, err := f.mgr.ReleaseFunds(context.Background(), f.primary.Address())
	if err != nil || rec != nil {
		t.Fatalf("ReleaseFunds = (%v, %v), want skipped", rec, err)
	}
	if f.backend.Sent() != sent {
		t.Fatal("sweep transaction sent for a dust balance")
	}
}

func TestSweepReserve(t *testing.T) {
	if got := sweepReserve(big.NewInt(100), 1.5); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("sweepReserve = %s, want 150", got)
	}
	if got := sweepReserve(big.NewInt(3), 1.5); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("sweepReserve rounds down: %s", got)
	}
}

func TestLoadKeyDerivesWithoutChain(t *testing.T) {
	f := newFixture(t, false, DefaultConfig())
	sent := f.backend.Sent()

	addr, err := f.mgr.LoadKey()
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if addr != f.derived {
		t.Fatalf("LoadKey = %s, want %s", addr.Hex(), f.derived.Hex())
	}
	if got, ok := f.mgr.SessionAddress(); !ok || got != f.derived {
		t.Fatalf("SessionAddress = %s, %v", got.Hex(), ok)
	}
	if f.backend.Sent() != sent {
		t.Fatal("LoadKey sent a transaction")
	}
	if f.mgr.UsingSessionKey() {
		t.Fatal("unauthorized key used for signing")
	}
}
