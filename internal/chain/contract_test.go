package chain_test

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-miner/internal/chain"
	"github.com/Klingon-tech/klingnet-miner/internal/chain/chaintest"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
)

var genesis = time.Unix(1_700_000_000, 0)

func newContract(t *testing.T) (*chaintest.Backend, *chain.MiningContract) {
	t.Helper()
	b := chaintest.New(31337, genesis, 60*time.Second)
	c, err := chain.NewMiningContract(b, b.MiningAddress)
	if err != nil {
		t.Fatalf("NewMiningContract: %v", err)
	}
	return b, c
}

func TestCurrentRound(t *testing.T) {
	b, c := newContract(t)
	seed := common.HexToHash("0x00ff")
	miner := common.HexToAddress("0x1234")
	b.SetSeed(seed, miner)

	r, err := c.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("CurrentRound: %v", err)
	}
	if r.ID != 1 || !r.StartTime.Equal(genesis) || r.SeedHash != seed || r.BestMiner != miner {
		t.Fatalf("CurrentRound = %+v", r)
	}
	if r.MinDuration != 60*time.Second {
		t.Fatalf("MinDuration = %s, want 60s", r.MinDuration)
	}
}

func TestChainTime(t *testing.T) {
	b, c := newContract(t)
	b.Advance(42 * time.Second)
	got, err := c.ChainTime(context.Background())
	if err != nil {
		t.Fatalf("ChainTime: %v", err)
	}
	if !got.Equal(genesis.Add(42 * time.Second)) {
		t.Fatalf("ChainTime = %s", got)
	}
}

func TestSessionOf(t *testing.T) {
	b, c := newContract(t)
	owner := common.HexToAddress("0xaaaa")
	key := common.HexToAddress("0xbbbb")

	got, expiry, err := c.SessionOf(context.Background(), owner)
	if err != nil {
		t.Fatalf("SessionOf: %v", err)
	}
	if got != (common.Address{}) || !expiry.IsZero() {
		t.Fatalf("unregistered session = (%s, %s)", got, expiry)
	}

	exp := genesis.Add(time.Hour)
	b.SetSession(owner, key, exp)
	got, expiry, err = c.SessionOf(context.Background(), owner)
	if err != nil {
		t.Fatalf("SessionOf: %v", err)
	}
	if got != key || !expiry.Equal(exp) {
		t.Fatalf("SessionOf = (%s, %s), want (%s, %s)", got, expiry, key, exp)
	}
}

func TestSessionOf_NeverExpires(t *testing.T) {
	b, c := newContract(t)
	owner := common.HexToAddress("0xaaaa")
	b.SetSessionExpiry(owner, common.HexToAddress("0xbbbb"), math.MaxUint64)

	_, expiry, err := c.SessionOf(context.Background(), owner)
	if err != nil {
		t.Fatalf("SessionOf: %v", err)
	}
	if !expiry.After(genesis.Add(100 * 365 * 24 * time.Hour)) {
		t.Fatalf("expiry = %s, want far future", expiry)
	}
}

func TestSubmitNonceRoundTrip(t *testing.T) {
	b, c := newContract(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	b.Fund(key.Address(), big.NewInt(1e18))

	nonce := uint256.NewInt(12345)
	data, err := c.PackSubmitNonce(1, nonce)
	if err != nil {
		t.Fatalf("PackSubmitNonce: %v", err)
	}
	to := c.Address()
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(31337),
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(3_000_000_000),
		Gas:       100_000,
		To:        &to,
		Data:      data,
	})
	signed, err := key.SignTx(tx, big.NewInt(31337))
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	if err := b.SendTransaction(context.Background(), signed); err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}

	r, err := c.CurrentRound(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.MiningHash(key.Address(), common.MaxHash, nonce)
	if r.SeedHash != want || r.BestMiner != key.Address() {
		t.Fatalf("round after submit = %+v, want seed %s", r, want)
	}
}

func TestRevertReasonAndUnauthorized(t *testing.T) {
	b, c := newContract(t)
	owner := common.HexToAddress("0xaaaa")
	key := common.HexToAddress("0xbbbb")
	b.SetSession(owner, key, genesis.Add(-time.Second)) // expired

	data, _ := c.PackSubmitNonce(1, uint256.NewInt(1))
	to := c.Address()
	_, err := b.CallContract(context.Background(), callMsg(key, to, data), nil)
	if err == nil {
		t.Fatal("expected revert for expired session key")
	}
	if reason := c.RevertReason(chain.RevertData(err)); reason != "Unauthorized" {
		t.Fatalf("RevertReason = %q, want Unauthorized", reason)
	}
	if !c.IsUnauthorized(err, "") {
		t.Fatal("IsUnauthorized = false")
	}
	if c.IsUnauthorized(errors.New("nonce too low"), "") {
		t.Fatal("IsUnauthorized(nonce too low) = true")
	}
}

func TestRevertReasonCustomError(t *testing.T) {
	_, c := newContract(t)
	id := c.ABI().Errors["NotImproved"].ID
	if got := c.RevertReason(id[:4]); got != "NotImproved" {
		t.Fatalf("RevertReason = %q, want NotImproved", got)
	}
	if got := c.RevertReason([]byte{1, 2}); got != "" {
		t.Fatalf("RevertReason(short) = %q", got)
	}
}
