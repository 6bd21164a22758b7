package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func attempt(hash string) *MiningAttempt {
	h := common.HexToHash(hash)
	return &MiningAttempt{Nonce: uint256.NewInt(1), Hash: h, Value: HashValue(h)}
}

func TestHashValue(t *testing.T) {
	h := common.HexToHash("0x0100")
	if got := HashValue(h); got.Uint64() != 256 {
		t.Fatalf("HashValue = %s, want 256", got.Dec())
	}
	if got := HashValue(common.MaxHash); !got.Eq(new(uint256.Int).SetAllOne()) {
		t.Fatalf("HashValue(MaxHash) = %s", got.Hex())
	}
}

func TestAttemptBeats(t *testing.T) {
	a := attempt("0x10")
	tests := []struct {
		seed string
		want bool
	}{
		{"0x11", true},
		{"0x10", false}, // equal is not an improvement
		{"0x0f", false},
	}
	for _, tt := range tests {
		if got := a.Beats(common.HexToHash(tt.seed)); got != tt.want {
			t.Errorf("Beats(%s) = %v, want %v", tt.seed, got, tt.want)
		}
	}

	var none *MiningAttempt
	if none.Beats(common.MaxHash) {
		t.Error("nil attempt beats a seed")
	}
}

func TestAttemptBetter(t *testing.T) {
	low, high := attempt("0x01"), attempt("0x02")
	if !low.Better(high) || high.Better(low) {
		t.Fatal("Better does not order by hash value")
	}
	if !low.Better(nil) {
		t.Fatal("attempt not better than nil")
	}
	if low.Better(attempt("0x01")) {
		t.Fatal("equal attempt reported better")
	}
}

func TestAttemptClone(t *testing.T) {
	a := attempt("0x05")
	c := a.Clone()
	c.Nonce.SetUint64(99)
	c.Value.SetUint64(0)
	if a.Nonce.Uint64() != 1 || a.Value.Uint64() != 5 {
		t.Fatal("Clone shares nonce or value with the original")
	}
	if (*MiningAttempt)(nil).Clone() != nil {
		t.Fatal("Clone(nil) != nil")
	}
}

func TestRound(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	r := Round{ID: 3, StartTime: start, SeedHash: common.HexToHash("0xaa")}
	if got := r.Age(start.Add(90 * time.Second)); got != 90*time.Second {
		t.Fatalf("Age = %s", got)
	}
	same := r
	same.BestMiner = common.HexToAddress("0x01")
	if !r.SameSeed(same) {
		t.Fatal("SameSeed false for a different best miner only")
	}
	next := r
	next.SeedHash = common.HexToHash("0xab")
	if r.SameSeed(next) {
		t.Fatal("SameSeed true for a changed seed")
	}
}

func TestSessionKeyUsable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	k := &SessionKey{Authorized: true, Expiry: now.Add(time.Minute)}
	if !k.Usable(now) {
		t.Fatal("fresh key not usable")
	}
	if k.Usable(now.Add(time.Minute)) {
		t.Fatal("key usable at expiry")
	}
	k.Authorized = false
	if k.Usable(now) {
		t.Fatal("unauthorized key usable")
	}
	var none *SessionKey
	if none.Usable(now) {
		t.Fatal("nil key usable")
	}
}

func TestTxKindJSON(t *testing.T) {
	for _, k := range []TxKind{TxSubmitNonce, TxEndRound, TxAuthorizeSession, TxSweep} {
		data, err := json.Marshal(k)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", k, err)
		}
		var got TxKind
		if err := json.Unmarshal(data, &got); err != nil || got != k {
			t.Fatalf("round trip %s = %s, %v", data, got, err)
		}
	}
	var k TxKind
	if err := json.Unmarshal([]byte(`"mint"`), &k); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestTxStatus(t *testing.T) {
	if TxPending.Terminal() {
		t.Fatal("pending is terminal")
	}
	for _, s := range []TxStatus{TxConfirmed, TxReverted, TxRejected, TxFailed} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	var s TxStatus
	if err := json.Unmarshal([]byte(`"reverted"`), &s); err != nil || s != TxReverted {
		t.Fatalf("Unmarshal = %s, %v", s, err)
	}
}
