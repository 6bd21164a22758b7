package wallet

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
)

func testTx() *ethtypes.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Nonce:     4,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       150_000,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      []byte{1, 2, 3, 4},
	})
}

func TestConfirmSigner(t *testing.T) {
	log.Nop()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		input  string
		reject bool
	}{
		{"yes", "y\n", false},
		{"full word", " YES \n", false},
		{"no", "n\n", true},
		{"empty line", "\n", true},
		{"eof", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			s := NewConfirmSigner(key, strings.NewReader(tt.input), &out)
			if s.Address() != key.Address() {
				t.Fatal("address not passed through")
			}
			signed, err := s.SignTx(testTx(), big.NewInt(1337))
			if tt.reject {
				if !errors.Is(err, crypto.ErrUserRejected) {
					t.Fatalf("err = %v, want ErrUserRejected", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SignTx() error: %v", err)
			}
			from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(1337)), signed)
			if err != nil || from != key.Address() {
				t.Fatalf("sender = %s, %v", from.Hex(), err)
			}
			if !strings.Contains(out.String(), testTx().To().Hex()) {
				t.Errorf("prompt missing recipient: %q", out.String())
			}
		})
	}
}

func TestConfirmSigner_Message(t *testing.T) {
	key, _ := crypto.GenerateKey()
	var out strings.Builder
	s := NewConfirmSigner(key, strings.NewReader("y\nn\n"), &out)

	msg := []byte("klingnet-miner session key v1\nchain:1337")
	sig, err := s.SignMessage(msg)
	if err != nil {
		t.Fatalf("SignMessage() error: %v", err)
	}
	if addr, err := crypto.RecoverMessageSigner(msg, sig); err != nil || addr != key.Address() {
		t.Fatalf("recovered %s, %v", addr.Hex(), err)
	}
	if !strings.Contains(out.String(), "  chain:1337") {
		t.Errorf("message not shown indented: %q", out.String())
	}

	if _, err := s.SignMessage(msg); !errors.Is(err, crypto.ErrUserRejected) {
		t.Fatalf("second answer err = %v, want ErrUserRejected", err)
	}
}
