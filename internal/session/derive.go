// Package session manages the delegated session key that signs mining
// transactions on behalf of the primary wallet.
package session

import (
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/hkdf"

	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
)

const derivationSalt = "klingnet-miner/session-key"

// maxScalarDraws bounds rejection sampling. The chance of needing more than
// one draw is about 2^-128.
const maxScalarDraws = 16

// DerivationMessage is the message the primary wallet signs to derive the
// session key. It is bound to one chain and one mining contract.
func DerivationMessage(chainID *big.Int, contract common.Address) []byte {
	return fmt.Appendf(nil, "klingnet-miner session key v1\nchain:%s\ncontract:%s", chainID, contract.Hex())
}

// Derive asks primary to sign the derivation message and turns the
// signature into a session key. The same wallet always yields the same key.
func Derive(primary crypto.Signer, chainID *big.Int, contract common.Address) (*crypto.PrivateKey, error) {
	msg := DerivationMessage(chainID, contract)
	sig, err := primary.SignMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("sign derivation message: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("derivation signature has %d bytes, want 65", len(sig))
	}
	return deriveFromSignature(sig, msg)
}

func deriveFromSignature(sig, msg []byte) (*crypto.PrivateKey, error) {
	r := hkdf.New(sha256.New, sig, []byte(derivationSalt), msg)
	var buf [32]byte
	defer clear(buf[:])

	for range maxScalarDraws {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("hkdf: %w", err)
		}
		var s secp256k1.ModNScalar
		if overflow := s.SetByteSlice(buf[:]); overflow || s.IsZero() {
			continue
		}
		priv := secp256k1.NewPrivateKey(&s)
		raw := priv.Serialize()
		key, err := crypto.PrivateKeyFromBytes(raw)
		clear(raw)
		priv.Zero()
		return key, err
	}
	return nil, fmt.Errorf("no valid scalar after %d draws", maxScalarDraws)
}
