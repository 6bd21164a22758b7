package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNoKey is returned when signing with a zeroed key.
	ErrNoKey = errors.New("private key has been zeroed")
	// ErrUserRejected is returned by interactive signers when the user
	// declines to sign.
	ErrUserRejected = errors.New("user rejected signature request")
)

// Signer signs transactions and messages on behalf of one account.
type Signer interface {
	// Address is the account the signer signs for.
	Address() common.Address
	// SignTx returns a signed copy of tx for the given chain.
	SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
	// SignMessage produces a 65-byte EIP-191 personal_sign signature over msg.
	SignMessage(msg []byte) ([]byte, error)
}

// PrivateKey is a local secp256k1 key implementing Signer.
type PrivateKey struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// GenerateKey creates a new random private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return wrap(key), nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return wrap(key), nil
}

// PrivateKeyFromHex parses a hex private key, with or without 0x prefix.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	key, err := ethcrypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return wrap(key), nil
}

func wrap(key *ecdsa.PrivateKey) *PrivateKey {
	return &PrivateKey{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the account address derived from the public key.
func (pk *PrivateKey) Address() common.Address {
	return pk.addr
}

// SignTx signs tx with the latest signer for chainID.
func (pk *PrivateKey) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	if pk.key == nil {
		return nil, ErrNoKey
	}
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), pk.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// SignMessage signs the EIP-191 text hash of msg.
func (pk *PrivateKey) SignMessage(msg []byte) ([]byte, error) {
	if pk.key == nil {
		return nil, ErrNoKey
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), pk.key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return sig, nil
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	if pk.key == nil {
		return nil
	}
	return ethcrypto.FromECDSA(pk.key)
}

// Zero drops the key material. The signer is unusable afterwards.
func (pk *PrivateKey) Zero() {
	if pk.key == nil {
		return
	}
	pk.key.D.SetInt64(0)
	pk.key = nil
}

// RecoverMessageSigner returns the address that produced an EIP-191 signature over msg.
func RecoverMessageSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
