package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"

	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
)

// BIP-44 path for Ethereum accounts: m/44'/60'/0'/0/index.
const (
	PurposeBIP44     = bip32.FirstHardenedChild + 44
	CoinTypeEthereum = bip32.FirstHardenedChild + 60
	ChangeExternal   = 0
)

// HDKey is a BIP-32 extended key.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates a master key from a 64-byte seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// DerivePath derives a key along a sequence of indices. Hardened indices
// include bip32.FirstHardenedChild.
func (k *HDKey) DerivePath(indices ...uint32) (*HDKey, error) {
	cur := k.key
	for _, idx := range indices {
		child, err := cur.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
		cur = child
	}
	return &HDKey{key: cur}, nil
}

// DeriveAccount derives m/44'/60'/0'/0/index.
func (k *HDKey) DeriveAccount(index uint32) (*HDKey, error) {
	return k.DerivePath(PurposeBIP44, CoinTypeEthereum, bip32.FirstHardenedChild, ChangeExternal, index)
}

// PrivateKeyBytes returns the 32-byte secret, or nil for a public key.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	// bip32 stores private keys with a leading zero byte.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		return raw[1:]
	}
	return raw
}

// Signer returns the key as a local signer.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	priv := k.PrivateKeyBytes()
	if priv == nil {
		return nil, fmt.Errorf("cannot create signer from public key")
	}
	return crypto.PrivateKeyFromBytes(priv)
}

// Address returns the Ethereum address of the key.
func (k *HDKey) Address() (common.Address, error) {
	pub, err := ethcrypto.DecompressPubkey(k.key.PublicKey().Key)
	if err != nil {
		return common.Address{}, fmt.Errorf("decompress public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Depth returns the derivation depth (0 for master).
func (k *HDKey) Depth() uint8 {
	return k.key.Depth
}

// SignerFromMnemonic derives the signer of account index.
func SignerFromMnemonic(mnemonic, passphrase string, index uint32) (*crypto.PrivateKey, error) {
	seed, err := SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	defer clear(seed)
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	acct, err := master.DeriveAccount(index)
	if err != nil {
		return nil, err
	}
	return acct.Signer()
}
