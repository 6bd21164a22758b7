package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
)

const keyFileVersion = 1

// ErrKeyFileExists is returned when WriteKeyFile would overwrite a key.
var ErrKeyFileExists = errors.New("key file already exists")

// KeyFile is the on-disk JSON form of the encrypted primary key.
type KeyFile struct {
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Address   common.Address `json:"address"`
	// Source records how the key was produced, e.g. "m/44'/60'/0'/0/0" or
	// "random".
	Source string `json:"source"`
	Sealed []byte `json:"sealed_key"`
}

// WriteKeyFile seals key under passphrase and writes it to path with owner
// only permissions. Existing files are never overwritten.
func WriteKeyFile(path string, key *crypto.PrivateKey, source string, passphrase []byte, p EncryptionParams) (*KeyFile, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyFileExists, path)
	}
	secret := key.Serialize()
	defer clear(secret)
	sealed, err := Seal(secret, passphrase, p)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	kf := &KeyFile{
		Version:   keyFileVersion,
		CreatedAt: time.Now().UTC(),
		Address:   key.Address(),
		Source:    source,
		Sealed:    sealed,
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	log.Wallet.Info().Str("address", kf.Address.Hex()).Str("path", path).Msg("Key file written")
	return kf, nil
}

// ReadKeyFile parses the key file at path without decrypting it.
func ReadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("unsupported key file version: %d", kf.Version)
	}
	return &kf, nil
}

// Decrypt opens the sealed key and checks it matches the recorded address.
func (kf *KeyFile) Decrypt(passphrase []byte) (*crypto.PrivateKey, error) {
	secret, err := Open(kf.Sealed, passphrase)
	if err != nil {
		return nil, err
	}
	defer clear(secret)
	key, err := crypto.PrivateKeyFromBytes(secret)
	if err != nil {
		return nil, err
	}
	if key.Address() != kf.Address {
		key.Zero()
		return nil, fmt.Errorf("key file address mismatch: recorded %s, key %s", kf.Address.Hex(), key.Address().Hex())
	}
	return key, nil
}
