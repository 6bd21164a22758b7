package wallet

import (
	"errors"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
)

// ErrNoKeySource is returned when neither a mnemonic nor a key file is set.
var ErrNoKeySource = errors.New("no mnemonic or key file configured")

// Source selects where the primary key is loaded from. A mnemonic in the
// named environment variable wins over the key file.
type Source struct {
	KeyFile     string
	MnemonicEnv string
	Account     uint32
	// Passphrase is asked for the key file passphrase.
	Passphrase func(prompt string) ([]byte, error)
}

// LoadSigner loads the primary key described by src.
func LoadSigner(src Source) (*crypto.PrivateKey, error) {
	if src.MnemonicEnv != "" {
		if mnemonic, ok := os.LookupEnv(src.MnemonicEnv); ok && mnemonic != "" {
			key, err := SignerFromMnemonic(mnemonic, "", src.Account)
			if err != nil {
				return nil, fmt.Errorf("mnemonic from $%s: %w", src.MnemonicEnv, err)
			}
			log.Wallet.Info().Str("address", key.Address().Hex()).Uint32("account", src.Account).Msg("Loaded key from mnemonic")
			return key, nil
		}
	}
	if src.KeyFile == "" {
		return nil, ErrNoKeySource
	}

	kf, err := ReadKeyFile(src.KeyFile)
	if err != nil {
		return nil, err
	}
	if src.Passphrase == nil {
		return nil, fmt.Errorf("key file %s needs a passphrase", src.KeyFile)
	}
	pass, err := src.Passphrase(fmt.Sprintf("Passphrase for %s: ", kf.Address.Hex()))
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	defer clear(pass)
	key, err := kf.Decrypt(pass)
	if err != nil {
		return nil, err
	}
	log.Wallet.Info().Str("address", key.Address().Hex()).Msg("Loaded key file")
	return key, nil
}
