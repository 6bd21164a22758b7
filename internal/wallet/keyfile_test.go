package wallet

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
)

func writeTestKeyFile(t *testing.T, pass string) (string, *crypto.PrivateKey) {
	t.Helper()
	log.Nop()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "keys", "primary.json")
	if _, err := WriteKeyFile(path, key, "random", []byte(pass), fastParams()); err != nil {
		t.Fatalf("WriteKeyFile() error: %v", err)
	}
	return path, key
}

func TestKeyFile_WriteAndDecrypt(t *testing.T) {
	path, key := writeTestKeyFile(t, "hunter2")

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	kf, err := ReadKeyFile(path)
	if err != nil {
		t.Fatalf("ReadKeyFile() error: %v", err)
	}
	if kf.Address != key.Address() || kf.Source != "random" {
		t.Fatalf("key file = %+v", kf)
	}
	got, err := kf.Decrypt([]byte("hunter2"))
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if got.Address() != key.Address() {
		t.Error("decrypted key differs")
	}
	if _, err := kf.Decrypt([]byte("wrong")); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("wrong passphrase err = %v", err)
	}
}

func TestKeyFile_NoOverwrite(t *testing.T) {
	path, _ := writeTestKeyFile(t, "p")
	other, _ := crypto.GenerateKey()
	if _, err := WriteKeyFile(path, other, "random", []byte("p"), fastParams()); !errors.Is(err, ErrKeyFileExists) {
		t.Fatalf("err = %v, want ErrKeyFileExists", err)
	}
}

func TestKeyFile_AddressMismatch(t *testing.T) {
	path, _ := writeTestKeyFile(t, "p")
	kf, err := ReadKeyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	kf.Address[0] ^= 0xff
	if _, err := kf.Decrypt([]byte("p")); err == nil {
		t.Fatal("decrypt accepted a key file with a foreign address")
	}
}

func TestReadKeyFile_BadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k.json")
	if err := os.WriteFile(path, []byte(`{"version": 9}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadKeyFile(path); err == nil {
		t.Fatal("unsupported version accepted")
	}
}

func TestLoadSigner(t *testing.T) {
	path, key := writeTestKeyFile(t, "secret")
	asked := 0
	src := Source{
		KeyFile:     path,
		MnemonicEnv: "KLINGMINER_TEST_MNEMONIC",
		Passphrase: func(string) ([]byte, error) {
			asked++
			return []byte("secret"), nil
		},
	}

	got, err := LoadSigner(src)
	if err != nil {
		t.Fatalf("LoadSigner() error: %v", err)
	}
	if got.Address() != key.Address() || asked != 1 {
		t.Fatalf("key file path: address %s, prompts %d", got.Address().Hex(), asked)
	}

	t.Setenv("KLINGMINER_TEST_MNEMONIC", "test test test test test test test test test test test junk")
	src.Account = 1
	got, err = LoadSigner(src)
	if err != nil {
		t.Fatalf("LoadSigner() error: %v", err)
	}
	if got.Address().Hex() != "0x70997970C51812dc3A010C7d01b50e0d17dc79C8" || asked != 1 {
		t.Fatalf("mnemonic path: address %s, prompts %d", got.Address().Hex(), asked)
	}

	if _, err := LoadSigner(Source{}); !errors.Is(err, ErrNoKeySource) {
		t.Fatalf("empty source err = %v", err)
	}
}
