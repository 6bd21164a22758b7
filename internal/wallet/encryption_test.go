package wallet

import (
	"bytes"
	"errors"
	"testing"
)

// fastParams returns low-cost Argon2 params for fast tests.
func fastParams() EncryptionParams {
	return EncryptionParams{Memory: 64, Iterations: 1, Parallelism: 1}
}

func TestSealOpen_Roundtrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"key", bytes.Repeat([]byte{0xab}, 32)},
		{"empty", []byte{}},
		{"large", bytes.Repeat([]byte{1, 2, 3}, 4000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := Seal(tt.data, []byte("pass"), fastParams())
			if err != nil {
				t.Fatalf("Seal() error: %v", err)
			}
			plain, err := Open(sealed, []byte("pass"))
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			if !bytes.Equal(plain, tt.data) {
				t.Error("roundtrip mismatch")
			}
		})
	}
}

func TestOpen_Failures(t *testing.T) {
	sealed, err := Seal([]byte("secret"), []byte("correct"), fastParams())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(sealed, []byte("wrong")); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("wrong passphrase err = %v", err)
	}

	corrupt := bytes.Clone(sealed)
	corrupt[len(corrupt)-1] ^= 0xff
	if _, err := Open(corrupt, []byte("correct")); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("corrupted ciphertext err = %v", err)
	}

	// The header is authenticated: raising the cost parameters must fail.
	tampered := bytes.Clone(sealed)
	tampered[len(sealMagic)+SaltSize+4]++
	if _, err := Open(tampered, []byte("correct")); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("tampered header err = %v", err)
	}

	if _, err := Open([]byte("short"), []byte("correct")); !errors.Is(err, ErrSealFormat) {
		t.Errorf("short input err = %v", err)
	}
	badMagic := bytes.Clone(sealed)
	badMagic[0] = 'X'
	if _, err := Open(badMagic, []byte("correct")); !errors.Is(err, ErrSealFormat) {
		t.Errorf("bad magic err = %v", err)
	}
}

func TestSeal_RandomizedAndValidated(t *testing.T) {
	a, _ := Seal([]byte("same"), []byte("pass"), fastParams())
	b, _ := Seal([]byte("same"), []byte("pass"), fastParams())
	if bytes.Equal(a, b) {
		t.Error("sealing twice produced identical output")
	}
	if _, err := Seal([]byte("x"), []byte("pass"), EncryptionParams{}); err == nil {
		t.Error("zero argon2 parameters accepted")
	}
}
