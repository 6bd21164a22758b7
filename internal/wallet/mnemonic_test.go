package wallet

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestGenerateMnemonic(t *testing.T) {
	m1, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error: %v", err)
	}
	m2, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error: %v", err)
	}
	if n := len(strings.Fields(m1)); n != 24 {
		t.Errorf("word count = %d, want 24", n)
	}
	if !ValidateMnemonic(m1) {
		t.Error("generated mnemonic should validate")
	}
	if m1 == m2 {
		t.Error("two generated mnemonics should not be identical")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		name     string
		mnemonic string
		valid    bool
	}{
		{"valid 12-word", testMnemonic, true},
		{"extra whitespace and case", "  Abandon abandon\tabandon abandon abandon abandon abandon abandon abandon abandon abandon ABOUT\n", true},
		{"empty string", "", false},
		{"random words", "not a valid mnemonic phrase at all", false},
		{"wrong checksum", strings.Repeat("abandon ", 11) + "abandon", false},
		{"single word", "abandon", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMnemonic(tt.mnemonic); got != tt.valid {
				t.Errorf("ValidateMnemonic() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestSeedFromMnemonic_Vector(t *testing.T) {
	// BIP-39 reference vector with passphrase "TREZOR".
	want := "c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04"
	seed, err := SeedFromMnemonic(testMnemonic, "TREZOR")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	if got := hex.EncodeToString(seed); got != want {
		t.Errorf("seed = %s, want %s", got, want)
	}
}

func TestSeedFromMnemonic_Invalid(t *testing.T) {
	if _, err := SeedFromMnemonic("abandon", ""); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("err = %v, want ErrInvalidMnemonic", err)
	}
}
