package wallet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltSize is the Argon2id salt length.
const SaltSize = 32

// Sealed layout: magic(4) | salt(32) | memory(4) | iterations(4) |
// parallelism(1) | nonce(24) | ciphertext. The header is authenticated.
const headerSize = len(sealMagic) + SaltSize + 4 + 4 + 1

var sealMagic = [4]byte{'K', 'M', 'K', 1}

var (
	// ErrBadPassphrase is returned when authentication of sealed data fails.
	ErrBadPassphrase = errors.New("wrong passphrase or corrupted key file")
	// ErrSealFormat is returned for data not produced by Seal.
	ErrSealFormat = errors.New("unrecognised sealed key format")
)

// EncryptionParams holds Argon2id parameters.
type EncryptionParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the Argon2id parameters used for new key files.
func DefaultParams() EncryptionParams {
	return EncryptionParams{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

func deriveKey(passphrase, salt []byte, p EncryptionParams) []byte {
	return argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

// Seal encrypts data under passphrase with Argon2id and XChaCha20-Poly1305.
func Seal(data, passphrase []byte, p EncryptionParams) ([]byte, error) {
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return nil, fmt.Errorf("invalid argon2 parameters %+v", p)
	}
	header := make([]byte, 0, headerSize)
	header = append(header, sealMagic[:]...)
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	header = append(header, salt...)
	header = binary.LittleEndian.AppendUint32(header, p.Memory)
	header = binary.LittleEndian.AppendUint32(header, p.Iterations)
	header = append(header, p.Parallelism)

	key := deriveKey(passphrase, salt, p)
	defer clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, headerSize+len(nonce)+len(data)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, header), nil
}

// Open decrypts data produced by Seal.
func Open(sealed, passphrase []byte) ([]byte, error) {
	minSize := headerSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(sealed) < minSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrSealFormat, len(sealed))
	}
	if [4]byte(sealed[:4]) != sealMagic {
		return nil, ErrSealFormat
	}
	header := sealed[:headerSize]
	off := len(sealMagic)
	salt := header[off : off+SaltSize]
	off += SaltSize
	p := EncryptionParams{
		Memory:      binary.LittleEndian.Uint32(header[off:]),
		Iterations:  binary.LittleEndian.Uint32(header[off+4:]),
		Parallelism: header[off+8],
	}
	nonce := sealed[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[headerSize+chacha20poly1305.NonceSizeX:]

	key := deriveKey(passphrase, salt, p)
	defer clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return plain, nil
}
