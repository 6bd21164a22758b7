package hashengine

import (
	"crypto/rand"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"
)

// NonceSource yields candidate nonces. Implementations are used by a
// single worker and need not be safe for concurrent use.
type NonceSource interface {
	Next(dst *uint256.Int)
}

// blake3Source draws nonces from a BLAKE3 keyed XOF stream with a random key,
// so every worker and every search explores an independent region of the space.
type blake3Source struct {
	digest *blake3.Digest
	limit  *uint256.Int // nil means the full 2^256 range
	buf    [32]byte
}

// NewNonceSource creates a source uniform over [0, limit). A nil or zero
// limit selects the full uint256 range.
func NewNonceSource(limit *uint256.Int) (NonceSource, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("seed nonce source: %w", err)
	}
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return nil, fmt.Errorf("keyed blake3: %w", err)
	}
	h.Write([]byte("klingminer nonce stream"))
	src := &blake3Source{digest: h.Digest()}
	if limit != nil && !limit.IsZero() {
		src.limit = limit.Clone()
	}
	return src, nil
}

// Next writes the next nonce into dst. For a bounded range the reduction
// bias is at most limit/2^256.
func (s *blake3Source) Next(dst *uint256.Int) {
	s.digest.Read(s.buf[:])
	dst.SetBytes32(s.buf[:])
	if s.limit != nil {
		dst.Mod(dst, s.limit)
	}
}
