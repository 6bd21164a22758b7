// Package crypto provides the hashing and signing primitives used by the miner.
package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// PrefixSize is the length of the identity‖seed part of the mining preimage.
const PrefixSize = common.AddressLength + common.HashLength

// PreimageSize is the full abi.encodePacked(address, bytes32, uint256) length.
const PreimageSize = PrefixSize + 32

// keccakState is the subset of sha3 state used for allocation-free hashing.
type keccakState interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Reset()
}

// MiningHash computes keccak256(abi.encodePacked(identity, seed, nonce)),
// the hash the mining contract recomputes for a submitted nonce.
func MiningHash(identity common.Address, seed common.Hash, nonce *uint256.Int) common.Hash {
	h := NewHasher(identity, seed)
	return h.Sum(nonce)
}

// Hasher evaluates mining hashes for a fixed identity and seed. The 52-byte
// prefix is encoded once; only the nonce word is rewritten per call.
// A Hasher is not safe for concurrent use.
type Hasher struct {
	buf   [PreimageSize]byte
	state keccakState
}

// NewHasher prepares a Hasher for identity and seed.
func NewHasher(identity common.Address, seed common.Hash) *Hasher {
	h := &Hasher{state: sha3.NewLegacyKeccak256().(keccakState)}
	copy(h.buf[:common.AddressLength], identity[:])
	copy(h.buf[common.AddressLength:PrefixSize], seed[:])
	return h
}

// Sum returns the mining hash for nonce.
func (h *Hasher) Sum(nonce *uint256.Int) common.Hash {
	var out common.Hash
	h.SumInto(nonce, &out)
	return out
}

// SumInto writes the mining hash for nonce into out.
func (h *Hasher) SumInto(nonce *uint256.Int, out *common.Hash) {
	nonce.WriteToSlice(h.buf[PrefixSize:])
	h.state.Reset()
	h.state.Write(h.buf[:])
	h.state.Read(out[:])
}

// Keccak256 hashes data with legacy Keccak-256.
func Keccak256(data ...[]byte) common.Hash {
	d := sha3.NewLegacyKeccak256().(keccakState)
	for _, b := range data {
		d.Write(b)
	}
	var out common.Hash
	d.Read(out[:])
	return out
}
