// Package crypto hashes exchange state for cross-node comparison.
package crypto

import (
	"encoding/binary"
	"hash"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// StateHasher feeds fixed-width little-endian fields into legacy
// Keccak-256. Two nodes that write the same fields in the same order
// get the same digest.
type StateHasher struct {
	h   hash.Hash
	buf [8]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{h: sha3.NewLegacyKeccak256()}
}

func (s *StateHasher) Int64(v int64) *StateHasher {
	return s.Uint64(uint64(v))
}

func (s *StateHasher) Uint64(v uint64) *StateHasher {
	binary.LittleEndian.PutUint64(s.buf[:], v)
	s.h.Write(s.buf[:])
	return s
}

func (s *StateHasher) Bool(v bool) *StateHasher {
	if v {
		return s.Uint64(1)
	}
	return s.Uint64(0)
}

// String is length-prefixed so adjacent strings cannot alias.
func (s *StateHasher) String(v string) *StateHasher {
	s.Uint64(uint64(len(v)))
	s.h.Write([]byte(v))
	return s
}

func (s *StateHasher) Address(a common.Address) *StateHasher {
	s.h.Write(a[:])
	return s
}

func (s *StateHasher) Sum() common.Hash {
	return common.BytesToHash(s.h.Sum(nil))
}

// VersionHash identifies a venue build from its name and version string.
func VersionHash(name, version string) common.Hash {
	return NewStateHasher().String(name).String(version).Sum()
}
