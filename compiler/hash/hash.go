// Package hash computes content hashes of IR functions and the
// deterministic identifiers of fallback thunks.
package hash

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/chazu/kayton/pkg/ir"
)

// HashFunction computes the SHA-256 content hash of a function definition.
//
// The hash is computed over a deterministic serialization of the function
// with de Bruijn indexing for locals. Two functions with the same body,
// ignoring local variable names and source positions, produce the same
// hash.
func HashFunction(mod *ir.Module, fn ir.NodeID) [32]byte {
	s := newSerializer(mod)
	s.function(fn)
	return sha256.Sum256(s.buf)
}

// ThunkKey is the identity of a fallback thunk: the function it was
// rewritten from and, for generic functions, the instance name.
type ThunkKey struct {
	ModulePath string
	Origin     ir.NodeID
	Instance   string
}

// SerializeThunkKey returns the frozen serialization of k.
func SerializeThunkKey(k ThunkKey) []byte {
	s := &serializer{buf: make([]byte, 0, 64)}
	s.writeByte(HashVersion)
	s.writeByte(TagThunkKey)
	s.writeString(k.ModulePath)
	s.writeUint32(uint32(k.Origin))
	s.writeString(k.Instance)
	return s.buf
}

// ThunkID derives the 64-bit thunk identifier for k: the first eight bytes
// of the SHA-256 of its serialization, big-endian. Zero is never returned.
func ThunkID(k ThunkKey) uint64 {
	sum := sha256.Sum256(SerializeThunkKey(k))
	id := binary.BigEndian.Uint64(sum[:8])
	if id == 0 {
		id = 1
	}
	return id
}
