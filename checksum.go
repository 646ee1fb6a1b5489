package pagedb

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// ChecksumAlgorithm selects the digest used to guard data against silent
// corruption. The zero value is the engine default. Spilled external sort
// runs are the only data the engine checksums.
type ChecksumAlgorithm int

const (
	// AlgXXHash3 is the default: fast and non-cryptographic.
	AlgXXHash3 ChecksumAlgorithm = iota
	// AlgFNV1a suits short, frequently recomputed checksums.
	AlgFNV1a
	// AlgBlake2b is used for spilled external sort runs, stored ahead of each
	// run's compressed data, where a stronger digest is worth the extra cost
	// because runs are checked once per merge.
	AlgBlake2b
)

// checksum computes a 64-bit digest of data under the given algorithm.
func checksum(data []byte, alg ChecksumAlgorithm) uint64 {
	switch alg {
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write(data)
		return h.Sum64()
	case AlgBlake2b:
		sum := blake2b.Sum512(data)
		return binary.LittleEndian.Uint64(sum[:8])
	default:
		return xxh3.Hash(data)
	}
}

// verifyChecksum recomputes the digest and compares it to want, returning a
// *CorruptionError tagged with kind and offset on mismatch.
func verifyChecksum(kind string, offset int64, data []byte, alg ChecksumAlgorithm, want uint64) error {
	if got := checksum(data, alg); got != want {
		return newCorruption(kind, offset, "checksum mismatch: got %x want %x", got, want)
	}
	return nil
}
