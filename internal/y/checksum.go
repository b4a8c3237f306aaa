package y

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes a checksum of b using the selected algorithm. CRC32C
// is computed with the stdlib crc32 package using the Castagnoli
// polynomial (the "C" in CRC32C); ChecksumXXHash64 is XXH64, delegated to
// github.com/cespare/xxhash/v2, pulled in from the devlibx-pebble example
// repo's dependency set (see DESIGN.md) since it is the library the
// corpus reaches for that kind of fast non-cryptographic hash. XXH3 is
// not implemented.
func Checksum(algo ChecksumAlgo, b []byte) uint64 {
	switch algo {
	case ChecksumXXHash64:
		return xxhash.Sum64(b)
	default:
		return uint64(crc32.Checksum(b, crc32cTable))
	}
}

// EncodeChecksum writes algo(1) || sum(8), 9 bytes in all; this is the
// checksum part of the footer's "checksum_len u32 || checksum" framing
// (spec §3).
func EncodeChecksum(algo ChecksumAlgo, b []byte) []byte {
	sum := Checksum(algo, b)
	out := make([]byte, 1+8)
	out[0] = byte(algo)
	binary.LittleEndian.PutUint64(out[1:], sum)
	return out
}

// VerifyChecksum re-derives the checksum of b and compares it against an
// encoded checksum produced by EncodeChecksum.
func VerifyChecksum(encoded []byte, b []byte) error {
	if len(encoded) != 9 {
		return ErrInvalidChecksumLen
	}
	algo := ChecksumAlgo(encoded[0])
	want := binary.LittleEndian.Uint64(encoded[1:])
	if Checksum(algo, b) != want {
		return ErrChecksumMismatch
	}
	return nil
}
