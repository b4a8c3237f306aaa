// Package table implements the SSTable format: block-structured,
// compressed, encrypted, checksummed data pages with a bloom filter and a
// footer index (spec §4.E). Grounded on the teacher's SSTable in
// oarkflow/velocity/sstable.go (temp-file + atomic rename, mmap read,
// bloom filter, footer-style index) and filter.go's double-hashing bloom
// filter, generalized from one-entry-per-record to block-structured pages
// and from a single hash function to xxhash.Sum64 (already a pack dep).
package table

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a double-hashing Bloom filter over xxhash.Sum64,
// matching the teacher's two-hash-function design (filter.go) but sourced
// from a real hash library instead of a hand-rolled one.
type BloomFilter struct {
	bits []uint64
	size uint64
	k    uint64
}

// NewBloomFilter sizes a filter for expectedItems entries at bitsPerItem
// bits each (spec §4.E recommends ~10 bits/key for a ~1% false-positive rate).
func NewBloomFilter(expectedItems int, bitsPerItem int) *BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	size := uint64(expectedItems * bitsPerItem)
	if size == 0 {
		size = 64
	}
	return &BloomFilter{bits: make([]uint64, (size+63)/64), size: size, k: 2}
}

func (bf *BloomFilter) hashes(key []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(key)
	h2 = h1>>32 | h1<<32
	return
}

func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.k; i++ {
		bit := (h1 + i*h2) % bf.size
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain reports whether key is possibly in the filter's key set.
// False means definitely-absent; true means maybe-present.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.k; i++ {
		bit := (h1 + i*h2) % bf.size
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 16+len(bf.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], bf.size)
	binary.LittleEndian.PutUint64(buf[8:16], bf.k)
	for i, w := range bf.bits {
		binary.LittleEndian.PutUint64(buf[16+i*8:16+(i+1)*8], w)
	}
	return buf
}

func UnmarshalBloomFilter(b []byte) *BloomFilter {
	if len(b) < 16 {
		return &BloomFilter{bits: make([]uint64, 1), size: 64, k: 2}
	}
	bf := &BloomFilter{
		size: binary.LittleEndian.Uint64(b[0:8]),
		k:    binary.LittleEndian.Uint64(b[8:16]),
	}
	words := (len(b) - 16) / 8
	bf.bits = make([]uint64, words)
	for i := 0; i < words; i++ {
		bf.bits[i] = binary.LittleEndian.Uint64(b[16+i*8 : 16+(i+1)*8])
	}
	return bf
}
