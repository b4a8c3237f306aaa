package table

import (
	"encoding/binary"

	"github.com/oarkflow/mors/internal/y"
)

// blockBuilder accumulates KeyTs-ordered (key, value) pairs into one
// uncompressed, unencrypted block: repeated {key_len varint, key,
// val_len varint, val} followed by a trailing entry_offsets[uint32] table
// and num_entries (spec §4.E "Block format").
type blockBuilder struct {
	buf     []byte
	offsets []uint32
}

func newBlockBuilder() *blockBuilder {
	return &blockBuilder{buf: make([]byte, 0, 4096)}
}

func (b *blockBuilder) add(key y.KeyTs, value []byte) {
	b.offsets = append(b.offsets, uint32(len(b.buf)))
	kb := key.Encode()
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(kb)))
	b.buf = append(b.buf, tmp[:n]...)
	b.buf = append(b.buf, kb...)
	n = binary.PutUvarint(tmp[:], uint64(len(value)))
	b.buf = append(b.buf, tmp[:n]...)
	b.buf = append(b.buf, value...)
}

func (b *blockBuilder) empty() bool { return len(b.offsets) == 0 }

// finish appends the offsets table and entry count, returning the
// finished uncompressed block.
func (b *blockBuilder) finish() []byte {
	out := append([]byte(nil), b.buf...)
	for _, off := range b.offsets {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], off)
		out = append(out, tmp[:]...)
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b.offsets)))
	out = append(out, tmp[:]...)
	return out
}

func (b *blockBuilder) approxSize() int { return len(b.buf) + 4*len(b.offsets) + 4 }

// blockIterator reads a decoded (decompressed, decrypted) block produced
// by blockBuilder.finish, supporting binary search on its KeyTs-ordered
// entries (spec §4.E "block binary search").
type blockIterator struct {
	data    []byte
	offsets []uint32
	idx     int
}

func newBlockIterator(data []byte) (*blockIterator, error) {
	if len(data) < 4 {
		return nil, y.ErrCorruptTable
	}
	numEntries := binary.LittleEndian.Uint32(data[len(data)-4:])
	offTableStart := len(data) - 4 - int(numEntries)*4
	if offTableStart < 0 {
		return nil, y.ErrCorruptTable
	}
	offsets := make([]uint32, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		offsets[i] = binary.LittleEndian.Uint32(data[offTableStart+int(i)*4:])
	}
	return &blockIterator{data: data[:offTableStart], offsets: offsets}, nil
}

func (it *blockIterator) numEntries() int { return len(it.offsets) }

func (it *blockIterator) entryAt(i int) (y.KeyTs, []byte, error) {
	if i < 0 || i >= len(it.offsets) {
		return y.KeyTs{}, nil, y.ErrBlockIndexOutOfRange
	}
	buf := it.data[it.offsets[i]:]
	klen, n := binary.Uvarint(buf)
	if n <= 0 {
		return y.KeyTs{}, nil, y.ErrCorruptTable
	}
	buf = buf[n:]
	key := buf[:klen]
	buf = buf[klen:]
	vlen, n := binary.Uvarint(buf)
	if n <= 0 {
		return y.KeyTs{}, nil, y.ErrCorruptTable
	}
	buf = buf[n:]
	val := buf[:vlen]
	return y.ParseKeyTs(key), val, nil
}

// seek returns the index of the first entry whose key is >= target under
// the KeyTs ordering, or numEntries() if none.
func (it *blockIterator) seek(target y.KeyTs) int {
	lo, hi := 0, len(it.offsets)
	for lo < hi {
		mid := (lo + hi) / 2
		k, _, err := it.entryAt(mid)
		if err != nil {
			return hi
		}
		if y.Compare(k, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// floor returns the index of the last entry whose key is <= target, or -1.
func (it *blockIterator) floor(target y.KeyTs) int {
	i := it.seek(target)
	if i < len(it.offsets) {
		if k, _, err := it.entryAt(i); err == nil && y.Compare(k, target) == 0 {
			return i
		}
	}
	return i - 1
}
