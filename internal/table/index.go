package table

import (
	"encoding/binary"

	"github.com/oarkflow/mors/internal/y"
)

// blockHandle locates one on-disk (compressed, encrypted) block and
// records its first key, so a table-level binary search can pick the
// right block without decoding every block in between (spec §4.E
// "TableIndex"/"CheapIndex").
type blockHandle struct {
	FirstKey y.KeyTs
	Offset   uint64
	Len      uint32
}

// TableIndex is the footer structure spec §4.E models on FlatBuffers; no
// example repo in the retrieved corpus vendors a FlatBuffers library (see
// DESIGN.md), so it is hand-encoded here with encoding/binary instead,
// keeping the same logical fields: per-block handles, the bloom filter,
// and the table's checksum/compression configuration.
type TableIndex struct {
	Blocks      []blockHandle
	BloomFilter []byte
	Checksum    y.ChecksumAlgo
	Compression y.CompressionKind
	Smallest    y.KeyTs
	Biggest     y.KeyTs
	StaleSize   uint32 // bytes of data made obsolete by later versions/deletes
	MaxVersion  uint64 // highest txn_ts among every entry, for compaction's max_version sort
	CreatedAt   int64  // unix seconds, for the L0->L0 fallback's age filter
}

func encodeKeyTs(b []byte, k y.KeyTs) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(k.UserKey)))
	b = append(b, tmp[:n]...)
	b = append(b, k.UserKey...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], k.Ts)
	return append(b, ts[:]...)
}

func decodeKeyTs(b []byte) (y.KeyTs, []byte, error) {
	klen, n := binary.Uvarint(b)
	if n <= 0 || len(b) < n+int(klen)+8 {
		return y.KeyTs{}, nil, y.ErrCorruptTable
	}
	b = b[n:]
	userKey := append([]byte(nil), b[:klen]...)
	b = b[klen:]
	ts := binary.BigEndian.Uint64(b[:8])
	return y.KeyTs{UserKey: userKey, Ts: ts}, b[8:], nil
}

func (ti *TableIndex) Encode() []byte {
	buf := make([]byte, 0, 256+64*len(ti.Blocks))
	var tmp [binary.MaxVarintLen64]byte

	buf = append(buf, byte(ti.Checksum), byte(ti.Compression))
	buf = encodeKeyTs(buf, ti.Smallest)
	buf = encodeKeyTs(buf, ti.Biggest)
	n := binary.PutUvarint(tmp[:], uint64(ti.StaleSize))
	buf = append(buf, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], ti.MaxVersion)
	buf = append(buf, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], uint64(ti.CreatedAt))
	buf = append(buf, tmp[:n]...)

	n = binary.PutUvarint(tmp[:], uint64(len(ti.BloomFilter)))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, ti.BloomFilter...)

	n = binary.PutUvarint(tmp[:], uint64(len(ti.Blocks)))
	buf = append(buf, tmp[:n]...)
	for _, h := range ti.Blocks {
		buf = encodeKeyTs(buf, h.FirstKey)
		n = binary.PutUvarint(tmp[:], h.Offset)
		buf = append(buf, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(h.Len))
		buf = append(buf, tmp[:n]...)
	}
	return buf
}

func DecodeTableIndex(b []byte) (*TableIndex, error) {
	if len(b) < 2 {
		return nil, y.ErrCorruptTable
	}
	ti := &TableIndex{Checksum: y.ChecksumAlgo(b[0]), Compression: y.CompressionKind(b[1])}
	b = b[2:]

	var err error
	ti.Smallest, b, err = decodeKeyTs(b)
	if err != nil {
		return nil, err
	}
	ti.Biggest, b, err = decodeKeyTs(b)
	if err != nil {
		return nil, err
	}

	stale, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, y.ErrCorruptTable
	}
	ti.StaleSize = uint32(stale)
	b = b[n:]

	maxVersion, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, y.ErrCorruptTable
	}
	ti.MaxVersion = maxVersion
	b = b[n:]

	createdAt, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, y.ErrCorruptTable
	}
	ti.CreatedAt = int64(createdAt)
	b = b[n:]

	bloomLen, n := binary.Uvarint(b)
	if n <= 0 || len(b) < n+int(bloomLen) {
		return nil, y.ErrCorruptTable
	}
	b = b[n:]
	ti.BloomFilter = append([]byte(nil), b[:bloomLen]...)
	b = b[bloomLen:]

	numBlocks, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, y.ErrCorruptTable
	}
	b = b[n:]
	ti.Blocks = make([]blockHandle, numBlocks)
	for i := range ti.Blocks {
		var fk y.KeyTs
		fk, b, err = decodeKeyTs(b)
		if err != nil {
			return nil, err
		}
		off, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, y.ErrCorruptTable
		}
		b = b[n:]
		l, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, y.ErrCorruptTable
		}
		b = b[n:]
		ti.Blocks[i] = blockHandle{FirstKey: fk, Offset: off, Len: uint32(l)}
	}
	return ti, nil
}

// CheapIndex is the always-resident summary a table keeps in memory even
// when its full block index is evicted from cache: block first-keys plus
// the table's own key range, enough to answer "does this table's range
// cover key" and "which block" without touching the footer (spec §4.E
// "CheapIndex", grounded on original_source's cheap_index.rs via
// SPEC_FULL.md's supplemented-features section).
type CheapIndex struct {
	FirstKeys []y.KeyTs
	Smallest  y.KeyTs
	Biggest   y.KeyTs
}

func NewCheapIndex(ti *TableIndex) *CheapIndex {
	ci := &CheapIndex{Smallest: ti.Smallest, Biggest: ti.Biggest, FirstKeys: make([]y.KeyTs, len(ti.Blocks))}
	for i, h := range ti.Blocks {
		ci.FirstKeys[i] = h.FirstKey
	}
	return ci
}

// BlockForKey returns the index of the block that may contain key, or -1
// if key falls outside every block's range.
func (ci *CheapIndex) BlockForKey(key y.KeyTs) int {
	if len(ci.FirstKeys) == 0 {
		return -1
	}
	lo, hi := 0, len(ci.FirstKeys)
	for lo < hi {
		mid := (lo + hi) / 2
		if y.Compare(ci.FirstKeys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return -1
	}
	return lo - 1
}
