package table

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oarkflow/mors/internal/kms"
	"github.com/oarkflow/mors/internal/y"
)

// Table is an open, mmap-backed SSTable (spec §4.E). The footer is parsed
// backwards — checksum_len, checksum, index_len, index — matching the
// teacher's own backward-from-EOF footer parse in sstable.go's OpenSSTable
// path, generalized from a single index/bloom pair to the block-structured
// TableIndex here.
type Table struct {
	ID        uint64
	path      string
	f         *os.File
	data      []byte // mmap'd file contents
	size      int64
	index     *TableIndex
	bloom     *BloomFilter
	cheap     *CheapIndex
	cipher    kms.Cipher
	baseNonce [12]byte

	blockCache *LRUCache // shared across every open table; may be nil
}

// Open mmaps path read-only and parses its footer. cipher may be nil if
// the table was written without encryption. blockCache may be nil, in
// which case decoded blocks are not cached across Get calls.
func Open(id uint64, path string, cipher kms.Cipher, baseNonce [12]byte, blockCache *LRUCache) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := int(stat.Size())
	if size < FooterSize {
		f.Close()
		return nil, y.ErrCorruptTable
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	trailer := data[size-FooterSize:]
	indexLen := binary.LittleEndian.Uint32(trailer[0:4])
	checksumLen := binary.LittleEndian.Uint32(trailer[4:8])

	checksumOff := size - FooterSize - int(checksumLen)
	indexOff := checksumOff - int(indexLen)
	if indexOff < 0 || checksumOff < indexOff {
		unix.Munmap(data)
		f.Close()
		return nil, y.ErrCorruptTable
	}

	indexBytes := data[indexOff:checksumOff]
	checksum := data[checksumOff : checksumOff+int(checksumLen)]
	if err := y.VerifyChecksum(checksum, indexBytes); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	ti, err := DecodeTableIndex(indexBytes)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	t := &Table{
		ID: id, path: path, f: f, data: data, index: ti,
		bloom: UnmarshalBloomFilter(ti.BloomFilter), cheap: NewCheapIndex(ti),
		cipher: cipher, baseNonce: baseNonce,
		blockCache: blockCache,
		size:   int64(size),
	}
	return t, nil
}

// Size returns the table's on-disk byte size.
func (t *Table) Size() int64 { return t.size }

func (t *Table) cacheKey(block int) string {
	return fmt.Sprintf("%d:%d", t.ID, block)
}

func (t *Table) Smallest() y.KeyTs    { return t.index.Smallest }
func (t *Table) Biggest() y.KeyTs     { return t.index.Biggest }
func (t *Table) StaleSize() uint32    { return t.index.StaleSize }
func (t *Table) NumBlocks() int       { return len(t.index.Blocks) }
func (t *Table) MaxVersion() y.TxnTs  { return t.index.MaxVersion }
func (t *Table) CreatedAt() time.Time { return time.Unix(t.index.CreatedAt, 0) }

// MayContain consults the bloom filter; false is a definite negative.
func (t *Table) MayContain(userKey []byte) bool { return t.bloom.MayContain(userKey) }

// Close unmaps and closes the underlying file.
func (t *Table) Close() error {
	if err := unix.Munmap(t.data); err != nil {
		return err
	}
	return t.f.Close()
}

// readBlock decodes (decrypts then decompresses) block i, caching the
// result since blocks are read far more often than they're evicted
// (spec §4.E "block cache").
func (t *Table) readBlock(i int) ([]byte, error) {
	if t.blockCache != nil {
		if b, ok := t.blockCache.Get(t.cacheKey(i)); ok {
			return b, nil
		}
	}

	h := t.index.Blocks[i]
	raw := t.data[h.Offset : h.Offset+uint64(h.Len)]
	checksumLen := 1 + 8
	if len(raw) < checksumLen {
		return nil, y.ErrCorruptTable
	}
	payload := raw[:len(raw)-checksumLen]
	checksum := raw[len(raw)-checksumLen:]
	if err := y.VerifyChecksum(checksum, payload); err != nil {
		return nil, err
	}

	plain := payload
	if t.cipher != nil {
		var err error
		plain, err = t.cipher.Decrypt(kms.DeriveStreamNonce(t.baseNonce[:], uint64(i)), payload)
		if err != nil {
			return nil, err
		}
	}
	decompressed, err := (y.Compression{Kind: t.index.Compression}).Decompress(plain)
	if err != nil {
		return nil, err
	}

	if t.blockCache != nil {
		t.blockCache.Set(t.cacheKey(i), decompressed)
	}
	return decompressed, nil
}

// Get returns the newest version of key's user key with ts ≤ key.Ts, or
// ok=false. It uses the cheap in-memory index to pick a candidate block,
// then a binary search within that block, stepping into the next block
// when the match starts there (spec §4.E "get via block binary search").
func (t *Table) Get(key y.KeyTs) (y.KeyTs, []byte, bool, error) {
	if !t.bloom.MayContain(key.UserKey) {
		return y.KeyTs{}, nil, false, nil
	}
	bi := t.cheap.BlockForKey(key)
	if bi < 0 {
		bi = 0
	}
	block, err := t.readBlock(bi)
	if err != nil {
		return y.KeyTs{}, nil, false, err
	}
	it, err := newBlockIterator(block)
	if err != nil {
		return y.KeyTs{}, nil, false, err
	}
	idx := it.seek(key)
	if idx >= it.numEntries() {
		if bi+1 >= t.NumBlocks() {
			return y.KeyTs{}, nil, false, nil
		}
		if block, err = t.readBlock(bi + 1); err == nil {
			it, err = newBlockIterator(block)
		}
		if err != nil {
			return y.KeyTs{}, nil, false, err
		}
		idx = 0
	}
	k, v, err := it.entryAt(idx)
	if err != nil {
		return y.KeyTs{}, nil, false, err
	}
	if !y.SameUserKey(k, key) {
		return y.KeyTs{}, nil, false, nil
	}
	return k, v, true, nil
}

// Iterator walks a table's entries in KeyTs order across block
// boundaries.
type Iterator struct {
	t     *Table
	block int
	it    *blockIterator
	pos   int
	err   error
}

func (t *Table) NewIterator() *Iterator { return &Iterator{t: t, block: -1} }

func (it *Iterator) SeekToFirst() {
	it.block = 0
	it.pos = -1
	it.loadBlock()
	it.Next()
}

// Seek positions the iterator at the first entry >= key.
func (it *Iterator) Seek(key y.KeyTs) {
	bi := it.t.cheap.BlockForKey(key)
	if bi < 0 {
		bi = 0
	}
	it.block = bi
	it.loadBlock()
	if it.it == nil {
		return
	}
	it.pos = it.it.seek(key) - 1
	it.Next()
}

func (it *Iterator) loadBlock() {
	if it.block >= it.t.NumBlocks() {
		it.it = nil
		return
	}
	b, err := it.t.readBlock(it.block)
	if err != nil {
		it.err = err
		it.it = nil
		return
	}
	bi, err := newBlockIterator(b)
	if err != nil {
		it.err = err
		it.it = nil
		return
	}
	it.it = bi
}

func (it *Iterator) Valid() bool { return it.it != nil && it.pos >= 0 && it.pos < it.it.numEntries() }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Next() bool {
	for {
		if it.it == nil {
			return false
		}
		if it.pos+1 < it.it.numEntries() {
			it.pos++
			return true
		}
		it.block++
		it.loadBlock()
		it.pos = -1
		if it.it == nil {
			return false
		}
	}
}

func (it *Iterator) Key() y.KeyTs {
	k, _, _ := it.it.entryAt(it.pos)
	return k
}

func (it *Iterator) Value() []byte {
	_, v, _ := it.it.entryAt(it.pos)
	return v
}
