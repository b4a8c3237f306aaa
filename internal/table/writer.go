package table

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oarkflow/mors/internal/kms"
	"github.com/oarkflow/mors/internal/y"
)

// MagicNumber and Version identify the table file format, carried over
// from the teacher's fixed sstable header (sstable.go).
const (
	MagicNumber uint32 = 0x4d4f5253 // "MORS"
	Version     uint32 = 1
)

// FooterSize is the fixed trailer every table ends with: index_len(4) ||
// checksum_len(4), read backwards per spec §4.E.
const FooterSize = 8

// Options configures how a table is written (spec §4.E).
type Options struct {
	BlockSize      int
	Compression    y.Compression
	ChecksumAlgo   y.ChecksumAlgo
	Cipher         kms.Cipher // nil disables encryption
	CipherKeyID    kms.CipherKeyId
	BaseNonce      [12]byte
	BloomBitsPerKey int
	// Parallelism bounds concurrent block compression (spec §4.E
	// "parallel block compression"), wired via golang.org/x/sync/semaphore
	// as the teacher's go.mod already pulls that module in.
	Parallelism int64
}

func DefaultOptions() Options {
	return Options{
		BlockSize:       4 << 10,
		Compression:     y.Compression{Kind: y.CompressionNone},
		ChecksumAlgo:    y.ChecksumCRC32C,
		BloomBitsPerKey: 10,
		Parallelism:     4,
	}
}

// rawBlock is one finished, not-yet-compressed block awaiting Finish's
// parallel compression pass.
type rawBlock struct {
	firstKey y.KeyTs
	data     []byte
}

// Writer builds one table file from a KeyTs-ordered stream of entries
// (spec §4.D "flush" and §4.F "compaction" both drive a Writer). Entries
// must be added in increasing KeyTs order; finalization sorts nothing.
// Blocks are buffered uncompressed as they're finished and compressed in
// parallel (bounded by a semaphore) during Finish, mirroring the
// rayon-parallel block compression original_source performs before the
// sequential file write (spec §4.E; see SPEC_FULL.md supplemented features).
type Writer struct {
	opts    Options
	path    string
	tmpPath string
	f       *os.File

	cur        *blockBuilder
	rawBlocks  []rawBlock
	bloom      *BloomFilter
	smallest   y.KeyTs
	biggest    y.KeyTs
	hasFirst   bool
	numKeys    int
	staleSize  uint32
	maxVersion uint64
	createdAt  int64

	sem *semaphore.Weighted
}

// NewWriter creates a table writer that writes into a temp file beside
// path, to be renamed into place on Finish (spec §4.D's atomic
// create-then-rename, grounded on the teacher's os.CreateTemp+os.Rename
// idiom in sstable.go).
func NewWriter(path string, opts Options, expectedKeys int) (*Writer, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return nil, err
	}
	par := opts.Parallelism
	if par <= 0 {
		par = 1
	}
	return &Writer{
		opts:      opts,
		path:      path,
		tmpPath:   tmp.Name(),
		f:         tmp,
		cur:       newBlockBuilder(),
		bloom:     NewBloomFilter(expectedKeys, opts.BloomBitsPerKey),
		sem:       semaphore.NewWeighted(par),
		createdAt: time.Now().Unix(),
	}, nil
}

// Add appends one KeyTs-ordered entry to the table being built.
func (w *Writer) Add(key y.KeyTs, value []byte, isStale bool) error {
	if !w.hasFirst {
		w.smallest = key
		w.hasFirst = true
	}
	w.biggest = key
	w.bloom.Add(key.UserKey)
	w.numKeys++
	if key.Ts > w.maxVersion {
		w.maxVersion = key.Ts
	}
	if isStale {
		w.staleSize += uint32(len(key.Encode()) + len(value))
	}

	w.cur.add(key, value)
	if w.cur.approxSize() >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// flushBlock moves the current block builder's contents into rawBlocks,
// deferring compression/encryption/write to Finish so many blocks can be
// compressed concurrently instead of one at a time on the write path.
func (w *Writer) flushBlock() error {
	if w.cur.empty() {
		return nil
	}
	firstKey, err := firstKeyOf(w.cur)
	if err != nil {
		return err
	}
	w.rawBlocks = append(w.rawBlocks, rawBlock{firstKey: firstKey, data: w.cur.finish()})
	w.cur = newBlockBuilder()
	return nil
}

// firstKeyOf reads a not-yet-finished builder's first key, for the block
// handle's FirstKey field.
func firstKeyOf(b *blockBuilder) (y.KeyTs, error) {
	if b.empty() {
		return y.KeyTs{}, y.ErrCorruptTable
	}
	klen, n := binary.Uvarint(b.buf)
	if n <= 0 {
		return y.KeyTs{}, y.ErrCorruptTable
	}
	key := b.buf[n : n+int(klen)]
	return y.ParseKeyTs(key), nil
}

// compressedBlock is the output of compressing+encrypting one rawBlock,
// still tagged with its index so results can be reassembled in order
// after concurrent compression completes out of order.
type compressedBlock struct {
	idx      int
	firstKey y.KeyTs
	payload  []byte
	checksum []byte
	err      error
}

// compressBlocks runs compression+encryption for every buffered raw block
// concurrently, bounded by w.sem, and returns results ordered by index.
func (w *Writer) compressBlocks() ([]compressedBlock, error) {
	out := make([]compressedBlock, len(w.rawBlocks))
	var wg sync.WaitGroup
	ctx := context.Background()

	for i, rb := range w.rawBlocks {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(i int, rb rawBlock) {
			defer wg.Done()
			defer w.sem.Release(1)
			out[i] = w.compressOne(i, rb)
		}(i, rb)
	}
	wg.Wait()

	for _, cb := range out {
		if cb.err != nil {
			return nil, cb.err
		}
	}
	return out, nil
}

func (w *Writer) compressOne(idx int, rb rawBlock) compressedBlock {
	payload, err := w.opts.Compression.Compress(rb.data)
	if err != nil {
		return compressedBlock{idx: idx, err: err}
	}
	if w.opts.Cipher != nil {
		nonce := kms.DeriveStreamNonce(w.opts.BaseNonce[:], uint64(idx))
		payload, err = w.opts.Cipher.Encrypt(nonce, payload)
		if err != nil {
			return compressedBlock{idx: idx, err: err}
		}
	}
	checksum := y.EncodeChecksum(w.opts.ChecksumAlgo, payload)
	return compressedBlock{idx: idx, firstKey: rb.firstKey, payload: payload, checksum: checksum}
}

// Finish flushes any pending block, compresses every block in parallel,
// writes them out sequentially (so on-disk offsets are contiguous),
// writes the footer index, fsyncs, and atomically renames the temp file
// into place. It returns the finished TableIndex so the caller can cache
// it without a re-read.
func (w *Writer) Finish() (*TableIndex, error) {
	if err := w.flushBlock(); err != nil {
		return nil, err
	}

	compressed, err := w.compressBlocks()
	if err != nil {
		return nil, err
	}

	var off uint64
	blocks := make([]blockHandle, 0, len(compressed))
	for _, cb := range compressed {
		if _, err := w.f.Write(cb.payload); err != nil {
			return nil, err
		}
		if _, err := w.f.Write(cb.checksum); err != nil {
			return nil, err
		}
		blocks = append(blocks, blockHandle{FirstKey: cb.firstKey, Offset: off, Len: uint32(len(cb.payload) + len(cb.checksum))})
		off += uint64(len(cb.payload) + len(cb.checksum))
	}

	ti := &TableIndex{
		Blocks:      blocks,
		BloomFilter: w.bloom.Marshal(),
		Checksum:    w.opts.ChecksumAlgo,
		Compression: w.opts.Compression.Kind,
		Smallest:    w.smallest,
		Biggest:     w.biggest,
		StaleSize:   w.staleSize,
		MaxVersion:  w.maxVersion,
		CreatedAt:   w.createdAt,
	}
	indexBytes := ti.Encode()
	indexChecksum := y.EncodeChecksum(w.opts.ChecksumAlgo, indexBytes)

	if _, err := w.f.Write(indexBytes); err != nil {
		return nil, err
	}
	if _, err := w.f.Write(indexChecksum); err != nil {
		return nil, err
	}

	var trailer [FooterSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(len(indexBytes)))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(indexChecksum)))
	if _, err := w.f.Write(trailer[:]); err != nil {
		return nil, err
	}

	if err := w.f.Sync(); err != nil {
		return nil, err
	}
	if err := w.f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return nil, err
	}
	return ti, nil
}

// Abort removes the temp file without publishing the table, used when
// compaction or flush fails partway through (spec §4.D/§4.F error paths).
func (w *Writer) Abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}

// Empty reports whether no entries were ever added.
func (w *Writer) Empty() bool { return w.numKeys == 0 }
