// Package mors is an embedded, transactional, LSM-tree key-value store
// with WiscKey-style value separation (spec §1 "Purpose & Scope"). This
// file is the engine façade: lifecycle (Open/Close), the write coalescer,
// the flush task, the transaction API, and the read fan-out across
// memtable, immutables and levels. Grounded on the teacher's top-level
// DB type in velocity.go (lifecycle, background task wiring) generalized
// to mors's write-coalescer/flush/compaction/oracle pipeline.
package mors

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oarkflow/mors/internal/kms"
	"github.com/oarkflow/mors/internal/levels"
	"github.com/oarkflow/mors/internal/manifest"
	"github.com/oarkflow/mors/internal/memtable"
	"github.com/oarkflow/mors/internal/oracle"
	"github.com/oarkflow/mors/internal/table"
	"github.com/oarkflow/mors/internal/valuelog"
	"github.com/oarkflow/mors/internal/y"
)

// Options configures an Engine (spec §6 "Configuration options").
type Options struct {
	Dir      string
	ReadOnly bool

	NumMemtables         int
	MemtableSize         int64
	Level0TablesLen      int
	Level0NumTablesStall int
	BaseLevelTotalSize   int64
	LevelSizeMultiplier  int64
	TableSizeMultiplier  int64
	NumCompactors        int
	NumLevels            int

	BlockSize         int
	BloomBitsPerKey   int
	Compression       y.Compression
	ChecksumAlgo      y.ChecksumAlgo

	VlogFileSize      int64
	ValueThreshold    int64
	MaxValueThreshold int64
	VlogPercentile    float64

	DataKeyRotationDuration time.Duration
	EncryptionMasterKey     []byte

	// BlockCacheBytes sizes the shared SSTable block cache (spec §4.E).
	BlockCacheBytes int64

	// WriteChannelCapacity and the 3x-capacity coalescer batching rule
	// (spec §4.K "write coalescer").
	WriteChannelCapacity int
}

func DefaultOptions(dir string) Options {
	return Options{
		Dir: dir, NumMemtables: 5, MemtableSize: 64 << 20,
		Level0TablesLen: 5, Level0NumTablesStall: 20,
		BaseLevelTotalSize: 10 << 20, LevelSizeMultiplier: 10, TableSizeMultiplier: 2,
		NumCompactors: 3, NumLevels: 7,
		BlockSize: 4 << 10, BloomBitsPerKey: 10,
		Compression:  y.Compression{Kind: y.CompressionNone},
		ChecksumAlgo: y.ChecksumCRC32C,
		VlogFileSize: 1 << 30, ValueThreshold: 1 << 10, MaxValueThreshold: 1 << 20,
		VlogPercentile:          0.90,
		DataKeyRotationDuration: 7 * 24 * time.Hour,
		BlockCacheBytes:         64 << 20,
		WriteChannelCapacity:    1000,
	}
}

// writeRequest is one queued write batch entry awaiting the coalescer.
type writeRequest struct {
	entries []*y.Entry
	result  chan error
}

// Engine is the top-level, process-local handle to one mors database
// directory (spec §4.K "Engine façade").
type Engine struct {
	opts Options

	lockFile *os.File

	registry *kms.Registry
	cipher   kms.Cipher
	keyID    kms.CipherKeyId
	baseNonce [12]byte

	man        *manifest.Manifest
	levels     *levels.Controller
	vlog       *valuelog.Log
	oracle     *oracle.Oracle
	blockCache *table.LRUCache

	closer *y.Closer

	mu           sync.RWMutex
	active       *memtable.Memtable
	immutables   []*memtable.Memtable
	nextMemID    uint64
	drainWaiters []chan struct{}

	flushChan chan *memtable.Memtable
	writeChan chan *writeRequest
	batchDone chan struct{}
}

// Open acquires the directory's file lock, reconciles the manifest
// against on-disk SSTables, opens the KMS registry, rebuilds the level
// controller and value log, recovers the active memtable's WAL, and
// starts the write coalescer, flush task and compactor pool (spec §4.K
// "Open").
func Open(opts Options) (*Engine, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	lockFile, err := acquireLock(opts.Dir)
	if err != nil {
		return nil, err
	}

	var masterKey []byte
	if len(opts.EncryptionMasterKey) > 0 {
		masterKey = opts.EncryptionMasterKey
	}
	registry, err := kms.Open(opts.Dir, masterKey, opts.DataKeyRotationDuration)
	if err != nil {
		lockFile.Close()
		return nil, err
	}
	keyID, cipher, err := registry.LatestCipher()
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	man, err := manifest.Open(opts.Dir)
	if err != nil {
		lockFile.Close()
		return nil, err
	}
	if err := man.Revert(opts.Dir); err != nil {
		lockFile.Close()
		return nil, err
	}

	var baseNonce [12]byte
	if _, err := readRandomBytes(baseNonce[:]); err != nil {
		lockFile.Close()
		return nil, err
	}

	blockCache := table.NewLRUCache(opts.BlockCacheBytes)
	tableOpts := table.DefaultOptions()
	tableOpts.BlockSize = opts.BlockSize
	tableOpts.Compression = opts.Compression
	tableOpts.ChecksumAlgo = opts.ChecksumAlgo
	tableOpts.BloomBitsPerKey = opts.BloomBitsPerKey
	tableOpts.Cipher = cipher
	tableOpts.CipherKeyID = keyID
	tableOpts.BaseNonce = baseNonce

	vlogOpts := valuelog.Options{
		Dir: opts.Dir, VlogFileSize: opts.VlogFileSize,
		MinValueThreshold: opts.ValueThreshold, MaxValueThreshold: clampMaxValueThreshold(opts),
		Percentile: opts.VlogPercentile,
		Cipher:     cipher, ChecksumAlgo: opts.ChecksumAlgo,
	}
	vlog, err := valuelog.Open(vlogOpts)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	lvlOpts := levels.Options{
		Dir: opts.Dir, NumLevels: opts.NumLevels, MemtableSize: opts.MemtableSize,
		BaseLevelTotalSize:  opts.BaseLevelTotalSize,
		LevelSizeMultiplier: opts.LevelSizeMultiplier, TableSizeMultiplier: opts.TableSizeMultiplier,
		Level0TablesLen:      opts.Level0TablesLen,
		Level0NumTablesStall: opts.Level0NumTablesStall, NumCompactors: opts.NumCompactors,
		TableOptions: tableOpts, Cipher: cipher, BaseNonce: baseNonce, BlockCache: blockCache,
		VLog: vlog,
	}
	lvl, err := levels.Open(lvlOpts, man)
	if err != nil {
		vlog.Close()
		lockFile.Close()
		return nil, err
	}

	e := &Engine{
		opts: opts, lockFile: lockFile,
		registry: registry, cipher: cipher, keyID: keyID, baseNonce: baseNonce,
		man: man, levels: lvl, vlog: vlog, oracle: oracle.New(), blockCache: blockCache,
		closer:    y.NewCloser(),
		flushChan: make(chan *memtable.Memtable, opts.NumMemtables),
		writeChan: make(chan *writeRequest, opts.WriteChannelCapacity),
		batchDone: make(chan struct{}, 1),
	}

	if err := e.recoverMemtables(); err != nil {
		lockFile.Close()
		return nil, err
	}
	e.oracle.Bootstrap(e.maxRecoveredTs())

	e.closer.AddRunning(1)
	go e.writeCoalescer()
	e.closer.AddRunning(1)
	go e.flushLoop()
	for i := 0; i < opts.NumCompactors; i++ {
		e.closer.AddRunning(1)
		go e.levels.RunCompactor(i, e.closer, e.oracle.ReadMarkDoneUntil)
	}
	e.closer.AddRunning(1)
	go e.oracleCleanupLoop()

	return e, nil
}

// oracleCleanupLoop periodically drops committed-transaction conflict
// records no live snapshot can reach any longer (spec §4.I "periodic
// committed GC").
func (e *Engine) oracleCleanupLoop() {
	defer e.closer.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.closer.Ctx().Done():
			return
		case <-ticker.C:
			e.oracle.CleanupCommitted()
		}
	}
}

// clampMaxValueThreshold enforces the Open Question's stronger reading
// (spec §9): value_threshold <= max_batch_size <= 0.15*memtable_size, in
// addition to the explicit max_value_threshold = min(1MiB, max_batch_size)
// rule already stated in the value-log section.
func clampMaxValueThreshold(opts Options) int64 {
	max := opts.MaxValueThreshold
	if max <= 0 || max > 1<<20 {
		max = 1 << 20
	}
	capped := int64(float64(opts.MemtableSize) * 0.15)
	if capped > 0 && capped < max {
		max = capped
	}
	return max
}

func readRandomBytes(b []byte) (int, error) {
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.Read(b)
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := flock(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("mors: directory %s is locked by another process: %w", dir, err)
	}
	return f, nil
}

// recoverMemtables replays every .mem file in the directory (spec §4.D
// "crash recovery"), making the newest-id one active and the rest
// immutable, queued for flush.
func (e *Engine) recoverMemtables() error {
	entries, err := os.ReadDir(e.opts.Dir)
	if err != nil {
		return err
	}
	var ids []uint64
	for _, ent := range entries {
		id, ext, ok := y.ParseFileID(ent.Name())
		if !ok || ext != "mem" {
			continue
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return e.rotateActiveLocked()
	}

	sortUint64s(ids)
	for i, id := range ids {
		m, err := memtable.Open(e.opts.Dir, id, e.opts.MemtableSize, e.cipher, e.opts.ChecksumAlgo)
		if err != nil {
			return err
		}
		if id >= e.nextMemID {
			e.nextMemID = id + 1
		}
		if i == len(ids)-1 {
			e.active = m
		} else {
			e.immutables = append(e.immutables, m)
			e.flushChan <- m
		}
	}
	return nil
}

// maxRecoveredTs is the highest commit timestamp present in any recovered
// memtable, used to bootstrap the oracle so a restarted engine never hands
// out a read timestamp older than data already durable on disk.
func (e *Engine) maxRecoveredTs() y.TxnTs {
	var max y.TxnTs
	if e.active != nil && e.active.MaxVersion() > max {
		max = e.active.MaxVersion()
	}
	for _, m := range e.immutables {
		if m.MaxVersion() > max {
			max = m.MaxVersion()
		}
	}
	return max
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (e *Engine) rotateActiveLocked() error {
	id := e.nextMemID
	e.nextMemID++
	var nonce [12]byte
	if _, err := readRandomBytes(nonce[:]); err != nil {
		return err
	}
	m, err := memtable.New(e.opts.Dir, id, e.opts.MemtableSize, e.keyID, nonce, e.cipher, e.opts.ChecksumAlgo)
	if err != nil {
		return err
	}
	e.active = m
	return nil
}

// Close stops every background task, flushes nothing further (an
// unflushed active/immutable memtable survives via its WAL for the next
// Open's recovery), and releases the directory lock.
func (e *Engine) Close() error {
	e.closer.SignalAndWait()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.vlog.Close(); err != nil {
		return err
	}
	if err := e.levels.Close(); err != nil {
		return err
	}
	if err := e.man.Close(); err != nil {
		return err
	}
	if e.active != nil {
		if err := e.active.Sync(); err != nil {
			return err
		}
		if err := e.active.Close(); err != nil {
			return err
		}
	}
	for _, m := range e.immutables {
		if err := m.Close(); err != nil {
			return err
		}
	}
	return unlock(e.lockFile)
}

// Get fetches the newest version of key visible at readTs, probing the
// live memtable, then immutables newest-first, then the level controller
// (spec §3 "Data flow (read)").
func (e *Engine) Get(key []byte, readTs y.TxnTs) ([]byte, bool, error) {
	kt := y.KeyTs{UserKey: key, Ts: readTs}

	e.mu.RLock()
	active := e.active
	immutables := append([]*memtable.Memtable(nil), e.immutables...)
	e.mu.RUnlock()

	if vm, ok := active.Get(kt); ok {
		return e.resolveValue(vm)
	}
	for i := len(immutables) - 1; i >= 0; i-- {
		if vm, ok := immutables[i].Get(kt); ok {
			return e.resolveValue(vm)
		}
	}

	_, v, ok, err := e.levels.Get(kt)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	vm, err := y.DecodeValueMeta(v)
	if err != nil {
		return nil, false, err
	}
	return e.resolveValue(vm)
}

// NumLevel0Tables reports the current L0 table count, exposed for
// operational inspection (spec §6 "stats").
func (e *Engine) NumLevel0Tables() int { return e.levels.NumLevel0Tables() }

func (e *Engine) resolveValue(vm y.ValueMeta) ([]byte, bool, error) {
	if vm.HasMeta(y.MetaDelete) {
		return nil, false, nil
	}
	if vm.HasMeta(y.MetaValuePointer) {
		vp := y.DecodeValuePointer(vm.Value)
		v, err := e.vlog.Read(vp)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
	return vm.Value, true, nil
}
