// Package memtable pairs an in-memory skiplist with the write-ahead log
// that backs it (spec §4.A "Memtable"). Grounded on the teacher's MemTable
// in oarkflow/velocity/memtable.go (a skiplist plus a Size() accessor used
// to decide rotation); generalized here to the KeyTs-ordered arena
// skiplist and walfile-backed WAL, including crash replay.
package memtable

import (
	"github.com/oarkflow/mors/internal/kms"
	"github.com/oarkflow/mors/internal/skl"
	"github.com/oarkflow/mors/internal/walfile"
	"github.com/oarkflow/mors/internal/y"
)

// Memtable is one skiplist plus the WAL segment recording every entry
// pushed into it, so it can be replayed after an unclean shutdown.
type Memtable struct {
	ID        uint64
	skl       *skl.Skiplist
	wal       *walfile.File
	maxVer    y.TxnTs
	arenaSize int64
}

// New creates a fresh memtable and its backing WAL segment.
func New(dir string, id uint64, arenaSize int64, keyID kms.CipherKeyId, baseNonce [12]byte, cipher kms.Cipher, algo y.ChecksumAlgo) (*Memtable, error) {
	wal, err := walfile.Create(y.MemtableName(dir, id), keyID, baseNonce, cipher, algo)
	if err != nil {
		return nil, err
	}
	return &Memtable{ID: id, skl: skl.NewSkiplist(arenaSize), wal: wal, arenaSize: arenaSize}, nil
}

// Open recovers a memtable from an existing WAL segment on disk, replaying
// every entry it recorded back into a fresh skiplist (spec §4.B "Crash
// recovery" for the memtable WAL).
func Open(dir string, id uint64, arenaSize int64, cipher kms.Cipher, algo y.ChecksumAlgo) (*Memtable, error) {
	wal, err := walfile.Open(y.MemtableName(dir, id), cipher, algo)
	if err != nil {
		return nil, err
	}
	entries, validTo, err := wal.Replay()
	if err != nil {
		return nil, err
	}
	if err := wal.Truncate(validTo); err != nil {
		return nil, err
	}

	mt := &Memtable{ID: id, skl: skl.NewSkiplist(arenaSize), wal: wal, arenaSize: arenaSize}
	for _, e := range entries {
		kt := y.KeyTs{UserKey: e.Key, Ts: e.Ts}
		if err := mt.skl.Push(kt, (&y.ValueMeta{Value: e.Value, ExpiresAt: e.ExpiresAt, UserMeta: e.UserMeta, Meta: e.Meta}).Encode()); err != nil {
			return nil, err
		}
		if kt.Ts > mt.maxVer {
			mt.maxVer = kt.Ts
		}
	}
	return mt, nil
}

// Push writes value under key to both the WAL and the skiplist.
func (m *Memtable) Push(key y.KeyTs, meta y.ValueMeta) error {
	entry := &y.Entry{
		Key: key.UserKey, Ts: key.Ts, Value: meta.Value,
		ExpiresAt: meta.ExpiresAt, UserMeta: meta.UserMeta, Meta: meta.Meta,
	}
	if _, err := m.wal.Append(entry); err != nil {
		return err
	}
	if err := m.skl.Push(key, meta.Encode()); err != nil {
		return err
	}
	if key.Ts > m.maxVer {
		m.maxVer = key.Ts
	}
	return nil
}

// Get returns the floor match (newest version ≤ key.Ts) for a key, per
// the KeyTs ordering's newest-first-within-user-key property (spec §4.A).
func (m *Memtable) Get(key y.KeyTs) (y.ValueMeta, bool) {
	it := m.skl.NewIterator()
	it.Seek(key)
	if !it.Valid() || !y.SameUserKey(it.Key(), key) {
		return y.ValueMeta{}, false
	}
	vm, err := y.DecodeValueMeta(it.Value())
	if err != nil {
		return y.ValueMeta{}, false
	}
	return vm, true
}

// Size reports the skiplist arena's used bytes, used to decide rotation
// (spec §4.A "is_full").
func (m *Memtable) Size() int64 { return m.skl.Size() }

// IsFull reports whether the memtable has reached its arena budget.
func (m *Memtable) IsFull() bool { return m.skl.Size() >= m.arenaSize }

// MaxVersion is the highest commit timestamp pushed into this memtable.
func (m *Memtable) MaxVersion() y.TxnTs { return m.maxVer }

// NewIterator returns a forward cursor over the memtable's skiplist.
func (m *Memtable) NewIterator() *skl.Iterator { return m.skl.NewIterator() }

// Sync flushes the WAL to stable storage.
func (m *Memtable) Sync() error { return m.wal.Sync() }

// Delete removes the memtable's WAL segment from disk; called once its
// contents have been durably flushed into an L0 table (spec §4.D).
func (m *Memtable) Delete() error { return m.wal.Delete() }

// Close closes the WAL segment without removing it.
func (m *Memtable) Close() error { return m.wal.Close() }
