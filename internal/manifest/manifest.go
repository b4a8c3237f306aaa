// Package manifest is the authoritative on-disk record of which SSTables
// exist at which level (spec §3 "Manifest", §4.G). Grounded on the
// teacher's metadata.go header pattern (magic + version prefix) and
// sstable.go's create-temp-then-atomic-rename idiom, generalized to a
// framed append log of change sets with rewrite-on-threshold compaction.
package manifest

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/oarkflow/mors/internal/y"
)

// Magic header: "Mors" || ext_magic u16 || internal_magic u16 (spec §3).
var magicPrefix = [4]byte{'M', 'o', 'r', 's'}

const internalMagic uint16 = 1

// Op is a manifest change operation.
type Op uint8

const (
	OpCreate Op = iota
	OpDelete
)

// Change is one manifest entry: a table being created or deleted at a level.
type Change struct {
	ID              uint64
	Op              Op
	Level           int
	KeyID           uint64
	EncryptionAlgo  byte
	Compression     y.CompressionKind
}

// ChangeSet is one framed manifest record: a batch of changes applied atomically.
type ChangeSet struct {
	Changes []Change
}

func (cs *ChangeSet) encode() []byte {
	buf := make([]byte, 0, 32*len(cs.Changes)+8)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(cs.Changes)))
	buf = append(buf, tmp[:n]...)
	for _, c := range cs.Changes {
		n = binary.PutUvarint(tmp[:], c.ID)
		buf = append(buf, tmp[:n]...)
		buf = append(buf, byte(c.Op))
		n = binary.PutUvarint(tmp[:], uint64(c.Level))
		buf = append(buf, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], c.KeyID)
		buf = append(buf, tmp[:n]...)
		buf = append(buf, c.EncryptionAlgo, byte(c.Compression))
	}
	return buf
}

func decodeChangeSet(b []byte) (*ChangeSet, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, y.ErrCorruptManifest
	}
	b = b[n:]
	cs := &ChangeSet{Changes: make([]Change, count)}
	for i := range cs.Changes {
		id, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, y.ErrCorruptManifest
		}
		b = b[n:]
		if len(b) < 1 {
			return nil, y.ErrCorruptManifest
		}
		op := Op(b[0])
		b = b[1:]
		level, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, y.ErrCorruptManifest
		}
		b = b[n:]
		keyID, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, y.ErrCorruptManifest
		}
		b = b[n:]
		if len(b) < 2 {
			return nil, y.ErrCorruptManifest
		}
		cs.Changes[i] = Change{ID: id, Op: op, Level: int(level), KeyID: keyID, EncryptionAlgo: b[0], Compression: y.CompressionKind(b[1])}
		b = b[2:]
	}
	return cs, nil
}

// TableMeta is the in-memory record of one live table (spec §4.G
// "in-memory {tables: id→{level,key_id,compress}}").
type TableMeta struct {
	Level       int
	KeyID       uint64
	Compression y.CompressionKind
}

// Manifest tracks live tables in memory and persists every change to an
// append-only framed file, rewriting it once deletions dominate.
type Manifest struct {
	mu sync.Mutex

	dir  string
	f    *os.File
	path string

	tables map[uint64]TableMeta
	levels map[int]map[uint64]struct{}

	creations int
	deletions int

	// RewriteThreshold and the 10x ratio rule gate Rewrite (spec §4.G).
	RewriteThreshold int
}

// Open replays an existing manifest or creates a fresh one with just the
// header. Corrupt framing truncates to the last good byte rather than
// failing the whole open (spec §4.G "Invalid framing truncates").
func Open(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "MANIFEST")
	m := &Manifest{
		dir: dir, path: path,
		tables: make(map[uint64]TableMeta), levels: make(map[int]map[uint64]struct{}),
		RewriteThreshold: 10000,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(m.header()); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		m.f = f
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	validTo, err := m.replay(data)
	if err != nil {
		return nil, err
	}
	if err := os.Truncate(path, int64(validTo)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	m.f = f
	return m, nil
}

func (m *Manifest) header() []byte {
	buf := make([]byte, 8)
	copy(buf[0:4], magicPrefix[:])
	binary.LittleEndian.PutUint16(buf[4:6], 0) // ext_magic reserved
	binary.LittleEndian.PutUint16(buf[6:8], internalMagic)
	return buf
}

// replay parses the header then every framed {len u32, crc32 u32,
// ChangeSet} record, applying it in memory, and returns the byte offset
// up to which the file is valid.
func (m *Manifest) replay(data []byte) (int, error) {
	if len(data) < 8 || string(data[0:4]) != string(magicPrefix[:]) {
		return 0, fmt.Errorf("mors: bad manifest magic")
	}
	if binary.LittleEndian.Uint16(data[6:8]) != internalMagic {
		return 0, fmt.Errorf("mors: unsupported manifest version")
	}
	off := 8
	for off+8 <= len(data) {
		recLen := binary.LittleEndian.Uint32(data[off:])
		crc := binary.LittleEndian.Uint32(data[off+4:])
		recStart := off + 8
		if recStart+int(recLen) > len(data) {
			break
		}
		rec := data[recStart : recStart+int(recLen)]
		if crc32.ChecksumIEEE(rec) != crc {
			break
		}
		cs, err := decodeChangeSet(rec)
		if err != nil {
			break
		}
		m.applyLocked(cs)
		off = recStart + int(recLen)
	}
	return off, nil
}

func (m *Manifest) applyLocked(cs *ChangeSet) {
	for _, c := range cs.Changes {
		switch c.Op {
		case OpCreate:
			m.tables[c.ID] = TableMeta{Level: c.Level, KeyID: c.KeyID, Compression: c.Compression}
			if m.levels[c.Level] == nil {
				m.levels[c.Level] = make(map[uint64]struct{})
			}
			m.levels[c.Level][c.ID] = struct{}{}
			m.creations++
		case OpDelete:
			if t, ok := m.tables[c.ID]; ok {
				delete(m.levels[t.Level], c.ID)
				delete(m.tables, c.ID)
				m.deletions++
			}
		}
	}
}

// PushChanges applies changes in memory and appends (or rewrites) the
// manifest file (spec §4.G "push_changes").
func (m *Manifest) PushChanges(changes []Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := &ChangeSet{Changes: changes}
	m.applyLocked(cs)

	if m.deletions > m.RewriteThreshold && m.deletions > 10*(m.creations-m.deletions) {
		return m.rewriteLocked()
	}
	return m.appendLocked(cs)
}

func (m *Manifest) appendLocked(cs *ChangeSet) error {
	rec := cs.encode()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(rec)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(rec))
	if _, err := m.f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := m.f.Write(rec); err != nil {
		return err
	}
	return m.f.Sync()
}

// rewriteLocked replaces the manifest file with a minimal one reflecting
// only the current in-memory state: new file → fsync → rename → reopen →
// fsync (spec §4.G).
func (m *Manifest) rewriteLocked() error {
	tmpPath := filepath.Join(m.dir, "MANIFEST-REWRITE")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(m.header()); err != nil {
		f.Close()
		return err
	}

	changes := make([]Change, 0, len(m.tables))
	for id, t := range m.tables {
		changes = append(changes, Change{ID: id, Op: OpCreate, Level: t.Level, KeyID: t.KeyID, Compression: t.Compression})
	}
	rec := (&ChangeSet{Changes: changes}).encode()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(rec)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(rec))
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(rec); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if err := os.Rename(tmpPath, m.path); err != nil {
		return err
	}
	newF, err := os.OpenFile(m.path, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	if _, err := newF.Seek(0, io.SeekEnd); err != nil {
		newF.Close()
		return err
	}
	if m.f != nil {
		m.f.Close()
	}
	m.f = newF
	m.creations = len(changes)
	m.deletions = 0
	return newF.Sync()
}

// Tables returns a snapshot of the currently live table set.
func (m *Manifest) Tables() map[uint64]TableMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]TableMeta, len(m.tables))
	for k, v := range m.tables {
		out[k] = v
	}
	return out
}

// Revert reconciles the manifest against the directory's actual .sst
// files: every manifest table id must exist on disk, and every on-disk
// .sst not referenced by the manifest is removed (spec §4.G "revert").
func (m *Manifest) Revert(dir string) error {
	m.mu.Lock()
	live := make(map[uint64]struct{}, len(m.tables))
	for id := range m.tables {
		live[id] = struct{}{}
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	onDisk := make(map[uint64]struct{})
	for _, e := range entries {
		id, ext, ok := y.ParseFileID(e.Name())
		if !ok || ext != "sst" {
			continue
		}
		onDisk[id] = struct{}{}
	}

	for id := range live {
		if _, ok := onDisk[id]; !ok {
			return fmt.Errorf("mors: manifest references missing table %06d.sst", id)
		}
	}
	for id := range onDisk {
		if _, ok := live[id]; !ok {
			if err := os.Remove(y.TableName(dir, id)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}
