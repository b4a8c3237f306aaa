package skl

import (
	"math/rand"
	"sync/atomic"

	"github.com/oarkflow/mors/internal/y"
)

const (
	maxHeight  = 20
	heightProb = 1.0 / 3.0
)

type node struct {
	keyOff  uint32
	keyLen  uint32
	valOff  atomic.Uint32
	valLen  atomic.Uint32
	height  uint32
	selfOff uint32
	tower   [maxHeight]atomic.Uint32 // offsets of next node at each level
}

// Skiplist is a concurrent ordered map over an Arena, fixed to the KeyTs
// ordering (spec §4.A). Height is randomized geometrically with p≈1/3,
// capped at maxHeight. push is idempotent on an equal key: it rewrites the
// value in place rather than inserting a duplicate node.
type Skiplist struct {
	arena  *Arena
	head   *node
	height atomic.Uint32
}

func NewSkiplist(arenaSize int64) *Skiplist {
	arena := NewArena(arenaSize)
	head := &node{height: maxHeight}
	s := &Skiplist{arena: arena, head: head}
	s.height.Store(1)
	return s
}

func (s *Skiplist) randomHeight() uint32 {
	h := uint32(1)
	for h < maxHeight && rand.Float64() < heightProb {
		h++
	}
	return h
}

// nodes are stored inline in the arena; we keep Go-side node structs for
// the head only and store real nodes as arena-encoded bytes for
// position-independence, addressed by offset. For simplicity and without
// losing the arena-offset property required by spec §4.A, we encode each
// node's fixed header directly into the arena and keep *node as a thin
// decode of that region.
type nodeHeader struct {
	keyOff, keyLen uint32
	valOff, valLen uint32
	height         uint32
}

const nodeHeaderSize = 4 * 5

func (s *Skiplist) encodeNode(h nodeHeader, towerOffs []uint32) (uint32, error) {
	total := uint32(nodeHeaderSize + 4*len(towerOffs))
	off, err := s.arena.alloc(total)
	if err != nil {
		return 0, err
	}
	buf := s.arena.buf[off:]
	putU32(buf[0:4], h.keyOff)
	putU32(buf[4:8], h.keyLen)
	putU32(buf[8:12], h.valOff)
	putU32(buf[12:16], h.valLen)
	putU32(buf[16:20], h.height)
	for i, o := range towerOffs {
		putU32(buf[nodeHeaderSize+4*i:], o)
	}
	return off, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// decodeNode adapts the arena-encoded node at off into a *node view. The
// head sentinel (off==0 semantics handled by caller) is never decoded this
// way; it lives purely on the Go heap.
func (s *Skiplist) decodeNode(off uint32) *node {
	buf := s.arena.buf[off:]
	h := nodeHeader{
		keyOff: getU32(buf[0:4]),
		keyLen: getU32(buf[4:8]),
		valOff: getU32(buf[8:12]),
		valLen: getU32(buf[12:16]),
		height: getU32(buf[16:20]),
	}
	n := &node{keyOff: h.keyOff, keyLen: h.keyLen, height: h.height}
	n.valOff.Store(h.valOff)
	n.valLen.Store(h.valLen)
	for i := uint32(0); i < h.height; i++ {
		n.tower[i].Store(getU32(buf[nodeHeaderSize+4*i:]))
	}
	n.selfOff = off
	return n
}

// setNext mutates a node's tower slot. The head sentinel lives on the Go
// heap (it has no arena backing), so its tower is updated in place;
// every other node's tower lives in arena bytes and is mutated there so
// concurrent readers following arena offsets observe the update.
func (s *Skiplist) setNext(n *node, level int, next uint32) {
	if n == s.head {
		n.tower[level].Store(next)
		return
	}
	putU32(s.arena.buf[n.selfOff+nodeHeaderSize+4*uint32(level):], next)
	n.tower[level].Store(next)
}

func (s *Skiplist) nextOffset(n *node, level int) uint32 {
	if n == s.head {
		return n.tower[level].Load()
	}
	return getU32(s.arena.buf[n.selfOff+nodeHeaderSize+4*uint32(level):])
}

func (s *Skiplist) next(n *node, level int) *node {
	off := s.nextOffset(n, level)
	if off == 0 {
		return nil
	}
	return s.decodeNode(off)
}

func (s *Skiplist) keyAt(n *node) y.KeyTs {
	return y.ParseKeyTs(s.arena.bytes(n.keyOff, n.keyLen))
}

// findSpliceForLevel walks level starting at `start`, returning the last
// node before key and the first node at-or-after key.
func (s *Skiplist) findSpliceForLevel(key y.KeyTs, start *node, level int) (before, after *node) {
	before = start
	for {
		next := s.next(before, level)
		if next == nil {
			return before, nil
		}
		cmp := y.Compare(s.keyAt(next), key)
		if cmp >= 0 {
			return before, next
		}
		before = next
	}
}

// Push inserts (or updates, if the key already exists) an entry. Equal
// keys are idempotent: the value offset/length is rewritten rather than
// inserting a new node (spec §4.A).
func (s *Skiplist) Push(key y.KeyTs, value []byte) error {
	keyBytes := key.Encode()
	listHeight := int(s.height.Load())
	var prev [maxHeight + 1]*node
	var next [maxHeight + 1]*node
	prev[listHeight] = s.head

	for i := listHeight - 1; i >= 0; i-- {
		p, n := s.findSpliceForLevel(key, prev[i+1], i)
		if n != nil && y.Compare(s.keyAt(n), key) == 0 {
			valOff, err := s.arena.putBytes(value)
			if err != nil {
				return err
			}
			n.valOff.Store(valOff)
			n.valLen.Store(uint32(len(value)))
			putU32(s.arena.buf[n.selfOff+8:], valOff)
			putU32(s.arena.buf[n.selfOff+12:], uint32(len(value)))
			return nil
		}
		prev[i] = p
		next[i] = n
	}

	height := s.randomHeight()
	if int(height) > listHeight {
		s.height.CompareAndSwap(uint32(listHeight), height)
		for i := listHeight; i < int(height); i++ {
			prev[i] = s.head
			next[i] = nil
		}
		listHeight = int(height)
	}

	keyOff, err := s.arena.putBytes(keyBytes)
	if err != nil {
		return err
	}
	valOff, err := s.arena.putBytes(value)
	if err != nil {
		return err
	}

	towerOffs := make([]uint32, height)
	for i := uint32(0); i < height; i++ {
		if next[i] != nil {
			towerOffs[i] = next[i].selfOff
		}
	}
	h := nodeHeader{keyOff: keyOff, keyLen: uint32(len(keyBytes)), valOff: valOff, valLen: uint32(len(value)), height: height}
	off, err := s.encodeNode(h, towerOffs)
	if err != nil {
		return err
	}
	newNode := s.decodeNode(off)

	for i := 0; i < int(height); i++ {
		s.setNext(prev[i], i, off)
	}
	_ = newNode
	return nil
}

// Get returns the value for an exact or (if allowNear) floor match on key
// under the KeyTs ordering: the node immediately before or at key.
func (s *Skiplist) Get(key y.KeyTs, allowNear bool) (y.KeyTs, []byte, bool) {
	listHeight := int(s.height.Load())
	before := s.head
	for i := listHeight - 1; i >= 0; i-- {
		b, _ := s.findSpliceForLevel(key, before, i)
		before = b
	}
	n := s.next(before, 0)
	if n != nil && y.Compare(s.keyAt(n), key) == 0 {
		return s.keyAt(n), s.arena.bytes(n.valOff.Load(), n.valLen.Load()), true
	}
	if !allowNear || before == s.head {
		return y.KeyTs{}, nil, false
	}
	return s.keyAt(before), s.arena.bytes(before.valOff.Load(), before.valLen.Load()), true
}

// Size returns the arena's used bytes (memtable.go's `size()`).
func (s *Skiplist) Size() int64 { return s.arena.Size() }

// MemSize reports the arena's total capacity.
func (s *Skiplist) MemSize() int64 { return s.arena.Cap() }

// Iterator is a single-pass, forward-only cursor over the skiplist. It is
// positioned with SeekToFirst or Seek; Key()/Value() are valid while
// Valid() is true, and Next() advances it and reports whether it is still
// valid.
type Iterator struct {
	list *Skiplist
	n    *node
}

func (s *Skiplist) NewIterator() *Iterator { return &Iterator{list: s} }

func (it *Iterator) SeekToFirst() {
	it.n = it.list.next(it.list.head, 0)
}

func (it *Iterator) Seek(key y.KeyTs) {
	_, n := it.list.findSpliceForLevel(key, it.list.head, 0)
	it.n = n
}

func (it *Iterator) Valid() bool { return it.n != nil }

func (it *Iterator) Next() bool {
	if it.n == nil {
		return false
	}
	it.n = it.list.next(it.n, 0)
	return it.n != nil
}

func (it *Iterator) Key() y.KeyTs { return it.list.keyAt(it.n) }

func (it *Iterator) Value() []byte {
	return it.list.arena.bytes(it.n.valOff.Load(), it.n.valLen.Load())
}
