// Package skl implements the arena skip-list: a concurrent ordered map
// over a single contiguous bump-allocated arena, fixed to the KeyTs
// ordering (spec §4.A). Grounded on the teacher's SkipList in
// oarkflow/velocity/memtable.go (struct-based linked nodes, a
// caller-owned comparator), generalized here to an arena allocator with
// offset-addressed nodes so the structure is position-independent.
package skl

import (
	"sync/atomic"

	"github.com/oarkflow/mors/internal/y"
)

const align = 8

// Arena is a bump allocator. Nodes and values are stored as byte offsets
// into buf rather than pointers, so the region is position-independent
// and could later be backed by an mmap.
type Arena struct {
	buf []byte
	n   atomic.Uint32 // next free offset; 1-based so 0 means "nil"
}

func NewArena(size int64) *Arena {
	a := &Arena{buf: make([]byte, size)}
	a.n.Store(1) // offset 0 reserved as the nil sentinel
	return a
}

// alloc reserves sz bytes 8-byte aligned and returns the starting offset.
// Returns y.ErrArenaFull if the arena cannot satisfy the request; callers
// must have already rotated the memtable by the time this happens.
func (a *Arena) alloc(sz uint32) (uint32, error) {
	padded := uint32(align) - 1
	for {
		old := a.n.Load()
		aligned := (old + padded) &^ padded
		newOff := aligned + sz
		if int(newOff) > len(a.buf) {
			return 0, y.ErrArenaFull
		}
		if a.n.CompareAndSwap(old, newOff) {
			return aligned, nil
		}
	}
}

func (a *Arena) putBytes(b []byte) (uint32, error) {
	off, err := a.alloc(uint32(len(b)))
	if err != nil {
		return 0, err
	}
	copy(a.buf[off:], b)
	return off, nil
}

func (a *Arena) bytes(off uint32, n uint32) []byte {
	if off == 0 {
		return nil
	}
	return a.buf[off : off+n]
}

// Size reports the number of bytes the arena has handed out.
func (a *Arena) Size() int64 { return int64(a.n.Load()) }

// Cap reports the arena's total capacity.
func (a *Arena) Cap() int64 { return int64(len(a.buf)) }
