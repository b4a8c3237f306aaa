// Package y holds the data types shared across every mors component: the
// KeyTs ordering, value metadata, entries, value pointers and checksums.
// Grounded on oarkflow/velocity's memtable.go Entry type and common/src/ts.rs
// from the original Rust source (see DESIGN.md).
package y

import (
	"bytes"
	"encoding/binary"
)

// TxnTs is a monotonic transaction timestamp assigned by the oracle.
type TxnTs = uint64

// KeyTs is a user key concatenated with an 8-byte big-endian transaction
// timestamp suffix. Ordering is lexicographic on the user key ascending,
// then by timestamp descending (newer first). This is the one comparator
// used by the skip-list, SSTable, block and level code (spec §3).
type KeyTs struct {
	UserKey []byte
	Ts      TxnTs
}

// NewKeyTs builds a KeyTs from a user key and timestamp.
func NewKeyTs(userKey []byte, ts TxnTs) KeyTs {
	return KeyTs{UserKey: userKey, Ts: ts}
}

// ParseKeyTs splits an encoded KeyTs (user key || 8-byte big-endian ts).
func ParseKeyTs(b []byte) KeyTs {
	if len(b) < 8 {
		return KeyTs{UserKey: b}
	}
	n := len(b) - 8
	return KeyTs{UserKey: b[:n], Ts: binary.BigEndian.Uint64(b[n:])}
}

// Encode serializes the KeyTs to user_key || ts(8 bytes big-endian).
func (k KeyTs) Encode() []byte {
	out := make([]byte, len(k.UserKey)+8)
	n := copy(out, k.UserKey)
	binary.BigEndian.PutUint64(out[n:], k.Ts)
	return out
}

// Compare implements the spec §3 ordering: user key ascending, then ts
// descending (newer first).
func Compare(a, b KeyTs) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Ts > b.Ts:
		return -1
	case a.Ts < b.Ts:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts before b under Compare.
func Less(a, b KeyTs) bool { return Compare(a, b) < 0 }

// SameUserKey reports whether two KeyTs share the same user key.
func SameUserKey(a, b KeyTs) bool { return bytes.Equal(a.UserKey, b.UserKey) }

// CompareBytes compares two already-encoded KeyTs byte strings without
// allocating, using the same ordering rule as Compare.
func CompareBytes(a, b []byte) int {
	return Compare(ParseKeyTs(a), ParseKeyTs(b))
}
