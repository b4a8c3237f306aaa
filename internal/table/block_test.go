package table

import (
	"testing"

	"github.com/oarkflow/mors/internal/y"
)

func TestBlockBuilderIteratorRoundTrip(t *testing.T) {
	b := newBlockBuilder()
	entries := []struct {
		key y.KeyTs
		val string
	}{
		{y.NewKeyTs([]byte("a"), 3), "av"},
		{y.NewKeyTs([]byte("b"), 2), "bv"},
		{y.NewKeyTs([]byte("c"), 1), "cv"},
	}
	for _, e := range entries {
		b.add(e.key, []byte(e.val))
	}
	finished := b.finish()

	it, err := newBlockIterator(finished)
	if err != nil {
		t.Fatalf("newBlockIterator: %v", err)
	}
	if it.numEntries() != len(entries) {
		t.Fatalf("numEntries = %d, want %d", it.numEntries(), len(entries))
	}
	for i, e := range entries {
		k, v, err := it.entryAt(i)
		if err != nil {
			t.Fatalf("entryAt(%d): %v", i, err)
		}
		if y.Compare(k, e.key) != 0 || string(v) != e.val {
			t.Fatalf("entry %d mismatch: got %+v=%q want %+v=%q", i, k, v, e.key, e.val)
		}
	}
}

func TestBlockIteratorSeekAndFloor(t *testing.T) {
	b := newBlockBuilder()
	b.add(y.NewKeyTs([]byte("a"), 1), []byte("av"))
	b.add(y.NewKeyTs([]byte("c"), 1), []byte("cv"))
	b.add(y.NewKeyTs([]byte("e"), 1), []byte("ev"))
	it, err := newBlockIterator(b.finish())
	if err != nil {
		t.Fatalf("newBlockIterator: %v", err)
	}

	if idx := it.seek(y.NewKeyTs([]byte("c"), 1)); idx != 1 {
		t.Fatalf("seek(c) = %d, want 1", idx)
	}
	if idx := it.seek(y.NewKeyTs([]byte("d"), 1)); idx != 2 {
		t.Fatalf("seek(d) = %d, want 2 (first entry >= d)", idx)
	}
	if idx := it.floor(y.NewKeyTs([]byte("d"), 1)); idx != 1 {
		t.Fatalf("floor(d) = %d, want 1 (last entry <= d)", idx)
	}
	if idx := it.floor(y.NewKeyTs([]byte("0"), 1)); idx != -1 {
		t.Fatalf("floor(before first) = %d, want -1", idx)
	}
}

func TestBlockBuilderEmpty(t *testing.T) {
	b := newBlockBuilder()
	if !b.empty() {
		t.Fatalf("fresh block builder should be empty")
	}
	b.add(y.NewKeyTs([]byte("x"), 1), []byte("v"))
	if b.empty() {
		t.Fatalf("block builder should not be empty after add")
	}
}
