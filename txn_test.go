package mors

import (
	"bytes"
	"testing"
	"time"
)

func TestSnapshotIsolationHidesConcurrentCommit(t *testing.T) {
	e := openTestEngine(t, nil)

	setup := e.BeginWrite()
	setup.Set([]byte("x"), []byte("v1"))
	if err := setup.Commit(); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	reader := e.BeginWrite()
	v, ok, err := reader.Get([]byte("x"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("reader snapshot Get(x) = %q %v err=%v", v, ok, err)
	}

	writer := e.BeginWrite()
	writer.Set([]byte("x"), []byte("v2"))
	if err := writer.Commit(); err != nil {
		t.Fatalf("writer commit: %v", err)
	}

	v2, ok, err := reader.Get([]byte("x"))
	if err != nil || !ok || string(v2) != "v1" {
		t.Fatalf("reader should still observe its original snapshot, got %q %v err=%v", v2, ok, err)
	}
}

func TestCommitDetectsReadWriteConflict(t *testing.T) {
	e := openTestEngine(t, nil)

	setup := e.BeginWrite()
	setup.Set([]byte("k"), []byte("v0"))
	if err := setup.Commit(); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	a := e.BeginWrite()
	if _, _, err := a.Get([]byte("k")); err != nil {
		t.Fatalf("a.Get: %v", err)
	}
	b := e.BeginWrite()
	b.Set([]byte("k"), []byte("v1"))
	if err := b.Commit(); err != nil {
		t.Fatalf("b commit: %v", err)
	}

	a.Set([]byte("k"), []byte("v2"))
	if err := a.Commit(); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCommitNoConflictOnDisjointKeys(t *testing.T) {
	e := openTestEngine(t, nil)

	a := e.BeginWrite()
	if _, _, err := a.Get([]byte("a-key")); err != nil {
		t.Fatalf("a.Get: %v", err)
	}
	b := e.BeginWrite()
	b.Set([]byte("b-key"), []byte("v"))
	if err := b.Commit(); err != nil {
		t.Fatalf("b commit: %v", err)
	}

	a.Set([]byte("a-key"), []byte("v"))
	if err := a.Commit(); err != nil {
		t.Fatalf("expected no conflict on disjoint keys, got %v", err)
	}
}

func TestUncommittedWritesAreNotVisibleToOtherTransactions(t *testing.T) {
	e := openTestEngine(t, nil)

	a := e.BeginWrite()
	a.Set([]byte("pending"), []byte("v"))

	b := e.BeginWrite()
	_, ok, err := b.Get([]byte("pending"))
	if err != nil {
		t.Fatalf("b.Get: %v", err)
	}
	if ok {
		t.Fatalf("expected uncommitted write to stay invisible to another transaction")
	}
}

func TestReadYourOwnWriteWithinTransaction(t *testing.T) {
	e := openTestEngine(t, nil)

	a := e.BeginWrite()
	a.Set([]byte("k"), []byte("v1"))
	v, ok, err := a.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("expected to read own pending write, got %q %v err=%v", v, ok, err)
	}
}

func TestCommitWithNoPendingWritesIsANoOp(t *testing.T) {
	e := openTestEngine(t, nil)
	a := e.BeginWrite()
	if err := a.Commit(); err != nil {
		t.Fatalf("expected committing an empty transaction to succeed, got %v", err)
	}
}

func TestMemtableFlushToL0PreservesReads(t *testing.T) {
	e := openTestEngine(t, func(o *Options) {
		o.MemtableSize = 4 << 10
		o.NumMemtables = 3
	})

	for i := 0; i < 200; i++ {
		txn := e.BeginWrite()
		txn.Set([]byte(keyFor(i)), bytes.Repeat([]byte{'v'}, 64))
		if err := txn.Commit(); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.NumLevel0Tables() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if e.NumLevel0Tables() == 0 {
		t.Fatalf("expected at least one L0 table after enough writes to force a flush")
	}

	read := e.BeginWrite()
	v, ok, err := read.Get([]byte(keyFor(0)))
	if err != nil || !ok || len(v) != 64 {
		t.Fatalf("Get(%s) after flush = %q %v err=%v", keyFor(0), v, ok, err)
	}
}

func keyFor(i int) string {
	b := make([]byte, 0, 8)
	b = append(b, 'k')
	for i > 0 {
		b = append(b, byte('0'+i%10))
		i /= 10
	}
	return string(b)
}
