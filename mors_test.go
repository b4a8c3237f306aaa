package mors

import (
	"bytes"
	"testing"
)

func testMasterKey() []byte { return bytes.Repeat([]byte{0x07}, 32) }

func openTestEngine(t *testing.T, configure func(*Options)) *Engine {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.EncryptionMasterKey = testMasterKey()
	if configure != nil {
		configure(&opts)
	}
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSetGetRoundTripThroughTransaction(t *testing.T) {
	e := openTestEngine(t, nil)

	txn := e.BeginWrite()
	txn.Set([]byte("hello"), []byte("world"))
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	read := e.BeginWrite()
	v, ok, err := read.Get([]byte("hello"))
	if err != nil || !ok || string(v) != "world" {
		t.Fatalf("Get(hello) = %q %v err=%v, want world", v, ok, err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	e := openTestEngine(t, nil)

	txn := e.BeginWrite()
	txn.Set([]byte("k"), []byte("v"))
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit set: %v", err)
	}

	del := e.BeginWrite()
	del.Delete([]byte("k"))
	if err := del.Commit(); err != nil {
		t.Fatalf("Commit delete: %v", err)
	}

	read := e.BeginWrite()
	_, ok, err := read.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestNumLevel0TablesStartsAtZero(t *testing.T) {
	e := openTestEngine(t, nil)
	if n := e.NumLevel0Tables(); n != 0 {
		t.Fatalf("expected a freshly opened engine to have 0 L0 tables, got %d", n)
	}
}

func TestOpenRecoversAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.EncryptionMasterKey = testMasterKey()

	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	txn := e.BeginWrite()
	txn.Set([]byte("durable"), []byte("yes"))
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	read := e2.BeginWrite()
	v, ok, err := read.Get([]byte("durable"))
	if err != nil || !ok || string(v) != "yes" {
		t.Fatalf("Get(durable) after restart = %q %v err=%v", v, ok, err)
	}
}

func TestOpenRejectsSecondConcurrentOpenOnSameDir(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.EncryptionMasterKey = testMasterKey()

	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if _, err := Open(opts); err == nil {
		t.Fatalf("expected a second Open on the same directory to fail while the first holds the lock")
	}
}
