package table

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/oarkflow/mors/internal/kms"
	"github.com/oarkflow/mors/internal/y"
)

func buildTable(t *testing.T, opts Options, entries []struct {
	key   y.KeyTs
	value string
}) *Table {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")

	w, err := NewWriter(path, opts, len(entries))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, e := range entries {
		if err := w.Add(e.key, []byte(e.value), false); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	tbl, err := Open(1, path, opts.Cipher, opts.BaseNonce, NewLRUCache(1<<20))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func sampleEntries() []struct {
	key   y.KeyTs
	value string
} {
	return []struct {
		key   y.KeyTs
		value string
	}{
		{y.NewKeyTs([]byte("alpha"), 1), "av"},
		{y.NewKeyTs([]byte("bravo"), 1), "bv"},
		{y.NewKeyTs([]byte("charlie"), 1), "cv"},
		{y.NewKeyTs([]byte("delta"), 1), "dv"},
		{y.NewKeyTs([]byte("echo"), 1), "ev"},
	}
}

func TestTableWriteReadRoundTripUncompressedUnencrypted(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockSize = 16 // force multiple blocks
	tbl := buildTable(t, opts, sampleEntries())

	for _, e := range sampleEntries() {
		k, v, ok, err := tbl.Get(e.key)
		if err != nil {
			t.Fatalf("Get(%s): %v", e.key.UserKey, err)
		}
		if !ok || string(v) != e.value || y.Compare(k, e.key) != 0 {
			t.Fatalf("Get(%s) = %+v %q %v, want %q", e.key.UserKey, k, v, ok, e.value)
		}
	}
	if _, _, ok, _ := tbl.Get(y.NewKeyTs([]byte("nonexistent"), 1)); ok {
		t.Fatalf("expected miss for absent key")
	}
}

func TestTableWriteReadRoundTripCompressedEncrypted(t *testing.T) {
	cipher, err := kms.NewCipher(bytes.Repeat([]byte{0x05}, 32))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	opts := DefaultOptions()
	opts.BlockSize = 16
	opts.Compression = y.Compression{Kind: y.CompressionZstd, Level: 3}
	opts.ChecksumAlgo = y.ChecksumXXHash64
	opts.Cipher = cipher
	opts.CipherKeyID = 9
	copy(opts.BaseNonce[:], []byte("table-nonce1"))

	tbl := buildTable(t, opts, sampleEntries())
	for _, e := range sampleEntries() {
		_, v, ok, err := tbl.Get(e.key)
		if err != nil || !ok || string(v) != e.value {
			t.Fatalf("Get(%s) = %q %v err=%v, want %q", e.key.UserKey, v, ok, err, e.value)
		}
	}
}

func TestTableIteratorWalksInOrder(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockSize = 16
	entries := sampleEntries()
	tbl := buildTable(t, opts, entries)

	it := tbl.NewIterator()
	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, string(it.Key().UserKey))
	}
	if len(got) != len(entries) {
		t.Fatalf("iterator yielded %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i] != string(e.key.UserKey) {
			t.Fatalf("entry %d = %q, want %q", i, got[i], e.key.UserKey)
		}
	}
}

func TestTableIteratorSeek(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockSize = 16
	tbl := buildTable(t, opts, sampleEntries())

	it := tbl.NewIterator()
	it.Seek(y.NewKeyTs([]byte("charlie"), 1))
	if !it.Valid() || string(it.Key().UserKey) != "charlie" {
		t.Fatalf("Seek(charlie) landed on %+v", it.Key())
	}
}

func TestTableMetadataAndStaleSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000002.sst")
	opts := DefaultOptions()

	w, err := NewWriter(path, opts, 2)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Add(y.NewKeyTs([]byte("a"), 2), []byte("new"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(y.NewKeyTs([]byte("a"), 1), []byte("old"), true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	tbl, err := Open(2, path, nil, opts.BaseNonce, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	if tbl.StaleSize() == 0 {
		t.Fatalf("expected nonzero stale size for the superseded version")
	}
	if tbl.MaxVersion() != 2 {
		t.Fatalf("expected max version 2, got %d", tbl.MaxVersion())
	}
	if string(tbl.Smallest().UserKey) != "a" || string(tbl.Biggest().UserKey) != "a" {
		t.Fatalf("unexpected key range: smallest=%+v biggest=%+v", tbl.Smallest(), tbl.Biggest())
	}
	if !tbl.MayContain([]byte("a")) {
		t.Fatalf("expected bloom filter to report key 'a' as possibly present")
	}
}

func TestWriterAbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000003.sst")
	w, err := NewWriter(path, DefaultOptions(), 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if w.Empty() == false {
		t.Fatalf("fresh writer should report Empty")
	}
	w.Abort()
	if _, err := Open(3, path, nil, [12]byte{}, nil); err == nil {
		t.Fatalf("expected aborted table to never have been published")
	}
}
