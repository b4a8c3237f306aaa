package memtable

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/oarkflow/mors/internal/kms"
	"github.com/oarkflow/mors/internal/y"
)

const arenaSize = 1 << 20

func readerKey(userKey string) y.KeyTs {
	return y.NewKeyTs([]byte(userKey), math.MaxUint64)
}

func testCipher(t *testing.T) kms.Cipher {
	t.Helper()
	c, err := kms.NewCipher(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestMemtablePushAndGet(t *testing.T) {
	dir := t.TempDir()
	cipher := testCipher(t)
	var base [12]byte

	m, err := New(dir, 1, arenaSize, 7, base, cipher, y.ChecksumCRC32C)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.Push(y.NewKeyTs([]byte("k1"), 10), y.ValueMeta{Value: []byte("v1")}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	vm, ok := m.Get(readerKey("k1"))
	if !ok || string(vm.Value) != "v1" {
		t.Fatalf("expected to find k1=v1, got %+v, ok=%v", vm, ok)
	}
	if m.MaxVersion() != 10 {
		t.Fatalf("MaxVersion = %d, want 10", m.MaxVersion())
	}
	if _, ok := m.Get(readerKey("missing")); ok {
		t.Fatalf("expected miss for absent key")
	}
}

func TestMemtableRecoversFromWALAfterReopen(t *testing.T) {
	dir := t.TempDir()
	cipher := testCipher(t)
	var base [12]byte

	m, err := New(dir, 2, arenaSize, 7, base, cipher, y.ChecksumCRC32C)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Push(y.NewKeyTs([]byte("a"), 1), y.ValueMeta{Value: []byte("av")}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := m.Push(y.NewKeyTs([]byte("b"), 2), y.ValueMeta{Value: []byte("bv"), Meta: y.MetaDelete}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recovered, err := Open(dir, 2, arenaSize, cipher, y.ChecksumCRC32C)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer recovered.Close()

	vm, ok := recovered.Get(readerKey("a"))
	if !ok || string(vm.Value) != "av" {
		t.Fatalf("expected recovered a=av, got %+v, ok=%v", vm, ok)
	}
	vmB, ok := recovered.Get(readerKey("b"))
	if !ok || !vmB.HasMeta(y.MetaDelete) {
		t.Fatalf("expected recovered b to carry MetaDelete, got %+v, ok=%v", vmB, ok)
	}
	if recovered.MaxVersion() != 2 {
		t.Fatalf("MaxVersion after recovery = %d, want 2", recovered.MaxVersion())
	}
}

func TestMemtableIsFull(t *testing.T) {
	dir := t.TempDir()
	cipher := testCipher(t)
	var base [12]byte

	m, err := New(dir, 3, 256, 7, base, cipher, y.ChecksumCRC32C)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if m.IsFull() {
		t.Fatalf("fresh memtable should not be full")
	}
	for i := 0; i < 1000 && !m.IsFull(); i++ {
		key := y.NewKeyTs([]byte(filepath.Join("key", string(rune('a'+i%26)))), y.TxnTs(i))
		if err := m.Push(key, y.ValueMeta{Value: bytes.Repeat([]byte{'x'}, 64)}); err != nil {
			break
		}
	}
	if !m.IsFull() {
		t.Fatalf("expected memtable to report full after exceeding its arena budget")
	}
}
