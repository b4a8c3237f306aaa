package walfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/oarkflow/mors/internal/kms"
	"github.com/oarkflow/mors/internal/y"
)

func testCipher(t *testing.T) kms.Cipher {
	t.Helper()
	c, err := kms.NewCipher(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.mem")
	cipher := testCipher(t)
	var base [12]byte
	copy(base[:], []byte("base-nonce12"))

	lf, err := Create(path, 1, base, cipher, y.ChecksumCRC32C)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	entries := []*y.Entry{
		{Key: []byte("k1"), Ts: 1, Value: []byte("v1")},
		{Key: []byte("k2"), Ts: 2, Value: []byte("v2"), Meta: y.MetaDelete},
	}
	for _, e := range entries {
		if _, err := lf.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := lf.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := lf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, cipher, y.ChecksumCRC32C)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	got, validTo, err := reopened.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if string(got[i].Key) != string(e.Key) || !bytes.Equal(got[i].Value, e.Value) || got[i].Ts != e.Ts {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got[i], e)
		}
	}
	if validTo == 0 {
		t.Fatalf("expected nonzero validTo after successful replay")
	}
}

func TestReplayTruncatesTornWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000002.mem")
	cipher := testCipher(t)
	var base [12]byte

	lf, err := Create(path, 1, base, cipher, y.ChecksumCRC32C)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := lf.Append(&y.Entry{Key: []byte("good"), Ts: 1, Value: []byte("value")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := lf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	reopened, err := Open(path, cipher, y.ChecksumCRC32C)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	entries, validTo, err := reopened.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Key) != "good" {
		t.Fatalf("expected only the good entry to survive, got %+v", entries)
	}
	if err := reopened.Truncate(validTo); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.Size() != int64(HeaderSize)+int64(validTo) {
		t.Fatalf("file size %d after truncate, want %d", stat.Size(), int64(HeaderSize)+int64(validTo))
	}
}

func TestTransactionGroupingOnReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000003.mem")
	cipher := testCipher(t)
	var base [12]byte

	lf, err := Create(path, 1, base, cipher, y.ChecksumXXHash64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The FIN_TXN record is a sentinel that closes the group: replay makes
	// the pending MetaTxn entries visible but the sentinel itself carries
	// no surviving entry.
	txEntries := []*y.Entry{
		{Key: []byte("a"), Ts: 5, Value: []byte("1"), Meta: y.MetaTxn},
		{Key: []byte("b"), Ts: 5, Value: []byte("2"), Meta: y.MetaFinTxn},
	}
	for _, e := range txEntries {
		if _, err := lf.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	lf.Close()

	reopened, err := Open(path, cipher, y.ChecksumXXHash64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	entries, _, err := reopened.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Key) != "a" {
		t.Fatalf("expected the pending txn entry to become visible on FIN_TXN, got %+v", entries)
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	var base [12]byte
	copy(base[:], []byte("123456789012"))
	h := Header{KeyID: 42, BaseNonce: base}
	got, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.KeyID != h.KeyID || got.BaseNonce != h.BaseNonce {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, h)
	}
}
