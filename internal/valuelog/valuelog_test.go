package valuelog

import (
	"bytes"
	"testing"

	"github.com/oarkflow/mors/internal/kms"
	"github.com/oarkflow/mors/internal/y"
)

func testCipher(t *testing.T) kms.Cipher {
	t.Helper()
	c, err := kms.NewCipher(bytes.Repeat([]byte{0x09}, 32))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestWriteBigValuePlacesPointerAndReadResolvesIt(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.Cipher = testCipher(t)
	opts.MinValueThreshold = 16

	l, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	value := bytes.Repeat([]byte{'v'}, 100)
	e := &y.Entry{Key: []byte("k"), Ts: 1, Value: append([]byte(nil), value...)}
	if err := l.Write([]*y.Entry{e}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if e.Meta&y.MetaValuePointer == 0 {
		t.Fatalf("expected a large value to be redirected through a value pointer")
	}

	got, err := l.Read(e.Vptr)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("Read returned %q, want %q", got, value)
	}
}

func TestWriteSmallValueStaysInline(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.MinValueThreshold = 1000

	l, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	e := &y.Entry{Key: []byte("k"), Ts: 1, Value: []byte("small")}
	if err := l.Write([]*y.Entry{e}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if e.Meta&y.MetaValuePointer != 0 {
		t.Fatalf("expected a small value to stay inline")
	}
	if string(e.Value) != "small" {
		t.Fatalf("expected inline value to survive unchanged, got %q", e.Value)
	}
}

func TestThresholdAdaptsToObservedSizes(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.MinValueThreshold = 8
	opts.MaxValueThreshold = 1 << 16
	opts.Percentile = 0.5

	l, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	before := l.Threshold()
	var entries []*y.Entry
	for i := 0; i < 50; i++ {
		entries = append(entries, &y.Entry{Key: []byte("k"), Ts: 1, Value: bytes.Repeat([]byte{'x'}, 2000)})
	}
	if err := l.Write(entries); err != nil {
		t.Fatalf("Write: %v", err)
	}
	after := l.Threshold()
	if after <= before {
		t.Fatalf("expected threshold to rise toward the observed value size distribution: before=%d after=%d", before, after)
	}
}

func TestMarkDiscardAndPickGCCandidate(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.MinValueThreshold = 4

	l, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	e := &y.Entry{Key: []byte("k"), Ts: 1, Value: bytes.Repeat([]byte{'v'}, 200)}
	if err := l.Write([]*y.Entry{e}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	l.MarkDiscard(e.Vptr.Fid, 100)
	fid, ok := l.PickGCCandidate(0.1)
	if !ok || fid != e.Vptr.Fid {
		t.Fatalf("expected fid %d to be picked as a GC candidate, got fid=%d ok=%v", e.Vptr.Fid, fid, ok)
	}
	if _, ok := l.PickGCCandidate(0.999999); ok {
		t.Fatalf("expected no candidate at an unreachable discard ratio")
	}
}

func TestGCRewritesLiveEntriesAndDropsDeadOnes(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.MinValueThreshold = 4

	l, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	live := &y.Entry{Key: []byte("live"), Ts: 1, Value: bytes.Repeat([]byte{'a'}, 50)}
	dead := &y.Entry{Key: []byte("dead"), Ts: 1, Value: bytes.Repeat([]byte{'b'}, 50)}
	if err := l.Write([]*y.Entry{live, dead}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	fid := live.Vptr.Fid

	rewritten, err := l.GC(fid, func(vp y.ValuePointer) (bool, error) {
		return vp.Offset == live.Vptr.Offset, nil
	})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(rewritten) != 1 {
		t.Fatalf("expected exactly 1 rewritten (live) entry, got %d", len(rewritten))
	}
	if string(rewritten[0].Key) != "live" {
		t.Fatalf("expected the live entry to survive GC, got %q", rewritten[0].Key)
	}

	got, err := l.Read(rewritten[0].Vptr)
	if err != nil {
		t.Fatalf("Read after GC: %v", err)
	}
	liveValue := bytes.Repeat([]byte{'a'}, 50)
	if !bytes.Equal(got, liveValue) {
		t.Fatalf("rewritten value mismatch: got %q want %q", got, liveValue)
	}
}

func TestOpenRecoversExistingSegmentsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.MinValueThreshold = 4

	l, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	value := bytes.Repeat([]byte{'z'}, 50)
	e := &y.Entry{Key: []byte("k"), Ts: 1, Value: append([]byte(nil), value...)}
	if err := l.Write([]*y.Entry{e}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	vp := e.Vptr
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	got, err := l2.Read(vp)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("value mismatch after reopen: got %q want %q", got, value)
	}
}
