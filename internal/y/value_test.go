package y

import "testing"

func TestValueMetaEncodeDecodeRoundTrip(t *testing.T) {
	v := ValueMeta{
		Value:     []byte("hello world"),
		ExpiresAt: 1700000000,
		UserMeta:  7,
		Meta:      MetaValuePointer,
	}
	enc := v.Encode()
	got, err := DecodeValueMeta(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got.Value) != string(v.Value) || got.ExpiresAt != v.ExpiresAt ||
		got.UserMeta != v.UserMeta || got.Meta != v.Meta {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, v)
	}
	if !got.HasMeta(MetaValuePointer) {
		t.Fatalf("expected MetaValuePointer flag to survive round-trip")
	}
}

func TestDecodeValueMetaRejectsTruncated(t *testing.T) {
	if _, err := DecodeValueMeta(nil); err == nil {
		t.Fatalf("expected error decoding empty buffer")
	}
}

func TestValuePointerEncodeDecodeRoundTrip(t *testing.T) {
	p := ValuePointer{Fid: 3, Size: 128, Offset: 4096}
	got := DecodeValuePointer(p.Encode())
	if got != p {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, p)
	}
	if p.IsZero() {
		t.Fatalf("non-zero pointer reported as zero")
	}
	if !(ValuePointer{}).IsZero() {
		t.Fatalf("zero-value pointer not reported as zero")
	}
}

func TestEntryIsDeletedAndKeyTs(t *testing.T) {
	e := &Entry{Key: []byte("k"), Ts: 42, Meta: MetaDelete}
	if !e.IsDeleted() {
		t.Fatalf("expected entry with MetaDelete to report deleted")
	}
	kt := e.KeyTs()
	if string(kt.UserKey) != "k" || kt.Ts != 42 {
		t.Fatalf("unexpected KeyTs: %+v", kt)
	}
}
