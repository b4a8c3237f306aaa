package y

import "testing"

func TestChecksumRoundTripBothAlgos(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	for _, algo := range []ChecksumAlgo{ChecksumCRC32C, ChecksumXXHash64} {
		enc := EncodeChecksum(algo, data)
		if err := VerifyChecksum(enc, data); err != nil {
			t.Fatalf("algo %v: verify failed: %v", algo, err)
		}
	}
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	data := []byte("payload")
	enc := EncodeChecksum(ChecksumCRC32C, data)
	corrupted := append([]byte(nil), data...)
	corrupted[0] ^= 0xFF
	if err := VerifyChecksum(enc, corrupted); err == nil {
		t.Fatalf("expected checksum mismatch on corrupted data")
	}
}

func TestVerifyChecksumRejectsBadLength(t *testing.T) {
	if err := VerifyChecksum([]byte{1, 2, 3}, []byte("x")); err != ErrInvalidChecksumLen {
		t.Fatalf("expected ErrInvalidChecksumLen, got %v", err)
	}
}
