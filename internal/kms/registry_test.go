package kms

import (
	"bytes"
	"testing"
	"time"

	"github.com/oarkflow/mors/internal/y"
)

func TestRegistryOpenCreatesAndReopensReplaysKeys(t *testing.T) {
	dir := t.TempDir()
	masterKey := testKey()

	r, err := Open(dir, masterKey, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id1, c1, err := r.LatestCipher()
	if err != nil {
		t.Fatalf("LatestCipher: %v", err)
	}
	nonce, _ := GenerateNonce(c1)
	ct, err := c1.Encrypt(nonce, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	r2, err := Open(dir, masterKey, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	c2, err := r2.GetCipher(id1)
	if err != nil {
		t.Fatalf("GetCipher: %v", err)
	}
	pt, err := c2.Decrypt(nonce, ct)
	if err != nil || !bytes.Equal(pt, []byte("hello")) {
		t.Fatalf("expected replayed key to decrypt, got %q, err %v", pt, err)
	}
}

func TestRegistryOpenWithWrongMasterKeyFails(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, testKey(), time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := r.LatestCipher(); err != nil {
		t.Fatalf("LatestCipher: %v", err)
	}

	wrongKey := bytes.Repeat([]byte{0x99}, chacha20poly1305KeySize)
	if _, err := Open(dir, wrongKey, time.Hour); err != y.ErrEncryptionMismatch {
		t.Fatalf("expected ErrEncryptionMismatch, got %v", err)
	}
}

func TestRegistryRotatesAfterDuration(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, testKey(), time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id1, _, err := r.LatestCipher()
	if err != nil {
		t.Fatalf("LatestCipher: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	id2, _, err := r.LatestCipher()
	if err != nil {
		t.Fatalf("LatestCipher (rotated): %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected a new key id after rotation duration elapsed")
	}
}

func TestRegistryGetCipherUnknownID(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, testKey(), time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.GetCipher(999); err != y.ErrInvalidDataKeyId {
		t.Fatalf("expected ErrInvalidDataKeyId, got %v", err)
	}
}

func TestMasterKeySplitAndCombineRoundTrip(t *testing.T) {
	master := testKey()
	shares, err := SplitMasterKey(master, 3, 3)
	if err != nil {
		t.Fatalf("SplitMasterKey: %v", err)
	}
	got, err := MasterKeyFromShares(shares)
	if err != nil {
		t.Fatalf("MasterKeyFromShares: %v", err)
	}
	if !bytes.Equal(got, master) {
		t.Fatalf("recombined master key mismatch")
	}
}
