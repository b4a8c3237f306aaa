package kms

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, chacha20poly1305KeySize)
}

func TestCipherEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	nonce, err := GenerateNonce(c)
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}
	plaintext := []byte("mors value log record payload")
	ct, err := c.Encrypt(nonce, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := c.Decrypt(nonce, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round-trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestCipherDecryptRejectsTamperedCiphertext(t *testing.T) {
	c, _ := NewCipher(testKey())
	nonce, _ := GenerateNonce(c)
	ct, _ := c.Encrypt(nonce, []byte("payload"))
	ct[0] ^= 0xFF
	if _, err := c.Decrypt(nonce, ct); err == nil {
		t.Fatalf("expected decrypt to fail on tampered ciphertext")
	}
}

func TestNewCipherRejectsBadKeyLength(t *testing.T) {
	if _, err := NewCipher([]byte("too short")); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestDeriveStreamNonceIsDeterministicAndVariesByOffset(t *testing.T) {
	base := bytes.Repeat([]byte{0x01}, 12)
	a := DeriveStreamNonce(base, 100)
	b := DeriveStreamNonce(base, 100)
	if !bytes.Equal(a, b) {
		t.Fatalf("expected deterministic nonce derivation for the same offset")
	}
	c := DeriveStreamNonce(base, 101)
	if bytes.Equal(a, c) {
		t.Fatalf("expected different offsets to derive different nonces")
	}
}
