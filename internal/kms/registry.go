package kms

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/shamir"

	"github.com/oarkflow/mors/internal/y"
)

// CipherKeyId identifies a data key (spec §4.C).
type CipherKeyId = uint64

const sanityPlaintext = "mors-key-registry-sanity-v1"

// DataKey is a single encryption key the registry manages: the key
// material itself is stored wrapped with the master key (spec §3
// "Key registry file"; DataKey{key_id, data(encrypted with master), iv,
// created_at}).
type DataKey struct {
	KeyID     CipherKeyId
	Data      []byte // plaintext key material once unwrapped
	wrapped   []byte // as stored on disk, AEAD-sealed with the master key
	IV        [12]byte
	CreatedAt time.Time
}

// Registry persists data-encryption keys, keyed by CipherKeyId, and
// rotates them on RotationDuration. A missing registry file is created on
// first Open; an existing one is replayed. Master-key mismatch surfaces
// as y.ErrEncryptionMismatch from the sanity-text check.
type Registry struct {
	mu               sync.RWMutex
	path             string
	masterCipher     Cipher
	dataKeys         map[CipherKeyId]*DataKey
	latest           CipherKeyId
	rotationDuration time.Duration
	nextID           CipherKeyId
}

// MasterKeyFromShares reconstructs a 32-byte master key from Shamir
// shares, using github.com/oarkflow/shamir exactly as the teacher's
// MasterKeyManager does for its "ShamirShared" mode (master_key_manager.go).
func MasterKeyFromShares(shares [][]byte) ([]byte, error) {
	return shamir.Combine(shares)
}

// SplitMasterKey splits a master key into Shamir shares, mirroring
// createShamirSharesFromKey in the teacher.
func SplitMasterKey(masterKey []byte, threshold, total int) ([][]byte, error) {
	return shamir.Split(masterKey, threshold, total)
}

// Open opens (or creates) the registry file at dir/KEY_REGISTRY, using
// masterKey to wrap/unwrap data keys.
func Open(dir string, masterKey []byte, rotationDuration time.Duration) (*Registry, error) {
	cipher, err := NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		path:             filepath.Join(dir, "KEY_REGISTRY"),
		masterCipher:     cipher,
		dataKeys:         make(map[CipherKeyId]*DataKey),
		rotationDuration: rotationDuration,
	}

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		if err := r.writeSanityAndKeys(nil); err != nil {
			return nil, err
		}
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.replay(data); err != nil {
		return nil, err
	}
	return r, nil
}

// replay parses nonce(12) || sanity_len u32 || encrypted_sanity ||
// repeated{data_key_len u32 || data_key_crc u32 || DataKey} (spec §3).
func (r *Registry) replay(data []byte) error {
	if len(data) < 12+4 {
		return fmt.Errorf("mors: key registry truncated header")
	}
	nonce := data[:12]
	off := 12
	sanityLen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if off+int(sanityLen) > len(data) {
		return fmt.Errorf("mors: key registry truncated sanity block")
	}
	encSanity := data[off : off+int(sanityLen)]
	off += int(sanityLen)

	plain, err := r.masterCipher.Decrypt(nonce, encSanity)
	if err != nil || string(plain) != sanityPlaintext {
		return y.ErrEncryptionMismatch
	}

	for off < len(data) {
		if off+8 > len(data) {
			break // truncate trailing partial record
		}
		keyLen := binary.LittleEndian.Uint32(data[off:])
		crc := binary.LittleEndian.Uint32(data[off+4:])
		off += 8
		if off+int(keyLen) > len(data) {
			break
		}
		raw := data[off : off+int(keyLen)]
		off += int(keyLen)
		if crc32.ChecksumIEEE(raw) != crc {
			break // corruption: stop at last good record
		}
		dk, err := decodeDataKey(raw)
		if err != nil {
			break
		}
		plainKey, err := r.masterCipher.Decrypt(dk.IV[:], dk.wrapped)
		if err != nil {
			return y.ErrEncryptionMismatch
		}
		dk.Data = plainKey
		r.dataKeys[dk.KeyID] = dk
		if dk.KeyID > r.nextID {
			r.nextID = dk.KeyID
		}
		if dk.CreatedAt.After(r.latestCreatedAt()) {
			r.latest = dk.KeyID
		}
	}
	return nil
}

func (r *Registry) latestCreatedAt() time.Time {
	if dk, ok := r.dataKeys[r.latest]; ok {
		return dk.CreatedAt
	}
	return time.Time{}
}

func decodeDataKey(b []byte) (*DataKey, error) {
	if len(b) < 8+12+8 {
		return nil, fmt.Errorf("mors: short data key record")
	}
	keyID := binary.LittleEndian.Uint64(b[0:8])
	var iv [12]byte
	copy(iv[:], b[8:20])
	createdAt := time.Unix(int64(binary.LittleEndian.Uint64(b[20:28])), 0).UTC()
	wrapped := append([]byte(nil), b[28:]...)
	return &DataKey{KeyID: keyID, IV: iv, CreatedAt: createdAt, wrapped: wrapped}, nil
}

func encodeDataKey(dk *DataKey) []byte {
	buf := make([]byte, 8+12+8+len(dk.wrapped))
	binary.LittleEndian.PutUint64(buf[0:8], dk.KeyID)
	copy(buf[8:20], dk.IV[:])
	binary.LittleEndian.PutUint64(buf[20:28], uint64(dk.CreatedAt.Unix()))
	copy(buf[28:], dk.wrapped)
	return buf
}

// LatestCipher returns a Cipher over the most recent data key if it is
// younger than rotationDuration; otherwise a new key is generated,
// persisted (wrapped with the master key), and returned (spec §4.C).
func (r *Registry) LatestCipher() (CipherKeyId, Cipher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dk, ok := r.dataKeys[r.latest]; ok && r.rotationDuration > 0 && time.Since(dk.CreatedAt) < r.rotationDuration {
		c, err := NewCipher(dk.Data)
		return dk.KeyID, c, err
	}
	if r.rotationDuration == 0 && len(r.dataKeys) > 0 {
		dk := r.dataKeys[r.latest]
		c, err := NewCipher(dk.Data)
		return dk.KeyID, c, err
	}

	plain := make([]byte, chacha20poly1305KeySize)
	if _, err := io.ReadFull(rand.Reader, plain); err != nil {
		return 0, nil, err
	}
	r.nextID++
	dk := &DataKey{KeyID: r.nextID, Data: plain, CreatedAt: time.Now().UTC()}
	if _, err := io.ReadFull(rand.Reader, dk.IV[:]); err != nil {
		return 0, nil, err
	}
	wrapped, err := r.masterCipher.Encrypt(dk.IV[:], plain)
	if err != nil {
		return 0, nil, err
	}
	dk.wrapped = wrapped
	r.dataKeys[dk.KeyID] = dk
	r.latest = dk.KeyID

	if err := r.appendRecord(dk); err != nil {
		return 0, nil, err
	}
	c, err := NewCipher(plain)
	return dk.KeyID, c, err
}

// GetCipher returns the cipher for an existing data key id, or
// ErrInvalidDataKeyId.
func (r *Registry) GetCipher(id CipherKeyId) (Cipher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dk, ok := r.dataKeys[id]
	if !ok {
		return nil, y.ErrInvalidDataKeyId
	}
	return NewCipher(dk.Data)
}

func (r *Registry) appendRecord(dk *DataKey) error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	raw := encodeDataKey(dk)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(raw))
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		return err
	}
	return f.Sync()
}

// writeSanityAndKeys writes a fresh registry file (used on first Open and
// by Rewrite): nonce || sanity_len || encrypted_sanity || data keys.
func (r *Registry) writeSanityAndKeys(extra []*DataKey) error {
	nonce, err := GenerateNonce(r.masterCipher)
	if err != nil {
		return err
	}
	encSanity, err := r.masterCipher.Encrypt(nonce, []byte(sanityPlaintext))
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(nonce)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(encSanity)))
	buf.Write(l[:])
	buf.Write(encSanity)

	for _, dk := range extra {
		raw := encodeDataKey(dk)
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(raw)))
		binary.LittleEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(raw))
		buf.Write(hdr[:])
		buf.Write(raw)
	}

	tmp := r.path + ".rewrite-" + uuid.NewString()
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY, 0o600)
	if err == nil {
		f.Sync()
		f.Close()
	}
	return os.Rename(tmp, r.path)
}

// Rewrite atomically replaces the registry file with one containing only
// the currently live data keys (new file → fsync → rename). Mirrors the
// manifest's rewrite-on-threshold pattern (spec §4.G) applied here to the
// key registry per spec §4.C "Rewrite of the registry".
func (r *Registry) Rewrite() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]*DataKey, 0, len(r.dataKeys))
	for _, dk := range r.dataKeys {
		keys = append(keys, dk)
	}
	return r.writeSanityAndKeys(keys)
}

const chacha20poly1305KeySize = 32
