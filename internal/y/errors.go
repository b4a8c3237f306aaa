package y

import "errors"

// Sentinel errors shared across components, following the teacher's plain
// errors.New / fmt.Errorf %w convention (see DESIGN.md, crypto.go/wal.go).
var (
	ErrKeyNotFound          = errors.New("mors: key not found")
	ErrConflict             = errors.New("mors: transaction conflict")
	ErrArenaFull            = errors.New("mors: arena full")
	ErrCorruptValue         = errors.New("mors: corrupt value encoding")
	ErrCorruptRecord        = errors.New("mors: corrupt log record")
	ErrCorruptManifest      = errors.New("mors: corrupt manifest")
	ErrCorruptTable         = errors.New("mors: corrupt sstable")
	ErrChecksumMismatch     = errors.New("mors: checksum mismatch")
	ErrEncryptionMismatch   = errors.New("mors: EncryptionKeyMismatch")
	ErrInvalidDataKeyId     = errors.New("mors: InvalidDataKeyId")
	ErrBlockIndexOutOfRange = errors.New("mors: block index out of range")
	ErrInvalidChecksumLen   = errors.New("mors: invalid checksum length")
	ErrInvalidConfig        = errors.New("mors: invalid config")
	ErrCancelled            = errors.New("mors: cancelled")
	ErrDBClosed             = errors.New("mors: database closed")
	ErrReadOnly             = errors.New("mors: database is read-only")
	ErrDiscardedPointer     = errors.New("mors: value pointer references a discarded value-log record")
)

// Checksum algorithm selector (spec §3/§6): CRC32C or XXH64.
type ChecksumAlgo uint8

const (
	ChecksumCRC32C ChecksumAlgo = iota
	ChecksumXXHash64
)

// CompressionKind selects the block compression codec (spec §4.E).
type CompressionKind uint8

const (
	CompressionNone CompressionKind = iota
	CompressionSnappy
	CompressionZstd
)

// ChecksumVerifyMode controls when block/table checksums are verified
// (spec §4.E "Checksum policies").
type ChecksumVerifyMode uint8

const (
	NoVerification ChecksumVerifyMode = iota
	OnTableRead
	OnBlockRead
	OnTableAndBlockRead
)
