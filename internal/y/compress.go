package y

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression selects a codec and, for Zstd, a compression level. Snappy
// and Zstd are both treated as collaborators per spec §1 ("compression
// codecs ... treated as ...") — we wire real codecs rather than stub them,
// sourced from the retrieval pack (golang/snappy from devlibx-pebble,
// klauspost/compress promoted from the teacher's own indirect dependency).
type Compression struct {
	Kind  CompressionKind
	Level int // zstd level; ignored for snappy/none
}

var (
	zstdEncoders sync.Map // level -> *zstd.Encoder
	zstdDecoder  *zstd.Decoder
	zstdOnce     sync.Once
)

func getZstdDecoder() *zstd.Decoder {
	zstdOnce.Do(func() {
		d, err := zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Sprintf("mors: zstd decoder init: %v", err))
		}
		zstdDecoder = d
	})
	return zstdDecoder
}

func getZstdEncoder(level int) (*zstd.Encoder, error) {
	if v, ok := zstdEncoders.Load(level); ok {
		return v.(*zstd.Encoder), nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	zstdEncoders.Store(level, enc)
	return enc, nil
}

// Compress applies the configured codec to b.
func (c Compression) Compress(b []byte) ([]byte, error) {
	switch c.Kind {
	case CompressionSnappy:
		return snappy.Encode(nil, b), nil
	case CompressionZstd:
		enc, err := getZstdEncoder(c.Level)
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(b, make([]byte, 0, len(b))), nil
	default:
		return b, nil
	}
}

// Decompress reverses Compress given the same Kind.
func (c Compression) Decompress(b []byte) ([]byte, error) {
	switch c.Kind {
	case CompressionSnappy:
		return snappy.Decode(nil, b)
	case CompressionZstd:
		return getZstdDecoder().DecodeAll(b, nil)
	default:
		return b, nil
	}
}

// Equal reports whether two buffers are byte-identical; used in tests that
// round-trip compression.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
