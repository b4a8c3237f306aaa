package y

import "testing"

func TestCompressionRoundTrip(t *testing.T) {
	data := []byte("repeated repeated repeated repeated payload data for compression")
	cases := []Compression{
		{Kind: CompressionNone},
		{Kind: CompressionSnappy},
		{Kind: CompressionZstd, Level: 3},
	}
	for _, c := range cases {
		compressed, err := c.Compress(data)
		if err != nil {
			t.Fatalf("kind %v: compress: %v", c.Kind, err)
		}
		out, err := c.Decompress(compressed)
		if err != nil {
			t.Fatalf("kind %v: decompress: %v", c.Kind, err)
		}
		if !Equal(out, data) {
			t.Fatalf("kind %v: round-trip mismatch", c.Kind)
		}
	}
}
