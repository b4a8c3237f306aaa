package table

import "testing"

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(100, 10)
	keys := make([][]byte, 0, 100)
	for i := 0; i < 100; i++ {
		k := []byte{byte(i), byte(i >> 8), 'k'}
		bf.Add(k)
		keys = append(keys, k)
	}
	for _, k := range keys {
		if !bf.MayContain(k) {
			t.Fatalf("bloom filter false negative for key %v", k)
		}
	}
}

func TestBloomFilterMarshalUnmarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilter(50, 10)
	bf.Add([]byte("present"))
	got := UnmarshalBloomFilter(bf.Marshal())
	if !got.MayContain([]byte("present")) {
		t.Fatalf("expected unmarshalled filter to still report the added key")
	}
}

func TestBloomFilterLowFalsePositiveRate(t *testing.T) {
	bf := NewBloomFilter(1000, 10)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte{byte(i), byte(i >> 8), byte(i >> 16), 'p'})
	}
	falsePositives := 0
	trials := 2000
	for i := 0; i < trials; i++ {
		k := []byte{byte(i), byte(i >> 8), byte(i >> 16), 'q'}
		if bf.MayContain(k) {
			falsePositives++
		}
	}
	if falsePositives > trials/5 {
		t.Fatalf("false positive rate too high: %d/%d", falsePositives, trials)
	}
}
