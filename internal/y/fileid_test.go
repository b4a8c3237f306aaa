package y

import "testing"

func TestFileNamingAndParseRoundTrip(t *testing.T) {
	dir := "/data"
	cases := []struct {
		name string
		ext  string
	}{
		{MemtableName(dir, 7), "mem"},
		{TableName(dir, 42), "sst"},
		{VlogName(dir, 1000000), "vlog"},
	}
	wantIDs := []uint64{7, 42, 1000000}
	for i, c := range cases {
		id, ext, ok := ParseFileID(c.name)
		if !ok {
			t.Fatalf("%s: expected ok", c.name)
		}
		if ext != c.ext {
			t.Fatalf("%s: ext = %q, want %q", c.name, ext, c.ext)
		}
		if id != wantIDs[i] {
			t.Fatalf("%s: id = %d, want %d", c.name, id, wantIDs[i])
		}
	}
}

func TestParseFileIDRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"noext", "1.sst", "0000001.txt", ""} {
		if _, _, ok := ParseFileID(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
