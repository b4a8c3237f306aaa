package y

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// File naming scheme (spec §6): {dir}/NNNNNN.mem, {dir}/NNNNNN.sst,
// {dir}/NNNNNN.vlog with decimal ids zero-padded to at least 6 digits
// (larger ids use more digits). Grounded on
// original_source/common/src/file_id.rs.

func MemtableName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.mem", id))
}

func TableName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", id))
}

func VlogName(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.vlog", id))
}

// ParseFileID extracts the numeric id and extension ("mem", "sst", "vlog")
// from a file basename produced by the functions above. ok is false if the
// name doesn't match the NNNNNN.ext pattern.
func ParseFileID(name string) (id uint64, ext string, ok bool) {
	base := filepath.Base(name)
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 {
		return 0, "", false
	}
	numPart, extPart := base[:dot], base[dot+1:]
	if len(numPart) < 6 {
		return 0, "", false
	}
	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	switch extPart {
	case "mem", "sst", "vlog":
		return n, extPart, true
	default:
		return 0, "", false
	}
}
