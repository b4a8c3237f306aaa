package mors

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock takes an exclusive, non-blocking advisory lock on f, mirroring
// the teacher's directory-lock guard (grounded on golang.org/x/sys/unix
// already required by the table package for mmap).
func flock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return err
	}
	return f.Close()
}
