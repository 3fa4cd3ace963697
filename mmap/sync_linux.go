package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes the data of f to stable storage, skipping metadata that
// doesn't affect reading it back.
//
// A failed sync leaves the file in an unknown state; callers must stop
// writing to it.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
