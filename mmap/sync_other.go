//go:build !linux

package mmap

import "os"

// Fdatasync falls back to a full fsync outside Linux.
func Fdatasync(f *os.File) error {
	return f.Sync()
}
