//go:build unix

package mmap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int, sequential bool) (*Mapping, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	if sequential {
		// ENOSYS only means the hint is unsupported.
		if err := unix.Madvise(b, unix.MADV_SEQUENTIAL); err != nil && !errors.Is(err, unix.ENOSYS) {
			_ = unix.Munmap(b)
			return nil, fmt.Errorf("madvise %s: %w", f.Name(), err)
		}
	}
	return &Mapping{data: b, mapped: true}, nil
}

func unmap(b []byte) error {
	return unix.Munmap(b)
}
