//go:build !unix

package mmap

import (
	"io"
	"os"
)

// mapFile reads the file into memory on platforms without unix mmap.
func mapFile(f *os.File, size int, _ bool) (*Mapping, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, err
	}
	return &Mapping{data: b}, nil
}

func unmap([]byte) error {
	return nil
}
