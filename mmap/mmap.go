// Package mmap maps journal segments into memory for replay and syncs the
// segment being appended to.
package mmap

import (
	"fmt"
	"math"
	"os"
)

// Mapping is a read-only view of a whole file.
type Mapping struct {
	data   []byte
	mapped bool
}

// OpenReadOnly maps the file at path. With sequential set, the kernel is
// asked to read ahead aggressively. Empty files yield an empty Mapping.
func OpenReadOnly(path string, sequential bool) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &Mapping{}, nil
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("%s: file too large to map (%d bytes)", path, size)
	}
	return mapFile(f, int(size), sequential)
}

// Data returns the mapped bytes. They must not be modified and must not be
// used after Close.
func (m *Mapping) Data() []byte {
	return m.data
}

func (m *Mapping) Len() int {
	return len(m.data)
}

func (m *Mapping) Close() error {
	data, mapped := m.data, m.mapped
	m.data, m.mapped = nil, false
	if !mapped {
		return nil
	}
	return unmap(data)
}
