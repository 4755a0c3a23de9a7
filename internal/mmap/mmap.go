// Package mmap maps an append-only backing file into the process address
// space and grows the mapping in page-aligned chunks as the file is
// extended. It is the bottom layer of both the index and data arenas.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PageSize is the host's memory page size, used to round chunk growth.
var PageSize = unix.Getpagesize()

// File is a memory-mapped, growable backing file. Unlike a plain anonymous
// mapping, a File is shared across processes: a writer's growth becomes
// visible to readers once they Remap.
type File struct {
	f    *os.File
	data []byte
}

// Open opens (creating if necessary) the file at path and maps at least
// initialSize bytes of it. The file is truncated up to initialSize if it is
// smaller.
func Open(path string, initialSize int) (*File, error) {
	if initialSize < 1 {
		return nil, fmt.Errorf("mmap: invalid size; size must be greater than 0: %d", initialSize)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmap: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	size := roundToPage(initialSize)
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("mmap: truncate %s: %w", path, err)
		}
	} else {
		size = int(fi.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: mmap %s: %w", path, err)
	}

	return &File{f: f, data: data}, nil
}

// Bytes returns the currently mapped region. The slice is valid only until
// the next call to Grow or Close.
func (m *File) Bytes() []byte {
	return m.data
}

// Len returns the number of bytes currently mapped.
func (m *File) Len() int {
	return len(m.data)
}

// Grow extends the backing file to newSize (rounded up to a page boundary)
// and remaps it. newSize smaller than the current mapping is a no-op.
func (m *File) Grow(newSize int) error {
	newSize = roundToPage(newSize)
	if newSize <= len(m.data) {
		return nil
	}

	if err := m.f.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("mmap: truncate: %w", err)
	}

	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("mmap: munmap: %w", err)
	}

	data, err := unix.Mmap(int(m.f.Fd()), 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: remap: %w", err)
	}

	m.data = data
	return nil
}

// Sync flushes dirty pages to the backing file.
func (m *File) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Close unmaps the file and closes the descriptor. Sync should be called
// first if durability is required.
func (m *File) Close() error {
	err := unix.Munmap(m.data)
	if cerr := m.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func roundToPage(size int) int {
	if rem := size % PageSize; rem != 0 {
		size += PageSize - rem
	}
	return size
}
