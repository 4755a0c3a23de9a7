// Package arena implements an append-with-free-list heap over a single
// memory-mapped backing file. Two independent arenas are opened per
// database: one for trie nodes/edges (the index arena) and one for leaf
// payloads (the data arena). Offsets are 5 bytes wide so that records can
// reference each other with a compact, disk-friendly pointer.
package arena

import (
	"errors"
	"fmt"

	"triedb/internal/mmap"
)

const (
	// OffsetSize is the on-disk width, in bytes, of an arena offset.
	OffsetSize = 5
	// MaxOffset is the largest representable offset.
	MaxOffset = 1<<(OffsetSize*8) - 1
	// NullOffset is reserved to mean "no slot" (the zero value of an
	// unset edge or a cleared free-list head).
	NullOffset = 0

	// NumSizeClasses bounds the number of free lists kept per arena.
	// Class i holds slots of size 16<<i, so the largest class covers
	// slots up to 16<<31 bytes -- far beyond MAX_DATA_SIZE/MAX_KEY_LENGTH.
	NumSizeClasses = 32

	growChunk = 1 << 20 // 1 MiB page-aligned growth increment
)

var (
	// ErrNoMemory is returned when an allocation would exceed the
	// arena's configured capacity (memcap_index / memcap_data).
	ErrNoMemory = errors.New("arena: allocation failed, capacity reached")
	// ErrOutOfBound is returned when a caller references an offset
	// beyond the currently mapped region.
	ErrOutOfBound = errors.New("arena: offset out of bound")
)

// SizeClassStore is the persisted bookkeeping for one arena: its
// high-water mark and the free-list heads for each size class. It is
// implemented by the header record (internal/header) so that this state
// survives process restarts and is visible to every reader without a
// separate copy.
type SizeClassStore interface {
	HighWater() uint64
	SetHighWater(uint64)
	FreeHead(class int) uint64
	SetFreeHead(class int, offset uint64)

	// FreedTotal and AddFreed track the running total of bytes handed
	// back via Free, so resource collection can decide whether a
	// compaction pass is worth its cost without walking every free list.
	FreedTotal() uint64
	AddFreed(n uint64)
}

// Arena is the single-writer allocator over a memory-mapped file. Only the
// writer handle ever calls Alloc/Free; reader handles (internal/handle)
// also open an Arena but only read through it.
type Arena struct {
	file     *mmap.File
	capacity uint64
	state    SizeClassStore
}

// Open maps (creating if necessary) the arena backing file at path, with
// capacity as the hard ceiling on total bytes ever handed out. state
// supplies the persisted high-water mark and free-list heads; on a fresh
// database it is expected to read back as all-zero, in which case Open
// reserves offset 0 as the permanent nil pointer.
func Open(path string, capacity uint64, state SizeClassStore) (*Arena, error) {
	if capacity == 0 || capacity > MaxOffset {
		return nil, fmt.Errorf("arena: invalid capacity %d", capacity)
	}

	initial := growChunk
	if uint64(initial) > capacity {
		initial = int(capacity)
	}

	f, err := mmap.Open(path, initial)
	if err != nil {
		return nil, err
	}

	a := &Arena{file: f, capacity: capacity, state: state}
	if a.state.HighWater() == 0 {
		a.state.SetHighWater(1)
	}
	return a, nil
}

// Alloc services size bytes from the closest free-list size class; if that
// class's list is empty, it bumps the high-water mark, growing the mapping
// as needed. It returns ErrNoMemory once capacity is exhausted.
func (a *Arena) Alloc(size uint64) (uint64, error) {
	class, classSize := sizeClass(size)

	if head := a.state.FreeHead(class); head != NullOffset {
		if err := a.ensureMapped(head + classSize); err != nil {
			return 0, err
		}
		next := getOffset(a.file.Bytes()[head : head+OffsetSize])
		a.state.SetFreeHead(class, next)
		return head, nil
	}

	hw := a.state.HighWater()
	newHW := hw + classSize
	if newHW > a.capacity {
		return 0, ErrNoMemory
	}
	if err := a.ensureMapped(newHW); err != nil {
		return 0, err
	}
	a.state.SetHighWater(newHW)
	return hw, nil
}

// Free threads the slot at offset (originally allocated for size bytes)
// onto the head of its size class's free list. It is O(1): no coalescing is
// performed here. Reclaiming fragmented space is resource collection's job.
func (a *Arena) Free(offset, size uint64) {
	class, classSize := sizeClass(size)
	head := a.state.FreeHead(class)
	putOffset(a.file.Bytes()[offset:offset+OffsetSize], head)
	a.state.SetFreeHead(class, offset)
	a.state.AddFreed(classSize)
}

// FreedTotal returns the running total of bytes returned via Free since
// the arena was last compacted or reinitialized.
func (a *Arena) FreedTotal() uint64 { return a.state.FreedTotal() }

// Bytes returns a bounds-checked view of size bytes starting at offset. The
// returned slice's capacity equals size so a caller can't write past the
// end of its own allocation. For offset NullOffset it returns (nil, nil).
func (a *Arena) Bytes(offset, size uint64) ([]byte, error) {
	if offset == NullOffset {
		return nil, nil
	}
	end := offset + size
	if end > uint64(len(a.file.Bytes())) {
		return nil, ErrOutOfBound
	}
	buf := a.file.Bytes()
	return buf[offset:end:end], nil
}

// Write copies data into the arena at offset. A write at NullOffset copies
// nothing and returns nil.
func (a *Arena) Write(offset uint64, data []byte) error {
	dst, err := a.Bytes(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// Flush fsyncs the mapping to the backing file.
func (a *Arena) Flush() error {
	return a.file.Sync()
}

// Len returns the number of bytes allocated so far (the high-water mark).
func (a *Arena) Len() uint64 {
	return a.state.HighWater()
}

// Cap returns the arena's configured capacity.
func (a *Arena) Cap() uint64 {
	return a.capacity
}

// Close unmaps the backing file.
func (a *Arena) Close() error {
	return a.file.Close()
}

func (a *Arena) ensureMapped(upto uint64) error {
	if upto <= uint64(a.file.Len()) {
		return nil
	}
	target := uint64(a.file.Len())
	for target < upto {
		target += growChunk
	}
	if target > a.capacity {
		target = a.capacity
	}
	return a.file.Grow(int(target))
}

// sizeClass returns the size class index and its slot size for a requested
// allocation of size bytes.
func sizeClass(size uint64) (int, uint64) {
	if size == 0 {
		size = 1
	}
	for c := 0; c < NumSizeClasses; c++ {
		cs := uint64(16) << uint(c)
		if cs >= size {
			return c, cs
		}
	}
	return NumSizeClasses - 1, uint64(16) << uint(NumSizeClasses-1)
}

// putOffset encodes v into the first OffsetSize bytes of b.
func putOffset(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
}

// getOffset decodes an offset from the first OffsetSize bytes of b.
func getOffset(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 | uint64(b[4])<<32
}

// PutOffset encodes v as a 5-byte arena offset into b.
func PutOffset(b []byte, v uint64) { putOffset(b, v) }

// GetOffset decodes a 5-byte arena offset from b.
func GetOffset(b []byte) uint64 { return getOffset(b) }

// Reader is a read-only view of an arena's backing file, for a process
// that never allocates or frees but must remap when the header
// reports that the writer has grown the arena: mappings only ever extend,
// and a reader remaps on detecting a size change in the header.
type Reader struct {
	file *mmap.File
}

// OpenReader maps the arena backing file at path for read access.
func OpenReader(path string, size uint64) (*Reader, error) {
	f, err := mmap.Open(path, int(size))
	if err != nil {
		return nil, err
	}
	return &Reader{file: f}, nil
}

// Bytes returns a bounds-checked view of size bytes starting at offset.
// For offset NullOffset it returns (nil, nil).
func (r *Reader) Bytes(offset, size uint64) ([]byte, error) {
	if offset == NullOffset {
		return nil, nil
	}
	end := offset + size
	if end > uint64(len(r.file.Bytes())) {
		return nil, ErrOutOfBound
	}
	buf := r.file.Bytes()
	return buf[offset:end:end], nil
}

// Remap grows the reader's mapping to at least newSize bytes.
func (r *Reader) Remap(newSize uint64) error {
	return r.file.Grow(int(newSize))
}

// Close unmaps the backing file.
func (r *Reader) Close() error {
	return r.file.Close()
}
