// Package header maps the fixed-size header record at the front of the
// database's control file: arena sizes and high-water marks, the trie root
// offset, the live entry count, per-size-class free-list heads for both
// arenas, reader/writer counts, and the exception (journal) descriptor used
// by crash recovery.
//
// The record is a single struct placed at the start of a memory-mapped
// file and accessed through atomic fields, the same pattern the rest of
// this module uses for trie nodes and edges: cast a pointer into mapped
// bytes rather than serialize/deserialize on every access.
package header

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"triedb/internal/arena"
	"triedb/internal/mmap"
)

const (
	magic         uint64 = 0x74726965646221 // arbitrary fixed constant identifying the file format
	formatVersion uint64 = 1

	// ExceptionBufSz bounds the size of a single journaled pre-image.
	// Callers that journal a whole affected byte range (rather than one
	// fixed-size record) must keep within this so BeginException never
	// truncates silently.
	ExceptionBufSz = 2048
	exceptionBufSz = ExceptionBufSz

	// FileName is the header record's path component under the database
	// directory.
	FileName = "trie.header"
)

// ExceptionClass discriminates the kind of destructive mutation a pending
// journal entry describes.
type ExceptionClass uint64

const (
	ExceptionNone ExceptionClass = iota
	ExceptionAddEdge
	ExceptionAddDataOff
	ExceptionAddNode
	ExceptionRemoveEdge
	ExceptionClearEdge
)

func (c ExceptionClass) String() string {
	switch c {
	case ExceptionNone:
		return "none"
	case ExceptionAddEdge:
		return "add_edge"
	case ExceptionAddDataOff:
		return "add_data_off"
	case ExceptionAddNode:
		return "add_node"
	case ExceptionRemoveEdge:
		return "remove_edge"
	case ExceptionClearEdge:
		return "clear_edge"
	default:
		return "unknown"
	}
}

// arenaState is the persisted bookkeeping for one arena (index or data):
// its high-water mark and one free-list head per size class.
type arenaState struct {
	highWater  atomic.Uint64
	freeHeads  [arena.NumSizeClasses]atomic.Uint64
	freedTotal atomic.Uint64
}

// rawHeader is the on-disk layout, placed at offset 0 of the mapped
// header file. Every scalar field is an atomic type so concurrent readers
// never observe a torn word; excepBuf is a plain byte array.
type rawHeader struct {
	magic      atomic.Uint64
	version    atomic.Uint64
	indexCap   atomic.Uint64
	dataCap    atomic.Uint64
	root       atomic.Uint64
	entryCount atomic.Uint64
	epoch      atomic.Uint64 // monotonically advancing writer epoch, bumped on shape changes
	readerCnt  atomic.Uint64
	writerCnt  atomic.Uint64
	fixedData  atomic.Uint64 // 0 = variable-size values, else fixed per-entry size

	index arenaState
	data  arenaState

	excepStatus  atomic.Uint64
	excepOffset  atomic.Uint64
	excepLFOff   atomic.Uint64
	excepBufLen  atomic.Uint64
	excepBuf     [exceptionBufSz]byte
}

// Header owns the memory-mapped header file.
type Header struct {
	file *mmap.File
	raw  *rawHeader
}

// Open maps (creating if necessary) the header file at path. fresh reports
// whether the file's magic field is still zero (a new, uninitialized
// header), in which case the caller must initialize it by calling
// InitFresh. A non-zero magic that does not match returns an error.
func Open(path string) (h *Header, fresh bool, err error) {
	size := int(unsafe.Sizeof(rawHeader{}))
	f, err := mmap.Open(path, size)
	if err != nil {
		return nil, false, err
	}

	raw := (*rawHeader)(unsafe.Pointer(&f.Bytes()[0]))
	h = &Header{file: f, raw: raw}

	m := raw.magic.Load()
	if m == 0 {
		return h, true, nil
	}
	if m != magic {
		_ = f.Close()
		return nil, false, fmt.Errorf("header: bad magic %x, not a valid database", m)
	}
	return h, false, nil
}

// InitFresh writes the initial header record for a newly created
// database.
func (h *Header) InitFresh(indexCap, dataCap uint64, fixedDataSize uint32) {
	h.raw.indexCap.Store(indexCap)
	h.raw.dataCap.Store(dataCap)
	h.raw.fixedData.Store(uint64(fixedDataSize))
	h.raw.root.Store(arena.NullOffset)
	h.raw.entryCount.Store(0)
	h.raw.epoch.Store(0)
	h.raw.readerCnt.Store(0)
	h.raw.writerCnt.Store(0)
	h.raw.index.highWater.Store(0)
	h.raw.data.highWater.Store(0)
	for i := range h.raw.index.freeHeads {
		h.raw.index.freeHeads[i].Store(0)
		h.raw.data.freeHeads[i].Store(0)
	}
	h.raw.excepStatus.Store(uint64(ExceptionNone))
	h.raw.version.Store(formatVersion)
	h.raw.magic.Store(magic) // published last: a reader sees a complete header or none at all
}

// Reinit reinitializes both arenas' bookkeeping, used by RemoveAll.
func (h *Header) Reinit() {
	h.raw.root.Store(arena.NullOffset)
	h.raw.entryCount.Store(0)
	// Offset 0 stays reserved as arena.NullOffset, as arena.Open arranges
	// for a fresh header.
	h.raw.index.highWater.Store(1)
	h.raw.data.highWater.Store(1)
	for i := range h.raw.index.freeHeads {
		h.raw.index.freeHeads[i].Store(0)
		h.raw.data.freeHeads[i].Store(0)
	}
	h.raw.index.freedTotal.Store(0)
	h.raw.data.freedTotal.Store(0)
	h.raw.epoch.Add(1)
}

func (h *Header) IndexCap() uint64 { return h.raw.indexCap.Load() }
func (h *Header) DataCap() uint64  { return h.raw.dataCap.Load() }
func (h *Header) FixedDataSize() uint32 { return uint32(h.raw.fixedData.Load()) }

func (h *Header) Root() uint64      { return h.raw.root.Load() }
func (h *Header) SetRoot(off uint64) { h.raw.root.Store(off) }

func (h *Header) EntryCount() uint64   { return h.raw.entryCount.Load() }
func (h *Header) IncEntryCount(delta int64) {
	if delta >= 0 {
		h.raw.entryCount.Add(uint64(delta))
	} else {
		h.raw.entryCount.Add(^uint64(-delta - 1)) // two's-complement subtraction
	}
}

// Epoch returns the current writer epoch.
func (h *Header) Epoch() uint64 { return h.raw.epoch.Load() }

// BumpEpoch advances the writer epoch; called by the writer around any
// mutation that changes trie shape (not on leaf value replacement alone).
func (h *Header) BumpEpoch() uint64 { return h.raw.epoch.Add(1) }

func (h *Header) ReaderCount() uint64 { return h.raw.readerCnt.Load() }
func (h *Header) WriterCount() uint64 { return h.raw.writerCnt.Load() }
func (h *Header) AddReader(delta int64) uint64 {
	if delta >= 0 {
		return h.raw.readerCnt.Add(uint64(delta))
	}
	return h.raw.readerCnt.Add(^uint64(-delta - 1))
}
func (h *Header) AddWriter(delta int64) uint64 {
	if delta >= 0 {
		return h.raw.writerCnt.Add(uint64(delta))
	}
	return h.raw.writerCnt.Add(^uint64(-delta - 1))
}

// IndexState returns the SizeClassStore view of the index arena's
// bookkeeping, for internal/arena.Open.
func (h *Header) IndexState() arena.SizeClassStore { return arenaView{&h.raw.index} }

// DataState returns the SizeClassStore view of the data arena's
// bookkeeping.
func (h *Header) DataState() arena.SizeClassStore { return arenaView{&h.raw.data} }

type arenaView struct{ s *arenaState }

func (v arenaView) HighWater() uint64               { return v.s.highWater.Load() }
func (v arenaView) SetHighWater(x uint64)           { v.s.highWater.Store(x) }
func (v arenaView) FreeHead(class int) uint64       { return v.s.freeHeads[class].Load() }
func (v arenaView) SetFreeHead(class int, x uint64) { v.s.freeHeads[class].Store(x) }
func (v arenaView) FreedTotal() uint64              { return v.s.freedTotal.Load() }
func (v arenaView) AddFreed(n uint64)               { v.s.freedTotal.Add(n) }

// BeginException publishes a journal entry before a destructive mutation.
// The caller must Sync the header before performing the destructive write,
// so that a crash after this call but before the write is always
// recoverable from oldBytes.
func (h *Header) BeginException(class ExceptionClass, offset, lfOffset uint64, oldBytes []byte) {
	n := copy(h.raw.excepBuf[:], oldBytes)
	h.raw.excepBufLen.Store(uint64(n))
	h.raw.excepOffset.Store(offset)
	h.raw.excepLFOff.Store(lfOffset)
	h.raw.excepStatus.Store(uint64(class))
}

// CommitException clears the journal entry after the mutation succeeds.
func (h *Header) CommitException() {
	h.raw.excepStatus.Store(uint64(ExceptionNone))
}

// PendingException returns the journal entry left by a writer that died
// between BeginException and CommitException, or ok=false if the header
// is clean.
func (h *Header) PendingException() (class ExceptionClass, offset, lfOffset uint64, buf []byte, ok bool) {
	class = ExceptionClass(h.raw.excepStatus.Load())
	if class == ExceptionNone {
		return 0, 0, 0, nil, false
	}
	offset = h.raw.excepOffset.Load()
	lfOffset = h.raw.excepLFOff.Load()
	n := h.raw.excepBufLen.Load()
	buf = append([]byte(nil), h.raw.excepBuf[:n]...)
	return class, offset, lfOffset, buf, true
}

// Sync flushes the header record to its backing file.
func (h *Header) Sync() error { return h.file.Sync() }

// Close unmaps the header file.
func (h *Header) Close() error { return h.file.Close() }
