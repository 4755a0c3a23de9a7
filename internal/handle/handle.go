// Package handle ties together the on-disk layout of one database
// directory: the header, the two arenas, the writer mutual-exclusion
// lease file, and (for a writer) the mutation journal. It is the
// boundary that enforces the mode bitset (READER / WRITER /
// ASYNC_WRITER_MODE) and detects an orphaned writer left behind by a
// crashed process.
package handle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"triedb/internal/arena"
	"triedb/internal/asyncwriter"
	"triedb/internal/errs"
	"triedb/internal/header"
	"triedb/internal/journalfile"
	"triedb/internal/rc"
	"triedb/internal/trie"
)

// Mode is a bit set drawn from Reader/Writer/AsyncWriter.
type Mode uint8

const (
	Reader Mode = 1 << iota
	Writer
	AsyncWriterMode // requires Writer
)

func (m Mode) has(bit Mode) bool { return m&bit != 0 }

// File names under the database directory.
const (
	IndexFileName = "index.dat"
	DataFileName  = "data.dat"
	LockFileName  = "writer.lock"
	LogFileName   = "mabain.log"
)

// Options carries the construction-time knobs a handle needs; all are
// meaningful only on the writer that creates a fresh database, since
// capacities and fixed-size mode are recorded in the header and bind the
// directory for its lifetime.
type Options struct {
	MemcapIndex    uint64
	MemcapData     uint64
	FixedDataSize  uint32
	ID             string
	Logger         *zap.Logger
	AsyncQueueSize int
}

// Handle owns every open resource for one database directory.
type Handle struct {
	dir  string
	mode Mode
	id   string
	opts Options

	logger *zap.Logger

	lockFile *os.File
	locked   bool

	hdr   *header.Header
	index *arena.Arena
	data  *arena.Arena
	dict  *trie.Dict
	log   *journalfile.Writer

	async *asyncwriter.Writer
}

func paths(dir string) rc.Paths {
	return rc.Paths{
		IndexPath:  filepath.Join(dir, IndexFileName),
		DataPath:   filepath.Join(dir, DataFileName),
		HeaderPath: filepath.Join(dir, header.FileName),
	}
}

// Open opens (creating if necessary) the database directory dir in mode.
// A writer acquires the exclusive lease file with unix.Flock; if the
// header shows a nonzero writer count left by a process that never
// called Close, ExceptionRecovery is run before any mutation proceeds.
func Open(dir string, mode Mode, opts Options) (*Handle, error) {
	if mode.has(AsyncWriterMode) && !mode.has(Writer) {
		return nil, errs.InvalidArg
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("handle: create directory: %w", err)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	h := &Handle{dir: dir, mode: mode, id: id, opts: opts, logger: opts.Logger.With(zap.String("writer_id", id))}

	p := paths(dir)

	if mode.has(Writer) {
		lockFile, err := os.OpenFile(filepath.Join(dir, LockFileName), os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("handle: open lease file: %w", err)
		}
		if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			_ = lockFile.Close()
			return nil, fmt.Errorf("%w: writer lease held by another process: %v", errs.NotAllowed, err)
		}
		h.lockFile = lockFile
		h.locked = true
	}

	hdr, fresh, err := header.Open(p.HeaderPath)
	if err != nil {
		h.releaseLock()
		return nil, err
	}
	if fresh {
		if !mode.has(Writer) {
			_ = hdr.Close()
			h.releaseLock()
			return nil, errs.NoDB
		}
		memcapIndex, memcapData := opts.MemcapIndex, opts.MemcapData
		if memcapIndex == 0 {
			memcapIndex = 1 << 30
		}
		if memcapData == 0 {
			memcapData = 1 << 30
		}
		hdr.InitFresh(memcapIndex, memcapData, opts.FixedDataSize)
	}
	h.hdr = hdr

	// The reader/writer count is bumped here, right after the header is in
	// hand, so that it stays paired with the unconditional decrement in
	// Close: any failure past this point still unwinds through Close and
	// must find a count it actually incremented.
	var orphaned bool
	if mode.has(Writer) {
		orphaned = hdr.WriterCount() > 0
		hdr.AddWriter(1)
	} else {
		hdr.AddReader(1)
	}

	idx, err := arena.Open(p.IndexPath, hdr.IndexCap(), hdr.IndexState())
	if err != nil {
		h.Close()
		return nil, err
	}
	h.index = idx

	dat, err := arena.Open(p.DataPath, hdr.DataCap(), hdr.DataState())
	if err != nil {
		h.Close()
		return nil, err
	}
	h.data = dat

	mem := trie.NewDictMem(h.index, h.data, h.hdr)
	h.dict = trie.NewDict(mem, h.hdr)
	h.dict.SetLogger(h.logger)

	if mode.has(Writer) {
		if orphaned || fresh {
			if orphaned {
				h.logger.Warn("detected writer count left by a prior process, running recovery")
			}
			if err := h.dict.ExceptionRecovery(); err != nil {
				h.Close()
				return nil, fmt.Errorf("handle: recovery: %w", err)
			}
		}

		logWriter, err := journalfile.Open(filepath.Join(dir, LogFileName))
		if err != nil {
			h.Close()
			return nil, err
		}
		h.log = logWriter

		if mode.has(AsyncWriterMode) {
			h.async = asyncwriter.New(opts.AsyncQueueSize, h.applyAsync, h.logger)
			h.async.Start()
		}
	}

	return h, nil
}

// Dict exposes the underlying trie API. Find* methods are always
// permitted; Add/Remove/RemoveAll are only meaningful when the handle
// holds Writer and is not in AsyncWriterMode (async mutation goes through
// Submit instead).
func (h *Handle) Dict() *trie.Dict { return h.dict }

// Mode returns the handle's open mode bitset.
func (h *Handle) Mode() Mode { return h.mode }

// ID returns this handle's writer instance id (meaningful for writers).
func (h *Handle) ID() string { return h.id }

// AsyncWriter returns the background mutator, or nil if the handle was
// not opened with AsyncWriterMode.
func (h *Handle) AsyncWriter() *asyncwriter.Writer { return h.async }

// EntryCount returns the number of live entries.
func (h *Handle) EntryCount() uint64 { return h.hdr.EntryCount() }

// Flush fsyncs both arenas, the header, and (for a writer) the journal.
func (h *Handle) Flush() error {
	var failures []error
	if err := h.index.Flush(); err != nil {
		failures = append(failures, err)
	}
	if err := h.data.Flush(); err != nil {
		failures = append(failures, err)
	}
	if err := h.hdr.Sync(); err != nil {
		failures = append(failures, err)
	}
	if h.log != nil {
		if err := h.log.Sync(); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return joinErrors(failures)
}

// Stats is a point-in-time snapshot of header and arena bookkeeping, used
// by PrintStats/PrintHeader.
type Stats struct {
	Entries    uint64
	Root       uint64
	Readers    uint64
	Writers    uint64
	Epoch      uint64
	IndexCap   uint64
	IndexUsed  uint64
	IndexFreed uint64
	DataCap    uint64
	DataUsed   uint64
	DataFreed  uint64
}

// Stats snapshots the handle's current bookkeeping.
func (h *Handle) Stats() Stats {
	return Stats{
		Entries:    h.hdr.EntryCount(),
		Root:       h.hdr.Root(),
		Readers:    h.hdr.ReaderCount(),
		Writers:    h.hdr.WriterCount(),
		Epoch:      h.hdr.Epoch(),
		IndexCap:   h.index.Cap(),
		IndexUsed:  h.index.Len(),
		IndexFreed: h.index.FreedTotal(),
		DataCap:    h.data.Cap(),
		DataUsed:   h.data.Len(),
		DataFreed:  h.data.FreedTotal(),
	}
}

func (h *Handle) applyAsync(typ asyncwriter.Type, key, value []byte, overwrite bool, rcMinIndex, rcMinData uint64) error {
	switch typ {
	case asyncwriter.AddOp:
		if err := h.dict.Add(key, value, overwrite); err != nil {
			return err
		}
		return h.logOp(journalfile.OpAdd, key, value)
	case asyncwriter.RemoveOp:
		if err := h.dict.Remove(key); err != nil {
			return err
		}
		return h.logOp(journalfile.OpRemove, key, nil)
	case asyncwriter.RemoveAllOp:
		h.dict.RemoveAll()
		return h.logOp(journalfile.OpRemoveAll, nil, nil)
	case asyncwriter.CollectOp:
		_, err := h.CollectResource(rcMinIndex, rcMinData)
		if err == errs.RCSkipped {
			return nil
		}
		return err
	default:
		return errs.Unknown
	}
}

func (h *Handle) logOp(op journalfile.Op, key, value []byte) error {
	if h.log == nil {
		return nil
	}
	return h.log.Append(op, key, value)
}

// CollectResource runs a compaction pass if either arena's freed total
// meets its threshold. On success the handle adopts the freshly
// compacted header/arenas/dict in place of the old ones and bumps the
// epoch. Reader handles are not remapped: one that opened the old files
// keeps its old mapping until it is reopened.
func (h *Handle) CollectResource(minIndexFreed, minDataFreed uint64) (bool, error) {
	if !h.mode.has(Writer) {
		return false, errs.NotAllowed
	}
	result, err := rc.CollectResource(
		h.dict, h.index, h.data, paths(h.dir),
		h.hdr.IndexCap(), h.hdr.DataCap(), h.hdr.FixedDataSize(),
		minIndexFreed, minDataFreed, h.logger,
	)
	if err == errs.RCSkipped {
		return false, errs.RCSkipped
	}
	if err != nil {
		return false, err
	}

	oldHdr, oldIdx, oldDat := h.hdr, h.index, h.data
	h.hdr, h.index, h.data, h.dict = result.Header, result.Index, result.Data, result.Dict
	// The fresh header starts with a zero writer count; re-register this
	// writer so Close's decrement stays paired.
	h.hdr.AddWriter(1)
	h.hdr.BumpEpoch()

	_ = oldIdx.Close()
	_ = oldDat.Close()
	_ = oldHdr.Close()

	h.logger.Info("resource collection finished", zap.Uint64("epoch", h.hdr.Epoch()))
	return true, nil
}

func (h *Handle) releaseLock() {
	if h.locked {
		_ = unix.Flock(int(h.lockFile.Fd()), unix.LOCK_UN)
		_ = h.lockFile.Close()
		h.locked = false
	}
}

// Close drains the async writer (if any) -- blocking until every reader
// attached to it via SetAsyncWriterPtr has detached and its queue has
// drained -- then releases the writer/reader count, closes the journal,
// unmaps both arenas and the header without syncing them (Flush does
// that), and releases the lease.
func (h *Handle) Close() error {
	var failures []error

	if h.async != nil {
		h.async.Close()
	}
	if h.log != nil {
		if err := h.log.Close(); err != nil {
			failures = append(failures, err)
		}
	}
	if h.mode.has(Writer) && h.hdr != nil {
		h.hdr.AddWriter(-1)
	} else if h.hdr != nil {
		h.hdr.AddReader(-1)
	}
	if h.index != nil {
		if err := h.index.Close(); err != nil {
			failures = append(failures, err)
		}
	}
	if h.data != nil {
		if err := h.data.Close(); err != nil {
			failures = append(failures, err)
		}
	}
	if h.hdr != nil {
		if err := h.hdr.Close(); err != nil {
			failures = append(failures, err)
		}
	}
	h.releaseLock()

	if len(failures) == 0 {
		return nil
	}
	return joinErrors(failures)
}
