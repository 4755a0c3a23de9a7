// Package journalfile writes the append-only mutation log (mabain.log)
// that accompanies the header's in-memory exception descriptor. It is not
// itself part of crash recovery -- internal/header's BeginException/
// CommitException pair already makes in-place arena edits atomic -- it
// exists so an operator or offline tool can replay or audit the sequence
// of mutations a writer applied, one block-aligned record per op.
// internal/handle appends a record for each Add, Remove and RemoveAll its
// async writer applies; mutations made synchronously through the trie
// API and compaction passes are not recorded.
package journalfile

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// FileName is the journal's path component under the database directory.
const FileName = "mabain.log"

// recordHeader is written before every entry: 1 byte op code, 8 byte key
// length, 8 byte value length. The payload (key then value) follows.
const recordHeaderSize = 1 + 8 + 8

type Op byte

const (
	OpAdd Op = iota + 1
	OpRemove
	OpRemoveAll
	OpCollect
)

// Writer appends fixed-block, directio-aligned records to the journal
// file, padding the final partial block so the file stays a whole
// number of direct-I/O blocks.
type Writer struct {
	file  *os.File
	block int

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// Open opens (creating if necessary) the journal file at path for
// append-only, block-aligned writes.
func Open(path string) (*Writer, error) {
	f, err := directio.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{file: f, block: directio.BlockSize}, nil
}

// Append writes one record for op (key, value may be nil for RemoveAll/
// Collect). The record is padded up to the next block boundary so the
// file stays a whole number of direct-I/O blocks.
func (w *Writer) Append(op Op, key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}

	rec := make([]byte, recordHeaderSize+len(key)+len(value))
	rec[0] = byte(op)
	binary.LittleEndian.PutUint64(rec[1:9], uint64(len(key)))
	binary.LittleEndian.PutUint64(rec[9:17], uint64(len(value)))
	copy(rec[recordHeaderSize:], key)
	copy(rec[recordHeaderSize+len(key):], value)

	return w.writeBlocks(rec)
}

// writeBlocks pads buf up to a multiple of the block size and writes it.
func (w *Writer) writeBlocks(buf []byte) error {
	rem := len(buf) % w.block
	if rem == 0 {
		_, err := w.file.Write(buf)
		return err
	}

	if _, err := w.file.Write(buf[:len(buf)-rem]); err != nil {
		return err
	}
	pad := make([]byte, w.block-rem)
	_, err := w.file.Write(append(buf[len(buf)-rem:], pad...))
	return err
}

// Sync flushes the journal to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close flushes and closes the journal file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
