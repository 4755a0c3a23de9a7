// Package triedb is the public API of the embedded trie store: a
// memory-mapped, crash-recoverable radix trie supporting exact lookup,
// prefix enumeration, and longest-prefix match under a single-writer/
// many-readers discipline.
package triedb

import (
	"fmt"
	"io"

	"triedb/internal/asyncwriter"
	"triedb/internal/errs"
	"triedb/internal/handle"
	"triedb/internal/trie"
)

// DB is a handle on one database directory, opened in a particular Mode.
type DB struct {
	h             *handle.Handle
	allPrefix     bool
	findAndDelete bool

	asyncPtr *asyncwriter.Writer
}

// Open opens (creating if this is the first writer) the database
// directory at path in mode.
func Open(path string, mode Mode, opts ...Option) (*DB, error) {
	c := newConfig(opts)
	h, err := handle.Open(path, mode, c.handleOpts)
	if err != nil {
		return nil, err
	}
	return &DB{h: h, allPrefix: c.allPrefix, findAndDelete: c.findAndDelete}, nil
}

// Close releases every resource the handle holds: for an async writer,
// this drains the queue first.
func (db *DB) Close() error {
	if db.asyncPtr != nil {
		db.asyncPtr.DetachReader()
		db.asyncPtr = nil
	}
	return db.h.Close()
}

func (db *DB) readAllowed() error {
	if db.h.Mode()&handle.AsyncWriterMode != 0 {
		return errs.NotAllowed
	}
	return nil
}

// Add inserts key with value. If key already exists and overwrite is
// false, it returns errs.InDict.
func (db *DB) Add(key, value []byte, overwrite bool) error {
	if db.h.Mode()&handle.Writer == 0 {
		return errs.NotAllowed
	}
	return db.h.Dict().Add(key, value, overwrite)
}

// Remove deletes key. It returns errs.NotExist if key is absent.
func (db *DB) Remove(key []byte) error {
	if db.h.Mode()&handle.Writer == 0 {
		return errs.NotAllowed
	}
	return db.h.Dict().Remove(key)
}

// RemoveAll empties the database in O(1).
func (db *DB) RemoveAll() error {
	if db.h.Mode()&handle.Writer == 0 {
		return errs.NotAllowed
	}
	db.h.Dict().RemoveAll()
	return nil
}

// FindAndDelete atomically looks up and removes key, returning the value
// it held. Requires WithFindAndDelete at Open.
func (db *DB) FindAndDelete(key []byte) ([]byte, error) {
	if !db.findAndDelete {
		return nil, errs.NotAllowed
	}
	if db.h.Mode()&handle.Writer == 0 {
		return nil, errs.NotAllowed
	}
	return db.h.Dict().FindAndDelete(key)
}

// Find returns the value stored for key, or errs.NotExist.
func (db *DB) Find(key []byte) ([]byte, error) {
	if err := db.readAllowed(); err != nil {
		return nil, err
	}
	return db.h.Dict().Find(key)
}

// FindLongestPrefix returns the longest key in the database that is a
// prefix of key, along with its value.
func (db *DB) FindLongestPrefix(key []byte) (matchedLen int, value []byte, err error) {
	if err := db.readAllowed(); err != nil {
		return 0, nil, err
	}
	return db.h.Dict().FindLongestPrefix(key)
}

// Cursor enumerates, in increasing length order, every stored key that is
// a prefix of the key passed to FindPrefix.
type Cursor struct{ c *trie.Cursor }

// Next advances the cursor. ok is false once exhausted.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	return c.c.Next()
}

// FindPrefix walks key once and returns a resumable cursor over every
// stored key that is a prefix of key, in increasing length order --
// {"a", "ap", "app"} for key "application" if all three are present, not
// the set of stored keys extending key. Requires WithAllPrefix at Open.
func (db *DB) FindPrefix(prefix []byte) (*Cursor, error) {
	if !db.allPrefix {
		return nil, errs.NotAllowed
	}
	if err := db.readAllowed(); err != nil {
		return nil, err
	}
	cur, err := db.h.Dict().FindPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return &Cursor{c: cur}, nil
}

// CollectResource runs a compaction pass if either arena's freed total
// meets its respective threshold; it returns (false, errs.RCSkipped)
// otherwise.
func (db *DB) CollectResource(minIndexFreed, minDataFreed uint64) (bool, error) {
	return db.h.CollectResource(minIndexFreed, minDataFreed)
}

// SetAsyncWriterPtr attaches db (expected to be a reader handle) to an
// async writer's queue, letting db.Submit forward mutations to it. It
// increments the writer's attached-reader count; UnsetAsyncWriterPtr, or
// Close if it was not called, balances it.
func (db *DB) SetAsyncWriterPtr(w *DB) error {
	aw := w.h.AsyncWriter()
	if aw == nil {
		return errs.InvalidArg
	}
	aw.AttachReader()
	db.asyncPtr = aw
	return nil
}

// UnsetAsyncWriterPtr detaches db from the async writer it was attached
// to via SetAsyncWriterPtr.
func (db *DB) UnsetAsyncWriterPtr() {
	if db.asyncPtr != nil {
		db.asyncPtr.DetachReader()
		db.asyncPtr = nil
	}
}

// Submit enqueues a mutation on the attached async writer instead of
// applying it synchronously. Requires SetAsyncWriterPtr (or that db
// itself was opened with AsyncWriterMode).
func (db *DB) Submit(typ asyncwriter.Type, key, value []byte, overwrite bool, rcMinIndex, rcMinData uint64) error {
	aw := db.asyncPtr
	if aw == nil {
		aw = db.h.AsyncWriter()
	}
	if aw == nil {
		return errs.NotAllowed
	}
	aw.Submit(typ, key, value, overwrite, rcMinIndex, rcMinData)
	return nil
}

// Flush fsyncs both arenas and the header to stable storage.
func (db *DB) Flush() error {
	return db.h.Flush()
}

// Count returns the number of live entries.
func (db *DB) Count() uint64 {
	return db.h.EntryCount()
}

// PrintStats writes a human-readable summary of entry count and arena
// usage to w.
func (db *DB) PrintStats(w io.Writer) error {
	stats := db.h.Stats()
	_, err := fmt.Fprintf(w, "entries=%d index_used=%d/%d data_used=%d/%d index_freed=%d data_freed=%d epoch=%d\n",
		stats.Entries, stats.IndexUsed, stats.IndexCap, stats.DataUsed, stats.DataCap,
		stats.IndexFreed, stats.DataFreed, stats.Epoch)
	return err
}

// PrintHeader writes a human-readable dump of the header record to w.
func (db *DB) PrintHeader(w io.Writer) error {
	stats := db.h.Stats()
	_, err := fmt.Fprintf(w, "root=%d writer_id=%q readers=%d writers=%d\n",
		stats.Root, db.h.ID(), stats.Readers, stats.Writers)
	return err
}
