// Package rc implements resource collection: the compaction pass that
// reclaims space fragmented by Free's no-coalescing free lists. Unlike
// every other mutation in this store, a collection pass does not try to
// journal itself byte-range by byte-range -- it builds an entirely fresh
// pair of arenas off to the side, copies every live key into them, and
// only then atomically swaps the new files over the old ones. A crash
// mid-pass leaves the original database untouched; the ".compact" files
// are simply garbage for the next run to remove.
package rc

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"triedb/internal/arena"
	"triedb/internal/errs"
	"triedb/internal/header"
	"triedb/internal/trie"
)

// Paths names the three files a database directory holds.
type Paths struct {
	IndexPath  string
	DataPath   string
	HeaderPath string
}

func (p Paths) tmp() Paths {
	return Paths{
		IndexPath:  p.IndexPath + ".compact",
		DataPath:   p.DataPath + ".compact",
		HeaderPath: p.HeaderPath + ".compact",
	}
}

// Result is the freshly built, already-swapped-in storage a successful
// CollectResource hands back to the caller (internal/handle), which must
// adopt it in place of its old header/arenas/dict and bump its own epoch
// so reader handles know to remap.
type Result struct {
	Header *header.Header
	Index  *arena.Arena
	Data   *arena.Arena
	Mem    *trie.DictMem
	Dict   *trie.Dict
}

// CollectResource compacts the database at paths if either arena's freed
// total meets its threshold, otherwise it returns errs.RCSkipped and
// leaves everything untouched. oldIndex/oldData supply FreedTotal; oldDict
// is walked via ForEach to enumerate every live (key, value).
func CollectResource(
	oldDict *trie.Dict,
	oldIndex, oldData *arena.Arena,
	paths Paths,
	indexCap, dataCap uint64,
	fixedDataSize uint32,
	minIndexFreed, minDataFreed uint64,
	logger *zap.Logger,
) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if oldIndex.FreedTotal() < minIndexFreed && oldData.FreedTotal() < minDataFreed {
		return nil, errs.RCSkipped
	}

	tmp := paths.tmp()
	removeTmp := func() {
		_ = os.Remove(tmp.IndexPath)
		_ = os.Remove(tmp.DataPath)
		_ = os.Remove(tmp.HeaderPath)
	}
	removeTmp()

	newHdr, _, err := header.Open(tmp.HeaderPath)
	if err != nil {
		return nil, fmt.Errorf("rc: open new header: %w", err)
	}
	newHdr.InitFresh(indexCap, dataCap, fixedDataSize)

	newIndex, err := arena.Open(tmp.IndexPath, indexCap, newHdr.IndexState())
	if err != nil {
		removeTmp()
		return nil, fmt.Errorf("rc: open new index arena: %w", err)
	}
	newData, err := arena.Open(tmp.DataPath, dataCap, newHdr.DataState())
	if err != nil {
		_ = newIndex.Close()
		removeTmp()
		return nil, fmt.Errorf("rc: open new data arena: %w", err)
	}

	newMem := trie.NewDictMem(newIndex, newData, newHdr)
	newDict := trie.NewDict(newMem, newHdr)
	newDict.SetLogger(logger)

	copied, err := copyAll(oldDict, newDict)
	if err != nil {
		_ = newIndex.Close()
		_ = newData.Close()
		_ = newHdr.Close()
		removeTmp()
		return nil, fmt.Errorf("rc: copy pass: %w", err)
	}

	if err := newIndex.Flush(); err != nil {
		return nil, err
	}
	if err := newData.Flush(); err != nil {
		return nil, err
	}
	if err := newHdr.Sync(); err != nil {
		return nil, err
	}

	if err := swap(tmp, paths); err != nil {
		return nil, fmt.Errorf("rc: swap: %w", err)
	}

	logger.Info("resource collection compacted database",
		zap.Uint64("entries_copied", copied),
		zap.Uint64("index_freed", oldIndex.FreedTotal()),
		zap.Uint64("data_freed", oldData.FreedTotal()),
	)

	return &Result{Header: newHdr, Index: newIndex, Data: newData, Mem: newMem, Dict: newDict}, nil
}

// copyAll walks every key in oldDict in sorted order and re-inserts it
// into newDict, which starts from an empty trie built at the same
// capacities but with none of the fragmentation the original accrued.
func copyAll(oldDict *trie.Dict, newDict *trie.Dict) (uint64, error) {
	var n uint64
	err := oldDict.ForEach(func(key, value []byte) error {
		if err := newDict.Add(key, value, true); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// swap closes nothing itself -- the caller must already hold exclusive
// access to both path sets -- it simply renames the freshly built files
// over the live ones. Rename is atomic within a filesystem, so a crash
// between the three renames can leave a stale file of one kind behind,
// recoverable by hand; there is no partial-record risk because each file
// is independently a complete, consistent image.
func swap(tmp, live Paths) error {
	if err := os.Rename(tmp.IndexPath, live.IndexPath); err != nil {
		return err
	}
	if err := os.Rename(tmp.DataPath, live.DataPath); err != nil {
		return err
	}
	return os.Rename(tmp.HeaderPath, live.HeaderPath)
}
