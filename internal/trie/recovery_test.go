package trie

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"triedb/internal/arena"
	"triedb/internal/errs"
	"triedb/internal/header"
)

// openRecoveryDict builds a fresh dict over real mmap'd arenas, the same
// way internal/handle does, so these tests exercise the actual Header/
// Arena byte layout rather than a mock of it.
func openRecoveryDict(t *testing.T) (*Dict, *arena.Arena, *header.Header) {
	t.Helper()
	dir := t.TempDir()

	hdr, fresh, err := header.Open(filepath.Join(dir, header.FileName))
	require.NoError(t, err)
	require.True(t, fresh)
	hdr.InitFresh(1<<24, 1<<24, 0)
	t.Cleanup(func() { _ = hdr.Close() })

	idx, err := arena.Open(filepath.Join(dir, "index.dat"), hdr.IndexCap(), hdr.IndexState())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	dat, err := arena.Open(filepath.Join(dir, "data.dat"), hdr.DataCap(), hdr.DataState())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dat.Close() })

	mem := NewDictMem(idx, dat, hdr)
	return NewDict(mem, hdr), idx, hdr
}

// scramble overwrites buf with a fixed non-zero pattern distinguishable
// from both an all-zero slot and whatever real content might land there.
func scramble(buf []byte) {
	for i := range buf {
		buf[i] = 0xAA
	}
}

// Each of these tests forges the exact journal entry the corresponding
// DictMem mutation would have published right before its destructive
// write (see dictmem.go's BeginException call sites), tears the live
// bytes to simulate a writer that died mid-write, and checks that
// ExceptionRecovery puts the byte range back exactly as BeginException's
// pre-image recorded it -- the same restore a reopening writer performs
// after an unclean shutdown.

func TestExceptionRecoveryAddEdge(t *testing.T) {
	d, idx, hdr := openRecoveryDict(t)

	// Three distinct first bytes force root through two rebuilds and land
	// it at tier 2 (capacity 4, count 3), leaving slot 3 unused -- exactly
	// the node AddChild would insert a fourth sibling into in place.
	require.NoError(t, d.Add([]byte("aa"), []byte("1"), false))
	require.NoError(t, d.Add([]byte("bb"), []byte("2"), false))
	require.NoError(t, d.Add([]byte("cc"), []byte("3"), false))

	rootOff := hdr.Root()
	root, err := d.mem.Node(rootOff)
	require.NoError(t, err)
	require.Equal(t, 3, root.count())
	require.Equal(t, 4, root.capacity())

	rangeStart := edgeRangeOffset(3)
	before, err := idx.Bytes(rootOff+uint64(rangeStart), edgeSize)
	require.NoError(t, err)
	beforeCopy := append([]byte(nil), before...)

	hdr.BeginException(header.ExceptionAddEdge, rootOff, uint64(rangeStart), beforeCopy)
	require.NoError(t, hdr.Sync())

	torn := make([]byte, edgeSize)
	scramble(torn)
	require.NoError(t, idx.Write(rootOff+uint64(rangeStart), torn))

	require.NoError(t, d.ExceptionRecovery())

	_, _, _, _, ok := hdr.PendingException()
	require.False(t, ok)

	after, err := idx.Bytes(rootOff+uint64(rangeStart), edgeSize)
	require.NoError(t, err)
	require.Equal(t, beforeCopy, after)

	root, err = d.mem.Node(rootOff)
	require.NoError(t, err)
	require.Equal(t, 3, root.count())

	for _, k := range []string{"aa", "bb", "cc"} {
		_, err := d.Find([]byte(k))
		require.NoError(t, err)
	}
	_, err = d.Find([]byte("dd"))
	require.ErrorIs(t, err, errs.NotExist)
}

// TestExceptionRecoveryRemoveEdge checks the one exception class whose
// recovery is a redo rather than an undo: a crash mid-RemoveChild must
// leave the removed key absent, not put its edge back.
func TestExceptionRecoveryRemoveEdge(t *testing.T) {
	d, idx, hdr := openRecoveryDict(t)

	require.NoError(t, d.Add([]byte("aa"), []byte("1"), false))
	require.NoError(t, d.Add([]byte("bb"), []byte("2"), false))
	require.NoError(t, d.Add([]byte("cc"), []byte("3"), false))

	rootOff := hdr.Root()
	root, err := d.mem.Node(rootOff)
	require.NoError(t, err)
	require.Equal(t, 3, root.count())

	// Simulate RemoveChild(rootOff, root, pos=1) removing "bb"'s edge: it
	// journals the pre-removal range covering slots 1 and 2 ("bb", "cc").
	rangeStart := edgeRangeOffset(1)
	rangeEnd := edgeRangeOffset(3)
	before, err := idx.Bytes(rootOff+uint64(rangeStart), uint64(rangeEnd-rangeStart))
	require.NoError(t, err)
	beforeCopy := append([]byte(nil), before...)

	hdr.BeginException(header.ExceptionRemoveEdge, rootOff, uint64(rangeStart), beforeCopy)
	require.NoError(t, hdr.Sync())

	torn := make([]byte, rangeEnd-rangeStart)
	scramble(torn)
	require.NoError(t, idx.Write(rootOff+uint64(rangeStart), torn))

	require.NoError(t, d.ExceptionRecovery())

	_, _, _, _, ok := hdr.PendingException()
	require.False(t, ok)

	// Recovery redoes the compaction from the pre-image: slot 1 becomes
	// what was slot 2 ("cc"'s edge), and the last slot is cleared.
	want := append([]byte(nil), beforeCopy[edgeSize:]...)
	want = append(want, make([]byte, edgeSize)...)
	after, err := idx.Bytes(rootOff+uint64(rangeStart), uint64(rangeEnd-rangeStart))
	require.NoError(t, err)
	require.Equal(t, want, after)

	root, err = d.mem.Node(rootOff)
	require.NoError(t, err)
	require.Equal(t, 2, root.count())

	for _, k := range []string{"aa", "cc"} {
		_, err := d.Find([]byte(k))
		require.NoError(t, err)
	}
	_, err = d.Find([]byte("bb"))
	require.ErrorIs(t, err, errs.NotExist)
}

func TestExceptionRecoveryAddDataOff(t *testing.T) {
	d, idx, hdr := openRecoveryDict(t)

	require.NoError(t, d.Add([]byte("solo"), []byte("v1"), false))

	rootOff := hdr.Root()
	root, err := d.mem.Node(rootOff)
	require.NoError(t, err)
	leafOff := root.edge(0).childOff()

	before, err := idx.Bytes(leafOff, nodeHeaderSize)
	require.NoError(t, err)
	beforeCopy := append([]byte(nil), before...)

	hdr.BeginException(header.ExceptionAddDataOff, leafOff, 0, beforeCopy)
	require.NoError(t, hdr.Sync())

	torn := make([]byte, nodeHeaderSize)
	scramble(torn)
	require.NoError(t, idx.Write(leafOff, torn))

	require.NoError(t, d.ExceptionRecovery())

	_, _, _, _, ok := hdr.PendingException()
	require.False(t, ok)

	after, err := idx.Bytes(leafOff, nodeHeaderSize)
	require.NoError(t, err)
	require.Equal(t, beforeCopy, after)

	v, err := d.Find([]byte("solo"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))
}

func TestExceptionRecoveryAddNode(t *testing.T) {
	d, _, hdr := openRecoveryDict(t)

	require.NoError(t, d.Add([]byte("keep"), []byte("v"), false))
	rootOff := hdr.Root()

	// repoint journals no pre-image (nil): the rebuilt node is unreferenced
	// until the repoint itself succeeds, so there is nothing to restore
	// either way a crash lands around it. Recovery only needs to clear the
	// stale flag.
	hdr.BeginException(header.ExceptionAddNode, rootOff, rootOff, nil)
	require.NoError(t, hdr.Sync())

	require.NoError(t, d.ExceptionRecovery())

	_, _, _, _, ok := hdr.PendingException()
	require.False(t, ok)

	v, err := d.Find([]byte("keep"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
}

// TestExceptionRecoveryClearEdge exercises ExceptionClearEdge directly
// against the header/recovery machinery. No current mutation path emits
// this class -- RelabelEdge and AddChild/RemoveChild cover edge splitting,
// insertion and compaction under ExceptionAddEdge/ExceptionRemoveEdge --
// but recovery.go restores it with the same whole-byte-range replay as
// the other edge classes, so it is tested the same way: forge the
// journal entry, tear the bytes, recover, and check the range comes back
// exactly as recorded.
func TestExceptionRecoveryClearEdge(t *testing.T) {
	d, idx, hdr := openRecoveryDict(t)

	require.NoError(t, d.Add([]byte("aa"), []byte("1"), false))
	require.NoError(t, d.Add([]byte("bb"), []byte("2"), false))

	rootOff := hdr.Root()
	rangeStart := edgeRangeOffset(0)
	before, err := idx.Bytes(rootOff+uint64(rangeStart), edgeSize)
	require.NoError(t, err)
	beforeCopy := append([]byte(nil), before...)

	hdr.BeginException(header.ExceptionClearEdge, rootOff, uint64(rangeStart), beforeCopy)
	require.NoError(t, hdr.Sync())

	torn := make([]byte, edgeSize)
	scramble(torn)
	require.NoError(t, idx.Write(rootOff+uint64(rangeStart), torn))

	require.NoError(t, d.ExceptionRecovery())

	_, _, _, _, ok := hdr.PendingException()
	require.False(t, ok)

	after, err := idx.Bytes(rootOff+uint64(rangeStart), edgeSize)
	require.NoError(t, err)
	require.Equal(t, beforeCopy, after)

	for _, k := range []string{"aa", "bb"} {
		_, err := d.Find([]byte(k))
		require.NoError(t, err)
	}
}

// TestExceptionRecoveryAddEdgeAtScale models the first of the two
// concrete crash scenarios this store is expected to survive: a sibling
// insertion crashing partway through a trie holding tens of thousands of
// keys.
func TestExceptionRecoveryAddEdgeAtScale(t *testing.T) {
	d, idx, hdr := openRecoveryDict(t)

	const n = 32331
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		require.NoError(t, d.Add(key, []byte(fmt.Sprintf("v%d", i)), false))
	}

	rootOff := hdr.Root()
	root, err := d.mem.Node(rootOff)
	require.NoError(t, err)
	require.Greater(t, root.count(), 0)

	rangeStart := edgeRangeOffset(0)
	before, err := idx.Bytes(rootOff+uint64(rangeStart), edgeSize)
	require.NoError(t, err)
	beforeCopy := append([]byte(nil), before...)

	hdr.BeginException(header.ExceptionAddEdge, rootOff, uint64(rangeStart), beforeCopy)
	require.NoError(t, hdr.Sync())

	torn := make([]byte, edgeSize)
	scramble(torn)
	require.NoError(t, idx.Write(rootOff+uint64(rangeStart), torn))

	require.NoError(t, d.ExceptionRecovery())

	_, _, _, _, ok := hdr.PendingException()
	require.False(t, ok)

	after, err := idx.Bytes(rootOff+uint64(rangeStart), edgeSize)
	require.NoError(t, err)
	require.Equal(t, beforeCopy, after)

	require.EqualValues(t, n, hdr.EntryCount())
	for _, i := range []int{0, n / 2, n - 1} {
		v, err := d.Find([]byte(fmt.Sprintf("key-%06d", i)))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", i), string(v))
	}
}

// TestExceptionRecoveryClearEdgeAtScale models the second concrete
// scenario: a clear-edge crash against a trie holding over ten thousand
// keys.
func TestExceptionRecoveryClearEdgeAtScale(t *testing.T) {
	d, idx, hdr := openRecoveryDict(t)

	const n = 13234
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		require.NoError(t, d.Add(key, []byte(fmt.Sprintf("v%d", i)), false))
	}

	rootOff := hdr.Root()
	root, err := d.mem.Node(rootOff)
	require.NoError(t, err)
	require.Greater(t, root.count(), 0)

	rangeStart := edgeRangeOffset(0)
	before, err := idx.Bytes(rootOff+uint64(rangeStart), edgeSize)
	require.NoError(t, err)
	beforeCopy := append([]byte(nil), before...)

	hdr.BeginException(header.ExceptionClearEdge, rootOff, uint64(rangeStart), beforeCopy)
	require.NoError(t, hdr.Sync())

	torn := make([]byte, edgeSize)
	scramble(torn)
	require.NoError(t, idx.Write(rootOff+uint64(rangeStart), torn))

	require.NoError(t, d.ExceptionRecovery())

	_, _, _, _, ok := hdr.PendingException()
	require.False(t, ok)

	after, err := idx.Bytes(rootOff+uint64(rangeStart), edgeSize)
	require.NoError(t, err)
	require.Equal(t, beforeCopy, after)

	require.EqualValues(t, n, hdr.EntryCount())
	for _, i := range []int{0, n / 2, n - 1} {
		v, err := d.Find([]byte(fmt.Sprintf("key-%06d", i)))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", i), string(v))
	}
}
