package arena_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"triedb/internal/arena"
)

type fakeState struct {
	highWater  uint64
	freeHeads  [arena.NumSizeClasses]uint64
	freedTotal uint64
}

func (s *fakeState) HighWater() uint64             { return s.highWater }
func (s *fakeState) SetHighWater(x uint64)         { s.highWater = x }
func (s *fakeState) FreeHead(class int) uint64     { return s.freeHeads[class] }
func (s *fakeState) SetFreeHead(class int, x uint64) { s.freeHeads[class] = x }
func (s *fakeState) FreedTotal() uint64            { return s.freedTotal }
func (s *fakeState) AddFreed(n uint64)             { s.freedTotal += n }

func openArena(t *testing.T, capacity uint64) *arena.Arena {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arena.dat")
	a, err := arena.Open(path, capacity, &fakeState{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAllocWriteBytes(t *testing.T) {
	a := openArena(t, 1<<20)

	off, err := a.Alloc(10)
	require.NoError(t, err)
	require.NotEqual(t, uint64(arena.NullOffset), off)

	require.NoError(t, a.Write(off, []byte("helloworld")))
	got, err := a.Bytes(off, 10)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(got))
}

func TestAllocDistinctOffsets(t *testing.T) {
	a := openArena(t, 1<<20)

	off1, err := a.Alloc(20)
	require.NoError(t, err)
	off2, err := a.Alloc(20)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)
}

func TestFreeReusesSlot(t *testing.T) {
	a := openArena(t, 1<<20)

	off1, err := a.Alloc(20)
	require.NoError(t, err)
	a.Free(off1, 20)
	require.Equal(t, uint64(32), a.FreedTotal()) // rounded up to the 32-byte size class

	off2, err := a.Alloc(20)
	require.NoError(t, err)
	require.Equal(t, off1, off2, "a freed slot should be reused before bumping the high-water mark")
}

func TestAllocNoMemoryAtCapacity(t *testing.T) {
	a := openArena(t, 64)

	for i := 0; i < 100; i++ {
		if _, err := a.Alloc(16); err == arena.ErrNoMemory {
			return
		}
	}
	t.Fatal("expected ErrNoMemory once capacity is exhausted")
}

func TestBytesOutOfBound(t *testing.T) {
	a := openArena(t, 1<<20)
	_, err := a.Bytes(1<<20+1, 8)
	require.ErrorIs(t, err, arena.ErrOutOfBound)
}

func TestOpenRejectsZeroCapacity(t *testing.T) {
	_, err := arena.Open(filepath.Join(t.TempDir(), "arena.dat"), 0, &fakeState{})
	require.Error(t, err)
}
