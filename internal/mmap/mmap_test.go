package mmap_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"triedb/internal/mmap"
)

func TestOpenRoundsToPageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.dat")
	f, err := mmap.Open(path, 1)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, mmap.PageSize, f.Len())
}

func TestWriteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.dat")
	f, err := mmap.Open(path, mmap.PageSize)
	require.NoError(t, err)

	copy(f.Bytes(), []byte("hello"))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f2, err := mmap.Open(path, mmap.PageSize)
	require.NoError(t, err)
	defer f2.Close()
	require.Equal(t, []byte("hello"), f2.Bytes()[:5])
}

func TestGrowExtendsAndPreservesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.dat")
	f, err := mmap.Open(path, mmap.PageSize)
	require.NoError(t, err)
	defer f.Close()

	copy(f.Bytes(), []byte("preserved"))
	require.NoError(t, f.Grow(mmap.PageSize*3))

	require.Equal(t, mmap.PageSize*3, f.Len())
	require.Equal(t, []byte("preserved"), f.Bytes()[:9])
}

func TestGrowToSmallerSizeIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.dat")
	f, err := mmap.Open(path, mmap.PageSize*2)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Grow(1))
	require.Equal(t, mmap.PageSize*2, f.Len())
}
