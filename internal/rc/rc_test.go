package rc_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"triedb/internal/arena"
	"triedb/internal/errs"
	"triedb/internal/header"
	"triedb/internal/rc"
	"triedb/internal/trie"
)

func openDict(t *testing.T, dir string) (*trie.Dict, *arena.Arena, *arena.Arena, *header.Header) {
	t.Helper()
	hdr, _, err := header.Open(filepath.Join(dir, header.FileName))
	require.NoError(t, err)
	hdr.InitFresh(1<<20, 1<<20, 0)

	idx, err := arena.Open(filepath.Join(dir, "index.dat"), hdr.IndexCap(), hdr.IndexState())
	require.NoError(t, err)
	dat, err := arena.Open(filepath.Join(dir, "data.dat"), hdr.DataCap(), hdr.DataState())
	require.NoError(t, err)

	mem := trie.NewDictMem(idx, dat, hdr)
	return trie.NewDict(mem, hdr), idx, dat, hdr
}

func TestCollectResourceSkipsBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	dict, idx, dat, hdr := openDict(t, dir)
	defer idx.Close()
	defer dat.Close()
	defer hdr.Close()

	require.NoError(t, dict.Add([]byte("k"), []byte("v"), false))

	paths := rc.Paths{
		IndexPath:  filepath.Join(dir, "index.dat"),
		DataPath:   filepath.Join(dir, "data.dat"),
		HeaderPath: filepath.Join(dir, header.FileName),
	}

	_, err := rc.CollectResource(dict, idx, dat, paths, hdr.IndexCap(), hdr.DataCap(), 0, 1<<30, 1<<30, nil)
	require.ErrorIs(t, err, errs.RCSkipped)
}

func TestCollectResourceRebuildsAndPreservesLiveKeys(t *testing.T) {
	dir := t.TempDir()
	dict, idx, dat, hdr := openDict(t, dir)
	defer idx.Close()
	defer dat.Close()
	defer hdr.Close()

	for i := 0; i < 200; i++ {
		require.NoError(t, dict.Add([]byte(fmt.Sprintf("key-%04d", i)), []byte("v"), false))
	}
	for i := 0; i < 150; i++ {
		require.NoError(t, dict.Remove([]byte(fmt.Sprintf("key-%04d", i))))
	}

	paths := rc.Paths{
		IndexPath:  filepath.Join(dir, "index.dat"),
		DataPath:   filepath.Join(dir, "data.dat"),
		HeaderPath: filepath.Join(dir, header.FileName),
	}

	result, err := rc.CollectResource(dict, idx, dat, paths, hdr.IndexCap(), hdr.DataCap(), 0, 0, 0, nil)
	require.NoError(t, err)
	defer result.Index.Close()
	defer result.Data.Close()
	defer result.Header.Close()

	for i := 150; i < 200; i++ {
		v, err := result.Dict.Find([]byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
		require.Equal(t, "v", string(v))
	}
	for i := 0; i < 150; i++ {
		_, err := result.Dict.Find([]byte(fmt.Sprintf("key-%04d", i)))
		require.ErrorIs(t, err, errs.NotExist)
	}
}
