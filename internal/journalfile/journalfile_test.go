package journalfile_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"triedb/internal/journalfile"
)

func TestAppendAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mabain.log")
	w, err := journalfile.Open(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(journalfile.OpAdd, []byte("key"), []byte("value")))
	require.NoError(t, w.Append(journalfile.OpRemove, []byte("key"), nil))
	require.NoError(t, w.Append(journalfile.OpRemoveAll, nil, nil))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
}

func TestAppendAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mabain.log")
	w, err := journalfile.Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.Append(journalfile.OpAdd, []byte("k"), []byte("v"))
	require.Error(t, err)
}
