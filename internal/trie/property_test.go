package trie_test

import (
	"path/filepath"
	"testing"

	"pgregory.net/rapid"

	"triedb/internal/arena"
	"triedb/internal/errs"
	"triedb/internal/header"
	"triedb/internal/trie"
)

// newDictForRapid builds a fresh Dict for one property-test iteration.
// Cleanup is registered on the enclosing *testing.T rather than on
// rapid.T, since rapid.Check may run this many times within a single Test
// function invocation and all of those temp directories only need to
// disappear once the Go test itself finishes.
func newDictForRapid(t *testing.T) *trie.Dict {
	dir := t.TempDir()

	hdr, _, err := header.Open(filepath.Join(dir, header.FileName))
	if err != nil {
		t.Fatalf("open header: %v", err)
	}
	hdr.InitFresh(1<<24, 1<<24, 0)
	t.Cleanup(func() { _ = hdr.Close() })

	idx, err := arena.Open(filepath.Join(dir, "index.dat"), hdr.IndexCap(), hdr.IndexState())
	if err != nil {
		t.Fatalf("open index arena: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	dat, err := arena.Open(filepath.Join(dir, "data.dat"), hdr.DataCap(), hdr.DataState())
	if err != nil {
		t.Fatalf("open data arena: %v", err)
	}
	t.Cleanup(func() { _ = dat.Close() })

	mem := trie.NewDictMem(idx, dat, hdr)
	return trie.NewDict(mem, hdr)
}

// TestAddFindRemoveInvariant checks that any sequence of Add/Remove calls
// leaves Find agreeing with a plain Go map tracking the same operations:
// find(k) returns the last value added for a live key, and NotExist once
// the key has been removed.
func TestAddFindRemoveInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := newDictForRapid(t)
		model := map[string]string{}

		keyGen := rapid.StringMatching(`[a-c]{1,4}`)
		valueGen := rapid.StringN(1, 8, -1)

		n := rapid.IntRange(1, 200).Draw(rt, "n")
		for i := 0; i < n; i++ {
			key := keyGen.Draw(rt, "key")
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0, 1: // weight adds higher so trees actually grow
				value := valueGen.Draw(rt, "value")
				err := d.Add([]byte(key), []byte(value), true)
				if err != nil {
					rt.Fatalf("add(%q): %v", key, err)
				}
				model[key] = value
			case 2:
				err := d.Remove([]byte(key))
				if _, existed := model[key]; existed {
					if err != nil {
						rt.Fatalf("remove(%q): %v", key, err)
					}
					delete(model, key)
				} else if err != errs.NotExist {
					rt.Fatalf("remove(%q): expected NotExist, got %v", key, err)
				}
			}
		}

		for key, want := range model {
			got, err := d.Find([]byte(key))
			if err != nil {
				rt.Fatalf("find(%q): %v", key, err)
			}
			if string(got) != want {
				rt.Fatalf("find(%q) = %q, want %q", key, got, want)
			}
		}
	})
}
