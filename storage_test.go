package avida

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestStore_GetSetRemove(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(KeyListings)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(KeyListings, []byte(`[1,2]`)))
			got, err := s.Get(KeyListings)
			require.NoError(t, err)
			assert.Equal(t, `[1,2]`, string(got))

			require.NoError(t, s.Set(KeyListings, []byte(`[3]`)))
			got, err = s.Get(KeyListings)
			require.NoError(t, err)
			assert.Equal(t, `[3]`, string(got))

			require.NoError(t, s.Remove(KeyListings))
			_, err = s.Get(KeyListings)
			require.ErrorIs(t, err, ErrNotFound)

			// removing again is fine
			require.NoError(t, s.Remove(KeyListings))
		})
	}
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	in := []byte("abc")
	require.NoError(t, s.Set("k", in))
	in[0] = 'x'

	out, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))

	out[0] = 'y'
	again, _ := s.Get("k")
	assert.Equal(t, "abc", string(again))
	assert.Equal(t, 1, s.Len())
}

func TestFileStore_RejectsUnsafeKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", ".", "..", "../escape", `a\b`, "dir/file"} {
		t.Run(key, func(t *testing.T) {
			assert.ErrorIs(t, s.Set(key, []byte("x")), ErrInvalidKey)
			_, err := s.Get(key)
			assert.ErrorIs(t, err, ErrInvalidKey)
			assert.ErrorIs(t, s.Remove(key), ErrInvalidKey)
		})
	}
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Set(KeyQueue, []byte(`[]`)))

	_, err = os.Stat(filepath.Join(dir, KeyQueue+".json"))
	require.NoError(t, err)

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := s2.Get(KeyQueue)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))
	assert.Equal(t, dir, s2.Dir())
}

func TestNewFileStore_EmptyDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}
