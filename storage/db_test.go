package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("pending:1"), []byte{1}))
	require.NoError(t, db.Put([]byte("pending:2"), []byte{2}))
	require.NoError(t, db.Put([]byte("play:1"), []byte{9}))

	ok, err := db.Has([]byte("pending:1"))
	require.NoError(t, err)
	require.True(t, ok)

	batch := NewBatch()
	batch.Put([]byte("pending:3"), []byte{3})
	batch.Delete([]byte("pending:1"))
	require.Equal(t, 2, batch.Len())
	require.NoError(t, db.Write(batch))

	var keys []string
	require.NoError(t, db.Iterate([]byte("pending:"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"pending:2", "pending:3"}, keys)

	keys = keys[:0]
	require.NoError(t, db.Iterate([]byte("pending:"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return false
	}))
	require.Len(t, keys, 1)

	require.NoError(t, db.Delete([]byte("play:1")))
	ok, err = db.Has([]byte("play:1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBReturnsCopies(t *testing.T) {
	db := NewMemDB()
	value := []byte{1, 2, 3}
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 42

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)
}
