package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"mergedb/pkg/dberrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifest_CreateLoad(t *testing.T) {
	dir := t.TempDir()

	m := NewManifest(dir)
	exists, err := m.Load()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, m.Create("stringappend"))
	assert.NotEmpty(t, m.DBID())

	id := m.GetNextTableID()
	require.NoError(t, m.Apply(VersionEdit{
		Added:        []Meta{{ID: id, Level: 0, MinKey: []byte("a"), MaxKey: []byte("z"), Size: 100}},
		PersistentID: 42,
	}))

	reopened := NewManifest(dir)
	exists, err = reopened.Load()
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, m.DBID(), reopened.DBID())
	assert.Equal(t, "stringappend", reopened.Operator())
	assert.Equal(t, uint64(42), reopened.PersistentID())
	assert.Equal(t, id+1, reopened.GetNextTableID())

	tables := reopened.GetAllTables()
	require.Len(t, tables[0], 1)
	assert.Equal(t, []byte("a"), tables[0][0].MinKey)

	_, err = os.Stat(filepath.Join(dir, manifestName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestManifest_ApplyEdit(t *testing.T) {
	m := NewManifest(t.TempDir())
	require.NoError(t, m.Create("overwrite"))

	require.NoError(t, m.Apply(VersionEdit{
		Added:        []Meta{{ID: 1, Level: 0}, {ID: 2, Level: 0}, {ID: 3, Level: 1}},
		PersistentID: 10,
	}))
	require.NoError(t, m.Apply(VersionEdit{
		Added:   []Meta{{ID: 4, Level: 1}},
		Deleted: []uint64{1, 2, 3},
	}))

	tables := m.GetAllTables()
	assert.NotContains(t, tables, 0)
	require.Len(t, tables[1], 1)
	assert.Equal(t, uint64(4), tables[1][0].ID)
	assert.Equal(t, uint64(10), m.PersistentID(), "persistent id never moves backwards")
	assert.Equal(t, uint64(5), m.GetNextTableID())
}

func TestManifest_Corrupted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte("{not json"), 0644))

	_, err := NewManifest(dir).Load()
	assert.ErrorIs(t, err, dberrors.ErrCorruption)
}
