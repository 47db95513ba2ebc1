package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/0xRadioAc7iv/go-recstore/internal/pagestore"
	"github.com/0xRadioAc7iv/go-recstore/internal/record"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func nullLog() *logrus.Entry {
	logger, _ := logtest.NewNullLogger()
	return logrus.NewEntry(logger)
}

func openTableFile(t *testing.T, path string, layout record.Layout) *RecordTable {
	t.Helper()

	store, err := pagestore.Open(path)
	require.NoError(t, err)

	table, err := OpenRecordTable(store, layout, nullLog())
	require.NoError(t, err)
	return table
}

func TestRecordTableCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t"+RecordIndexExt)
	table := openTableFile(t, path, record.Base)
	defer table.Close()

	require.True(t, table.IsDirty(), "a fresh table is dirty until forced")

	for i := 1; i <= 3; i++ {
		id, err := table.CreateNewRecord()
		require.NoError(t, err)
		require.Equal(t, i, id)

		e, err := table.Entry(id)
		require.NoError(t, err)
		require.Equal(t, record.Entry{}, e)
	}

	count, err := table.RecordsCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(record.TableHeaderSize+3*record.BaseRecordSize), info.Size())
}

func TestRecordTableFields(t *testing.T) {
	table := openTableFile(t, filepath.Join(t.TempDir(), "t"+RecordIndexExt), record.RefCounted)
	defer table.Close()

	id, err := table.CreateNewRecord()
	require.NoError(t, err)

	require.NoError(t, table.SetAddress(id, 1<<40))
	require.NoError(t, table.SetSize(id, 17))
	require.NoError(t, table.SetCapacity(id, 64))
	require.NoError(t, table.SetRefCount(id, 3))

	e, err := table.Entry(id)
	require.NoError(t, err)
	require.Equal(t, record.Entry{Address: 1 << 40, Size: 17, Capacity: 64, RefCount: 3}, e)

	refs, err := table.RefCount(id)
	require.NoError(t, err)
	require.Equal(t, int32(3), refs)
}

func TestRecordTableBaseHasNoRefCount(t *testing.T) {
	table := openTableFile(t, filepath.Join(t.TempDir(), "t"+RecordIndexExt), record.Base)
	defer table.Close()

	id, err := table.CreateNewRecord()
	require.NoError(t, err)

	_, err = table.RefCount(id)
	require.ErrorIs(t, err, ErrUnsupported)
	require.ErrorIs(t, table.SetRefCount(id, 1), ErrUnsupported)
}

func TestRecordTableInvalidIDs(t *testing.T) {
	table := openTableFile(t, filepath.Join(t.TempDir(), "t"+RecordIndexExt), record.Base)
	defer table.Close()

	_, err := table.CreateNewRecord()
	require.NoError(t, err)

	for _, id := range []int{-1, 0, 2} {
		_, err := table.Entry(id)
		require.ErrorIs(t, err, ErrInvalidRecord, "id %d", id)
		require.ErrorIs(t, table.DeleteRecord(id), ErrInvalidRecord, "id %d", id)
	}
}

func TestRecordTableFreeList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t"+RecordIndexExt)
	table := openTableFile(t, path, record.Base)

	for i := 0; i < 4; i++ {
		_, err := table.CreateNewRecord()
		require.NoError(t, err)
	}
	require.NoError(t, table.DeleteRecord(1))
	require.NoError(t, table.DeleteRecord(3))

	size, err := table.Size(3)
	require.NoError(t, err)
	require.Equal(t, record.FreeSize, size)

	live, err := table.LiveRecordsCount()
	require.NoError(t, err)
	require.Equal(t, 2, live)
	require.NoError(t, table.Close())

	// The free list is rebuilt by scanning on the first create after open.
	table = openTableFile(t, path, record.Base)
	defer table.Close()

	var got []int
	for i := 0; i < 3; i++ {
		id, err := table.CreateNewRecord()
		require.NoError(t, err)
		got = append(got, id)
	}
	require.Equal(t, []int{3, 1, 5}, got)
}

func TestRecordTableVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t"+RecordIndexExt)
	table := openTableFile(t, path, record.Base)
	require.NoError(t, table.SetVersion(42))
	require.NoError(t, table.Close())

	table = openTableFile(t, path, record.Base)
	defer table.Close()

	v, err := table.Version()
	require.NoError(t, err)
	require.Equal(t, int32(42), v)
	require.False(t, table.IsDirty(), "reading does not dirty the table")
}

func TestRecordTableForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t"+RecordIndexExt)
	table := openTableFile(t, path, record.Base)
	defer table.Close()

	_, err := table.CreateNewRecord()
	require.NoError(t, err)

	magic, err := table.store.GetInt(record.TableMagicOffset)
	require.NoError(t, err)
	require.Equal(t, record.DirtyMagic, magic)

	require.NoError(t, table.Force())
	require.False(t, table.IsDirty())

	magic, err = table.store.GetInt(record.TableMagicOffset)
	require.NoError(t, err)
	require.Equal(t, record.Base.ClosedMagic(), magic)

	// The next modification marks it dirty again.
	require.NoError(t, table.SetSize(1, 1))
	magic, err = table.store.GetInt(record.TableMagicOffset)
	require.NoError(t, err)
	require.Equal(t, record.DirtyMagic, magic)
}

func TestOpenRecordTableRejects(t *testing.T) {
	t.Run("unclean close", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "t"+RecordIndexExt)
		table := openTableFile(t, path, record.Base)
		_, err := table.CreateNewRecord()
		require.NoError(t, err)
		require.NoError(t, table.store.Close())

		store, err := pagestore.Open(path)
		require.NoError(t, err)
		defer store.Close()

		_, err = OpenRecordTable(store, record.Base, nullLog())
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("other layout", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "t"+RecordIndexExt)
		table := openTableFile(t, path, record.Base)
		require.NoError(t, table.Close())

		store, err := pagestore.Open(path)
		require.NoError(t, err)
		defer store.Close()

		_, err = OpenRecordTable(store, record.RefCounted, nullLog())
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("partial slot", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "t"+RecordIndexExt)
		table := openTableFile(t, path, record.Base)
		_, err := table.CreateNewRecord()
		require.NoError(t, err)
		require.NoError(t, table.Close())

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		require.NoError(t, err)
		_, err = f.Write([]byte{1, 2, 3})
		require.NoError(t, err)
		require.NoError(t, f.Close())

		store, err := pagestore.Open(path)
		require.NoError(t, err)
		defer store.Close()

		_, err = OpenRecordTable(store, record.Base, nullLog())
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("truncated header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "t"+RecordIndexExt)
		require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0644))

		store, err := pagestore.Open(path)
		require.NoError(t, err)
		defer store.Close()

		_, err = OpenRecordTable(store, record.Base, nullLog())
		require.ErrorIs(t, err, ErrCorrupted)
	})
}
