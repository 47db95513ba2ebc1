package core

import (
	"testing"

	"github.com/0xRadioAc7iv/go-recstore/internal"
	"github.com/0xRadioAc7iv/go-recstore/internal/pagestore"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// fragment leaves the store with records 1 and 2 live and 5120 bytes of
// waste in an 11296 byte heap.
func fragment(t *testing.T, s *Storage) (one, two []byte) {
	t.Helper()

	for i := 1; i <= 3; i++ {
		id, err := s.CreateNewRecord()
		require.NoError(t, err)
		require.NoError(t, s.WriteBytes(id, payload(1000, byte(i)), false))
	}

	require.NoError(t, s.WriteBytes(2, payload(3000, 20), false))
	two = payload(5000, 21)
	require.NoError(t, s.WriteBytes(2, two, false))
	require.NoError(t, s.DeleteRecord(3))

	one, err := s.ReadBytes(1)
	require.NoError(t, err)
	return one, two
}

func eagerCompactConfig(t *testing.T) *internal.Config {
	cfg := testConfig(t)
	cfg.CompactMinWaste = 0
	return cfg
}

func TestCompact(t *testing.T) {
	s := openStorage(t, storePath(t), eagerCompactConfig(t))
	one, two := fragment(t, s)

	st, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{Records: 3, Live: 2, DataLength: 11296, Waste: 5120}, st)

	need, err := s.data.IsCompactNecessary()
	require.NoError(t, err)
	require.True(t, need)

	require.NoError(t, s.Compact())

	st, err = s.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{Records: 3, Live: 2, DataLength: 32 + 1024 + 5120, Waste: 0}, st)
	require.False(t, s.records.IsDirty(), "relocations are forced at the end of the pass")
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.compactions))

	for id, want := range map[int][]byte{1: one, 2: two} {
		got, err := s.ReadBytes(id)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.NoError(t, s.CheckSanity(id))
	}

	id, err := s.CreateNewRecord()
	require.NoError(t, err)
	require.Equal(t, 3, id, "freed ids survive compaction")

	require.NoFileExists(t, compactPath(s.path))
}

var errInjected = errors.New("injected write failure")

// failingLongStore rejects every 8-byte write, which only address updates use.
type failingLongStore struct {
	pagestore.PageStore
}

func (failingLongStore) PutLong(int64, int64) error {
	return errInjected
}

func TestCompactRelocationFailureForcesRebuild(t *testing.T) {
	path := storePath(t)
	cfg := eagerCompactConfig(t)

	s, err := Open(path, cfg)
	require.NoError(t, err)
	fragment(t, s)

	s.lock.Lock()
	s.records.store = failingLongStore{PageStore: s.records.store}
	s.lock.Unlock()

	require.ErrorIs(t, s.Compact(), errInjected)

	_, err = s.ReadBytes(2)
	require.ErrorIs(t, err, ErrClosed, "a half-relocated store must not stay usable")
	require.NoError(t, s.Close())

	s = openStorage(t, path, cfg)
	require.True(t, s.Rebuilt(), "the record table must still carry the dirty magic")

	count, err := s.RecordsCount()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCompactOnOpenRelocationFailure(t *testing.T) {
	path := storePath(t)

	s, err := Open(path, testConfig(t))
	require.NoError(t, err)
	fragment(t, s)
	require.NoError(t, s.Close())

	// Reopen cleanly, then compact with a record store that cannot take
	// address updates, the same pass Open runs when waste is high.
	cfg := eagerCompactConfig(t)
	s, err = Open(path, testConfig(t))
	require.NoError(t, err)
	s.cfg = cfg.WithDefaults()

	s.lock.Lock()
	s.records.store = failingLongStore{PageStore: s.records.store}
	err = s.compactLocked()
	closed := s.closed
	s.lock.Unlock()

	require.ErrorIs(t, err, errInjected)
	require.True(t, closed)

	s = openStorage(t, path, cfg)
	require.True(t, s.Rebuilt())
}

func TestCompactResetsEmptyRecords(t *testing.T) {
	s := openStorage(t, storePath(t), eagerCompactConfig(t))

	id, err := s.CreateNewRecord()
	require.NoError(t, err)
	require.NoError(t, s.WriteBytes(id, payload(100, 0), false))
	require.NoError(t, s.WriteBytes(id, nil, false))
	require.NoError(t, s.Compact())

	e, err := s.records.Entry(id)
	require.NoError(t, err)
	require.Zero(t, e.Address)
	require.Zero(t, e.Size)
	require.Zero(t, e.Capacity)
}

func TestCompactOnOpen(t *testing.T) {
	path := storePath(t)

	s, err := Open(path, eagerCompactConfig(t))
	require.NoError(t, err)
	one, two := fragment(t, s)
	require.NoError(t, s.Close())

	t.Run("default thresholds leave a small heap alone", func(t *testing.T) {
		s, err := Open(path, testConfig(t))
		require.NoError(t, err)
		defer s.Close()

		st, err := s.Stats()
		require.NoError(t, err)
		require.Equal(t, int64(5120), st.Waste)
	})

	t.Run("eager thresholds compact", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		cfg := eagerCompactConfig(t)
		cfg.Registerer = reg

		s := openStorage(t, path, cfg)
		require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.compactions))

		st, err := s.Stats()
		require.NoError(t, err)
		require.Zero(t, st.Waste)

		got, err := s.ReadBytes(1)
		require.NoError(t, err)
		require.Equal(t, one, got)
		got, err = s.ReadBytes(2)
		require.NoError(t, err)
		require.Equal(t, two, got)
	})
}

func TestCompactLargeHeapOnReopen(t *testing.T) {
	if testing.Short() {
		t.Skip("writes about 9MB")
	}

	path := storePath(t)
	s, err := Open(path, testConfig(t))
	require.NoError(t, err)

	id, err := s.CreateNewRecord()
	require.NoError(t, err)
	require.NoError(t, s.WriteBytes(id, payload(4*OneMegabyte, 1), false))

	need, err := s.data.IsCompactNecessary()
	require.NoError(t, err)
	require.False(t, need)

	latest := payload(5*OneMegabyte, 2)
	require.NoError(t, s.WriteBytes(id, latest, false))

	need, err = s.data.IsCompactNecessary()
	require.NoError(t, err)
	require.True(t, need)
	require.NoError(t, s.Close())

	s = openStorage(t, path, testConfig(t))
	st, err := s.Stats()
	require.NoError(t, err)
	require.Zero(t, st.Waste)
	require.Equal(t, int64(32+internal.DefaultCapacityPolicy(5*OneMegabyte)), st.DataLength)

	got, err := s.ReadBytes(id)
	require.NoError(t, err)
	require.Equal(t, latest, got)
}
