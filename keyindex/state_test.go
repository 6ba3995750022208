package keyindex

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func TestStateStorePutGetRoundTrip(t *testing.T) {
	s, err := OpenStateStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutState(42, 7, 1024, 99))

	nextVersion, nextLogID, offset, approxCount, err := s.GetState()
	require.NoError(t, err)
	require.Equal(t, int64(42), nextVersion)
	require.Equal(t, int64(7), nextLogID)
	require.Equal(t, int64(1024), offset)
	require.Equal(t, int64(99), approxCount)
}

func TestStateStoreGetStateOnFreshStoreIsNotFound(t *testing.T) {
	s, err := OpenStateStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, _, _, _, err = s.GetState()
	require.ErrorIs(t, err, leveldb.ErrNotFound)
}

func TestStateStorePutStateOverwritesPrevious(t *testing.T) {
	s, err := OpenStateStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutState(1, 1, 1, 1))
	require.NoError(t, s.PutState(2, 2, 2, 2))

	nextVersion, nextLogID, offset, approxCount, err := s.GetState()
	require.NoError(t, err)
	require.Equal(t, int64(2), nextVersion)
	require.Equal(t, int64(2), nextLogID)
	require.Equal(t, int64(2), offset)
	require.Equal(t, int64(2), approxCount)
}
