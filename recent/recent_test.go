package recent

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ulog/logfile"
	"ulog/record"
)

func openLog(t *testing.T, name string, id uint64, isBuffer bool) *logfile.LogFile {
	t.Helper()
	lf, err := logfile.Open(filepath.Join(t.TempDir(), name), id, isBuffer, logfile.SyncFlush, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lf.Decref() })
	return lf
}

func appendRec(t *testing.T, lf *logfile.LogFile, rec record.Record) {
	t.Helper()
	_, err := lf.Append(record.Encode(rec))
	require.NoError(t, err)
}

func TestSnapshotNewestFirstAndCap(t *testing.T) {
	tlog := openLog(t, "tlog.1", 1, false)
	for v := int64(1); v <= 5; v++ {
		appendRec(t, tlog, record.Record{Op: record.OpAdd, Version: v, Payload: []byte(`{"id":"d"}`)})
	}

	snap := NewSnapshot([]*logfile.LogFile{tlog}, 3)
	snap.Update()
	defer snap.Close()

	versions := snap.GetVersions(10, 1<<40)
	require.Equal(t, []int64{5, 4, 3}, versions)
}

func TestSnapshotClassifiesDeletesAndDBQ(t *testing.T) {
	tlog := openLog(t, "tlog.1", 1, false)
	appendRec(t, tlog, record.Record{Op: record.OpAdd, Version: 1, Payload: []byte(`{"id":"d1"}`)})
	appendRec(t, tlog, record.Record{Op: record.OpDelete, Version: 2, Payload: []byte("d1")})
	appendRec(t, tlog, record.Record{Op: record.OpDeleteByQuery, Version: -3, Payload: []byte("category:x")})

	snap := NewSnapshot([]*logfile.LogFile{tlog}, 0)
	snap.Update()
	defer snap.Close()

	require.Len(t, snap.DeleteList(), 1)
	require.Equal(t, int64(2), snap.DeleteList()[0].Version)

	dbq := snap.GetDeleteByQuery(0, nil)
	require.Len(t, dbq, 1)
	require.Equal(t, int64(3), dbq[0].Version) // stored as |version|
	require.Equal(t, "category:x", dbq[0].Query)
}

func TestSnapshotLookupByVersion(t *testing.T) {
	tlog := openLog(t, "tlog.1", 1, false)
	appendRec(t, tlog, record.Record{Op: record.OpAdd, Version: 7, Payload: []byte(`{"id":"d1"}`)})

	snap := NewSnapshot([]*logfile.LogFile{tlog}, 0)
	snap.Update()
	defer snap.Close()

	e, ok := snap.Lookup(7)
	require.True(t, ok)
	require.Equal(t, record.OpAdd, e.Op)

	_, ok = snap.Lookup(999)
	require.False(t, ok)
}

func TestSnapshotTracksBufferedVersions(t *testing.T) {
	buf := openLog(t, "buffer.tlog.1", 1, true)
	appendRec(t, buf, record.Record{Op: record.OpAdd, Version: 1, Payload: []byte(`{"id":"d1"}`)})

	tlog := openLog(t, "tlog.1", 2, false)
	appendRec(t, tlog, record.Record{Op: record.OpAdd, Version: 2, Payload: []byte(`{"id":"d2"}`)})

	snap := NewSnapshot([]*logfile.LogFile{buf, tlog}, 0)
	snap.Update()
	defer snap.Close()

	require.True(t, snap.IsBufferedVersion(1))
	require.False(t, snap.IsBufferedVersion(2))
}

func TestSnapshotSkipsNilLogs(t *testing.T) {
	tlog := openLog(t, "tlog.1", 1, false)
	appendRec(t, tlog, record.Record{Op: record.OpAdd, Version: 1, Payload: []byte(`{"id":"d1"}`)})

	snap := NewSnapshot([]*logfile.LogFile{nil, tlog}, 0)
	snap.Update()
	defer snap.Close()

	require.Len(t, snap.UpdateList(), 1)
}
