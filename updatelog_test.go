package ulog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ulog/record"
)

type fakeWriter struct {
	newSearcherCalls int
}

func (f *fakeWriter) Commit() error                           { return nil }
func (f *fakeWriter) OpenNewSearcher() error                   { f.newSearcherCalls++; return nil }
func (f *fakeWriter) GetVersionFromIndex(string) (int64, bool) { return 0, false }
func (f *fakeWriter) IsPersistent() bool                       { return false }
func (f *fakeWriter) IsReloaded() bool                         { return false }

func openLog(t *testing.T, dir string) (*UpdateLog, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{}
	u, err := Open(Config{}, dir, w, nil, time.Now().UnixNano())
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u, w
}

func TestAddThenLookup(t *testing.T) {
	u, _ := openLog(t, t.TempDir())

	_, err := u.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1", "title": "hello"}})
	require.NoError(t, err)

	doc, ok, err := u.Lookup("doc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", doc["title"])
}

func TestDeleteThenLookupMisses(t *testing.T) {
	u, _ := openLog(t, t.TempDir())
	_, err := u.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1"}})
	require.NoError(t, err)

	_, err = u.Delete(DeleteCommand{Version: 2, ID: "doc1"})
	require.NoError(t, err)

	_, ok, err := u.Lookup("doc1")
	require.NoError(t, err)
	require.False(t, ok)

	v, ok := u.LookupVersion("doc1")
	require.True(t, ok)
	require.Equal(t, int64(2), v)
}

func TestLookupVersionUnknownIDMisses(t *testing.T) {
	u, _ := openLog(t, t.TempDir())
	_, ok := u.LookupVersion("never-seen")
	require.False(t, ok)
}

func TestDeleteByQueryClearsCachesAndRecordsDBQ(t *testing.T) {
	u, w := openLog(t, t.TempDir())
	_, err := u.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1"}})
	require.NoError(t, err)

	_, err = u.DeleteByQuery(DeleteByQueryCommand{Version: 2, Query: "category:x"})
	require.NoError(t, err)

	require.Equal(t, 1, w.newSearcherCalls)
	_, ok, err := u.Lookup("doc1") // generations were cleared; lookup now misses
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPreCommitPostCommitRotatesAndCommits(t *testing.T) {
	u, _ := openLog(t, t.TempDir())
	_, err := u.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1"}})
	require.NoError(t, err)

	require.NoError(t, u.PreCommit())
	doc, ok, err := u.Lookup("doc1") // still visible via prev generation
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, doc)

	require.NoError(t, u.PostCommit())
	require.Len(t, u.oldLogs, 1)
}

func TestPreSoftCommitPostSoftCommitRotatesGenerations(t *testing.T) {
	u, _ := openLog(t, t.TempDir())
	_, err := u.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1"}})
	require.NoError(t, err)

	require.NoError(t, u.PreSoftCommit())
	_, ok, err := u.Lookup("doc1")
	require.NoError(t, err)
	require.True(t, ok) // still reachable via prev

	require.NoError(t, u.PostSoftCommit())
	require.Equal(t, 0, u.gens.Len())
}

func TestBufferUpdatesThenDropDiscardsWrites(t *testing.T) {
	u, _ := openLog(t, t.TempDir())
	require.NoError(t, u.BufferUpdates())

	_, err := u.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1"}, Buffering: true})
	require.NoError(t, err)

	_, ok, err := u.Lookup("doc1") // not yet applied to the live index
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, u.DropBufferedUpdates())
	require.Equal(t, StateActive, State(u.state.Load()))
}

func TestBufferUpdatesThenApplyMakesWritesVisible(t *testing.T) {
	u, _ := openLog(t, t.TempDir())
	require.NoError(t, u.BufferUpdates())

	_, err := u.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1"}, Buffering: true})
	require.NoError(t, err)

	info, err := u.ApplyBufferedUpdates()
	require.NoError(t, err)
	require.Equal(t, int64(1), info.Adds)
	require.Equal(t, StateActive, State(u.state.Load()))

	doc, ok, err := u.Lookup("doc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "doc1", doc["id"])

	stats := u.MetricsSnapshot()
	require.Equal(t, int64(1), stats.OpsApplyingBuffered)
}

func TestApplyBufferedUpdatesWrongStateFails(t *testing.T) {
	u, _ := openLog(t, t.TempDir())
	_, err := u.ApplyBufferedUpdates()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestApplyPartialUpdatesMergesChain(t *testing.T) {
	u, _ := openLog(t, t.TempDir())
	_, err := u.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1", "a": 1, "b": 1}})
	require.NoError(t, err)

	e, ok := u.gens.Get("doc1")
	require.True(t, ok)

	// Rotate so hop 1's entry survives in the prev generation instead of
	// being overwritten by hop 2 in current: GetAt must be able to find it
	// by its exact (offset, version) once it is no longer the newest entry.
	require.NoError(t, u.PreCommit())
	require.NoError(t, u.PostCommit())

	_, err = u.Add(AddCommand{
		Version: 2, Doc: record.Document{"id": "doc1", "a": 2},
		InPlaceUpdate: true, PrevOffset: e.Offset, PrevVersion: e.Version,
	})
	require.NoError(t, err)

	e2, ok := u.gens.Get("doc1")
	require.True(t, ok)

	offset, doc, err := u.ApplyPartialUpdates("doc1", e2.PrevOffset, e.Version, map[string]bool{"a": true, "b": true}, record.Document{"a": 2})
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)
	require.Equal(t, float64(1), doc["b"])
	require.Equal(t, 2, doc["a"]) // newer hop's field already present, not overwritten by older hop
}

func TestCloseIsIdempotent(t *testing.T) {
	u, _ := openLog(t, t.TempDir())
	require.NoError(t, u.Close())
	require.NoError(t, u.Close())

	_, err := u.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1"}})
	require.ErrorIs(t, err, ErrClosed)
}

func TestRecoveryReplaysAfterRestart(t *testing.T) {
	dir := t.TempDir()
	u1, _ := openLog(t, dir)
	require.NoError(t, u1.PreCommit())
	require.NoError(t, u1.PostCommit())
	// Written after the last commit: only a replay on reopen can bring it back.
	_, err := u1.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1"}})
	require.NoError(t, err)
	require.NoError(t, u1.Close())

	u2, err := Open(Config{}, dir, &fakeWriter{}, nil, time.Now().UnixNano())
	require.NoError(t, err)
	defer u2.Close()

	doc, ok, err := u2.Lookup("doc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "doc1", doc["id"])
}

func TestRecoveryFoldsLeftoverBufferLogIntoLiveTlog(t *testing.T) {
	dir := t.TempDir()
	u1, _ := openLog(t, dir)
	require.NoError(t, u1.BufferUpdates())
	_, err := u1.Add(AddCommand{Version: 1, Doc: record.Document{"id": "doc1"}, Buffering: true})
	require.NoError(t, err)
	require.NoError(t, u1.Close()) // crash: buffer tlog left on disk, never applied

	u2, err := Open(Config{}, dir, &fakeWriter{}, nil, time.Now().UnixNano())
	require.NoError(t, err)
	defer u2.Close()

	require.True(t, u2.existOldBufferLog)
	doc, ok, err := u2.Lookup("doc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "doc1", doc["id"])

	stats := u2.MetricsSnapshot()
	require.Equal(t, int64(1), stats.OpsCopyOverOldUpdates)
}
