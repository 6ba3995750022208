package replay

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ulog/locks"
	"ulog/logfile"
	"ulog/record"
)

type recordedCall struct {
	kind string
	rec  record.Record
	buf  bool
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (f *fakeDispatcher) DispatchAdd(rec record.Record, src Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{kind: "add", rec: rec, buf: src.Log.IsBuffer()})
	return nil
}

func (f *fakeDispatcher) DispatchDelete(rec record.Record, src Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{kind: "delete", rec: rec, buf: src.Log.IsBuffer()})
	return nil
}

func (f *fakeDispatcher) DispatchDeleteByQuery(rec record.Record, src Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{kind: "dbq", rec: rec, buf: src.Log.IsBuffer()})
	return nil
}

func openLog(t *testing.T, isBuffer bool) *logfile.LogFile {
	t.Helper()
	lf, err := logfile.Open(filepath.Join(t.TempDir(), "tlog.0"), 0, isBuffer, logfile.SyncFlush, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lf.Decref() })
	return lf
}

func addDoc(t *testing.T, lf *logfile.LogFile, id string, version int64) {
	t.Helper()
	payload, err := record.EncodeDocument(record.Document{"id": id})
	require.NoError(t, err)
	_, err = lf.Append(record.Encode(record.Record{Op: record.OpAdd, Version: version, Payload: payload}))
	require.NoError(t, err)
}

func TestReplayStaleDispatchesEverySameIDInOrder(t *testing.T) {
	lf := openLog(t, false)
	for v := int64(1); v <= 5; v++ {
		addDoc(t, lf, "doc1", v) // same id every time: must serialize
	}

	disp := &fakeDispatcher{}
	r := New(disp, 4, nil)
	info, err := r.ReplayStale([]*logfile.LogFile{lf})
	require.NoError(t, err)
	require.Equal(t, int64(5), info.Adds)

	require.Len(t, disp.calls, 5)
	for i, c := range disp.calls {
		require.Equal(t, int64(i+1), c.rec.Version)
		require.False(t, c.buf)
	}
}

func TestReplayStaleCapsUncommittedLog(t *testing.T) {
	lf := openLog(t, false)
	addDoc(t, lf, "doc1", 1)
	require.False(t, lf.Sealed())

	disp := &fakeDispatcher{}
	r := New(disp, 2, nil)
	_, err := r.ReplayStale([]*logfile.LogFile{lf})
	require.NoError(t, err)

	require.True(t, lf.Sealed())
	ends, err := lf.EndsWithCommit(func(p []byte) bool {
		rec, derr := record.Decode(p)
		return derr == nil && rec.Op == record.OpCommit
	})
	require.NoError(t, err)
	require.True(t, ends)
}

func TestApplyBufferedTwoPhaseDraining(t *testing.T) {
	buf := openLog(t, true)
	addDoc(t, buf, "doc1", 1)

	disp := &fakeDispatcher{}
	r := New(disp, 2, nil)
	lk := locks.New(0)

	info, err := r.ApplyBuffered(buf, lk)
	require.NoError(t, err)
	require.Equal(t, int64(1), info.Adds)
	require.Len(t, disp.calls, 1)
	require.True(t, disp.calls[0].buf)

	// ApplyBuffered returns with the write lock held on success.
	lk.UnblockUpdates()
}

func TestApplyBufferedEmptyLogSucceeds(t *testing.T) {
	buf := openLog(t, true)
	disp := &fakeDispatcher{}
	r := New(disp, 2, nil)
	lk := locks.New(0)

	info, err := r.ApplyBuffered(buf, lk)
	require.NoError(t, err)
	require.Equal(t, int64(0), info.Adds)
	lk.UnblockUpdates()
}

func TestCancelStopsReplayEarly(t *testing.T) {
	lf := openLog(t, false)
	for v := int64(1); v <= 100; v++ {
		addDoc(t, lf, "doc1", v)
	}

	disp := &fakeDispatcher{}
	r := New(disp, 1, nil)
	r.Cancel()

	info, err := r.ReplayStale([]*logfile.LogFile{lf})
	require.NoError(t, err)
	require.Less(t, info.Adds, int64(100))
}

func TestExecutorSerializesSameKeyParallelizesDifferent(t *testing.T) {
	ex := NewExecutor(4)
	defer ex.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		ex.Submit("same-key", func() error {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	wg.Wait()
	ex.Quiesce()
	require.Equal(t, []int{0, 1, 2}, order)
}
