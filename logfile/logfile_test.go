package logfile

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T, isBuffer bool) *LogFile {
	t.Helper()
	dir := t.TempDir()
	lf, err := Open(filepath.Join(dir, "tlog.0"), 0, isBuffer, SyncFlush, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lf.Decref() })
	return lf
}

func TestAppendReadAt(t *testing.T) {
	lf := open(t, false)

	off1, err := lf.Append([]byte("one"))
	require.NoError(t, err)
	require.Equal(t, int64(0), off1)

	off2, err := lf.Append([]byte("two"))
	require.NoError(t, err)
	require.Greater(t, off2, off1)

	payload, _, err := lf.ReadAt(off1)
	require.NoError(t, err)
	require.Equal(t, "one", string(payload))

	payload, _, err = lf.ReadAt(off2)
	require.NoError(t, err)
	require.Equal(t, "two", string(payload))
}

func TestReadAtPastEndReturnsEOF(t *testing.T) {
	lf := open(t, false)
	_, err := lf.Append([]byte("hello"))
	require.NoError(t, err)

	_, _, err = lf.ReadAt(1000)
	require.ErrorIs(t, err, io.EOF)
}

func TestSealRejectsAppend(t *testing.T) {
	lf := open(t, false)
	_, err := lf.Append([]byte("x"))
	require.NoError(t, err)
	lf.Seal()
	require.True(t, lf.Sealed())

	_, err = lf.Append([]byte("y"))
	require.Error(t, err)
	require.True(t, IsSealed(err))
}

func TestRefcountClosesAtZero(t *testing.T) {
	dir := t.TempDir()
	lf, err := Open(filepath.Join(dir, "tlog.0"), 0, false, SyncFlush, nil)
	require.NoError(t, err)
	require.True(t, lf.TryIncref())
	require.NoError(t, lf.Decref()) // back to 1
	require.NoError(t, lf.Decref()) // closes

	require.False(t, lf.TryIncref())
}

func TestDeleteOnCloseRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buffer.tlog.0")
	lf, err := Open(path, 0, true, SyncFlush, nil)
	require.NoError(t, err)
	lf.SetDeleteOnClose(true)
	require.NoError(t, lf.Decref())

	_, err = Open(path, 0, true, SyncFlush, nil)
	require.NoError(t, err) // file was removed, Open recreates it empty
}

func TestForwardReaderTailsAppends(t *testing.T) {
	lf := open(t, false)
	_, err := lf.Append([]byte("a"))
	require.NoError(t, err)

	fr := lf.ForwardReader(0)
	payload, _, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, "a", string(payload))

	_, _, err = fr.Next()
	require.ErrorIs(t, err, io.EOF)

	_, err = lf.Append([]byte("b"))
	require.NoError(t, err)
	payload, _, err = fr.Next()
	require.NoError(t, err)
	require.Equal(t, "b", string(payload))
}

func TestReverseReaderYieldsNewestFirst(t *testing.T) {
	lf := open(t, false)
	for _, p := range []string{"a", "b", "c"} {
		_, err := lf.Append([]byte(p))
		require.NoError(t, err)
	}

	rr := lf.ReverseReader()
	var got []string
	for {
		payload, _, err := rr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(payload))
	}
	require.Equal(t, []string{"c", "b", "a"}, got)
}

func TestSortedReaderOrdersByKey(t *testing.T) {
	lf := open(t, false)
	for _, p := range []string{"charlie", "alpha", "bravo"} {
		_, err := lf.Append([]byte(p))
		require.NoError(t, err)
	}

	sr, err := lf.SortedReader(0, func(payload []byte) (string, bool) {
		return string(payload), true
	})
	require.NoError(t, err)

	var got []string
	for {
		payload, _, err := sr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(payload))
	}
	require.Equal(t, []string{"alpha", "bravo", "charlie"}, got)
}

func TestWaitUnblocksOnAppend(t *testing.T) {
	lf := open(t, false)
	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		lf.Wait(lf.Size())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := lf.Append([]byte("x"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Append")
	}
	wg.Wait()
}

func TestEndsWithCommit(t *testing.T) {
	lf := open(t, false)
	ok, err := lf.EndsWithCommit(func([]byte) bool { return false })
	require.NoError(t, err)
	require.False(t, ok) // empty file

	_, err = lf.Append([]byte("commit-marker"))
	require.NoError(t, err)

	ok, err = lf.EndsWithCommit(func(p []byte) bool { return string(p) == "commit-marker" })
	require.NoError(t, err)
	require.True(t, ok)
}
