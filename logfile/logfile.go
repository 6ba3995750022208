// Package logfile implements the append-only record file that backs every
// tlog and buffer.tlog. It knows nothing about LogRecord semantics (op
// codes, versions, ids) — callers inject the predicates (isCommit, keyOf)
// they need so LogFile stays a generic framed-append log, the same split
// the teacher draws between its WAL (byte plumbing) and its Store (meaning).
package logfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// frameHeaderSize is length(4) + crc(4), mirroring the teacher's
// stonedb WAL frame header (WALHeaderSize=8). frameFooterSize repeats the
// length so ReverseReader can walk backward without a side index.
const (
	frameHeaderSize = 8
	frameFooterSize = 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// SyncLevel mirrors ulog.SyncLevel without importing the root package
// (avoids an import cycle); the root package converts by name, so the two
// enums need not share numeric values.
type SyncLevel int

const (
	SyncNone SyncLevel = iota
	SyncFlush
	SyncFsync
)

// LogFile is a single append-only, refcounted record file.
type LogFile struct {
	ID   uint64
	Path string

	mu        sync.RWMutex
	f         *os.File
	w         *bufio.Writer
	size      int64
	sealed    bool
	broadcast *sync.Cond

	syncLevel     SyncLevel
	deleteOnClose bool
	isBuffer      bool
	logger        *slog.Logger

	refcount atomic.Int32
	closed   atomic.Bool
}

// Open creates the file at path if absent, or reopens it, and positions
// appends at its current end.
func Open(path string, id uint64, isBuffer bool, syncLevel SyncLevel, logger *slog.Logger) (*LogFile, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logfile: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("logfile: stat %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("logfile: seek %s: %w", path, err)
	}

	lf := &LogFile{
		ID:        id,
		Path:      path,
		f:         f,
		w:         bufio.NewWriter(f),
		size:      info.Size(),
		syncLevel: syncLevel,
		isBuffer:  isBuffer,
		logger:    logger,
	}
	lf.broadcast = sync.NewCond(&lf.mu)
	lf.refcount.Store(1)
	return lf, nil
}

// Append reserves the next offset, frames payload, and writes it per the
// configured SyncLevel. Returns the logical offset the frame starts at.
func (lf *LogFile) Append(payload []byte) (int64, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.sealed {
		return 0, fmt.Errorf("logfile %d: %w", lf.ID, errSealed)
	}

	offset := lf.size
	frame := encodeFrame(payload)

	if _, err := lf.w.Write(frame); err != nil {
		return 0, fmt.Errorf("logfile %d: append: %w", lf.ID, err)
	}
	lf.size += int64(len(frame))

	switch lf.syncLevel {
	case SyncFsync:
		if err := lf.w.Flush(); err != nil {
			return 0, fmt.Errorf("logfile %d: flush: %w", lf.ID, err)
		}
		if err := lf.f.Sync(); err != nil {
			return 0, fmt.Errorf("logfile %d: fsync: %w", lf.ID, err)
		}
	case SyncFlush:
		if err := lf.w.Flush(); err != nil {
			return 0, fmt.Errorf("logfile %d: flush: %w", lf.ID, err)
		}
	case SyncNone:
		// neither flushed nor fsynced; the bytes stay in the buffered writer
		// and ReadAt, which reads the file descriptor, does not see them
		// until a later flush (another append's flush or close).
	}

	lf.broadcast.Broadcast()
	return offset, nil
}

// Seal marks the file as capped; no further appends are accepted. Called
// once the caller has appended the terminating COMMIT record.
func (lf *LogFile) Seal() {
	lf.mu.Lock()
	lf.sealed = true
	lf.mu.Unlock()
}

func (lf *LogFile) Sealed() bool {
	lf.mu.RLock()
	defer lf.mu.RUnlock()
	return lf.sealed
}

func encodeFrame(payload []byte) []byte {
	n := len(payload)
	buf := make([]byte, frameHeaderSize+n+frameFooterSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crcTable))
	copy(buf[frameHeaderSize:], payload)
	binary.BigEndian.PutUint32(buf[frameHeaderSize+n:], uint32(n))
	return buf
}

// ReadAt performs a positional read of the frame starting at offset. It is
// safe to call concurrently with Append: the RWMutex only excludes other
// appends, and Flush before read under SyncFlush/SyncFsync guarantees the
// bytes are visible to the file descriptor.
func (lf *LogFile) ReadAt(offset int64) (payload []byte, frameLen int64, err error) {
	lf.mu.RLock()
	size := lf.size
	lf.mu.RUnlock()

	if offset < 0 || offset >= size {
		return nil, 0, io.EOF
	}

	header := make([]byte, frameHeaderSize)
	if _, err := lf.readAtRaw(header, offset); err != nil {
		return nil, 0, fmt.Errorf("logfile %d: read header at %d: %w", lf.ID, offset, err)
	}
	n := binary.BigEndian.Uint32(header[0:4])
	wantCRC := binary.BigEndian.Uint32(header[4:8])

	total := frameHeaderSize + int64(n) + frameFooterSize
	if offset+total > size {
		return nil, 0, fmt.Errorf("logfile %d: %w at %d: frame extends past end", lf.ID, errCorrupt, offset)
	}

	payload = make([]byte, n)
	if n > 0 {
		if _, err := lf.readAtRaw(payload, offset+frameHeaderSize); err != nil {
			return nil, 0, fmt.Errorf("logfile %d: read payload at %d: %w", lf.ID, offset, err)
		}
	}
	if crc32.Checksum(payload, crcTable) != wantCRC {
		return nil, 0, fmt.Errorf("logfile %d: %w at %d: crc mismatch", lf.ID, errCorrupt, offset)
	}
	return payload, total, nil
}

func (lf *LogFile) readAtRaw(buf []byte, offset int64) (int, error) {
	return lf.f.ReadAt(buf, offset)
}

// Size returns the current logical end of the file (next Append offset).
func (lf *LogFile) Size() int64 {
	lf.mu.RLock()
	defer lf.mu.RUnlock()
	return lf.size
}

// Wait blocks until the file grows past currentSize or the file is closed.
// A tailing forward reader can call it after io.EOF instead of busy
// re-polling, the way the teacher's WAL.Wait backs replication long-polling.
func (lf *LogFile) Wait(currentSize int64) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	for lf.size <= currentSize && !lf.closed.Load() {
		lf.broadcast.Wait()
	}
}

// EndsWithCommit peeks the last frame and reports whether isCommit(payload)
// is true for it. Returns false (not an error) for an empty file.
func (lf *LogFile) EndsWithCommit(isCommit func([]byte) bool) (bool, error) {
	offset, err := lf.lastFrameOffset()
	if err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	payload, _, err := lf.ReadAt(offset)
	if err != nil {
		return false, err
	}
	return isCommit(payload), nil
}

func (lf *LogFile) lastFrameOffset() (int64, error) {
	lf.mu.RLock()
	size := lf.size
	lf.mu.RUnlock()
	if size == 0 {
		return 0, io.EOF
	}
	footer := make([]byte, frameFooterSize)
	if _, err := lf.readAtRaw(footer, size-frameFooterSize); err != nil {
		return 0, fmt.Errorf("logfile %d: read footer: %w", lf.ID, err)
	}
	n := binary.BigEndian.Uint32(footer)
	total := frameHeaderSize + int64(n) + frameFooterSize
	start := size - total
	if start < 0 {
		return 0, fmt.Errorf("logfile %d: %w: footer length overruns file", lf.ID, errCorrupt)
	}
	return start, nil
}

// --- Refcount ---

// Incref increments the reference count. Every escape from a caller's
// monitor must incref before release and decref after.
func (lf *LogFile) Incref() int32 { return lf.refcount.Add(1) }

// TryIncref increments only if the count has not already reached zero.
// Returns false if the file is already being closed.
func (lf *LogFile) TryIncref() bool {
	for {
		v := lf.refcount.Load()
		if v <= 0 {
			return false
		}
		if lf.refcount.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Decref decrements the reference count, closing (and optionally deleting)
// the file once it reaches zero.
func (lf *LogFile) Decref() error {
	v := lf.refcount.Add(-1)
	if v > 0 {
		return nil
	}
	if v < 0 {
		return fmt.Errorf("logfile %d: decref below zero", lf.ID)
	}
	return lf.close()
}

// SetDeleteOnClose marks the file for unlinking once its refcount reaches 0.
func (lf *LogFile) SetDeleteOnClose(del bool) {
	lf.mu.Lock()
	lf.deleteOnClose = del
	lf.mu.Unlock()
}

func (lf *LogFile) IsBuffer() bool { return lf.isBuffer }

func (lf *LogFile) close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.closed.Load() {
		return nil
	}
	lf.closed.Store(true)
	lf.broadcast.Broadcast()

	var flushErr error
	if lf.w != nil {
		flushErr = lf.w.Flush()
	}
	if lf.deleteOnClose {
		if err := punchHole(lf.f, lf.size); err != nil {
			lf.logger.Warn("logfile: punch hole before delete failed", "path", lf.Path, "err", err)
		}
	}
	closeErr := lf.f.Close()
	if lf.deleteOnClose {
		if err := os.Remove(lf.Path); err != nil && !os.IsNotExist(err) {
			lf.logger.Warn("logfile: delete-on-close failed", "path", lf.Path, "err", err)
		}
	}
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
