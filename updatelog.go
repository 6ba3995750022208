// Package ulog implements the Update Log: a durable, per-shard transaction
// log with an in-memory index backing near-real-time get-by-id and crash
// recovery for a search index shard. Grounded on the teacher's
// WAL+Store+recovery split (wal.go, store.go, stonedb/recovery.go), with
// its shard-lifetime facade reworked into the state machine and
// multi-generation index this spec calls for.
package ulog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ulog/keyindex"
	"ulog/locks"
	"ulog/logfile"
	"ulog/record"
	"ulog/recent"
	"ulog/replay"
	"ulog/ulogmetrics"
)

// UpdateLog is the public facade: add/delete/deleteByQuery/commit/
// softCommit, log rotation and retention, and the replay-driven recovery
// and buffering state machine. All structural mutation is serialized on mu,
// the single monitor spec.md ยง5 calls "updatelog.mutex".
type UpdateLog struct {
	mu     sync.Mutex
	cfg    Config
	dir    string
	logger *slog.Logger
	writer IndexWriter

	state  atomic.Int32
	closed atomic.Bool

	gens       *keyindex.Generations
	oldDeletes *keyindex.OldDeletes
	dbq        *keyindex.DBQList

	tlog       *logfile.LogFile
	prevTlog   *logfile.LogFile
	bufferTlog *logfile.LogFile
	oldLogs    []*logfile.LogFile // ascending id order (oldest first)

	oldLogRecordCount map[uint64]int64
	tlogRecordCount   int64

	nextLogID atomic.Uint64

	locks      *locks.UpdateLocks
	stateStore *keyindex.StateStore
	replayer   *replay.Replayer

	existOldBufferLog bool

	maxVersionSeen        atomic.Int64
	opsReplay             atomic.Int64
	opsApplyingBuffered   atomic.Int64
	opsCopyOverOldUpdates atomic.Int64
	handlerStart          int64
}

// Open initializes the update log for one shard: resolves and validates
// cfg, scans dir for existing tlogs and buffer tlogs, replays whatever
// wasn't yet reflected in the index, caps any uncommitted tail, and leaves
// the log ACTIVE with a fresh tlog ready for writes.
func Open(cfg Config, instanceDir string, writer IndexWriter, logger *slog.Logger, startUnixNano int64) (*UpdateLog, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir, err := ResolvePath(instanceDir, cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create ulog dir %s: %v", ErrConfig, dir, err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	stateStore, err := keyindex.OpenStateStore(filepath.Join(dir, "state"))
	if err != nil {
		return nil, fmt.Errorf("ulog: open state store: %w", err)
	}

	u := &UpdateLog{
		cfg:               cfg,
		dir:               dir,
		logger:            logger,
		writer:            writer,
		gens:              keyindex.New(),
		oldDeletes:        keyindex.NewOldDeletes(1000),
		dbq:               keyindex.NewDBQList(100),
		oldLogRecordCount: make(map[uint64]int64),
		locks:             locks.New(time.Duration(cfg.DocLockTimeoutMs) * time.Millisecond),
		stateStore:        stateStore,
		handlerStart:      startUnixNano,
	}
	if cfg.NumVersionBuckets != 0 {
		logger.Warn("ulog: numVersionBuckets is obsolete and ignored; the per-id ordered executor no longer buckets statically", "numVersionBuckets", cfg.NumVersionBuckets)
	}

	u.state.Store(int32(StateReplaying))
	u.replayer = replay.New(u, runtime.NumCPU(), logger)

	if err := u.recoverFromDisk(); err != nil {
		_ = stateStore.Close()
		return nil, err
	}

	u.state.Store(int32(StateActive))
	return u, nil
}

// Add appends an ADD (or IN_PLACE_UPDATE) record and indexes it.
func (u *UpdateLog) Add(cmd AddCommand) (int64, error) {
	if u.closed.Load() {
		return 0, ErrClosed
	}
	id, ok := cmd.Doc.ID()
	if !ok {
		return 0, fmt.Errorf("ulog: %w: add document missing id field", ErrInvalidState)
	}
	payload, err := record.EncodeDocument(cmd.Doc)
	if err != nil {
		return 0, fmt.Errorf("ulog: encode document: %w", err)
	}

	if err := u.locks.AcquireRead(); err != nil {
		return 0, fmt.Errorf("ulog: %w", ErrServiceUnavailable)
	}
	defer u.locks.ReleaseRead()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.trackVersion(cmd.Version)

	if cmd.Buffering {
		if err := u.ensureBufferLogLocked(); err != nil {
			return 0, err
		}
		rec := record.Record{Op: record.OpAdd, Version: cmd.Version, Payload: payload, InPlaceUpdate: cmd.InPlaceUpdate, PrevOffset: cmd.PrevOffset, PrevVersion: cmd.PrevVersion}
		if _, err := u.bufferTlog.Append(record.Encode(rec)); err != nil {
			return 0, fmt.Errorf("ulog: buffer append: %w", err)
		}
		return cmd.Version, nil
	}

	prevOffset, prevVersion := int64(-1), int64(0)
	if cmd.InPlaceUpdate {
		prevOffset, prevVersion = cmd.PrevOffset, cmd.PrevVersion
		if prevOffset < 0 {
			if e, ok := u.gens.Get(id); ok {
				prevOffset, prevVersion = e.Offset, e.Version
			} else {
				prevOffset = -1
			}
		}
	}

	rec := record.Record{Op: record.OpAdd, Version: cmd.Version, Payload: payload, InPlaceUpdate: cmd.InPlaceUpdate, PrevOffset: prevOffset, PrevVersion: prevVersion}
	encoded := record.Encode(rec)

	logHandle := keyindex.LogHandle(u.tlog)
	offset := cmd.SourceOffset
	if !cmd.Replay {
		var err error
		offset, err = u.tlog.Append(encoded)
		if err != nil {
			return 0, fmt.Errorf("ulog: append: %w", err)
		}
		u.tlogRecordCount++
	} else {
		logHandle = cmd.SourceLog
	}

	u.gens.Put(id, keyindex.Entry{Log: logHandle, Offset: offset, Version: rec.Version, PrevOffset: prevOffset})

	if cmd.ClearCaches {
		u.clearCachesLocked()
	}
	return cmd.Version, nil
}

// Delete appends a DELETE record, indexes it, and records the tombstone
// version in OldDeletes so a future lookup_version miss can still resolve.
func (u *UpdateLog) Delete(cmd DeleteCommand) (int64, error) {
	if u.closed.Load() {
		return 0, ErrClosed
	}
	if err := u.locks.AcquireRead(); err != nil {
		return 0, fmt.Errorf("ulog: %w", ErrServiceUnavailable)
	}
	defer u.locks.ReleaseRead()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.trackVersion(cmd.Version)

	rec := record.Record{Op: record.OpDelete, Version: cmd.Version, Payload: []byte(cmd.ID)}

	if cmd.Buffering {
		if err := u.ensureBufferLogLocked(); err != nil {
			return 0, err
		}
		if _, err := u.bufferTlog.Append(record.Encode(rec)); err != nil {
			return 0, fmt.Errorf("ulog: buffer append: %w", err)
		}
		return cmd.Version, nil
	}

	logHandle := keyindex.LogHandle(u.tlog)
	offset := cmd.SourceOffset
	if !cmd.Replay {
		var err error
		offset, err = u.tlog.Append(record.Encode(rec))
		if err != nil {
			return 0, fmt.Errorf("ulog: append: %w", err)
		}
		u.tlogRecordCount++
	} else {
		logHandle = cmd.SourceLog
	}

	u.gens.Put(cmd.ID, keyindex.Entry{Log: logHandle, Offset: offset, Version: rec.Version, PrevOffset: -1})
	u.oldDeletes.Put(cmd.ID, rec.Version)

	if cmd.ClearCaches {
		u.clearCachesLocked()
	}
	return cmd.Version, nil
}

// DeleteByQuery appends a DELETE_BY_QUERY record. Since the ids it affects
// aren't known without running the query, every cached generation is
// cleared and a new real-time searcher is requested (unless
// IgnoreIndexWriter), then it's recorded in the DBQ deque for peer sync.
func (u *UpdateLog) DeleteByQuery(cmd DeleteByQueryCommand) (int64, error) {
	if u.closed.Load() {
		return 0, ErrClosed
	}
	if err := u.locks.AcquireRead(); err != nil {
		return 0, fmt.Errorf("ulog: %w", ErrServiceUnavailable)
	}
	defer u.locks.ReleaseRead()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.trackVersion(cmd.Version)

	rec := record.Record{Op: record.OpDeleteByQuery, Version: cmd.Version, Payload: []byte(cmd.Query)}

	if cmd.Buffering {
		if err := u.ensureBufferLogLocked(); err != nil {
			return 0, err
		}
		if _, err := u.bufferTlog.Append(record.Encode(rec)); err != nil {
			return 0, fmt.Errorf("ulog: buffer append: %w", err)
		}
		return cmd.Version, nil
	}

	if !cmd.Replay {
		if _, err := u.tlog.Append(record.Encode(rec)); err != nil {
			return 0, fmt.Errorf("ulog: append: %w", err)
		}
		u.tlogRecordCount++
	}

	if !cmd.IgnoreIndexWriter {
		u.clearCachesLocked()
	}
	u.dbq.Insert(cmd.Query, rec.Version)
	return cmd.Version, nil
}

func (u *UpdateLog) clearCachesLocked() {
	if u.writer != nil {
		if err := u.writer.OpenNewSearcher(); err != nil {
			u.logger.Warn("ulog: open new searcher failed", "err", err)
		}
	}
	u.gens.ClearAll()
}

func (u *UpdateLog) trackVersion(v int64) {
	av := v
	if av < 0 {
		av = -av
	}
	for {
		cur := u.maxVersionSeen.Load()
		if av <= cur {
			return
		}
		if u.maxVersionSeen.CompareAndSwap(cur, av) {
			return
		}
	}
}

// PreCommit rotates the KeyIndex generations and the active tlog: the
// current tlog becomes prev_tlog (awaiting its COMMIT record) and a fresh
// tlog is opened immediately so writers are never blocked on a missing
// active log. A stale prev_tlog left over from a preCommit whose postCommit
// never arrived is forced to completion first.
func (u *UpdateLog) PreCommit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.prevTlog != nil {
		u.capAndRetireLocked(u.prevTlog)
		u.prevTlog = nil
	}
	u.gens.RotateHard()
	u.oldLogRecordCount[u.tlog.ID] = u.tlogRecordCount
	u.prevTlog = u.tlog
	u.tlog = nil
	return u.openNewActiveTlogLocked()
}

// PostCommit appends the terminating COMMIT record to prev_tlog, demotes it
// into old_logs, and trims retention.
func (u *UpdateLog) PostCommit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.prevTlog == nil {
		return nil
	}
	u.capAndRetireLocked(u.prevTlog)
	u.prevTlog = nil
	u.persistCheckpointLocked()
	return nil
}

// PreSoftCommit rotates KeyIndex generations without touching any file.
func (u *UpdateLog) PreSoftCommit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gens.RotateSoft()
	return nil
}

// PostSoftCommit drops prev and prev2 once the new searcher has made them
// redundant.
func (u *UpdateLog) PostSoftCommit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gens.ClearPrevGenerations()
	return nil
}

func (u *UpdateLog) capAndRetireLocked(lf *logfile.LogFile) {
	if _, err := lf.Append(record.Encode(record.Record{Op: record.OpCommit})); err != nil {
		u.logger.Error("ulog: failed to cap retiring tlog", "log", lf.ID, "err", err)
	}
	lf.Seal()
	u.oldLogs = append(u.oldLogs, lf)
	u.trimOldLogsLocked()
}

// trimOldLogsLocked enforces spec.md ยง1/ยง3 retention: |old_logs| never
// exceeds MaxNumLogsToKeep, and just enough of the newest old logs are kept
// to cover NumRecordsToKeep records (approximate for logs recovered from a
// prior run, whose true record count isn't tracked).
func (u *UpdateLog) trimOldLogsLocked() {
	for len(u.oldLogs) > u.cfg.MaxNumLogsToKeep {
		u.evictOldestLogLocked()
	}
	total := int64(0)
	keepFrom := 0
	for i := len(u.oldLogs) - 1; i >= 0; i-- {
		total += u.oldLogRecordCount[u.oldLogs[i].ID]
		keepFrom = i
		if total >= int64(u.cfg.NumRecordsToKeep) {
			break
		}
	}
	for keepFrom > 0 {
		u.evictOldestLogLocked()
		keepFrom--
	}
}

func (u *UpdateLog) evictOldestLogLocked() {
	if len(u.oldLogs) == 0 {
		return
	}
	lf := u.oldLogs[0]
	u.oldLogs = u.oldLogs[1:]
	delete(u.oldLogRecordCount, lf.ID)
	lf.SetDeleteOnClose(true)
	if err := lf.Decref(); err != nil {
		u.logger.Warn("ulog: decref evicted log", "log", lf.ID, "err", err)
	}
}

// openNewActiveTlogLocked opens a fresh tlog with the next id, retrying
// with a refreshed id on a filename collision (observed in practice as FS
// listing lag around rotation; spec.md ยง9 design note).
func (u *UpdateLog) openNewActiveTlogLocked() error {
	for {
		id := u.nextLogID.Add(1) - 1
		path := tlogPath(u.dir, id)
		if _, err := os.Stat(path); err == nil {
			u.logger.Warn("ulog: tlog filename collision, retrying with next id", "path", path)
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("ulog: stat %s: %w", path, err)
		}
		lf, err := logfile.Open(path, id, false, toLogfileSyncLevel(u.cfg.SyncLevel), u.logger)
		if err != nil {
			return fmt.Errorf("ulog: open new tlog: %w", err)
		}
		u.tlog = lf
		u.tlogRecordCount = 0
		return nil
	}
}

func (u *UpdateLog) ensureBufferLogLocked() error {
	if u.bufferTlog != nil {
		return nil
	}
	nanos := time.Now().UnixNano()
	path := bufferTlogPath(u.dir, nanos, uuid.NewString())
	lf, err := logfile.Open(path, uint64(nanos), true, toLogfileSyncLevel(u.cfg.SyncLevel), u.logger)
	if err != nil {
		return fmt.Errorf("ulog: open buffer tlog: %w", err)
	}
	u.bufferTlog = lf
	return nil
}

func (u *UpdateLog) persistCheckpointLocked() {
	if u.stateStore == nil {
		return
	}
	// The active tlog holds uncommitted records, so the checkpoint names it
	// as the first log recovery must still replay.
	logID := int64(u.nextLogID.Load())
	var offset int64
	if u.tlog != nil {
		logID = int64(u.tlog.ID)
		offset = u.tlog.Size()
	}
	if err := u.stateStore.PutState(u.maxVersionSeen.Load(), logID, offset, int64(u.gens.Len())); err != nil {
		u.logger.Warn("ulog: persist recovery checkpoint failed", "err", err)
	}
}

// --- Buffering state machine ---

// BufferUpdates transitions ACTIVE -> BUFFERING, opening the buffer tlog
// that subsequent writes accumulate into instead of the main index.
func (u *UpdateLog) BufferUpdates() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if State(u.state.Load()) != StateActive {
		return fmt.Errorf("ulog: %w: buffer_updates from state %s", ErrInvalidState, State(u.state.Load()))
	}
	if err := u.ensureBufferLogLocked(); err != nil {
		return err
	}
	u.state.Store(int32(StateBuffering))
	return nil
}

// DropBufferedUpdates transitions BUFFERING -> ACTIVE, discarding whatever
// accumulated in the buffer tlog.
func (u *UpdateLog) DropBufferedUpdates() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if State(u.state.Load()) != StateBuffering {
		return fmt.Errorf("ulog: %w: drop_buffered_updates from state %s", ErrInvalidState, State(u.state.Load()))
	}
	if u.bufferTlog != nil {
		u.bufferTlog.SetDeleteOnClose(true)
		_ = u.bufferTlog.Decref()
		u.bufferTlog = nil
	}
	u.state.Store(int32(StateActive))
	return nil
}

// ApplyBufferedUpdates transitions BUFFERING -> APPLYING_BUFFERED, drains
// the buffer tlog into the live index via the Replayer's two-phase
// finishing protocol, then transitions to ACTIVE regardless of outcome
// (spec.md ยง4.2 state table: "on replay end").
func (u *UpdateLog) ApplyBufferedUpdates() (replay.RecoveryInfo, error) {
	u.mu.Lock()
	if State(u.state.Load()) != StateBuffering {
		u.mu.Unlock()
		return replay.RecoveryInfo{}, fmt.Errorf("ulog: %w: apply_buffered_updates from state %s", ErrInvalidState, State(u.state.Load()))
	}
	buf := u.bufferTlog
	u.state.Store(int32(StateApplyingBuffered))
	u.mu.Unlock()

	if buf == nil {
		u.mu.Lock()
		u.state.Store(int32(StateActive))
		u.mu.Unlock()
		return replay.RecoveryInfo{}, nil
	}

	info, err := u.replayer.ApplyBuffered(buf, u.locks)
	u.opsApplyingBuffered.Add(info.Adds + info.Deletes + info.DeleteByQuery)

	u.mu.Lock()
	u.state.Store(int32(StateActive))
	u.mu.Unlock()
	if err == nil {
		// ApplyBuffered returns with the write lock still held on success;
		// on every error path it has already unblocked (or never blocked).
		u.locks.UnblockUpdates()
	}

	buf.SetDeleteOnClose(true)
	_ = buf.Decref()
	u.mu.Lock()
	u.bufferTlog = nil
	u.mu.Unlock()

	return info, err
}

// ExistOldBufferLog reports whether a buffer tlog from a previous process
// was found (and folded into recovery) when this UpdateLog was opened.
func (u *UpdateLog) ExistOldBufferLog() bool { return u.existOldBufferLog }

// --- Read side ---

// Lookup scans current -> prev -> prev2 for id and, if found, increfs its
// backing log, releases the monitor, performs the positional read, and
// decrefs. Returning under lock would hold the write path hostage.
func (u *UpdateLog) Lookup(id string) (record.Document, bool, error) {
	u.mu.Lock()
	e, ok := u.gens.Get(id)
	if !ok {
		u.mu.Unlock()
		return nil, false, nil
	}

	lf, isLogfile := e.Log.(*logfile.LogFile)
	if !isLogfile {
		u.mu.Unlock()
		return nil, false, fmt.Errorf("ulog: %w: keyindex entry log handle has unexpected type", ErrInvalidState)
	}
	held := lf.TryIncref()
	u.mu.Unlock()
	if !held {
		return nil, false, nil
	}
	payload, _, err := lf.ReadAt(e.Offset)
	_ = lf.Decref()
	if err != nil {
		return nil, false, fmt.Errorf("ulog: lookup %q: %w", id, err)
	}
	rec, err := record.Decode(payload)
	if err != nil {
		return nil, false, fmt.Errorf("ulog: lookup %q: %w", id, err)
	}
	if rec.Op == record.OpDelete {
		return nil, false, nil
	}
	doc, err := record.DecodeDocument(rec.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("ulog: lookup %q: %w", id, err)
	}
	return doc, true, nil
}

// LookupVersion returns the version known for id: from the live KeyIndex
// generations, else the real index (via IndexWriter), else OldDeletes.
// Returns ok=false only when no evidence of id exists anywhere.
func (u *UpdateLog) LookupVersion(id string) (int64, bool) {
	u.mu.Lock()
	e, ok := u.gens.Get(id)
	u.mu.Unlock()
	if ok {
		return e.Version, true
	}
	if u.writer != nil {
		if v, ok := u.writer.GetVersionFromIndex(id); ok {
			return v, true
		}
	}
	if v, ok := u.oldDeletes.Get(id); ok {
		return v, true
	}
	return 0, false
}

// ApplyPartialUpdates walks the in-place update chain starting at
// (prevOffset, prevVersion), merging missing fields into outDoc. Returns
// 0 once the chain reaches a full ADD (outDoc is complete), or a fallback
// offset once the chain runs off every tracked log (caller must consult the
// real index from there).
func (u *UpdateLog) ApplyPartialUpdates(id string, prevOffset, prevVersion int64, fields map[string]bool, outDoc record.Document) (int64, record.Document, error) {
	if outDoc == nil {
		outDoc = record.Document{}
	}
	offset, version := prevOffset, prevVersion
	for {
		if offset < 0 {
			return 0, outDoc, nil
		}
		u.mu.Lock()
		e, ok := u.gens.GetAt(id, offset, version)
		u.mu.Unlock()
		if !ok {
			return offset, outDoc, nil
		}
		lf, isLogfile := e.Log.(*logfile.LogFile)
		if !isLogfile {
			return 0, outDoc, fmt.Errorf("ulog: %w: unexpected log handle type", ErrInvalidState)
		}
		if !lf.TryIncref() {
			return offset, outDoc, nil
		}
		payload, _, err := lf.ReadAt(offset)
		_ = lf.Decref()
		if err != nil {
			return 0, outDoc, fmt.Errorf("ulog: apply partial updates %q: %w", id, err)
		}
		rec, err := record.Decode(payload)
		if err != nil {
			return 0, outDoc, fmt.Errorf("ulog: apply partial updates %q: %w", id, err)
		}
		if rec.Op != record.OpAdd {
			return 0, outDoc, fmt.Errorf("ulog: %w: partial-update hop for %q is not ADD", ErrInvalidState, id)
		}
		hopDoc, err := record.DecodeDocument(rec.Payload)
		if err != nil {
			return 0, outDoc, fmt.Errorf("ulog: apply partial updates %q: %w", id, err)
		}
		outDoc = mergeMissing(outDoc, hopDoc)
		if fields != nil && hasAll(outDoc, fields) {
			return 0, outDoc, nil
		}
		if !rec.InPlaceUpdate {
			return 0, outDoc, nil
		}
		offset, version = rec.PrevOffset, rec.PrevVersion
	}
}

func mergeMissing(out, hop record.Document) record.Document {
	for k, v := range hop {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

func hasAll(doc record.Document, fields map[string]bool) bool {
	for f := range fields {
		if _, ok := doc[f]; !ok {
			return false
		}
	}
	return true
}

// RecentUpdates snapshots [buffer_tlog?, tlog?, prev_tlog?, *old_logs]
// (newest first), increfing each, and reconstructs recent version history
// for peer sync. Callers must Close the returned snapshot.
func (u *UpdateLog) RecentUpdates() *recent.Snapshot {
	u.mu.Lock()
	logs := make([]*logfile.LogFile, 0, 3+len(u.oldLogs))
	if u.bufferTlog != nil {
		logs = append(logs, u.bufferTlog)
	}
	if u.tlog != nil {
		logs = append(logs, u.tlog)
	}
	if u.prevTlog != nil {
		logs = append(logs, u.prevTlog)
	}
	for i := len(u.oldLogs) - 1; i >= 0; i-- {
		logs = append(logs, u.oldLogs[i])
	}
	numRecordsToKeep := u.cfg.NumRecordsToKeep
	u.mu.Unlock()

	snap := recent.NewSnapshot(logs, numRecordsToKeep)
	snap.Update()
	return snap
}

// MetricsSnapshot implements ulogmetrics.StatsProvider.
func (u *UpdateLog) MetricsSnapshot() ulogmetrics.Stats {
	u.mu.Lock()
	var bufferedCount int64
	if u.bufferTlog != nil {
		fr := u.bufferTlog.ForwardReader(0)
		for {
			if _, _, err := fr.Next(); err != nil {
				break
			}
			bufferedCount++
		}
	}
	remainingLogs := int64(len(u.oldLogs))
	var remainingBytes int64
	for _, lf := range u.oldLogs {
		remainingBytes += lf.Size()
	}
	state := u.state.Load()
	u.mu.Unlock()

	return ulogmetrics.Stats{
		BufferedOpCount:       bufferedCount,
		RemainingReplayLogs:   remainingLogs,
		RemainingReplayBytes:  remainingBytes,
		State:                 int64(state),
		OpsReplay:             u.opsReplay.Load(),
		OpsApplyingBuffered:   u.opsApplyingBuffered.Load(),
		OpsCopyOverOldUpdates: u.opsCopyOverOldUpdates.Load(),
		HandlerStartUnixNano:  u.handlerStart,
	}
}

// Close shuts the replayer down and releases every log file reference held
// by the UpdateLog itself. Idempotent.
func (u *UpdateLog) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	u.replayer.Cancel()

	u.mu.Lock()
	defer u.mu.Unlock()
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if u.tlog != nil {
		note(u.tlog.Decref())
	}
	if u.prevTlog != nil {
		note(u.prevTlog.Decref())
	}
	if u.bufferTlog != nil {
		note(u.bufferTlog.Decref())
	}
	for _, lf := range u.oldLogs {
		note(lf.Decref())
	}
	note(u.stateStore.Close())
	return firstErr
}

// --- Dispatcher (implements replay.Dispatcher) ---

// DispatchAdd indexes a replayed ADD. Records sourced from a permanent
// (non-buffer) log are pointed at directly, suppressing the re-append
// spec.md ยง4.2 calls for. Records sourced from the ephemeral buffer tlog
// are copied into the live tlog first (ops_copyOverOldUpdates), since the
// buffer tlog is deleted once draining completes and a dangling KeyIndex
// entry would otherwise result.
func (u *UpdateLog) DispatchAdd(rec record.Record, src replay.Source) error {
	doc, err := record.DecodeDocument(rec.Payload)
	if err != nil {
		return fmt.Errorf("ulog: replay dispatch add: %w", err)
	}
	id, ok := doc.ID()
	if !ok {
		return fmt.Errorf("ulog: %w: replayed add missing id", ErrInvalidState)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	logHandle, offset := keyindex.LogHandle(src.Log), src.Offset
	if src.Log.IsBuffer() {
		newOffset, err := u.tlog.Append(record.Encode(rec))
		if err != nil {
			return fmt.Errorf("ulog: copy buffered add into tlog: %w", err)
		}
		u.tlogRecordCount++
		u.opsCopyOverOldUpdates.Add(1)
		logHandle, offset = u.tlog, newOffset
	}
	u.gens.Put(id, keyindex.Entry{Log: logHandle, Offset: offset, Version: rec.Version, PrevOffset: rec.PrevOffset})
	u.opsReplay.Add(1)
	return nil
}

// DispatchDelete indexes a replayed DELETE (see DispatchAdd for the
// buffer-copy-over rule).
func (u *UpdateLog) DispatchDelete(rec record.Record, src replay.Source) error {
	id := string(rec.Payload)

	u.mu.Lock()
	defer u.mu.Unlock()

	logHandle, offset := keyindex.LogHandle(src.Log), src.Offset
	if src.Log.IsBuffer() {
		newOffset, err := u.tlog.Append(record.Encode(rec))
		if err != nil {
			return fmt.Errorf("ulog: copy buffered delete into tlog: %w", err)
		}
		u.tlogRecordCount++
		u.opsCopyOverOldUpdates.Add(1)
		logHandle, offset = u.tlog, newOffset
	}
	u.gens.Put(id, keyindex.Entry{Log: logHandle, Offset: offset, Version: rec.Version, PrevOffset: -1})
	u.oldDeletes.Put(id, rec.Version)
	u.opsReplay.Add(1)
	return nil
}

// DispatchDeleteByQuery indexes a replayed DELETE_BY_QUERY: clears every
// KeyIndex generation (the ids it hit aren't individually known) and
// records it in the DBQ deque.
func (u *UpdateLog) DispatchDeleteByQuery(rec record.Record, src replay.Source) error {
	query := string(rec.Payload)

	u.mu.Lock()
	if src.Log.IsBuffer() {
		if _, err := u.tlog.Append(record.Encode(rec)); err != nil {
			u.mu.Unlock()
			return fmt.Errorf("ulog: copy buffered delete-by-query into tlog: %w", err)
		}
		u.tlogRecordCount++
		u.opsCopyOverOldUpdates.Add(1)
	}
	u.clearCachesLocked()
	u.dbq.Insert(query, rec.Version)
	u.mu.Unlock()

	u.opsReplay.Add(1)
	return nil
}
