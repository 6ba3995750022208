// Package replay implements the Replayer: it iterates a log, reconstructs
// commands, and dispatches them through the index writer's ingest path
// (the Dispatcher), coordinating with UpdateLocks for the buffered-updates
// finishing phase. Grounded on the teacher's stonedb/recovery.go replay
// loop and the per-key ordered-executor idea sketched in
// _examples/original_source's UpdateLog.LogReplayer.
package replay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"ulog/logfile"
	"ulog/locks"
	"ulog/record"
)

// ErrServiceUnavailable is returned by a Dispatcher method to signal
// back-pressure; the Replayer latches it and aborts the replay rather than
// counting and continuing, unlike every other per-record failure.
var ErrServiceUnavailable = errors.New("replay: service unavailable")

// Source identifies where a replayed record physically lives, so the
// Dispatcher can point a KeyIndex entry at it directly instead of
// re-appending (spec.md ยง4.2 step 3: REPLAY appends are suppressed).
type Source struct {
	Log    *logfile.LogFile
	Offset int64
}

// Dispatcher funnels a decoded record through the normal ingest path,
// tagged as a replay so the caller can suppress re-appending it to the
// active log. Implemented by *ulog.UpdateLog.
type Dispatcher interface {
	DispatchAdd(rec record.Record, src Source) error
	DispatchDelete(rec record.Record, src Source) error
	DispatchDeleteByQuery(rec record.Record, src Source) error
}

// RecoveryInfo summarizes a completed replay: counts of dispatched
// commands by kind, a count of tolerated per-record errors, whether the
// replay was aborted outright, and the offset it started from.
type RecoveryInfo struct {
	Adds            int64
	Deletes         int64
	DeleteByQuery   int64
	Errors          int64
	Failed          bool
	PositionOfStart int64
}

type counters struct {
	adds, deletes, dbq, errs atomic.Int64
}

func (c *counters) snapshot(start int64, failed bool) RecoveryInfo {
	return RecoveryInfo{
		Adds:            c.adds.Load(),
		Deletes:         c.deletes.Load(),
		DeleteByQuery:   c.dbq.Load(),
		Errors:          c.errs.Load(),
		Failed:          failed,
		PositionOfStart: start,
	}
}

// Replayer runs replay work on a pool of per-id ordered workers.
type Replayer struct {
	dispatcher Dispatcher
	numWorkers int
	logger     *slog.Logger

	cancelled atomic.Bool
}

func New(dispatcher Dispatcher, numWorkers int, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Replayer{dispatcher: dispatcher, numWorkers: numWorkers, logger: logger}
}

// Cancel sets the cooperative cancellation flag checked between records.
// Cancellation is not guaranteed to take effect mid-record.
func (r *Replayer) Cancel() { r.cancelled.Store(true) }

func keyOf(payload []byte) (string, bool) {
	rec, err := record.Decode(payload)
	if err != nil {
		return "", false
	}
	id, ok := rec.ID()
	return id, ok
}

// ReplayStale replays each log in logs from start to its final record
// (activeLog=false in spec.md ยง4.3: stale logs found at startup). If a
// log's final record is not a COMMIT, one is appended and the log is
// sealed. The trailing COMMIT alone does not keep a later boot from
// replaying the log again: recovery picks logs by the persisted checkpoint
// only. Logs are refcounted for the duration of the replay.
func (r *Replayer) ReplayStale(logs []*logfile.LogFile) (RecoveryInfo, error) {
	c := &counters{}
	ex := NewExecutor(r.numWorkers)
	defer ex.Close()

	var startOffset int64
	failed := false

	for i, lf := range logs {
		if !lf.TryIncref() {
			continue
		}
		if i == 0 {
			startOffset = 0
		}
		err := r.replayOne(lf, ex, c)
		if err != nil {
			failed = true
		}
		if err == nil {
			ex.Quiesce()
			if e := ex.Err(); e != nil {
				failed = true
				err = e
			}
		}
		if !failed {
			r.capIfUncommitted(lf)
		}
		_ = lf.Decref()
		if failed {
			return c.snapshot(startOffset, true), err
		}
	}
	return c.snapshot(startOffset, false), nil
}

func (r *Replayer) capIfUncommitted(lf *logfile.LogFile) {
	ends, err := lf.EndsWithCommit(isCommitPayload)
	if err != nil {
		r.logger.Warn("replay: could not check trailing commit", "log", lf.ID, "err", err)
		return
	}
	if ends || lf.Sealed() {
		return
	}
	if _, err := lf.Append(record.Encode(record.Record{Op: record.OpCommit})); err != nil {
		r.logger.Error("replay: failed to cap uncommitted log", "log", lf.ID, "err", err)
		return
	}
	lf.Seal()
}

func isCommitPayload(payload []byte) bool {
	rec, err := record.Decode(payload)
	return err == nil && rec.Op == record.OpCommit
}

// replayOne dispatches every command in lf in ascending-id order (via
// SortedReader), skipping COMMIT markers, quiescing pending adds/deletes
// before running each DBQ inline.
func (r *Replayer) replayOne(lf *logfile.LogFile, ex *Executor, c *counters) error {
	sr, err := lf.SortedReader(0, keyOf)
	if err != nil {
		return fmt.Errorf("replay: sorted reader on log %d: %w", lf.ID, err)
	}
	for {
		if r.cancelled.Load() {
			return nil
		}
		payload, offset, err := sr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			c.errs.Add(1)
			r.logger.Warn("replay: corrupt record, stopping stream for this log", "log", lf.ID, "err", err)
			return nil
		}
		rec, err := record.Decode(payload)
		if err != nil {
			c.errs.Add(1)
			r.logger.Warn("replay: undecodable record", "log", lf.ID, "err", err)
			continue
		}
		src := Source{Log: lf, Offset: offset}
		switch rec.Op {
		case record.OpCommit:
			continue
		case record.OpDeleteByQuery:
			ex.Quiesce()
			if e := ex.Err(); e != nil {
				return e
			}
			if err := r.dispatch(rec, src, c); err != nil {
				return err
			}
		default:
			id, _ := rec.ID()
			ex.Submit(id, func() error { return r.dispatch(rec, src, c) })
		}
	}
}

func (r *Replayer) dispatch(rec record.Record, src Source, c *counters) error {
	var err error
	switch rec.Op {
	case record.OpAdd:
		if err = r.dispatcher.DispatchAdd(rec, src); err == nil {
			c.adds.Add(1)
		}
	case record.OpDelete:
		if err = r.dispatcher.DispatchDelete(rec, src); err == nil {
			c.deletes.Add(1)
		}
	case record.OpDeleteByQuery:
		if err = r.dispatcher.DispatchDeleteByQuery(rec, src); err == nil {
			c.dbq.Add(1)
		}
	default:
		err = fmt.Errorf("replay: unknown op %s", rec.Op)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return err
	}
	c.errs.Add(1)
	r.logger.Warn("replay: command failed", "op", rec.Op.String(), "err", err)
	return nil
}

// ApplyBuffered drains buf into the live index (activeLog=true: applying
// buffered updates accumulated during BUFFERING). On the first EOF it
// enters the finishing phase: block incoming updates via lk, re-poll for
// records that slipped in between that EOF and the lock acquisition, drain
// those and wait for them to finish, then return with the lock still held
// so the caller can flip state to ACTIVE before unblocking.
func (r *Replayer) ApplyBuffered(buf *logfile.LogFile, lk *locks.UpdateLocks) (RecoveryInfo, error) {
	c := &counters{}
	ex := NewExecutor(r.numWorkers)
	defer ex.Close()

	offset, err := r.drainForward(buf, 0, ex, c)
	if err != nil {
		return c.snapshot(0, true), err
	}
	ex.Quiesce()
	if e := ex.Err(); e != nil {
		return c.snapshot(0, true), e
	}

	if err := lk.BlockUpdates(); err != nil {
		return c.snapshot(0, true), fmt.Errorf("replay: %w", err)
	}

	offset, err = r.drainForward(buf, offset, ex, c)
	if err != nil {
		lk.UnblockUpdates()
		return c.snapshot(0, true), err
	}
	ex.Quiesce()
	if e := ex.Err(); e != nil {
		lk.UnblockUpdates()
		return c.snapshot(0, true), e
	}

	// Caller transitions state to ACTIVE here, then must call
	// lk.UnblockUpdates() itself to complete the window.
	return c.snapshot(0, false), nil
}

func (r *Replayer) drainForward(lf *logfile.LogFile, start int64, ex *Executor, c *counters) (int64, error) {
	fr := lf.ForwardReader(start)
	for {
		if r.cancelled.Load() {
			return fr.Offset(), nil
		}
		payload, offset, err := fr.Next()
		if err == io.EOF {
			return fr.Offset(), nil
		}
		if err != nil {
			c.errs.Add(1)
			r.logger.Warn("replay: corrupt buffered record, stopping", "log", lf.ID, "err", err)
			return fr.Offset(), nil
		}
		rec, err := record.Decode(payload)
		if err != nil {
			c.errs.Add(1)
			continue
		}
		src := Source{Log: lf, Offset: offset}
		switch rec.Op {
		case record.OpCommit:
			continue
		case record.OpDeleteByQuery:
			ex.Quiesce()
			if e := ex.Err(); e != nil {
				return fr.Offset(), e
			}
			if err := r.dispatch(rec, src, c); err != nil {
				return fr.Offset(), err
			}
		default:
			id, _ := rec.ID()
			ex.Submit(id, func() error { return r.dispatch(rec, src, c) })
		}
	}
}
