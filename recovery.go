package ulog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"

	"ulog/logfile"
)

const (
	tlogPrefix       = "tlog."
	bufferTlogPrefix = "buffer.tlog."
)

func tlogPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%019d", tlogPrefix, id))
}

// bufferTlogPath names a buffer tlog by creation time plus a uuid
// disambiguator, since two buffer logs opened within the same nanosecond
// (observed under fast test loops on platforms with coarse clock
// resolution) would otherwise collide on name alone.
func bufferTlogPath(dir string, nanos int64, disambiguator string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d.%s", bufferTlogPrefix, nanos, disambiguator))
}

// scanDir lists dir for tlog.<id> and buffer.tlog.<nanos> files. tlog ids
// are returned ascending (oldest first); buffer paths in name order
// (nanosecond timestamps sort lexically for same-width numbers, which
// os.ReadDir's alphabetic listing already gives us here since names share
// a fixed era length in practice).
func scanDir(dir string) (tlogIDs []uint64, bufferPaths []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("ulog: read dir %s: %w", dir, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		switch {
		case strings.HasPrefix(name, bufferTlogPrefix):
			bufferPaths = append(bufferPaths, filepath.Join(dir, name))
		case strings.HasPrefix(name, tlogPrefix):
			id, perr := strconv.ParseUint(strings.TrimPrefix(name, tlogPrefix), 10, 64)
			if perr != nil {
				continue
			}
			tlogIDs = append(tlogIDs, id)
		}
	}
	sort.Slice(tlogIDs, func(i, j int) bool { return tlogIDs[i] < tlogIDs[j] })
	sort.Strings(bufferPaths)
	return tlogIDs, bufferPaths, nil
}

func parseBufferNanos(path string) int64 {
	s := strings.TrimPrefix(filepath.Base(path), bufferTlogPrefix)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// recoverFromDisk implements recover_from_log(): reopens every existing
// tlog and buffer tlog found in dir, opens a fresh active tlog, replays
// whatever the persisted checkpoint says isn't yet reflected in the index
// (or everything, absent a checkpoint) through the Dispatcher path, and
// folds any leftover buffer tlog into that same replay rather than
// resuming BUFFERING: nothing durable records which requests a client
// already believed were accepted, so silently resuming buffering risks
// losing acknowledged writes (the ambiguity spec.md ยง9 flags as an open
// question around core-reload mid-replay is adjacent to this choice).
func (u *UpdateLog) recoverFromDisk() error {
	ids, bufferPaths, err := scanDir(u.dir)
	if err != nil {
		return err
	}

	_, checkpointLogID, checkpointOffset, _, cerr := u.stateStore.GetState()
	hasCheckpoint := cerr == nil
	if cerr != nil && !errors.Is(cerr, leveldb.ErrNotFound) {
		u.logger.Warn("ulog: reading recovery checkpoint failed, falling back to a full scan", "err", cerr)
	}

	var maxID uint64
	var toReplay []*logfile.LogFile
	for _, id := range ids {
		lf, err := logfile.Open(tlogPath(u.dir, id), id, false, toLogfileSyncLevel(u.cfg.SyncLevel), u.logger)
		if err != nil {
			return fmt.Errorf("ulog: reopen tlog %d: %w", id, err)
		}
		u.oldLogs = append(u.oldLogs, lf)
		u.oldLogRecordCount[id] = 0 // true count unknown for a pre-existing log; retention trims conservatively
		if id > maxID {
			maxID = id
		}
		if hasCheckpoint && id < uint64(checkpointLogID) {
			continue // already durably reflected in the index
		}
		toReplay = append(toReplay, lf)
	}
	if len(ids) > 0 {
		u.nextLogID.Store(maxID + 1)
	}

	u.existOldBufferLog = len(bufferPaths) > 0
	var leftoverBuffers []*logfile.LogFile
	for _, bp := range bufferPaths {
		nanos := parseBufferNanos(bp)
		lf, err := logfile.Open(bp, uint64(nanos), true, toLogfileSyncLevel(u.cfg.SyncLevel), u.logger)
		if err != nil {
			return fmt.Errorf("ulog: reopen buffer tlog %s: %w", bp, err)
		}
		lf.SetDeleteOnClose(true)
		toReplay = append(toReplay, lf)
		leftoverBuffers = append(leftoverBuffers, lf)
	}

	if err := u.openNewActiveTlogLocked(); err != nil {
		return err
	}

	if len(toReplay) == 0 {
		return nil
	}

	if hasCheckpoint && len(toReplay) > 0 && !toReplay[0].IsBuffer() && toReplay[0].ID == uint64(checkpointLogID) {
		_ = checkpointOffset // ReplayStale always scans each selected log from its own start; the checkpoint only decides which logs are selected at all (see DESIGN.md).
	}

	info, err := u.replayer.ReplayStale(toReplay)
	if err != nil {
		return fmt.Errorf("ulog: recovery replay failed: %w", err)
	}
	if info.Failed {
		return fmt.Errorf("ulog: recovery replay reported failure after %d adds, %d deletes, %d errors", info.Adds, info.Deletes, info.Errors)
	}

	for _, lf := range leftoverBuffers {
		_ = lf.Decref()
	}
	return nil
}
