// Package recent implements RecentUpdates: a scoped, refcounted snapshot
// of the buffer/active/retired logs used to answer "last N versions per
// id" for peer sync, and to resolve individual versions during partial
// update resolution. Grounded on the teacher's replication.go/cdc.go
// pattern of scanning recent WAL history to build a catch-up stream.
package recent

import (
	"io"

	"ulog/keyindex"
	"ulog/logfile"
	"ulog/record"
)

// Entry is one record surfaced by a Snapshot scan.
type Entry struct {
	Version int64
	Op      record.Op
	Payload []byte
	LogID   uint64
	Offset  int64
}

// Snapshot holds an incref'd view of
// [bufferLog?, tlog?, prevTlog?, ...oldLogs] (newest first), open as a
// scoped resource. Close decrements every log's refcount.
type Snapshot struct {
	logs             []*logfile.LogFile
	numRecordsToKeep int

	updateList     []Entry
	deleteList     []Entry
	dbqList        []keyindex.DBQEntry
	byVersion      map[int64]Entry
	bufferVersions map[int64]bool
}

// NewSnapshot increfs every log in logs (newest first) and returns a
// Snapshot ready for Update. Logs that fail TryIncref (already closing)
// are silently skipped, matching the teacher's tolerance for a replica
// racing a compaction/rotation.
func NewSnapshot(logs []*logfile.LogFile, numRecordsToKeep int) *Snapshot {
	held := make([]*logfile.LogFile, 0, len(logs))
	for _, lf := range logs {
		if lf == nil {
			continue
		}
		if lf.TryIncref() {
			held = append(held, lf)
		}
	}
	return &Snapshot{
		logs:             held,
		numRecordsToKeep: numRecordsToKeep,
		byVersion:        make(map[int64]Entry),
		bufferVersions:   make(map[int64]bool),
	}
}

// Close decrements every held log's refcount. Calls after the first do
// nothing.
func (s *Snapshot) Close() {
	for _, lf := range s.logs {
		_ = lf.Decref()
	}
	s.logs = nil
}

// Update reverse-reads each held log until numRecordsToKeep distinct
// versions have been collected, classifying records into updateList (all
// mutations), deleteList, and dbqList. Buffer-log entries' versions are
// additionally stashed so callers can filter them out when reconciling
// against the main index.
func (s *Snapshot) Update() {
	seen := make(map[int64]bool)
	for _, lf := range s.logs {
		if s.numRecordsToKeep > 0 && len(seen) >= s.numRecordsToKeep {
			break
		}
		rr := lf.ReverseReader()
		for {
			if s.numRecordsToKeep > 0 && len(seen) >= s.numRecordsToKeep {
				break
			}
			payload, offset, err := rr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				break // corrupt trailing record tolerated; stop this log
			}
			rec, err := record.Decode(payload)
			if err != nil || rec.Op == record.OpCommit {
				continue
			}
			if seen[rec.Version] {
				continue
			}
			seen[rec.Version] = true

			e := Entry{Version: rec.Version, Op: rec.Op, Payload: payload, LogID: lf.ID, Offset: offset}
			s.updateList = append(s.updateList, e)
			s.byVersion[rec.Version] = e
			if lf.IsBuffer() {
				s.bufferVersions[absVersion(rec.Version)] = true
			}

			switch rec.Op {
			case record.OpDelete:
				s.deleteList = append(s.deleteList, e)
			case record.OpDeleteByQuery:
				s.dbqList = append(s.dbqList, keyindex.DBQEntry{
					Query:   string(rec.Payload),
					Version: absVersion(rec.Version),
				})
			}
		}
	}
}

func absVersion(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// GetVersions returns up to n newest (by encounter order) versions from
// updateList with |version| <= |maxVersion|, deduplicated.
func (s *Snapshot) GetVersions(n int, maxVersion int64) []int64 {
	max := absVersion(maxVersion)
	seen := make(map[int64]bool)
	out := make([]int64, 0, n)
	for _, e := range s.updateList {
		if absVersion(e.Version) > max {
			continue
		}
		if seen[e.Version] {
			continue
		}
		seen[e.Version] = true
		out = append(out, e.Version)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out
}

// Lookup resolves a single version in O(1) via the secondary map built by
// Update.
func (s *Snapshot) Lookup(version int64) (Entry, bool) {
	e, ok := s.byVersion[version]
	return e, ok
}

// GetDeleteByQuery returns DBQ records strictly newer than afterVersion,
// skipping any version already present in seen.
func (s *Snapshot) GetDeleteByQuery(afterVersion int64, seen map[int64]bool) []keyindex.DBQEntry {
	after := absVersion(afterVersion)
	var out []keyindex.DBQEntry
	for _, e := range s.dbqList {
		if e.Version <= after {
			continue
		}
		if seen != nil && seen[e.Version] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// IsBufferedVersion reports whether version was encountered in the buffer
// tlog, letting callers filter buffered-but-not-yet-committed versions out
// of a peer-sync reconciliation.
func (s *Snapshot) IsBufferedVersion(version int64) bool {
	return s.bufferVersions[absVersion(version)]
}

// DeleteList exposes the classified delete records collected by Update.
func (s *Snapshot) DeleteList() []Entry { return s.deleteList }

// UpdateList exposes every classified mutation collected by Update.
func (s *Snapshot) UpdateList() []Entry { return s.updateList }
