package ulog

import (
	"ulog/logfile"
	"ulog/record"
)

// IndexWriter is the boundary with the search-index writer. The ulog never
// writes to the index directly; it only signals when a new view is needed
// and consults it as a last-resort version source.
type IndexWriter interface {
	Commit() error
	OpenNewSearcher() error
	GetVersionFromIndex(id string) (int64, bool)
	IsPersistent() bool
	IsReloaded() bool
}

// AddCommand carries the parameters of a single ADD or IN_PLACE_UPDATE.
// Version is assigned upstream (the distributed update processor owns the
// per-shard Lamport clock); the ulog only records it.
type AddCommand struct {
	Version       int64
	Doc           record.Document
	InPlaceUpdate bool
	PrevOffset    int64 // -1 if unknown; resolved from KeyIndex when InPlaceUpdate and unset
	PrevVersion   int64

	Buffering   bool
	Replay      bool
	ClearCaches bool

	// SourceLog/SourceOffset are populated by the Replayer's Dispatcher
	// path only; callers issuing a live add leave these zero.
	SourceLog    *logfile.LogFile
	SourceOffset int64
}

// DeleteCommand carries the parameters of a single DELETE.
type DeleteCommand struct {
	Version     int64
	ID          string
	Buffering   bool
	Replay      bool
	ClearCaches bool

	SourceLog    *logfile.LogFile
	SourceOffset int64
}

// DeleteByQueryCommand carries the parameters of a single DELETE_BY_QUERY.
type DeleteByQueryCommand struct {
	Version   int64
	Query     string
	Buffering bool
	Replay    bool
	// IgnoreIndexWriter skips opening a new searcher and clearing caches,
	// used when the caller already knows the query hit nothing live.
	IgnoreIndexWriter bool
}

func toLogfileSyncLevel(s SyncLevel) logfile.SyncLevel {
	switch s {
	case SyncFsync:
		return logfile.SyncFsync
	case SyncNone:
		return logfile.SyncNone
	default:
		return logfile.SyncFlush
	}
}
