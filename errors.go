package ulog

import "errors"

// Sentinel errors returned across the ulog package tree. Callers should use
// errors.Is against these rather than comparing strings.
var (
	// ErrKeyNotFound names the case where no evidence of an id exists
	// anywhere: not in any KeyIndex generation, not in the real index, not in
	// OldDeletes. LookupVersion reports that case as ok=false; no function in
	// this module returns this error.
	ErrKeyNotFound = errors.New("ulog: key not found")

	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("ulog: update log closed")

	// ErrInvalidState marks an invariant violation: a partial-update chain
	// entry that is neither ADD nor IN_PLACE_UPDATE, or a state transition
	// attempted from an incompatible state.
	ErrInvalidState = errors.New("ulog: invalid state")

	// ErrServiceUnavailable is returned by Add, Delete and DeleteByQuery when
	// the read side of UpdateLocks cannot be taken within DocLockTimeoutMs.
	// ApplyBufferedUpdates does not map to it: a BlockUpdates timeout comes
	// back as locks.ErrTimeout and replay back-pressure as
	// replay.ErrServiceUnavailable.
	ErrServiceUnavailable = errors.New("ulog: service unavailable")

	// ErrCorruptRecord names a record that failed CRC validation or framing
	// sanity checks. No function in this module returns it; corrupt frames
	// surface through logfile.IsCorrupt.
	ErrCorruptRecord = errors.New("ulog: corrupt record")

	// ErrConfig marks a configuration error that must prevent shard startup:
	// an escaped relative path, a conflicting log directory, etc.
	ErrConfig = errors.New("ulog: invalid configuration")

	// ErrUnknownOp names a record whose opcode isn't one of
	// ADD/DELETE/DELETE_BY_QUERY/COMMIT — a future or garbled flags byte.
	// No function in this module returns it; record.Decode reports such a
	// record with a plain error of its own.
	ErrUnknownOp = errors.New("ulog: unknown op code")

	// ErrSealed names an append to a LogFile already capped with a COMMIT
	// record. No function in this module returns it; LogFile.Append reports
	// that case with an error matched by logfile.IsSealed.
	ErrSealed = errors.New("ulog: log file sealed")
)
