package keyindex

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// StateStore persists the recovery checkpoint — next version, next log id,
// and the durable offset they correspond to — so a restart can fast-forward
// through already-indexed history instead of rescanning every retained
// tlog from byte zero. Grounded on the teacher's LevelDBIndex.PutState /
// GetState, which serves the same "skip the full scan" role for kdb9's
// own WAL recovery.
type StateStore struct {
	db *leveldb.DB
}

var stateKey = []byte("ulog:state")

// OpenStateStore opens (creating if absent) a small LevelDB database at dir.
func OpenStateStore(dir string) (*StateStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("keyindex: open state store %s: %w", dir, err)
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutState persists nextVersion, nextLogID, and the log offset through
// which they are valid, plus an approximate live-key count for Stats.
func (s *StateStore) PutState(nextVersion, nextLogID int64, offset int64, approxCount int64) error {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:8], uint64(nextVersion))
	binary.BigEndian.PutUint64(buf[8:16], uint64(nextLogID))
	binary.BigEndian.PutUint64(buf[16:24], uint64(offset))
	binary.BigEndian.PutUint64(buf[24:32], uint64(approxCount))
	return s.db.Put(stateKey, buf, nil)
}

// GetState retrieves the persisted recovery state. Returns
// leveldb.ErrNotFound (wrapped) if no state has ever been persisted, which
// callers should treat as "perform a full recovery scan".
func (s *StateStore) GetState() (nextVersion, nextLogID, offset, approxCount int64, err error) {
	buf, err := s.db.Get(stateKey, nil)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if len(buf) < 32 {
		return 0, 0, 0, 0, fmt.Errorf("keyindex: truncated state record (%d bytes)", len(buf))
	}
	nextVersion = int64(binary.BigEndian.Uint64(buf[0:8]))
	nextLogID = int64(binary.BigEndian.Uint64(buf[8:16]))
	offset = int64(binary.BigEndian.Uint64(buf[16:24]))
	approxCount = int64(binary.BigEndian.Uint64(buf[24:32]))
	return nextVersion, nextLogID, offset, approxCount, nil
}
