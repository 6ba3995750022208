package logfile

import (
	"io"
	"sort"
)

// ForwardReader lazily yields records from start to the current logical
// end. It is restartable: since it holds nothing but a cursor, reopening
// it (LogFile.ForwardReader with the cursor from Offset) resumes exactly.
type ForwardReader struct {
	lf     *LogFile
	offset int64
}

func (lf *LogFile) ForwardReader(start int64) *ForwardReader {
	return &ForwardReader{lf: lf, offset: start}
}

// Next returns the payload and the offset it was read from, and advances
// the cursor past it. Returns io.EOF at the current logical end — callers
// tailing a live file should re-poll (optionally via LogFile.Wait).
func (r *ForwardReader) Next() (payload []byte, offset int64, err error) {
	payload, frameLen, err := r.lf.ReadAt(r.offset)
	if err != nil {
		return nil, r.offset, err
	}
	offset = r.offset
	r.offset += frameLen
	return payload, offset, nil
}

// Offset reports the reader's current cursor, suitable for a later restart.
func (r *ForwardReader) Offset() int64 { return r.offset }

// ReverseReader lazily yields records from the last record back to the
// first, used to reconstruct RecentUpdates without scanning forward.
type ReverseReader struct {
	lf     *LogFile
	offset int64 // offset of the next frame to yield; -1 once exhausted
	err    error
}

func (lf *LogFile) ReverseReader() *ReverseReader {
	start, err := lf.lastFrameOffset()
	if err == io.EOF {
		return &ReverseReader{lf: lf, offset: -1}
	}
	if err != nil {
		return &ReverseReader{lf: lf, offset: -1, err: err}
	}
	return &ReverseReader{lf: lf, offset: start}
}

func (r *ReverseReader) Next() (payload []byte, offset int64, err error) {
	if r.err != nil {
		return nil, 0, r.err
	}
	if r.offset < 0 {
		return nil, 0, io.EOF
	}
	payload, _, err = r.lf.ReadAt(r.offset)
	if err != nil {
		// A corrupt trailing record is tolerated here: stop the stream.
		r.offset = -1
		return nil, 0, err
	}
	cur := r.offset
	if cur == 0 {
		r.offset = -1
		return payload, cur, nil
	}
	prevStart, ferr := r.prevFrameStart(cur)
	if ferr != nil {
		r.offset = -1
		return payload, cur, nil
	}
	r.offset = prevStart
	return payload, cur, nil
}

// prevFrameStart reads the footer immediately preceding the frame at
// frameStart to locate the frame before it.
func (r *ReverseReader) prevFrameStart(frameStart int64) (int64, error) {
	if frameStart < frameFooterSize {
		return 0, io.EOF
	}
	footer := make([]byte, frameFooterSize)
	if _, err := r.lf.readAtRaw(footer, frameStart-frameFooterSize); err != nil {
		return 0, err
	}
	n := int64(beUint32(footer))
	total := frameHeaderSize + n + frameFooterSize
	start := frameStart - total
	if start < 0 {
		return 0, errCorrupt
	}
	return start, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// SortedReader is a forward reader that buffers the tail from start to the
// current end and yields records in ascending key order, used for ordered
// replay. keyOf extracts the sort key (document id) from a payload; records
// for which keyOf returns ok=false sort last and preserve encounter order.
type SortedReader struct {
	entries []sortedEntry
	pos     int
}

type sortedEntry struct {
	payload []byte
	offset  int64
	key     string
	hasKey  bool
	seq     int
}

func (lf *LogFile) SortedReader(start int64, keyOf func(payload []byte) (string, bool)) (*SortedReader, error) {
	fr := lf.ForwardReader(start)
	var entries []sortedEntry
	seq := 0
	for {
		payload, offset, err := fr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		key, ok := keyOf(payload)
		entries = append(entries, sortedEntry{payload: payload, offset: offset, key: key, hasKey: ok, seq: seq})
		seq++
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.hasKey != b.hasKey {
			return a.hasKey // keyed records sort before unkeyed ones
		}
		if !a.hasKey {
			return a.seq < b.seq
		}
		if a.key != b.key {
			return a.key < b.key
		}
		return a.seq < b.seq
	})
	return &SortedReader{entries: entries}, nil
}

func (r *SortedReader) Next() (payload []byte, offset int64, err error) {
	if r.pos >= len(r.entries) {
		return nil, 0, io.EOF
	}
	e := r.entries[r.pos]
	r.pos++
	return e.payload, e.offset, nil
}
