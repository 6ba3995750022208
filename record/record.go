// Package record defines the wire format of a single LogRecord: the unit
// appended to a LogFile and replayed by the Replayer.
package record

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Op is the low 3 bits of the flags byte.
type Op uint8

const (
	OpAdd           Op = 1
	OpDelete        Op = 2
	OpDeleteByQuery Op = 3
	OpCommit        Op = 4
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "ADD"
	case OpDelete:
		return "DELETE"
	case OpDeleteByQuery:
		return "DELETE_BY_QUERY"
	case OpCommit:
		return "COMMIT"
	default:
		return fmt.Sprintf("OP(%d)", o)
	}
}

// FlagInPlaceUpdate is bit 3 of the flags byte; it combines with OpAdd.
const FlagInPlaceUpdate uint8 = 0x08

const opMask uint8 = 0x07

// Record is a decoded LogRecord. Version is signed: positive means
// present, negative is a tombstone; |Version| is the Lamport-style
// per-shard logical timestamp.
type Record struct {
	Op           Op
	InPlaceUpdate bool
	Version      int64
	PrevOffset   int64 // only meaningful when InPlaceUpdate
	PrevVersion  int64 // only meaningful when InPlaceUpdate

	// Payload is op-specific:
	//  ADD             -> serialized Document
	//  DELETE          -> id bytes
	//  DELETE_BY_QUERY -> query string bytes
	//  COMMIT          -> empty
	Payload []byte
}

// ID extracts the document id this record pertains to, for ADD and DELETE
// records. DELETE_BY_QUERY and COMMIT records have no single id.
func (r Record) ID() (string, bool) {
	switch r.Op {
	case OpDelete:
		return string(r.Payload), true
	case OpAdd:
		doc, err := DecodeDocument(r.Payload)
		if err != nil {
			return "", false
		}
		id, ok := doc.ID()
		return id, ok
	default:
		return "", false
	}
}

// Encode serializes r into the byte layout described in spec.md ยง3:
//
//	flags(1) version(8) [prevOffset(8) prevVersion(8)] payload(...)
func Encode(r Record) []byte {
	flags := uint8(r.Op) & opMask
	if r.InPlaceUpdate {
		flags |= FlagInPlaceUpdate
	}
	headerLen := 1 + 8
	if r.InPlaceUpdate {
		headerLen += 16
	}
	buf := make([]byte, headerLen+len(r.Payload))
	buf[0] = flags
	binary.BigEndian.PutUint64(buf[1:9], uint64(r.Version))
	off := 9
	if r.InPlaceUpdate {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(r.PrevOffset))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(r.PrevVersion))
		off += 16
	}
	copy(buf[off:], r.Payload)
	return buf
}

// Decode reverses Encode. It returns ulog/record-local errors wrapped by
// the caller (logfile/replay) with positional context.
func Decode(buf []byte) (Record, error) {
	if len(buf) < 9 {
		return Record{}, fmt.Errorf("record: short buffer (%d bytes)", len(buf))
	}
	flags := buf[0]
	op := Op(flags & opMask)
	inPlace := flags&FlagInPlaceUpdate != 0

	switch op {
	case OpAdd, OpDelete, OpDeleteByQuery, OpCommit:
	default:
		return Record{}, fmt.Errorf("record: unknown op code %d", flags&opMask)
	}
	if inPlace && op != OpAdd {
		return Record{}, fmt.Errorf("record: IN_PLACE_UPDATE flag set on non-ADD op %s", op)
	}

	version := int64(binary.BigEndian.Uint64(buf[1:9]))
	off := 9
	var prevOffset, prevVersion int64
	if inPlace {
		if len(buf) < off+16 {
			return Record{}, fmt.Errorf("record: short in-place header (%d bytes)", len(buf))
		}
		prevOffset = int64(binary.BigEndian.Uint64(buf[off : off+8]))
		prevVersion = int64(binary.BigEndian.Uint64(buf[off+8 : off+16]))
		off += 16
	}
	payload := append([]byte(nil), buf[off:]...)

	return Record{
		Op:            op,
		InPlaceUpdate: inPlace,
		Version:       version,
		PrevOffset:    prevOffset,
		PrevVersion:   prevVersion,
		Payload:       payload,
	}, nil
}

// Document is the opaque add-payload. The index-writer boundary treats
// documents opaquely; ulog only needs field-level merge for partial
// updates, so a JSON object (ordered only by caller convention) suffices.
type Document map[string]any

const idField = "id"

func (d Document) ID() (string, bool) {
	v, ok := d[idField]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Merge overlays fields from patch onto d, returning a new Document. Only
// keys present in patch are overwritten; everything else in d survives.
func (d Document) Merge(patch Document) Document {
	out := make(Document, len(d)+len(patch))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func EncodeDocument(d Document) ([]byte, error) { return json.Marshal(d) }

func DecodeDocument(b []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return d, nil
}
