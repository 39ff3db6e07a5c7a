// Package wal implements spec §4.3's Write-Ahead Log: segmented append-only
// records, group commit, checkpointing, and crash-recovery replay.
//
// The teacher (sharvitKashikar-FiloDB) has no log at all — durability comes
// from fsync-ing the whole copy-on-write data file (filodb_storage.go's
// syncPages/masterStore). This package is new relative to the teacher;
// its CRC-tagged, length-prefixed record framing follows the general
// write-ahead-log idiom present elsewhere in the retrieved pack (e.g.
// cobaltdb's pkg/storage/wal.go, novusdb's storage/wal.go), and its
// durability-barrier discipline (pwrite-then-fsync before trusting a
// write) is the same discipline the teacher already applies to its
// master page.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/lfkvdb/lfkv/internal/ferrors"
)

// RecordType tags a WAL record, per spec §3.
type RecordType uint8

const (
	RecBegin RecordType = iota + 1
	RecInsert
	RecUpdate
	RecDelete
	RecCommit
	RecAbort
	RecPageAlloc
	RecPageFree
	RecCheckpoint
	RecPrune
)

func (t RecordType) String() string {
	switch t {
	case RecBegin:
		return "Begin"
	case RecInsert:
		return "Insert"
	case RecUpdate:
		return "Update"
	case RecDelete:
		return "Delete"
	case RecCommit:
		return "Commit"
	case RecAbort:
		return "Abort"
	case RecPageAlloc:
		return "PageAlloc"
	case RecPageFree:
		return "PageFree"
	case RecCheckpoint:
		return "Checkpoint"
	case RecPrune:
		return "Prune"
	default:
		return "Unknown"
	}
}

// Record is the decoded form of one WAL entry. Only the fields relevant
// to Type are populated; this mirrors the tagged-union record list of
// spec §3 without needing a Go interface per record kind.
type Record struct {
	Type RecordType
	LSN  uint64

	TxID           uint64
	PageID         uint64
	Key            []byte
	Value          []byte
	PrevVersionLSN uint64
	CommitTS       uint64
	SafeTS         uint64

	// Checkpoint-only fields.
	ActiveTxIDs    []uint64
	DirtyPageTable map[uint64]uint64 // page id -> dirtying lsn
	OldestSnapshot uint64
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrTorn is returned by ReadNext when a record's length/CRC indicates a
// torn write (an incomplete tail from a crash mid-append). Replay treats
// this as "stop here, keep everything before".
var ErrTorn = fmt.Errorf("%w: torn wal record", ferrors.Corrupt)

// Encode serializes rec into the wire format of spec §6:
// length(u32) | type(u8) | lsn(u64) | payload | crc32c(u32)
// where length covers type+lsn+payload and the crc covers the same span.
func Encode(rec Record) []byte {
	payload := encodePayload(rec)
	body := make([]byte, 1+8+len(payload))
	body[0] = byte(rec.Type)
	binary.LittleEndian.PutUint64(body[1:9], rec.LSN)
	copy(body[9:], payload)

	crc := crc32.Checksum(body, crcTable)

	out := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	binary.LittleEndian.PutUint32(out[4+len(body):], crc)
	return out
}

// ReadNext reads one framed record from r. Returns io.EOF cleanly at a
// record boundary, or ErrTorn if a length/CRC mismatch suggests a torn
// tail write.
func ReadNext(r io.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, ErrTorn
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen < 9 || bodyLen > 64<<20 {
		return Record{}, ErrTorn
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, ErrTorn
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, ErrTorn
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	gotCRC := crc32.Checksum(body, crcTable)
	if wantCRC != gotCRC {
		return Record{}, ErrTorn
	}

	rec := Record{Type: RecordType(body[0]), LSN: binary.LittleEndian.Uint64(body[1:9])}
	if err := decodePayload(&rec, body[9:]); err != nil {
		return Record{}, ErrTorn
	}
	return rec, nil
}

func encodePayload(rec Record) []byte {
	var w writer
	switch rec.Type {
	case RecBegin:
		w.u64(rec.TxID)
	case RecInsert, RecUpdate:
		w.u64(rec.TxID)
		w.u64(rec.PageID)
		w.bytes16(rec.Key)
		w.bytes32(rec.Value)
		w.u64(rec.PrevVersionLSN)
	case RecDelete:
		w.u64(rec.TxID)
		w.u64(rec.PageID)
		w.bytes16(rec.Key)
		w.u64(rec.PrevVersionLSN)
	case RecCommit:
		w.u64(rec.TxID)
		w.u64(rec.CommitTS)
	case RecAbort:
		w.u64(rec.TxID)
	case RecPageAlloc:
		w.u64(rec.PageID)
	case RecPageFree:
		w.u64(rec.PageID)
		w.u64(rec.SafeTS)
	case RecPrune:
		w.u64(rec.PageID)
		w.u64(rec.SafeTS)
	case RecCheckpoint:
		w.u64(rec.OldestSnapshot)
		w.u32(uint32(len(rec.ActiveTxIDs)))
		for _, id := range rec.ActiveTxIDs {
			w.u64(id)
		}
		w.u32(uint32(len(rec.DirtyPageTable)))
		for pid, lsn := range rec.DirtyPageTable {
			w.u64(pid)
			w.u64(lsn)
		}
	}
	return w.buf
}

func decodePayload(rec *Record, buf []byte) error {
	r := reader{buf: buf}
	switch rec.Type {
	case RecBegin:
		rec.TxID = r.u64()
	case RecInsert, RecUpdate:
		rec.TxID = r.u64()
		rec.PageID = r.u64()
		rec.Key = r.bytes16()
		rec.Value = r.bytes32()
		rec.PrevVersionLSN = r.u64()
	case RecDelete:
		rec.TxID = r.u64()
		rec.PageID = r.u64()
		rec.Key = r.bytes16()
		rec.PrevVersionLSN = r.u64()
	case RecCommit:
		rec.TxID = r.u64()
		rec.CommitTS = r.u64()
	case RecAbort:
		rec.TxID = r.u64()
	case RecPageAlloc:
		rec.PageID = r.u64()
	case RecPageFree:
		rec.PageID = r.u64()
		rec.SafeTS = r.u64()
	case RecPrune:
		rec.PageID = r.u64()
		rec.SafeTS = r.u64()
	case RecCheckpoint:
		rec.OldestSnapshot = r.u64()
		n := r.u32()
		rec.ActiveTxIDs = make([]uint64, n)
		for i := range rec.ActiveTxIDs {
			rec.ActiveTxIDs[i] = r.u64()
		}
		m := r.u32()
		rec.DirtyPageTable = make(map[uint64]uint64, m)
		for i := uint32(0); i < m; i++ {
			pid := r.u64()
			lsn := r.u64()
			rec.DirtyPageTable[pid] = lsn
		}
	default:
		return fmt.Errorf("wal: unknown record type %d", rec.Type)
	}
	if r.err != nil {
		return r.err
	}
	return nil
}

// writer/reader are tiny helpers so the payload (en|de)coders above read
// as a flat sequence of fields, the same style as the teacher's
// binary.LittleEndian.Put* calls in filodb_btree.go.

type writer struct{ buf []byte }

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) bytes16(b []byte) {
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) bytes32(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil || r.pos+n > len(r.buf) {
		if r.err == nil {
			r.err = fmt.Errorf("wal: short payload")
		}
		return false
	}
	return true
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes16() []byte {
	n := int(r.u16())
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b
}

func (r *reader) bytes32() []byte {
	n := int(r.u32())
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b
}
