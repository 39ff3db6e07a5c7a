// Package page defines the fixed-size disk/cache I/O unit shared by every
// LFKV-DB subsystem: the 16-byte page header, page kinds, and the CRC32C
// trailer described in spec §3 and §6.
//
// The header layout and little-endian encoding follow the teacher's BNode
// header (sharvitKashikar-FiloDB's filodb_btree.go: a 2-byte type plus a
// 2-byte key count at offset 0), generalized to the full header spec.md
// prescribes (magic, kind, flags, lsn, free-space offset, entry count).
package page

import (
	"encoding/binary"
	"hash/crc32"
)

// Size is the fixed page size used for every page kind. 4 KiB sits in the
// middle of spec §3's "typical 4-16 KiB" range.
const Size = 4096

// ID uniquely identifies a page. 0 is the meta page's fixed id, never a
// tree or free-list page, so it doubles as a "null pointer" sentinel for
// right-links, child pointers, and free-list heads.
type ID uint64

// Kind distinguishes page bodies, per spec §3.
type Kind uint8

const (
	KindInternal Kind = iota + 1
	KindLeaf
	KindMeta
	KindFreeList
	KindOverflow
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	case KindMeta:
		return "meta"
	case KindFreeList:
		return "freelist"
	case KindOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Magic tags every page so a corrupt/foreign file is rejected early.
const Magic uint16 = 0x4c46 // "LF"

// HeaderSize is the fixed 16-byte header spec §6 prescribes:
// magic(u16) | kind(u8) | flags(u8) | lsn(u64) | free-space offset(u16) | entry count(u16)
const HeaderSize = 16

// crcSize is the trailing CRC32C that covers the header + body.
const crcSize = 4

// UsableSize is the number of body bytes available after the header and
// before the CRC trailer.
const UsableSize = Size - HeaderSize - crcSize

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the decoded form of a page's fixed leading bytes.
type Header struct {
	Kind       Kind
	Flags      uint8
	LSN        uint64
	FreeSpace  uint16 // offset of first free byte in the body
	EntryCount uint16
}

// PutHeader encodes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h Header) {
	_ = buf[:HeaderSize]
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = byte(h.Kind)
	buf[3] = h.Flags
	binary.LittleEndian.PutUint64(buf[4:12], h.LSN)
	binary.LittleEndian.PutUint16(buf[12:14], h.FreeSpace)
	binary.LittleEndian.PutUint16(buf[14:16], h.EntryCount)
}

// GetHeader decodes the first HeaderSize bytes of buf.
func GetHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errShortBuffer
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != Magic {
		return Header{}, errBadMagic
	}
	return Header{
		Kind:       Kind(buf[2]),
		Flags:      buf[3],
		LSN:        binary.LittleEndian.Uint64(buf[4:12]),
		FreeSpace:  binary.LittleEndian.Uint16(buf[12:14]),
		EntryCount: binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// LSN reads just the modification LSN out of a raw page, the one field the
// buffer pool needs on every dirty-page writeback decision without paying
// for a full header decode.
func LSN(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[4:12])
}

// SetLSN patches the LSN field in place, used by mark-dirty.
func SetLSN(buf []byte, lsn uint64) {
	binary.LittleEndian.PutUint64(buf[4:12], lsn)
}

// Body returns the writable region between the header and the CRC trailer.
func Body(buf []byte) []byte {
	return buf[HeaderSize : Size-crcSize]
}

// Seal computes and writes the CRC32C trailer over the header and body.
func Seal(buf []byte) {
	crc := crc32.Checksum(buf[:Size-crcSize], crcTable)
	binary.LittleEndian.PutUint32(buf[Size-crcSize:Size], crc)
}

// Verify reports whether the page's CRC32C trailer matches its contents.
func Verify(buf []byte) bool {
	if len(buf) != Size {
		return false
	}
	want := binary.LittleEndian.Uint32(buf[Size-crcSize : Size])
	got := crc32.Checksum(buf[:Size-crcSize], crcTable)
	return want == got
}

// New allocates a zeroed page buffer with the given header pre-written.
func New(h Header) []byte {
	buf := make([]byte, Size)
	PutHeader(buf, h)
	return buf
}

var (
	errShortBuffer = pageError("buffer shorter than page header")
	errBadMagic    = pageError("bad page magic")
)

type pageError string

func (e pageError) Error() string { return "page: " + string(e) }
