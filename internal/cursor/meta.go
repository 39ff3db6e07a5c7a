package cursor

import (
	"encoding/binary"
	"fmt"

	"github.com/lfkvdb/lfkv/internal/ferrors"
	"github.com/lfkvdb/lfkv/internal/page"
)

// MetaPageID is the fixed location of the engine's meta page, the
// analogue of the teacher's master page (filodb_storage.go's
// masterLoad/masterStore): it records the tree root and the durable
// watermarks needed to bootstrap after an open.
const MetaPageID page.ID = 0

// FormatVersion identifies the on-disk layout. Bumped on any
// incompatible change to node or meta encoding.
const FormatVersion uint32 = 1

// Meta is the decoded meta page: root pointer, free-list head, the
// transaction id and commit timestamp counters, and the last durable
// checkpoint LSN used to bound replay. It holds no page-allocation
// counter; diskio.Controller derives that from the data file's length.
type Meta struct {
	Version        uint32
	Root           page.ID
	FreeListHead   page.ID
	LastCheckpoint uint64
	NextTxID       uint64
	NextCommitTS   uint64
}

const metaBodySize = 4 + 8 + 8 + 8 + 8 + 8

// MarshalMeta encodes m into a fresh meta page buffer.
func MarshalMeta(m Meta) []byte {
	body := make([]byte, metaBodySize)
	binary.LittleEndian.PutUint32(body[0:4], m.Version)
	binary.LittleEndian.PutUint64(body[4:12], uint64(m.Root))
	binary.LittleEndian.PutUint64(body[12:20], uint64(m.FreeListHead))
	binary.LittleEndian.PutUint64(body[20:28], m.LastCheckpoint)
	binary.LittleEndian.PutUint64(body[28:36], m.NextTxID)
	binary.LittleEndian.PutUint64(body[36:44], m.NextCommitTS)

	buf := page.New(page.Header{Kind: page.KindMeta})
	copy(page.Body(buf), body)
	page.Seal(buf)
	return buf
}

// UnmarshalMeta decodes a meta page buffer.
func UnmarshalMeta(buf []byte) (Meta, error) {
	if _, err := page.GetHeader(buf); err != nil {
		return Meta{}, err
	}
	body := page.Body(buf)
	if len(body) < metaBodySize {
		return Meta{}, fmt.Errorf("%w: truncated meta page", ferrors.Corrupt)
	}
	m := Meta{
		Version:        binary.LittleEndian.Uint32(body[0:4]),
		Root:           page.ID(binary.LittleEndian.Uint64(body[4:12])),
		FreeListHead:   page.ID(binary.LittleEndian.Uint64(body[12:20])),
		LastCheckpoint: binary.LittleEndian.Uint64(body[20:28]),
		NextTxID:       binary.LittleEndian.Uint64(body[28:36]),
		NextCommitTS:   binary.LittleEndian.Uint64(body[36:44]),
	}
	if m.Version != FormatVersion {
		return Meta{}, fmt.Errorf("%w: meta page format version %d, engine supports %d", ferrors.Corrupt, m.Version, FormatVersion)
	}
	return m, nil
}
