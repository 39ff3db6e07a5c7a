package cursor

import (
	"encoding/binary"
	"fmt"

	"github.com/lfkvdb/lfkv/internal/ferrors"
	"github.com/lfkvdb/lfkv/internal/page"
)

// FreeList is a near-verbatim port of the teacher's (sharvitKashikar-FiloDB)
// filodb_memory.go FreeList/FreeListData: a chain of fixed-capacity pages,
// pushed as new head pages and popped oldest page first (from the tail of
// the chain). The teacher's (ptr, ver)
// pair becomes (pageID, safeTS): spec §4.4/§5's rule that a freed page may
// only be reused once the oldest active snapshot has passed the page's
// safe_ts (the commit timestamp that made the page unreachable).
type FreeListItem struct {
	PageID page.ID
	SafeTS uint64
}

const (
	flItemSize   = 8 + 8
	flHeaderSize = 2 + 8 // item count (u16) + next (u64)
	flCapacity   = (page.UsableSize - flHeaderSize) / flItemSize
)

type freeListPage struct {
	Items []FreeListItem
	Next  page.ID
}

func marshalFreeListPage(p freeListPage) []byte {
	buf := page.New(page.Header{Kind: page.KindFreeList, EntryCount: uint16(len(p.Items))})
	body := page.Body(buf)
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(p.Items)))
	binary.LittleEndian.PutUint64(body[2:10], uint64(p.Next))
	off := flHeaderSize
	for _, it := range p.Items {
		binary.LittleEndian.PutUint64(body[off:off+8], uint64(it.PageID))
		binary.LittleEndian.PutUint64(body[off+8:off+16], it.SafeTS)
		off += flItemSize
	}
	page.Seal(buf)
	return buf
}

func unmarshalFreeListPage(buf []byte) (freeListPage, error) {
	if _, err := page.GetHeader(buf); err != nil {
		return freeListPage{}, err
	}
	body := page.Body(buf)
	if len(body) < flHeaderSize {
		return freeListPage{}, fmt.Errorf("%w: truncated free list page", ferrors.Corrupt)
	}
	count := binary.LittleEndian.Uint16(body[0:2])
	next := page.ID(binary.LittleEndian.Uint64(body[2:10]))
	p := freeListPage{Next: next, Items: make([]FreeListItem, 0, count)}
	off := flHeaderSize
	for i := uint16(0); i < count; i++ {
		if off+flItemSize > len(body) {
			return freeListPage{}, fmt.Errorf("%w: truncated free list item", ferrors.Corrupt)
		}
		pid := page.ID(binary.LittleEndian.Uint64(body[off : off+8]))
		ts := binary.LittleEndian.Uint64(body[off+8 : off+16])
		p.Items = append(p.Items, FreeListItem{PageID: pid, SafeTS: ts})
		off += flItemSize
	}
	return p, nil
}

// FreeList tracks reusable pages across transactions. Get/New/Use are
// supplied by the transaction orchestrator so the free list never touches
// disk I/O directly (the same separation of concerns as the teacher's
// FreeList.get/new/use callbacks).
type FreeList struct {
	Head  page.ID
	Total int

	// MinSafeSnapshot is the oldest live reader's snapshot timestamp;
	// an item is only poppable once its SafeTS is <= this value.
	MinSafeSnapshot uint64

	Get func(page.ID) ([]byte, error)
	New func([]byte) (page.ID, error)
	Use func(page.ID, []byte) error

	nodes  []page.ID // cached chain, tail to head, loaded lazily
	offset int
}

func (fl *FreeList) loadCache() error {
	if len(fl.nodes) > 0 || fl.Head == 0 {
		return nil
	}
	var nodes []page.ID
	curr := fl.Head
	for curr != 0 {
		nodes = append(nodes, curr)
		buf, err := fl.Get(curr)
		if err != nil {
			return err
		}
		p, err := unmarshalFreeListPage(buf)
		if err != nil {
			return err
		}
		curr = p.Next
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	fl.nodes = nodes
	fl.offset = 0
	return nil
}

// Pop returns a reusable page id, or 0 if none is currently reclaimable
// (either the list is empty or the oldest remaining item's safe_ts has not yet
// passed the oldest live snapshot).
func (fl *FreeList) Pop() (page.ID, error) {
	if err := fl.loadCache(); err != nil {
		return 0, err
	}
	if len(fl.nodes) == 0 {
		return 0, nil
	}
	buf, err := fl.Get(fl.nodes[0])
	if err != nil {
		return 0, err
	}
	p, err := unmarshalFreeListPage(buf)
	if err != nil {
		return 0, err
	}
	if err := ferrors.Check(fl.offset < len(p.Items), "free list offset out of range"); err != nil {
		return 0, err
	}
	item := p.Items[fl.offset]
	if item.SafeTS > fl.MinSafeSnapshot {
		return 0, nil // still possibly visible to a live reader
	}
	fl.offset++
	fl.Total--
	if fl.offset >= len(p.Items) {
		fl.nodes = fl.nodes[1:]
		fl.offset = 0
	}
	return item.PageID, nil
}

// Add pushes newly-freed pages onto the list head, each stamped with the
// safeTS at which it became unreachable.
func (fl *FreeList) Add(freed []FreeListItem) error {
	if len(freed) == 0 {
		return nil
	}
	for len(freed) > 0 {
		size := len(freed)
		if size > flCapacity {
			size = flCapacity
		}
		p := freeListPage{Items: freed[:size], Next: fl.Head}
		buf := marshalFreeListPage(p)
		id, err := fl.New(buf)
		if err != nil {
			return err
		}
		fl.Head = id
		freed = freed[size:]
		fl.Total += size
	}
	fl.nodes = nil // invalidate cache
	return nil
}
