package cursor

import (
	"bytes"
	"context"

	"github.com/lfkvdb/lfkv/internal/bufpool"
)

// ScanEntry pairs a key with the value visible to the iterating snapshot.
type ScanEntry struct {
	Key   []byte
	Value []byte
}

// Iterator walks a snapshot's visible keys in order, grounded on the
// teacher's BIter (filodb_queries.go). It holds a Shared pin on the
// current leaf while it reads that leaf's entries, so a concurrent split
// (which needs an Exclusive pin) cannot move them mid-leaf, and at the
// end of the leaf it follows RightLink to the next one. The leaf's
// HighKey is not consulted while iterating.
type Iterator struct {
	tree    *Tree
	ctx     context.Context
	visible func([]Version) *Version
	end     []byte

	h   *bufpool.Handle
	n   *Node
	idx int

	cur ScanEntry
	err error
}

// Scan starts an iterator over [start, end): positioned just before the
// first key >= start (start nil means the very first key in the tree),
// stopping before the first key >= end (end nil means no upper bound,
// i.e. run to the end of the keyspace). Call Next to advance.
func (t *Tree) Scan(ctx context.Context, start, end []byte, snapshotTS uint64) (*Iterator, error) {
	return t.scan(ctx, start, end, func(versions []Version) *Version {
		return Visible(versions, snapshotTS)
	})
}

// ScanTx is Scan's transaction-aware counterpart, resolving visibility
// through VisibleTo so the iterating transaction also sees its own
// uncommitted writes.
func (t *Tree) ScanTx(ctx context.Context, start, end []byte, snap Snapshot, txid uint64) (*Iterator, error) {
	return t.scan(ctx, start, end, func(versions []Version) *Version {
		return VisibleTo(versions, snap, txid)
	})
}

func (t *Tree) scan(ctx context.Context, start, end []byte, visible func([]Version) *Version) (*Iterator, error) {
	key := start
	if key == nil {
		key = []byte{}
	}
	_, h, n, err := t.descendToLeaf(ctx, key, bufpool.Shared)
	if err != nil {
		return nil, err
	}
	idx, _ := n.Find(key)
	return &Iterator{tree: t, ctx: ctx, visible: visible, end: end, h: h, n: n, idx: idx}, nil
}

// Next advances to the next visible entry and reports whether one was
// found. On false, check Err; the iterator has released its pin either
// way and must not be used again except via Close (a no-op by then).
func (it *Iterator) Next() bool {
	for {
		if it.n == nil {
			return false
		}
		if it.idx >= len(it.n.Entries) {
			if it.n.RightLink == 0 {
				it.Close()
				return false
			}
			nextID := it.n.RightLink
			it.h.Release()
			h, err := it.tree.io.Fetch(it.ctx, nextID, bufpool.Shared)
			if err != nil {
				it.err = err
				it.h = nil
				it.n = nil
				return false
			}
			n, err := Unmarshal(h.Data())
			if err != nil {
				h.Release()
				it.err = err
				it.h = nil
				it.n = nil
				return false
			}
			it.h = h
			it.n = n
			it.idx = 0
			continue
		}

		e := it.n.Entries[it.idx]
		if it.end != nil && bytes.Compare(e.Key, it.end) >= 0 {
			it.Close()
			return false
		}
		it.idx++
		v := it.visible(e.Versions)
		if v == nil {
			continue
		}
		it.cur = ScanEntry{Key: append([]byte(nil), e.Key...), Value: append([]byte(nil), v.Value...)}
		return true
	}
}

// Entry returns the current key/value. Valid only after a Next() call
// returned true.
func (it *Iterator) Entry() ScanEntry { return it.cur }

// Err reports any error encountered while iterating.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator's pinned leaf, if any. Safe to call more
// than once and after Next has already exhausted the scan.
func (it *Iterator) Close() {
	if it.h != nil {
		it.h.Release()
		it.h = nil
	}
	it.n = nil
}
