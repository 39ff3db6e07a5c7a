package cursor

import (
	"context"

	"github.com/lfkvdb/lfkv/internal/bufpool"
)

// ReplayInsert redoes an Insert/Update WAL record during bootstrap. Unlike
// Insert, it never conflict-checks — replay trusts the WAL's record order
// completely, not first-committer-wins — and it skips the write entirely
// if the leaf's on-disk LSN already covers it (spec §4.3's "redoes ...
// records whose LSN exceeds the target page's on-disk LSN"), since the
// page may already reflect this write from before the crash.
func (t *Tree) ReplayInsert(ctx context.Context, key, val []byte, txid, lsn uint64) error {
	id, h, n, err := t.descendToLeaf(ctx, key, bufpool.Exclusive)
	if err != nil {
		return err
	}
	defer h.Release()
	if n.LSN >= lsn {
		return nil
	}

	idx, exact := n.Find(key)
	if exact {
		n.Entries[idx].Versions = append(
			[]Version{{CreatedBy: txid, Value: append([]byte(nil), val...)}},
			n.Entries[idx].Versions...,
		)
	} else {
		entry := Entry{Key: append([]byte(nil), key...), Versions: []Version{{CreatedBy: txid, Value: append([]byte(nil), val...)}}}
		n.Entries = insertEntryAt(n.Entries, idx, entry)
	}
	return t.writeLeafOrSplit(ctx, id, h, n, lsn)
}

// ReplayDelete redoes a Delete WAL record, same on-disk-LSN skip rule as
// ReplayInsert. A miss (key never reached this leaf, e.g. it was deleted
// by a later compaction before the crash) is not an error: replay simply
// has nothing left to redo.
func (t *Tree) ReplayDelete(ctx context.Context, key []byte, txid, lsn uint64) error {
	id, h, n, err := t.descendToLeaf(ctx, key, bufpool.Exclusive)
	if err != nil {
		return err
	}
	defer h.Release()
	if n.LSN >= lsn {
		return nil
	}

	idx, exact := n.Find(key)
	if !exact {
		return nil
	}
	n.Entries[idx].Versions = append([]Version{{CreatedBy: txid, Tombstone: true}}, n.Entries[idx].Versions...)
	return t.writeLeafOrSplit(ctx, id, h, n, lsn)
}
