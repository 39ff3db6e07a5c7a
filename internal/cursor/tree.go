package cursor

import (
	"context"
	"sync"

	"github.com/lfkvdb/lfkv/internal/bufpool"
	"github.com/lfkvdb/lfkv/internal/page"
)

// PageIO is the seam between the tree and the buffer pool / allocator,
// the same role the teacher's BTree.get/new/del callbacks play in
// filodb_btree.go, generalized to pinned handles and explicit LSN
// stamping.
type PageIO interface {
	Fetch(ctx context.Context, id page.ID, mode bufpool.Mode) (*bufpool.Handle, error)
	Allocate(ctx context.Context) (page.ID, error)
	// FetchNew seats a page id just returned by Allocate into the cache
	// without reading it from disk (there is nothing valid there yet).
	FetchNew(ctx context.Context, id page.ID) (*bufpool.Handle, error)
	MarkDirty(h *bufpool.Handle, lsn uint64)
}

// Tree is a Blink-tree (Lehman & Yao): every node carries a high-key and
// a right-link so a reader that lands mid-split simply follows the
// right-link until the key fits, never needing to coordinate with a
// concurrent splitter (spec §4.4).
type Tree struct {
	io PageIO

	rootMu sync.RWMutex
	root   page.ID
}

// NewTree wraps an existing root page id.
func NewTree(io PageIO, root page.ID) *Tree {
	return &Tree{io: io, root: root}
}

func (t *Tree) Root() page.ID {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.root
}

func (t *Tree) setRoot(id page.ID) {
	t.rootMu.Lock()
	t.root = id
	t.rootMu.Unlock()
}

// WriteRef identifies one key touched by a transaction, recorded in the
// transaction's write set so commit/abort can finalize or undo the
// version it created. Finalization re-descends by key rather than by a
// remembered page id: a concurrent split triggered by another
// transaction can relocate the key to a different leaf page between the
// write and the commit.
type WriteRef struct {
	Key []byte
}

// Get returns the value visible to snapshotTS for key, following
// right-links at every level per the Blink-tree read protocol.
func (t *Tree) Get(ctx context.Context, key []byte, snapshotTS uint64) ([]byte, bool, error) {
	_, h, n, err := t.descendToLeaf(ctx, key, bufpool.Shared)
	if err != nil {
		return nil, false, err
	}
	defer h.Release()

	idx, exact := n.Find(key)
	if !exact {
		return nil, false, nil
	}
	v := Visible(n.Entries[idx].Versions, snapshotTS)
	if v == nil {
		return nil, false, nil
	}
	return v.Value, true, nil
}

// GetTx is Get's transaction-aware counterpart: it resolves visibility
// through VisibleTo so a transaction can see its own uncommitted writes
// in addition to whatever snap's watermark/concurrent set admits.
func (t *Tree) GetTx(ctx context.Context, key []byte, snap Snapshot, txid uint64) ([]byte, bool, error) {
	_, h, n, err := t.descendToLeaf(ctx, key, bufpool.Shared)
	if err != nil {
		return nil, false, err
	}
	defer h.Release()

	idx, exact := n.Find(key)
	if !exact {
		return nil, false, nil
	}
	v := VisibleTo(n.Entries[idx].Versions, snap, txid)
	if v == nil {
		return nil, false, nil
	}
	return v.Value, true, nil
}

// descendToLeaf walks from root to the leaf that should hold key,
// returning the leaf's page id, its pinned handle (at mode) and decoded
// node. At every level it chases RightLink while the node's HighKey no
// longer covers key, the Blink-tree's defense against landing on a node
// that has since been split.
func (t *Tree) descendToLeaf(ctx context.Context, key []byte, mode bufpool.Mode) (page.ID, *bufpool.Handle, *Node, error) {
	id := t.Root()
	for {
		h, err := t.io.Fetch(ctx, id, bufpool.Shared)
		if err != nil {
			return 0, nil, nil, err
		}
		n, err := Unmarshal(h.Data())
		if err != nil {
			h.Release()
			return 0, nil, nil, err
		}
		for !n.withinHighKey(key) && n.RightLink != 0 {
			h.Release()
			id = n.RightLink
			h, err = t.io.Fetch(ctx, id, bufpool.Shared)
			if err != nil {
				return 0, nil, nil, err
			}
			n, err = Unmarshal(h.Data())
			if err != nil {
				h.Release()
				return 0, nil, nil, err
			}
		}
		if n.Leaf() {
			if mode == bufpool.Exclusive {
				// Re-acquire at the requested mode: Shared was enough to
				// read and chase right-links, Exclusive is only needed
				// once we know this is the leaf we'll modify.
				h.Release()
				h, err = t.io.Fetch(ctx, id, bufpool.Exclusive)
				if err != nil {
					return 0, nil, nil, err
				}
				n, err = Unmarshal(h.Data())
				if err != nil {
					h.Release()
					return 0, nil, nil, err
				}
				// A split may have run between the two pins: chase
				// right-links again, now at Exclusive.
				for !n.withinHighKey(key) && n.RightLink != 0 {
					h.Release()
					id = n.RightLink
					h, err = t.io.Fetch(ctx, id, bufpool.Exclusive)
					if err != nil {
						return 0, nil, nil, err
					}
					n, err = Unmarshal(h.Data())
					if err != nil {
						h.Release()
						return 0, nil, nil, err
					}
				}
			}
			return id, h, n, nil
		}
		child := n.ChildFor(key)
		h.Release()
		id = child
	}
}

// Insert upserts key=val on behalf of txid, creating an uncommitted
// version (CommitTS 0) at the head of the key's chain. Returns
// conflict=true if another transaction already holds a pending version
// of key, or if the key's latest committed version postdates
// snapshotTS (first-committer-wins, spec §4.4/§4.5), in which case the
// transaction must abort. lsn is the WAL LSN of the Insert/Update record
// the caller already appended, stamped onto the dirtied page so the
// buffer pool's WAL rule holds.
func (t *Tree) Insert(ctx context.Context, key, val []byte, txid, snapshotTS, lsn uint64) (conflict bool, err error) {
	id, h, n, err := t.descendToLeaf(ctx, key, bufpool.Exclusive)
	if err != nil {
		return false, err
	}
	defer h.Release()

	idx, exact := n.Find(key)
	if exact {
		if head := n.Entries[idx].Versions; len(head) > 0 && head[0].CommitTS == 0 && head[0].CreatedBy != txid {
			return true, nil
		}
		if latest := LatestCommitted(n.Entries[idx].Versions); latest != nil && latest.CommitTS > snapshotTS {
			return true, nil
		}
		n.Entries[idx].Versions = append(
			[]Version{{CreatedBy: txid, Value: append([]byte(nil), val...)}},
			n.Entries[idx].Versions...,
		)
	} else {
		entry := Entry{Key: append([]byte(nil), key...), Versions: []Version{{CreatedBy: txid, Value: append([]byte(nil), val...)}}}
		n.Entries = insertEntryAt(n.Entries, idx, entry)
	}

	return false, t.writeLeafOrSplit(ctx, id, h, n, lsn)
}

// Delete marks key as deleted on behalf of txid with a tombstone
// version, the same conflict checks as Insert: a concurrent pending
// version from another transaction, or a committed version that
// postdates snapshotTS.
func (t *Tree) Delete(ctx context.Context, key []byte, txid, snapshotTS, lsn uint64) (conflict bool, found bool, err error) {
	id, h, n, err := t.descendToLeaf(ctx, key, bufpool.Exclusive)
	if err != nil {
		return false, false, err
	}
	defer h.Release()

	idx, exact := n.Find(key)
	if !exact {
		return false, false, nil
	}
	if head := n.Entries[idx].Versions; len(head) > 0 && head[0].CommitTS == 0 && head[0].CreatedBy != txid {
		return true, true, nil
	}
	if latest := LatestCommitted(n.Entries[idx].Versions); latest != nil {
		if latest.CommitTS > snapshotTS {
			return true, true, nil
		}
		if latest.Tombstone {
			return false, false, nil
		}
	} else if len(n.Entries[idx].Versions) == 0 {
		return false, false, nil
	}
	n.Entries[idx].Versions = append([]Version{{CreatedBy: txid, Tombstone: true}}, n.Entries[idx].Versions...)

	return false, true, t.writeLeafOrSplit(ctx, id, h, n, lsn)
}

func insertEntryAt(entries []Entry, idx int, e Entry) []Entry {
	entries = append(entries, Entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

func (t *Tree) writeLeafOrSplit(ctx context.Context, id page.ID, h *bufpool.Handle, n *Node, lsn uint64) error {
	if !n.Overflows() {
		return t.writeNode(h, n, lsn)
	}
	return t.splitLeafAndPropagate(ctx, id, h, n, lsn)
}

func (t *Tree) writeNode(h *bufpool.Handle, n *Node, lsn uint64) error {
	n.LSN = lsn
	buf := n.Marshal()
	copy(h.Data(), buf)
	t.io.MarkDirty(h, lsn)
	return nil
}

// FinalizeCommit stamps commitTS onto every version this transaction
// created among refs, turning each uncommitted (CommitTS==0) version
// into a durably visible one. Each key is located by a fresh descent,
// not a remembered page id, since splits may have moved it since the
// write.
func (t *Tree) FinalizeCommit(ctx context.Context, refs []WriteRef, txid, commitTS, lsn uint64) error {
	seen := map[string]bool{}
	for _, ref := range refs {
		if seen[string(ref.Key)] {
			continue
		}
		seen[string(ref.Key)] = true

		_, h, n, err := t.descendToLeaf(ctx, ref.Key, bufpool.Exclusive)
		if err != nil {
			return err
		}
		idx, exact := n.Find(ref.Key)
		if !exact {
			h.Release()
			continue
		}
		changed := false
		for j := range n.Entries[idx].Versions {
			v := &n.Entries[idx].Versions[j]
			if v.CreatedBy == txid && v.CommitTS == 0 {
				v.CommitTS = commitTS
				changed = true
			}
		}
		if changed {
			if err := t.writeNode(h, n, lsn); err != nil {
				h.Release()
				return err
			}
		}
		h.Release()
	}
	return nil
}

// FinalizeAbort removes every uncommitted version this transaction
// created among refs, rolling back its writes.
func (t *Tree) FinalizeAbort(ctx context.Context, refs []WriteRef, txid, lsn uint64) error {
	seen := map[string]bool{}
	for _, ref := range refs {
		if seen[string(ref.Key)] {
			continue
		}
		seen[string(ref.Key)] = true

		_, h, n, err := t.descendToLeaf(ctx, ref.Key, bufpool.Exclusive)
		if err != nil {
			return err
		}
		idx, exact := n.Find(ref.Key)
		if !exact {
			h.Release()
			continue
		}
		kept := n.Entries[idx].Versions[:0]
		changed := false
		for _, v := range n.Entries[idx].Versions {
			if v.CreatedBy == txid && v.CommitTS == 0 {
				changed = true
				continue
			}
			kept = append(kept, v)
		}
		n.Entries[idx].Versions = kept
		if changed {
			if err := t.writeNode(h, n, lsn); err != nil {
				h.Release()
				return err
			}
		}
		h.Release()
	}
	return nil
}
