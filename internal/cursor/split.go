package cursor

import (
	"context"

	"github.com/lfkvdb/lfkv/internal/bufpool"
	"github.com/lfkvdb/lfkv/internal/page"
)

// splitLeafNode divides a leaf's entries roughly in half. The returned
// right node inherits the original's HighKey/RightLink; the left node's
// HighKey becomes the first key of the right half and its RightLink
// will point at wherever the right half is written, per the Lehman-Yao
// split protocol: a concurrent reader following the old page's
// right-link still finds every key, just via one extra hop.
func splitLeafNode(n *Node) (left, right *Node) {
	mid := len(n.Entries) / 2
	left = &Node{Kind: page.KindLeaf, Entries: append([]Entry(nil), n.Entries[:mid]...)}
	right = &Node{Kind: page.KindLeaf, Entries: append([]Entry(nil), n.Entries[mid:]...), HighKey: n.HighKey, RightLink: n.RightLink}
	return left, right
}

func splitInternalNode(n *Node) (left, right *Node) {
	mid := len(n.Entries) / 2
	left = &Node{Kind: page.KindInternal, Entries: append([]Entry(nil), n.Entries[:mid]...)}
	right = &Node{Kind: page.KindInternal, Entries: append([]Entry(nil), n.Entries[mid:]...), HighKey: n.HighKey, RightLink: n.RightLink}
	return left, right
}

// splitLeafAndPropagate splits an overflowing leaf at id (already
// exclusively pinned as h/n), writes both halves, and inserts a
// separator for the new right page into the parent — splitting the
// parent too if needed, all the way up to a fresh root if the split
// reaches it.
func (t *Tree) splitLeafAndPropagate(ctx context.Context, id page.ID, h *bufpool.Handle, n *Node, lsn uint64) error {
	left, right := splitLeafNode(n)

	rightID, err := t.io.Allocate(ctx)
	if err != nil {
		h.Release()
		return err
	}
	sepKey := append([]byte(nil), right.Entries[0].Key...)

	left.HighKey = append([]byte(nil), sepKey...)
	left.RightLink = rightID
	left.LSN = lsn
	right.LSN = lsn

	rh, err := t.io.FetchNew(ctx, rightID)
	if err != nil {
		h.Release()
		return err
	}
	if err := t.writeNode(rh, right, lsn); err != nil {
		rh.Release()
		h.Release()
		return err
	}
	rh.Release()

	if err := t.writeNode(h, left, lsn); err != nil {
		h.Release()
		return err
	}
	h.Release()

	return t.propagateSeparator(ctx, id, sepKey, rightID, lsn)
}

// propagateSeparator inserts (sepKey -> rightChild) into the parent of
// oldChild. The parent is located by re-descending from the root using
// sepKey's predecessor behavior (any key in the old child's original
// range still finds the correct parent, since the parent's own split
// propagation, if any, has not yet run). If oldChild was the root, a
// fresh root is created above both halves.
func (t *Tree) propagateSeparator(ctx context.Context, oldChild page.ID, sepKey []byte, rightChild page.ID, lsn uint64) error {
	if oldChild == t.Root() {
		return t.growNewRoot(ctx, oldChild, sepKey, rightChild, lsn)
	}

	parentID, ph, pn, err := t.findParent(ctx, oldChild, sepKey)
	if err != nil {
		return err
	}
	idx, _ := pn.Find(sepKey)
	entry := Entry{Key: sepKey, Child: rightChild}
	pn.Entries = insertEntryAt(pn.Entries, idx, entry)

	if !pn.Overflows() {
		err := t.writeNode(ph, pn, lsn)
		ph.Release()
		return err
	}

	left, right := splitInternalNode(pn)
	newRightID, err := t.io.Allocate(ctx)
	if err != nil {
		ph.Release()
		return err
	}
	parentSepKey := append([]byte(nil), right.Entries[0].Key...)
	left.HighKey = append([]byte(nil), parentSepKey...)
	left.RightLink = newRightID
	left.LSN = lsn
	right.LSN = lsn

	rh, err := t.io.FetchNew(ctx, newRightID)
	if err != nil {
		ph.Release()
		return err
	}
	if err := t.writeNode(rh, right, lsn); err != nil {
		rh.Release()
		ph.Release()
		return err
	}
	rh.Release()

	if err := t.writeNode(ph, left, lsn); err != nil {
		ph.Release()
		return err
	}
	ph.Release()

	return t.propagateSeparator(ctx, parentID, parentSepKey, newRightID, lsn)
}

// findParent re-descends from the root looking for the internal node
// whose child pointer for sepKey is oldChild, chasing right-links at
// every level exactly as a normal read would.
func (t *Tree) findParent(ctx context.Context, oldChild page.ID, sepKey []byte) (page.ID, *bufpool.Handle, *Node, error) {
	id := t.Root()
	for {
		h, err := t.io.Fetch(ctx, id, bufpool.Exclusive)
		if err != nil {
			return 0, nil, nil, err
		}
		n, err := Unmarshal(h.Data())
		if err != nil {
			h.Release()
			return 0, nil, nil, err
		}
		for !n.withinHighKey(sepKey) && n.RightLink != 0 {
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
		child := n.ChildFor(sepKey)
		if child == oldChild || n.RightLink == oldChild {
			return id, h, n, nil
		}
		h.Release()
		id = child
	}
}

// growNewRoot builds a fresh internal root over oldChild and rightChild
// when a split reaches the tree's current root.
func (t *Tree) growNewRoot(ctx context.Context, oldChild page.ID, sepKey []byte, rightChild page.ID, lsn uint64) error {
	newRootID, err := t.io.Allocate(ctx)
	if err != nil {
		return err
	}
	root := &Node{
		Kind: page.KindInternal,
		Entries: []Entry{
			{Key: nil, Child: oldChild},
			{Key: sepKey, Child: rightChild},
		},
		LSN: lsn,
	}
	h, err := t.io.FetchNew(ctx, newRootID)
	if err != nil {
		return err
	}
	if err := t.writeNode(h, root, lsn); err != nil {
		h.Release()
		return err
	}
	h.Release()
	t.setRoot(newRootID)
	return nil
}
