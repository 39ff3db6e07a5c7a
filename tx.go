package lfkv

import (
	"context"

	"github.com/lfkvdb/lfkv/internal/cursor"
	"github.com/lfkvdb/lfkv/internal/txn"
)

// Tx is one transaction's handle, spec §6's Tx.{get, insert, remove,
// scan, scan_all, commit, abort}. A Tx whose handle is dropped without
// Commit/Abort is not aborted: its pending versions stay in the tree,
// invisible to other transactions, and other transactions that write
// the same keys get ferrors.WriteConflict; it also stays in the active
// set. Abort rolls the writes back and removes it from the active set.
type Tx struct {
	t *txn.Tx
}

// ID returns the transaction's id, useful for logging/diagnostics.
func (tx *Tx) ID() uint64 { return tx.t.ID() }

// Get returns the value visible to this transaction's snapshot (its own
// uncommitted writes included), or found=false if the key has no
// visible version.
func (tx *Tx) Get(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	return tx.t.Get(ctx, key)
}

// Insert upserts key=val. Returns ferrors.WriteConflict (and auto-aborts
// the transaction) if a newer committed version of key exists.
func (tx *Tx) Insert(ctx context.Context, key, val []byte) error {
	return tx.t.Insert(ctx, key, val)
}

// Remove tombstones key, same conflict rule as Insert. found reports
// whether a visible version existed to remove.
func (tx *Tx) Remove(ctx context.Context, key []byte) (found bool, err error) {
	return tx.t.Remove(ctx, key)
}

// Scan opens a range iterator over [start, end) (start nil scans from
// the very first key, end nil means no upper bound), visible to this
// transaction.
func (tx *Tx) Scan(ctx context.Context, start, end []byte) (*Iterator, error) {
	it, err := tx.t.Scan(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

// ScanAll opens an iterator over every key the transaction can see, spec
// §6's scan_all.
func (tx *Tx) ScanAll(ctx context.Context) (*Iterator, error) {
	return tx.Scan(ctx, nil, nil)
}

// Commit durably commits the transaction, spec §4.5.
func (tx *Tx) Commit(ctx context.Context) error {
	return tx.t.Commit(ctx)
}

// Abort rolls back the transaction's writes.
func (tx *Tx) Abort(ctx context.Context) error {
	return tx.t.Abort(ctx)
}

// Entry is one key/value pair produced by an Iterator.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterator walks a transaction's visible keyspace in order, spec §6's
// "iterators expose next() -> Option<entry> | Err".
type Iterator struct {
	it *cursor.Iterator
}

// Next advances the iterator. false means either the scan is exhausted
// or an error occurred; check Err to distinguish the two.
func (it *Iterator) Next() bool { return it.it.Next() }

// Entry returns the current key/value, valid only after Next returned
// true.
func (it *Iterator) Entry() Entry {
	e := it.it.Entry()
	return Entry{Key: e.Key, Value: e.Value}
}

// Err reports any error encountered while iterating.
func (it *Iterator) Err() error { return it.it.Err() }

// Close releases the iterator's pinned page. Safe to call more than
// once.
func (it *Iterator) Close() { it.it.Close() }
