package txn

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lfkvdb/lfkv/internal/cursor"
	"github.com/lfkvdb/lfkv/internal/ferrors"
	"github.com/lfkvdb/lfkv/internal/metrics"
	"github.com/lfkvdb/lfkv/internal/page"
	"github.com/lfkvdb/lfkv/internal/wal"
)

// Log is the WAL seam the orchestrator drives; *wal.WAL satisfies it.
type Log interface {
	Append(rec wal.Record) (uint64, error)
	Commit(ctx context.Context, txid, commitTS uint64) (uint64, error)
}

// Orchestrator wires the Registry to the WAL and the cursor's Blink-tree,
// implementing spec §4.5's begin/commit/abort protocol. It is the
// generalization of the teacher's KV.Begin/Commit/Abort
// (filodb_transactions.go) from "swap a whole-tree root pointer under one
// global writer lock" to "concurrent writers, each conflict-checked
// per key, finalized by stamping or discarding version-chain entries".
type Orchestrator struct {
	reg    *Registry
	log    Log
	tree   *cursor.Tree
	free   *cursor.FreeList
	logger zerolog.Logger
}

// New builds an Orchestrator. free may be nil if the caller does not yet
// need page allocation (e.g. read-only bootstrapping).
func New(reg *Registry, log Log, tree *cursor.Tree, free *cursor.FreeList, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{reg: reg, log: log, tree: tree, free: free, logger: logger}
}

// Tx is a handle to one in-flight transaction, combining the registry's
// bookkeeping with the write-set cursor.FinalizeCommit/FinalizeAbort need.
type Tx struct {
	txn *Transaction
	o   *Orchestrator

	refs []cursor.WriteRef
	keys map[string]bool
}

// Begin allocates a transaction id and snapshots (current_commit_ts,
// active_set), spec §4.5. The snapshot sees a version iff its commit_ts
// is <= the watermark and its creator was not itself in flight at
// snapshot time.
func (o *Orchestrator) Begin(ctx context.Context) (*Tx, error) {
	o.reg.mu.Lock()
	id := o.reg.nextTxID
	o.reg.nextTxID++

	watermark := o.reg.nextCommit - 1
	concurrent := make(map[uint64]bool, len(o.reg.active))
	for activeID, t := range o.reg.active {
		if t.State == Active || t.State == Committing {
			concurrent[activeID] = true
		}
	}
	snap := Snapshot{Watermark: watermark, Concurrent: concurrent}

	t := &Transaction{ID: id, State: Active, Snapshot: snap}
	o.reg.active[id] = t
	o.reg.pushReader(id, watermark)
	o.reg.mu.Unlock()
	metrics.ActiveTransactions.Inc()

	if _, err := o.log.Append(wal.Record{Type: wal.RecBegin, TxID: id}); err != nil {
		return nil, err
	}

	return &Tx{txn: t, o: o, keys: make(map[string]bool)}, nil
}

// ID returns the transaction's id.
func (tx *Tx) ID() uint64 { return tx.txn.ID }

// SnapshotTS returns the watermark this transaction reads against.
func (tx *Tx) SnapshotTS() uint64 { return tx.txn.Snapshot.Watermark }

func (tx *Tx) recordWrite(key []byte) {
	k := string(key)
	if tx.keys[k] {
		return
	}
	tx.keys[k] = true
	tx.refs = append(tx.refs, cursor.WriteRef{Key: append([]byte(nil), key...)})
}

// Insert appends an Insert WAL record and applies the write to the tree
// under this transaction's id and snapshot. Returns ferrors.WriteConflict
// (and auto-aborts) if another transaction committed a newer version of
// key since this transaction's snapshot was taken (first-committer-wins,
// spec §4.4/§4.5).
func (tx *Tx) Insert(ctx context.Context, key, val []byte) error {
	if tx.txn.State != Active {
		return ferrors.Aborted
	}
	lsn, err := tx.o.log.Append(wal.Record{Type: wal.RecInsert, TxID: tx.txn.ID, Key: key, Value: val})
	if err != nil {
		return err
	}
	conflict, err := tx.o.tree.Insert(ctx, key, val, tx.txn.ID, tx.txn.Snapshot.Watermark, lsn)
	if err != nil {
		return err
	}
	if conflict {
		metrics.WriteConflictsTotal.Inc()
		_ = tx.o.abortLocked(ctx, tx)
		return ferrors.WriteConflict
	}
	tx.recordWrite(key)
	return nil
}

// Remove appends a Delete WAL record and tombstones key, same
// conflict-detection rule as Insert.
func (tx *Tx) Remove(ctx context.Context, key []byte) (bool, error) {
	if tx.txn.State != Active {
		return false, ferrors.Aborted
	}
	lsn, err := tx.o.log.Append(wal.Record{Type: wal.RecDelete, TxID: tx.txn.ID, Key: key})
	if err != nil {
		return false, err
	}
	conflict, found, err := tx.o.tree.Delete(ctx, key, tx.txn.ID, tx.txn.Snapshot.Watermark, lsn)
	if err != nil {
		return false, err
	}
	if conflict {
		metrics.WriteConflictsTotal.Inc()
		_ = tx.o.abortLocked(ctx, tx)
		return false, ferrors.WriteConflict
	}
	if found {
		tx.recordWrite(key)
	}
	return found, nil
}

// Get reads key as visible under this transaction's own writes plus its
// snapshot: spec §4.5's rule that a version is visible iff it committed
// at or before the snapshot watermark by a non-concurrent transaction, or
// it was created by the reading transaction itself (own writes are
// always visible even before commit).
func (tx *Tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return tx.o.tree.GetTx(ctx, key, tx.txn.Snapshot, tx.txn.ID)
}

// Scan opens a range iterator over [start, end) (start nil for the
// leftmost leaf, end nil for no upper bound), visible under this
// transaction's snapshot plus its own writes.
func (tx *Tx) Scan(ctx context.Context, start, end []byte) (*cursor.Iterator, error) {
	return tx.o.tree.ScanTx(ctx, start, end, tx.txn.Snapshot, tx.txn.ID)
}

// Commit transitions Active -> Committing, allocates a commit timestamp
// strictly greater than any prior, appends Commit to the WAL and awaits
// group commit, stamps every pending version in the write-set, then
// transitions to Committed and leaves the active set, spec §4.5.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.txn.State != Active {
		return ferrors.Aborted
	}

	tx.o.reg.mu.Lock()
	tx.txn.State = Committing
	commitTS := tx.o.reg.nextCommit
	tx.o.reg.nextCommit++
	tx.o.reg.mu.Unlock()

	lsn, err := tx.o.log.Commit(ctx, tx.txn.ID, commitTS)
	if err != nil {
		return fmt.Errorf("commit wal: %w", err)
	}

	if err := tx.o.tree.FinalizeCommit(ctx, tx.refs, tx.txn.ID, commitTS, lsn); err != nil {
		return fmt.Errorf("finalize commit: %w", err)
	}

	tx.txn.CommitTS = commitTS
	tx.o.reg.mu.Lock()
	tx.txn.State = Committed
	delete(tx.o.reg.active, tx.txn.ID)
	tx.o.reg.popReader(tx.txn.ID)
	tx.o.reg.mu.Unlock()
	metrics.ActiveTransactions.Dec()
	return nil
}

// Abort transitions to Aborted, appends a (non-durable) Abort record,
// unlinks every pending version this transaction created, and leaves the
// active set, spec §4.5.
func (tx *Tx) Abort(ctx context.Context) error {
	if tx.txn.State != Active && tx.txn.State != Committing {
		return nil
	}
	return tx.o.abortLocked(ctx, tx)
}

func (o *Orchestrator) abortLocked(ctx context.Context, tx *Tx) error {
	if _, err := o.log.Append(wal.Record{Type: wal.RecAbort, TxID: tx.txn.ID}); err != nil {
		o.logger.Warn().Err(err).Uint64("txid", tx.txn.ID).Msg("abort record append failed")
	}
	if err := o.tree.FinalizeAbort(ctx, tx.refs, tx.txn.ID, 0); err != nil {
		return fmt.Errorf("finalize abort: %w", err)
	}
	o.reg.mu.Lock()
	tx.txn.State = Aborted
	delete(o.reg.active, tx.txn.ID)
	o.reg.popReader(tx.txn.ID)
	o.reg.mu.Unlock()
	metrics.ActiveTransactions.Dec()
	return nil
}

// AllocatePage returns a reusable page id from the free list if one is
// safely reclaimable, otherwise allocates a fresh one from io, spec
// §4.5's allocate_page.
func (o *Orchestrator) AllocatePage(ctx context.Context, io cursor.PageIO) (page.ID, error) {
	if o.free != nil {
		o.free.MinSafeSnapshot = o.reg.MinSafeSnapshot()
		id, err := o.free.Pop()
		if err != nil {
			return 0, err
		}
		if id != 0 {
			return id, nil
		}
	}
	return io.Allocate(ctx)
}

// FreePage releases pageID back to the free list, stamped with the
// current next-commit-ts as its safe_ts: it only becomes reusable once
// the oldest active snapshot has advanced past that timestamp, spec
// §4.5's free_page.
func (o *Orchestrator) FreePage(ctx context.Context, txid, pageID uint64) error {
	o.reg.mu.Lock()
	safeTS := o.reg.nextCommit
	o.reg.mu.Unlock()

	if _, err := o.log.Append(wal.Record{Type: wal.RecPageFree, TxID: txid, PageID: pageID, SafeTS: safeTS}); err != nil {
		return err
	}
	if o.free == nil {
		return nil
	}
	return o.free.Add([]cursor.FreeListItem{{PageID: page.ID(pageID), SafeTS: safeTS}})
}
