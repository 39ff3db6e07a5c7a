package lfkv

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lfkvdb/lfkv/internal/bufpool"
	"github.com/lfkvdb/lfkv/internal/cursor"
	"github.com/lfkvdb/lfkv/internal/diskio"
	"github.com/lfkvdb/lfkv/internal/ferrors"
	"github.com/lfkvdb/lfkv/internal/page"
	"github.com/lfkvdb/lfkv/internal/txn"
	"github.com/lfkvdb/lfkv/internal/wal"
)

// Engine is a bootstrapped, running store: a disk controller, buffer
// pool, WAL, Blink-tree, free list, and transaction orchestrator, plus
// the background checkpoint and GC tasks spec §5 requires ("dedicated
// background threads drive group-commit, checkpoint, ... and the four GC
// stages").
type Engine struct {
	cfg  Config
	ctrl *diskio.Controller
	pool *bufpool.Pool
	w    *wal.WAL
	tree *cursor.Tree
	free *cursor.FreeList
	reg  *txn.Registry
	orch *txn.Orchestrator
	gc   *cursor.GC

	lastCheckpoint atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type engineIO struct {
	pool *bufpool.Pool
	ctrl *diskio.Controller
}

func (e *engineIO) Fetch(ctx context.Context, id page.ID, mode bufpool.Mode) (*bufpool.Handle, error) {
	return e.pool.Pin(ctx, id, mode)
}
func (e *engineIO) Allocate(ctx context.Context) (page.ID, error) {
	return e.ctrl.Allocate(ctx)
}
func (e *engineIO) FetchNew(ctx context.Context, id page.ID) (*bufpool.Handle, error) {
	return e.pool.PinNew(ctx, id)
}
func (e *engineIO) MarkDirty(h *bufpool.Handle, lsn uint64) {
	e.pool.MarkDirty(h, lsn)
}

// Bootstrap opens the store at config.Path, creating it if empty, and
// replays the WAL to reconstruct in-flight state since the last
// checkpoint, spec §6/§4.3. Callers must Close the returned Engine.
func Bootstrap(config Config) (*Engine, error) {
	cfg := config.withDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: Config.Path is required", ferrors.Invariant)
	}

	ctrl, err := diskio.Open(diskio.Options{
		Path:           filepath.Join(cfg.Path, "data.lfkv"),
		ReadWorkers:    cfg.DiskReadWorkers,
		WriteWorkers:   cfg.DiskWriteWorkers,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(wal.Options{
		Dir:              filepath.Join(cfg.Path, "wal"),
		SegmentBytes:     cfg.WALSegmentBytes,
		GroupCommitMax:   cfg.GroupCommitMax,
		GroupCommitDelay: cfg.GroupCommitDelay,
		Logger:           cfg.Logger,
	})
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	pool := bufpool.New(bufpool.Options{
		Ctrl:          ctrl,
		Durability:    w,
		ShardCount:    cfg.BufferPoolShards,
		CapacityPages: cfg.BufferPoolCapacityPages,
		Logger:        cfg.Logger,
	})
	io := &engineIO{pool: pool, ctrl: ctrl}
	ctx := context.Background()

	meta, err := loadOrInitMeta(ctx, ctrl, pool)
	if err != nil {
		w.Close()
		ctrl.Close()
		return nil, err
	}

	tree := cursor.NewTree(io, meta.Root)
	free := &cursor.FreeList{
		Head: meta.FreeListHead,
		Get: func(id page.ID) ([]byte, error) {
			h, err := pool.Pin(ctx, id, bufpool.Shared)
			if err != nil {
				return nil, err
			}
			defer h.Release()
			return append([]byte(nil), h.Data()...), nil
		},
		New: func(buf []byte) (page.ID, error) {
			id, err := ctrl.Allocate(ctx)
			if err != nil {
				return 0, err
			}
			h, err := pool.PinNew(ctx, id)
			if err != nil {
				return 0, err
			}
			copy(h.Data(), buf)
			pool.MarkDirty(h, 0)
			h.Release()
			return id, nil
		},
		Use: func(id page.ID, buf []byte) error {
			h, err := pool.Pin(ctx, id, bufpool.Exclusive)
			if err != nil {
				return err
			}
			copy(h.Data(), buf)
			pool.MarkDirty(h, 0)
			h.Release()
			return nil
		},
	}

	nextTxID, nextCommitTS, err := replayWAL(ctx, w, tree, meta)
	if err != nil {
		w.Close()
		ctrl.Close()
		return nil, err
	}
	if nextTxID < meta.NextTxID {
		nextTxID = meta.NextTxID
	}
	if nextCommitTS < meta.NextCommitTS {
		nextCommitTS = meta.NextCommitTS
	}

	reg := txn.NewRegistry(nextTxID, nextCommitTS)
	orch := txn.New(reg, w, tree, free, cfg.Logger)
	gc := &cursor.GC{Tree: tree, IO: io, Log: w}

	e := &Engine{
		cfg:    cfg,
		ctrl:   ctrl,
		pool:   pool,
		w:      w,
		tree:   tree,
		free:   free,
		reg:    reg,
		orch:   orch,
		gc:     gc,
		stopCh: make(chan struct{}),
	}
	e.lastCheckpoint.Store(meta.LastCheckpoint)

	e.wg.Add(2)
	go e.checkpointLoop()
	go e.gcLoop()

	return e, nil
}

// loadOrInitMeta reads the meta page if the data file already held one,
// or creates a fresh meta page plus an empty leaf root if this is a new
// store, spec §6's "a meta page (page 0) holding ... root page id, next
// page id, last checkpoint LSN".
func loadOrInitMeta(ctx context.Context, ctrl *diskio.Controller, pool *bufpool.Pool) (cursor.Meta, error) {
	if ctrl.NextID() > 0 {
		h, err := pool.Pin(ctx, cursor.MetaPageID, bufpool.Shared)
		if err != nil {
			return cursor.Meta{}, err
		}
		defer h.Release()
		return cursor.UnmarshalMeta(h.Data())
	}

	if _, err := ctrl.Allocate(ctx); err != nil { // reserves page 0 for meta
		return cursor.Meta{}, err
	}
	rootID, err := ctrl.Allocate(ctx)
	if err != nil {
		return cursor.Meta{}, err
	}
	rh, err := pool.PinNew(ctx, rootID)
	if err != nil {
		return cursor.Meta{}, err
	}
	root := &cursor.Node{Kind: page.KindLeaf}
	copy(rh.Data(), root.Marshal())
	pool.MarkDirty(rh, 0)
	rh.Release()

	meta := cursor.Meta{Version: cursor.FormatVersion, Root: rootID, NextTxID: 1, NextCommitTS: 1}
	mh, err := pool.PinNew(ctx, cursor.MetaPageID)
	if err != nil {
		return cursor.Meta{}, err
	}
	copy(mh.Data(), cursor.MarshalMeta(meta))
	pool.MarkDirty(mh, 0)
	mh.Release()

	if err := pool.FlushAll(ctx); err != nil {
		return cursor.Meta{}, err
	}
	return meta, nil
}

// replayWAL implements spec §4.3's recovery algorithm: reconstruct the
// active-txid registry from Begin minus Commit/Abort, redo Insert/
// Update/Delete records against their target leaf (ReplayInsert/
// ReplayDelete skip what the page already reflects), finalize each
// transaction's versions as soon as its terminal record is seen, and
// abort any transaction left with a Begin but no terminal record once
// replay reaches the end of the log. RecPrune records fall through the
// switch below untouched: a prune only drops versions a live snapshot
// could never see again, so the pre-prune leaf content replay would
// otherwise reconstruct is already a correct (if larger) superset.
func replayWAL(ctx context.Context, w *wal.WAL, tree *cursor.Tree, meta cursor.Meta) (nextTxID, nextCommitTS uint64, err error) {
	active := map[uint64][]cursor.WriteRef{}

	visit := func(rec wal.Record) error {
		switch rec.Type {
		case wal.RecBegin:
			active[rec.TxID] = nil
			if rec.TxID >= nextTxID {
				nextTxID = rec.TxID + 1
			}
		case wal.RecInsert, wal.RecUpdate:
			if err := tree.ReplayInsert(ctx, rec.Key, rec.Value, rec.TxID, rec.LSN); err != nil {
				return err
			}
			active[rec.TxID] = append(active[rec.TxID], cursor.WriteRef{Key: append([]byte(nil), rec.Key...)})
		case wal.RecDelete:
			if err := tree.ReplayDelete(ctx, rec.Key, rec.TxID, rec.LSN); err != nil {
				return err
			}
			active[rec.TxID] = append(active[rec.TxID], cursor.WriteRef{Key: append([]byte(nil), rec.Key...)})
		case wal.RecCommit:
			if err := tree.FinalizeCommit(ctx, active[rec.TxID], rec.TxID, rec.CommitTS, rec.LSN); err != nil {
				return err
			}
			delete(active, rec.TxID)
			if rec.CommitTS >= nextCommitTS {
				nextCommitTS = rec.CommitTS + 1
			}
		case wal.RecAbort:
			if err := tree.FinalizeAbort(ctx, active[rec.TxID], rec.TxID, rec.LSN); err != nil {
				return err
			}
			delete(active, rec.TxID)
		}
		return nil
	}

	if err := wal.Replay(w.Dir(), meta.LastCheckpoint, visit); err != nil {
		return 0, 0, err
	}

	for txid, refs := range active {
		if err := tree.FinalizeAbort(ctx, refs, txid, 0); err != nil {
			return 0, 0, err
		}
	}
	return nextTxID, nextCommitTS, nil
}

func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.checkpointOnce()
		}
	}
}

func (e *Engine) checkpointOnce() {
	ctx := context.Background()

	nextTxID, nextCommitTS := e.reg.Counters()
	meta := cursor.Meta{
		Version:      cursor.FormatVersion,
		Root:         e.tree.Root(),
		FreeListHead: e.free.Head,
		NextTxID:     nextTxID,
		NextCommitTS: nextCommitTS,
	}
	mh, err := e.pool.Pin(ctx, cursor.MetaPageID, bufpool.Exclusive)
	if err != nil {
		e.cfg.Logger.Error().Err(err).Msg("checkpoint: pin meta page failed")
		return
	}
	copy(mh.Data(), cursor.MarshalMeta(meta))
	e.pool.MarkDirty(mh, 0)
	mh.Release()

	if err := e.pool.FlushAll(ctx); err != nil {
		e.cfg.Logger.Error().Err(err).Msg("checkpoint: flush dirty pages failed")
		return
	}
	data := wal.CheckpointData{
		ActiveTxIDs:    e.reg.ActiveTxIDs(),
		OldestSnapshot: e.reg.MinSafeSnapshot(),
	}
	lsn, err := e.w.Checkpoint(ctx, data)
	if err != nil {
		e.cfg.Logger.Error().Err(err).Msg("checkpoint failed")
		return
	}

	meta.LastCheckpoint = lsn
	mh2, err := e.pool.Pin(ctx, cursor.MetaPageID, bufpool.Exclusive)
	if err != nil {
		e.cfg.Logger.Error().Err(err).Msg("checkpoint: re-pin meta page failed")
		return
	}
	copy(mh2.Data(), cursor.MarshalMeta(meta))
	e.pool.MarkDirty(mh2, 0)
	mh2.Release()
	if err := e.pool.FlushAll(ctx); err != nil {
		e.cfg.Logger.Error().Err(err).Msg("checkpoint: flush meta page failed")
		return
	}
	e.lastCheckpoint.Store(lsn)
}

func (e *Engine) gcLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			stats, err := e.gc.Run(context.Background(), e.reg.MinSafeSnapshot())
			if err != nil {
				e.cfg.Logger.Error().Err(err).Msg("gc sweep failed")
				continue
			}
			e.cfg.Logger.Debug().
				Int("leaves_scanned", stats.LeavesScanned).
				Int("versions_pruned", stats.VersionsPruned).
				Int("entries_dropped", stats.EntriesDropped).
				Msg("gc sweep complete")
		}
	}
}

// Compact forces one immediate GC sweep plus a checkpoint, used by
// cmd/lfkvctl's compact subcommand.
func (e *Engine) Compact(ctx context.Context) (cursor.Stats, error) {
	stats, err := e.gc.Run(ctx, e.reg.MinSafeSnapshot())
	if err != nil {
		return stats, err
	}
	e.checkpointOnce()
	return stats, nil
}

// Stats summarizes an open store's recovery-relevant state: the tree
// root, allocator/free-list watermarks, and WAL durability position.
// Used by cmd/lfkvctl's check subcommand.
type Stats struct {
	Root           uint64
	FreeListHead   uint64
	NextTxID       uint64
	NextCommitTS   uint64
	LastCheckpoint uint64
	DurableLSN     uint64
	AllocatedPages uint64
	WALDir         string
}

// Stats reports the engine's current state, post-bootstrap.
func (e *Engine) Stats() Stats {
	nextTxID, nextCommitTS := e.reg.Counters()
	return Stats{
		Root:           uint64(e.tree.Root()),
		FreeListHead:   uint64(e.free.Head),
		NextTxID:       nextTxID,
		NextCommitTS:   nextCommitTS,
		LastCheckpoint: e.lastCheckpoint.Load(),
		DurableLSN:     e.w.DurableLSN(),
		AllocatedPages: uint64(e.ctrl.NextID()),
		WALDir:         e.w.Dir(),
	}
}

// Begin starts a new transaction, spec §6's Engine.begin().
func (e *Engine) Begin(ctx context.Context) (*Tx, error) {
	t, err := e.orch.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{t: t}, nil
}

// Close stops the background checkpoint/GC tasks, flushes dirty pages
// one last time, and closes the WAL and data file.
func (e *Engine) Close() error {
	close(e.stopCh)
	e.wg.Wait()

	e.checkpointOnce()
	if err := e.w.Close(); err != nil {
		return err
	}
	return e.ctrl.Close()
}
