package cursor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lfkvdb/lfkv/internal/bufpool"
	"github.com/lfkvdb/lfkv/internal/metrics"
	"github.com/lfkvdb/lfkv/internal/page"
	"github.com/lfkvdb/lfkv/internal/wal"
)

// Log is the slice of the WAL that GC needs: a place to durably record
// a leaf's pruning before the dirtied page is written back, mirroring
// internal/txn.Log's Append half.
type Log interface {
	Append(rec wal.Record) (uint64, error)
}

// GC is the online version-garbage collector described in spec §4.4/§9:
// it walks the leaf chain and prunes version-chain entries that no live
// snapshot can still observe, once their commit timestamp falls below
// the oldest active reader's safe_ts. It never restructures the tree
// (no page is freed or merged): a leaf emptied by pruning stays linked
// into its level and referenced by its parent. Engine.Compact (and so
// cmd/lfkvctl's compact subcommand) runs this same pass plus a
// checkpoint; nothing in the engine reclaims dead leaf pages. Fan-out across leaves uses golang.org/x/sync/errgroup,
// generalizing the teacher's serial WorkerPool (filodb_workers.go) to a
// bounded-concurrency pipeline since pruning one leaf never depends on
// another.
type GC struct {
	Tree   *Tree
	IO     PageIO
	Log    Log
	Fanout int
}

// Stats summarizes one GC pass.
type Stats struct {
	LeavesScanned  int
	VersionsPruned int
	EntriesDropped int
}

// Run executes the pipeline: scan the leaf chain, then prune and
// rewrite leaves in parallel. safeTS is the oldest active snapshot
// timestamp; nothing committed at or after it may be pruned, per spec
// §5's safe_ts rule.
func (g *GC) Run(ctx context.Context, safeTS uint64) (Stats, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GCSweepDuration)

	leaves, err := g.scan(ctx)
	if err != nil {
		return Stats{}, err
	}

	pruned, dropped, err := g.pruneLeaves(ctx, leaves, safeTS)
	if err != nil {
		return Stats{}, err
	}

	metrics.GCLeavesScannedTotal.Add(float64(len(leaves)))
	metrics.GCVersionsPrunedTotal.Add(float64(pruned))
	metrics.GCEntriesDroppedTotal.Add(float64(dropped))

	return Stats{
		LeavesScanned:  len(leaves),
		VersionsPruned: pruned,
		EntriesDropped: dropped,
	}, nil
}

// scan walks the leaf chain left to right, collecting every leaf page
// id currently reachable from the tree's leftmost leaf.
func (g *GC) scan(ctx context.Context) ([]page.ID, error) {
	var ids []page.ID
	id, h, n, err := g.Tree.descendToLeaf(ctx, []byte{}, bufpool.Shared)
	if err != nil {
		return nil, err
	}
	for {
		ids = append(ids, id)
		next := n.RightLink
		h.Release()
		if next == 0 {
			break
		}
		id = next
		h, err = g.IO.Fetch(ctx, id, bufpool.Shared)
		if err != nil {
			return nil, err
		}
		n, err = Unmarshal(h.Data())
		if err != nil {
			h.Release()
			return nil, err
		}
	}
	return ids, nil
}

// pruneLeaves fans out across leaves, dropping superseded versions from
// each entry's chain and dropping entries whose sole remaining version
// is a tombstone old enough that no live snapshot can see the key at
// all (the key is simply absent from the leaf from then on — no page
// is touched, so no sibling link or parent separator needs updating).
func (g *GC) pruneLeaves(ctx context.Context, leaves []page.ID, safeTS uint64) (int, int, error) {
	fanout := g.Fanout
	if fanout < 1 {
		fanout = 8
	}
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(fanout)

	var mu sync.Mutex
	var prunedTotal, droppedTotal int

	for _, id := range leaves {
		id := id
		grp.Go(func() error {
			h, err := g.IO.Fetch(gctx, id, bufpool.Exclusive)
			if err != nil {
				return err
			}
			n, err := Unmarshal(h.Data())
			if err != nil {
				h.Release()
				return err
			}

			pruned, dropped := 0, 0
			kept := n.Entries[:0]
			for _, e := range n.Entries {
				before := len(e.Versions)
				e.Versions = pruneBelow(e.Versions, safeTS)
				pruned += before - len(e.Versions)

				if isFullyObsoleteTombstone(e.Versions, safeTS) {
					dropped++
					continue
				}
				kept = append(kept, e)
			}

			if pruned == 0 && dropped == 0 {
				h.Release()
				return nil
			}
			n.Entries = kept

			// A crash between this writeback and the next checkpoint must
			// still be able to redo (or at least account for) the prune,
			// spec §4.4 — so the mutation gets its own WAL record and LSN
			// rather than reusing the page's last pre-existing one.
			lsn, err := g.Log.Append(wal.Record{Type: wal.RecPrune, PageID: uint64(id), SafeTS: safeTS})
			if err != nil {
				h.Release()
				return err
			}
			if err := g.Tree.writeNode(h, n, lsn); err != nil {
				h.Release()
				return err
			}
			h.Release()

			mu.Lock()
			prunedTotal += pruned
			droppedTotal += dropped
			mu.Unlock()
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return 0, 0, err
	}
	return prunedTotal, droppedTotal, nil
}

func isFullyObsoleteTombstone(versions []Version, safeTS uint64) bool {
	return len(versions) == 1 && versions[0].Tombstone &&
		versions[0].CommitTS != 0 && versions[0].CommitTS <= safeTS
}
