package txn

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lfkvdb/lfkv/internal/bufpool"
	"github.com/lfkvdb/lfkv/internal/cursor"
	"github.com/lfkvdb/lfkv/internal/diskio"
	"github.com/lfkvdb/lfkv/internal/page"
	"github.com/lfkvdb/lfkv/internal/wal"
)

type testIO struct {
	pool *bufpool.Pool
	ctrl *diskio.Controller
}

func (t *testIO) Fetch(ctx context.Context, id page.ID, mode bufpool.Mode) (*bufpool.Handle, error) {
	return t.pool.Pin(ctx, id, mode)
}

func (t *testIO) Allocate(ctx context.Context) (page.ID, error) {
	return t.ctrl.Allocate(ctx)
}

func (t *testIO) FetchNew(ctx context.Context, id page.ID) (*bufpool.Handle, error) {
	return t.pool.PinNew(ctx, id)
}

func (t *testIO) MarkDirty(h *bufpool.Handle, lsn uint64) {
	t.pool.MarkDirty(h, lsn)
}

// harness bundles a live WAL, buffer pool, and Blink-tree behind one
// Orchestrator, standing in for the lfkv root package's Bootstrap.
type harness struct {
	w    *wal.WAL
	io   *testIO
	tree *cursor.Tree
	free *cursor.FreeList
	orch *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	ctrl, err := diskio.Open(diskio.Options{Path: dir + "/data.lfkv"})
	if err != nil {
		t.Fatalf("open controller: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })

	w, err := wal.Open(wal.Options{Dir: dir + "/wal"})
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	pool := bufpool.New(bufpool.Options{
		Ctrl:          ctrl,
		Durability:    w,
		ShardCount:    4,
		CapacityPages: 256,
	})
	io := &testIO{pool: pool, ctrl: ctrl}

	ctx := context.Background()
	if _, err := ctrl.Allocate(ctx); err != nil {
		t.Fatalf("reserve meta page: %v", err)
	}
	rootID, err := ctrl.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate root: %v", err)
	}
	h, err := pool.PinNew(ctx, rootID)
	if err != nil {
		t.Fatalf("pin new root: %v", err)
	}
	root := &cursor.Node{Kind: page.KindLeaf}
	copy(h.Data(), root.Marshal())
	pool.MarkDirty(h, 0)
	h.Release()

	tree := cursor.NewTree(io, rootID)
	free := &cursor.FreeList{
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

	reg := NewRegistry(1, 1)
	orch := New(reg, w, tree, free, zerolog.Nop())

	return &harness{w: w, io: io, tree: tree, free: free, orch: orch}
}
