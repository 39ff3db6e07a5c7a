package cursor

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/lfkvdb/lfkv/internal/bufpool"
	"github.com/lfkvdb/lfkv/internal/diskio"
	"github.com/lfkvdb/lfkv/internal/page"
	"github.com/lfkvdb/lfkv/internal/wal"
)

// fakeLog stands in for the WAL in tests that exercise GC without a real
// engine around it: it only needs to hand out distinct LSNs.
type fakeLog struct{ next atomic.Uint64 }

func (l *fakeLog) Append(rec wal.Record) (uint64, error) {
	return l.next.Add(1), nil
}

// noopDurability satisfies bufpool.Durability for tests that never
// exercise the WAL directly; LSNs handed to MarkDirty are never checked
// against a real log.
type noopDurability struct{}

func (noopDurability) SyncUpto(ctx context.Context, lsn uint64) error { return nil }

// testIO adapts a diskio.Controller + bufpool.Pool into cursor.PageIO.
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

func newTestTree(t *testing.T) (*Tree, *testIO) {
	t.Helper()
	dir := t.TempDir()
	ctrl, err := diskio.Open(diskio.Options{Path: dir + "/data.lfkv"})
	if err != nil {
		t.Fatalf("open controller: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })

	pool := bufpool.New(bufpool.Options{
		Ctrl:          ctrl,
		Durability:    noopDurability{},
		ShardCount:    4,
		CapacityPages: 256,
	})
	io := &testIO{pool: pool, ctrl: ctrl}

	// Reserve page 0 for the meta page, matching the engine's real
	// layout, then allocate an empty leaf as the initial root.
	if _, err := ctrl.Allocate(context.Background()); err != nil {
		t.Fatalf("reserve meta page: %v", err)
	}
	rootID, err := ctrl.Allocate(context.Background())
	if err != nil {
		t.Fatalf("allocate root: %v", err)
	}
	h, err := pool.PinNew(context.Background(), rootID)
	if err != nil {
		t.Fatalf("pin new root: %v", err)
	}
	root := &Node{Kind: page.KindLeaf}
	buf := root.Marshal()
	copy(h.Data(), buf)
	pool.MarkDirty(h, 0)
	h.Release()

	return NewTree(io, rootID), io
}
