package cursor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGCPrunesSupersededVersionsAndObsoleteTombstones(t *testing.T) {
	tree, io := newTestTree(t)
	ctx := context.Background()

	_, err := tree.Insert(ctx, []byte("k1"), []byte("v1"), 1, 0, 1)
	require.NoError(t, err)
	require.NoError(t, tree.FinalizeCommit(ctx, []WriteRef{{Key: []byte("k1")}}, 1, 5, 2))

	_, err = tree.Insert(ctx, []byte("k1"), []byte("v2"), 2, 10, 3)
	require.NoError(t, err)
	require.NoError(t, tree.FinalizeCommit(ctx, []WriteRef{{Key: []byte("k1")}}, 2, 20, 4))

	conflict, found, err := tree.Delete(ctx, []byte("k1"), 3, 30, 5)
	require.NoError(t, err)
	require.False(t, conflict)
	require.True(t, found)
	require.NoError(t, tree.FinalizeCommit(ctx, []WriteRef{{Key: []byte("k1")}}, 3, 40, 6))

	_, err = tree.Insert(ctx, []byte("k2"), []byte("v"), 4, 0, 7)
	require.NoError(t, err)
	require.NoError(t, tree.FinalizeCommit(ctx, []WriteRef{{Key: []byte("k2")}}, 4, 50, 8))

	gc := &GC{Tree: tree, IO: io, Log: &fakeLog{}}
	stats, err := gc.Run(ctx, 1000000)
	require.NoError(t, err)
	require.Equal(t, 1, stats.LeavesScanned)
	require.Equal(t, 2, stats.VersionsPruned, "k1's two superseded versions (committed 5 and 20) should be pruned")
	require.Equal(t, 1, stats.EntriesDropped, "k1's fully-obsolete tombstone entry should be dropped")

	_, found, err = tree.Get(ctx, []byte("k1"), 1000000)
	require.NoError(t, err)
	require.False(t, found)

	val, found, err := tree.Get(ctx, []byte("k2"), 1000000)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", string(val))
}

func TestGCKeepsVersionsVisibleToLiveSnapshot(t *testing.T) {
	tree, io := newTestTree(t)
	ctx := context.Background()

	_, err := tree.Insert(ctx, []byte("k"), []byte("v1"), 1, 0, 1)
	require.NoError(t, err)
	require.NoError(t, tree.FinalizeCommit(ctx, []WriteRef{{Key: []byte("k")}}, 1, 5, 2))

	_, err = tree.Insert(ctx, []byte("k"), []byte("v2"), 2, 10, 3)
	require.NoError(t, err)
	require.NoError(t, tree.FinalizeCommit(ctx, []WriteRef{{Key: []byte("k")}}, 2, 20, 4))

	// A reader snapshotted at 15 still needs the version committed at 5,
	// so GC run with safeTS=15 must not prune it.
	gc := &GC{Tree: tree, IO: io, Log: &fakeLog{}}
	stats, err := gc.Run(ctx, 15)
	require.NoError(t, err)
	require.Equal(t, 0, stats.VersionsPruned)
	require.Equal(t, 0, stats.EntriesDropped)

	val, found, err := tree.Get(ctx, []byte("k"), 15)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(val))
}

func TestGCAcrossSplitLeaves(t *testing.T) {
	tree, io := newTestTree(t)
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := make([]byte, 64)
		_, err := tree.Insert(ctx, key, val, uint64(i), 0, uint64(i)+1)
		require.NoError(t, err)
		require.NoError(t, tree.FinalizeCommit(ctx, []WriteRef{{Key: key}}, uint64(i), uint64(i)+1000, uint64(i)+1))
	}

	gc := &GC{Tree: tree, IO: io, Log: &fakeLog{}, Fanout: 4}
	stats, err := gc.Run(ctx, 1000000)
	require.NoError(t, err)
	require.True(t, stats.LeavesScanned > 1, "200 inserts should have forced at least one split")
	require.Equal(t, 0, stats.VersionsPruned)
	require.Equal(t, 0, stats.EntriesDropped)

	it, err := tree.Scan(ctx, nil, nil, 1000000)
	require.NoError(t, err)
	defer it.Close()
	count := 0
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, n, count)
}
