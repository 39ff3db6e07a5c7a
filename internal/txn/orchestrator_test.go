package txn

import (
	"context"
	"testing"

	"github.com/lfkvdb/lfkv/internal/ferrors"
	"github.com/stretchr/testify/require"
)

func TestBeginInsertCommitVisibleToLaterSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx1, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx1.Insert(ctx, []byte("k"), []byte("v1")))

	val, found, err := tx1.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found, "a transaction must see its own uncommitted write")
	require.Equal(t, "v1", string(val))

	require.NoError(t, tx1.Commit(ctx))

	tx2, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	val, found, err = tx2.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(val))
	require.NoError(t, tx2.Commit(ctx))
}

func TestSnapshotIsolationHidesUncommittedAndFutureWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx1, err := h.orch.Begin(ctx)
	require.NoError(t, err)

	tx2, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Insert(ctx, []byte("k"), []byte("from-tx2")))

	_, found, err := tx1.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, found, "tx1's snapshot predates tx2's (still uncommitted) write")

	require.NoError(t, tx2.Commit(ctx))

	_, found, err = tx1.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, found, "tx1 started concurrently with tx2 and must not see it even after tx2 commits")

	require.NoError(t, tx1.Commit(ctx))
}

func TestWriteConflictFirstCommitterWinsAbortsLoser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx0, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx0.Insert(ctx, []byte("k"), []byte("v0")))
	require.NoError(t, tx0.Commit(ctx))

	tx1, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	tx2, err := h.orch.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx1.Insert(ctx, []byte("k"), []byte("v1")))
	require.NoError(t, tx1.Commit(ctx))

	err = tx2.Insert(ctx, []byte("k"), []byte("v2"))
	require.ErrorIs(t, err, ferrors.WriteConflict)

	// tx2 is now aborted as a side effect of the conflict.
	err = tx2.Insert(ctx, []byte("other"), []byte("x"))
	require.ErrorIs(t, err, ferrors.Aborted)
}

func TestWriteConflictBetweenTwoUncommittedInserts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Neither transaction has a committed version to race against yet
	// (spec §8 scenario 3): the conflict must still be caught from the
	// pending version tx1 leaves on the chain.
	tx1, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	tx2, err := h.orch.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx1.Insert(ctx, []byte("k"), []byte("v1")))

	err = tx2.Insert(ctx, []byte("k"), []byte("v2"))
	require.ErrorIs(t, err, ferrors.WriteConflict)

	require.NoError(t, tx1.Commit(ctx))

	tx3, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	val, found, err := tx3.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(val))
	require.NoError(t, tx3.Commit(ctx))
}

func TestAbortRollsBackAndLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx1, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx1.Insert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx1.Abort(ctx))

	tx2, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	_, found, err := tx2.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx2.Commit(ctx))
}

func TestMinSafeSnapshotTracksOldestLiveReader(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx1, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	before := h.orch.reg.MinSafeSnapshot()

	tx2, err := h.orch.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, before, h.orch.reg.MinSafeSnapshot(), "tx2 started later so tx1 remains the oldest")

	require.NoError(t, tx1.Commit(ctx))
	require.NoError(t, tx2.Commit(ctx))
}
