package lfkv

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) Config {
	return Config{
		Path:             dir,
		BufferPoolShards: 2,
		Logger:           zerolog.Nop(),
	}
}

func TestBootstrapInsertGetCommit(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, []byte("k1"), []byte("v1")))

	val, found, err := tx.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, found, "a transaction must see its own uncommitted write")
	require.Equal(t, "v1", string(val))

	require.NoError(t, tx.Commit(ctx))

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	val, found, err = tx2.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(val))
	require.NoError(t, tx2.Commit(ctx))
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	found, err := tx2.Remove(ctx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, tx2.Commit(ctx))

	tx3, err := e.Begin(ctx)
	require.NoError(t, err)
	_, found, err = tx3.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx3.Commit(ctx))
}

func TestScanAllOrdersKeys(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, tx.Insert(ctx, []byte(k), []byte(k+"-val")))
	}
	require.NoError(t, tx.Commit(ctx))

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	it, err := tx2.ScanAll(ctx)
	require.NoError(t, err)
	var got []string
	for it.Next() {
		got = append(got, string(it.Entry().Key))
	}
	require.NoError(t, it.Err())
	it.Close()
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.NoError(t, tx2.Commit(ctx))
}

func TestScanRespectsStartAndEnd(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, tx.Insert(ctx, []byte(k), []byte(k+"-val")))
	}
	require.NoError(t, tx.Commit(ctx))

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	it, err := tx2.Scan(ctx, []byte("b"), []byte("e"))
	require.NoError(t, err)
	var got []string
	for it.Next() {
		got = append(got, string(it.Entry().Key))
	}
	require.NoError(t, it.Err())
	it.Close()
	require.Equal(t, []string{"b", "c", "d"}, got, "scan(b,e) must stop before e")
	require.NoError(t, tx2.Commit(ctx))
}

func TestAbortRollsBackWrite(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, []byte("ghost"), []byte("boo")))
	require.NoError(t, tx.Abort(ctx))

	tx2, err := e.Begin(ctx)
	require.NoError(t, err)
	_, found, err := tx2.Get(ctx, []byte("ghost"))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx2.Commit(ctx))
}

// TestReopenPersistsCommittedData closes an Engine cleanly (which
// checkpoints and flushes every dirty page) and reopens at the same path,
// verifying the committed write is still visible after the reopen.
func TestReopenPersistsCommittedData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	tx, err := e1.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, []byte("durable"), []byte("yes")))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, e1.Close())

	e2, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e2.Close()

	tx2, err := e2.Begin(ctx)
	require.NoError(t, err)
	val, found, err := tx2.Get(ctx, []byte("durable"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "yes", string(val))
	require.NoError(t, tx2.Commit(ctx))
}

// TestReplayRedoesCommittedWriteAfterUncleanShutdown simulates a crash:
// the engine's background tasks are stopped and its file handles closed
// directly, skipping the final checkpoint flush Close would otherwise do.
// The committed insert is durable only in the WAL at that point, so
// reopening must redo it via replayWAL (internal/cursor's
// ReplayInsert/FinalizeCommit), spec §4.3.
func TestReplayRedoesCommittedWriteAfterUncleanShutdown(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)

	tx, err := e1.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, []byte("crashed"), []byte("recovered")))
	require.NoError(t, tx.Commit(ctx))

	close(e1.stopCh)
	e1.wg.Wait()
	require.NoError(t, e1.w.Close())
	require.NoError(t, e1.ctrl.Close())

	e2, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e2.Close()

	tx2, err := e2.Begin(ctx)
	require.NoError(t, err)
	val, found, err := tx2.Get(ctx, []byte("crashed"))
	require.NoError(t, err)
	require.True(t, found, "replay must redo the committed write from the WAL")
	require.Equal(t, "recovered", string(val))
	require.NoError(t, tx2.Commit(ctx))
}

// TestReplayAbortsNeverTerminatedTransaction covers the other half of
// spec §4.3: a transaction that began and wrote but never committed or
// aborted before the crash must come back invisible, as if force-aborted.
func TestReplayAbortsNeverTerminatedTransaction(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e1, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)

	tx, err := e1.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, []byte("orphan"), []byte("never-committed")))

	close(e1.stopCh)
	e1.wg.Wait()
	require.NoError(t, e1.w.Close())
	require.NoError(t, e1.ctrl.Close())

	e2, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e2.Close()

	tx2, err := e2.Begin(ctx)
	require.NoError(t, err)
	_, found, err := tx2.Get(ctx, []byte("orphan"))
	require.NoError(t, err)
	require.False(t, found, "a never-terminated transaction's writes must not survive replay")
	require.NoError(t, tx2.Commit(ctx))
}

func TestCompactRunsGCAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 3; i++ {
		tx, err := e.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Insert(ctx, []byte("k"), []byte("v")))
		require.NoError(t, tx.Commit(ctx))
	}

	stats, err := e.Compact(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.LeavesScanned, 1)
}

func TestStatsReflectsCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Bootstrap(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx.Commit(ctx))

	before := e.Stats()
	require.Equal(t, uint64(0), before.LastCheckpoint)

	_, err = e.Compact(ctx)
	require.NoError(t, err)

	after := e.Stats()
	require.Greater(t, after.LastCheckpoint, before.LastCheckpoint)
	require.NotEmpty(t, after.WALDir)
}
