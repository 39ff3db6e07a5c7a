package wal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfkvdb/lfkv/internal/ferrors"
)

// Options configures a WAL.
type Options struct {
	Dir string

	// SegmentBytes bounds how large a single segment grows before
	// rotation, per spec §4.3. Default 64 MiB.
	SegmentBytes int64

	// GroupCommitMax is the waiter-count threshold that forces an
	// immediate sync_upto; GroupCommitDelay is the max time the first
	// waiter in a batch will wait for more to join. Per spec §4.3/§5.
	GroupCommitMax   int
	GroupCommitDelay time.Duration

	Logger zerolog.Logger
}

// WAL is the write-ahead log: an append-only sequence of CRC-framed
// records spread across rotating segment files, with group-committed
// durability and checkpoint-driven segment reclamation.
type WAL struct {
	log zerolog.Logger
	dir string

	segmentBytes int64

	nextLSN    atomic.Uint64
	durableLSN atomic.Uint64

	tailMu     sync.Mutex
	tailBuf    []byte
	tailMinLSN uint64
	tailMaxLSN uint64

	flushMu sync.Mutex
	cur     *segment

	segMu    sync.Mutex
	segments []segmentInfo

	gc *groupCommit
}

type segmentInfo struct {
	id       uint64
	firstLSN uint64
	lastLSN  uint64
	path     string
}

// Open creates opts.Dir if needed and starts a fresh active segment.
// It reads the newest existing segment only to resume segment-id and LSN
// sequencing (discoverTail); it does not hand records to anyone. Callers
// recover prior records with Replay, which may run after Open since the
// earlier segments are left untouched.
func Open(opts Options) (*WAL, error) {
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = 64 << 20
	}
	if opts.GroupCommitMax < 1 {
		opts.GroupCommitMax = 32
	}
	if opts.GroupCommitDelay <= 0 {
		opts.GroupCommitDelay = 2 * time.Millisecond
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create wal dir: %v", ferrors.IoError, err)
	}

	nextID, lastLSN, err := discoverTail(opts.Dir)
	if err != nil {
		return nil, err
	}

	cur, err := openSegment(opts.Dir, nextID, lastLSN+1)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		log:          opts.Logger,
		dir:          opts.Dir,
		segmentBytes: opts.SegmentBytes,
		cur:          cur,
	}
	w.nextLSN.Store(lastLSN + 1)
	w.durableLSN.Store(lastLSN)
	w.gc = newGroupCommit(w, opts.GroupCommitMax, opts.GroupCommitDelay)
	return w, nil
}

// discoverTail scans existing segments to find the next segment id to
// create and the highest LSN already assigned, so a reopened WAL keeps
// handing out strictly increasing LSNs across restarts.
func discoverTail(dir string) (nextSegID uint64, lastLSN uint64, err error) {
	paths, err := listSegments(dir)
	if err != nil {
		return 0, 0, err
	}
	if len(paths) == 0 {
		return 0, 0, nil
	}
	last := paths[len(paths)-1]
	id, err := segmentIDFromName(last)
	if err != nil {
		return 0, 0, err
	}

	f, err := os.Open(last)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: open wal segment: %v", ferrors.IoError, err)
	}
	defer f.Close()
	if _, err := f.Seek(segmentHeaderSize, 0); err != nil {
		return 0, 0, fmt.Errorf("%w: seek wal segment: %v", ferrors.IoError, err)
	}
	maxLSN := uint64(0)
	for {
		rec, err := ReadNext(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			break // torn tail: stop scanning, treat prior records as authoritative
		}
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
	}
	return id + 1, maxLSN, nil
}

// Append assigns the next LSN to rec and buffers its encoded bytes in
// the in-memory tail. It does not block on disk I/O; durability is
// established later via SyncUpto/Commit, per spec §4.3's "append returns
// immediately" rule.
func (w *WAL) Append(rec Record) (uint64, error) {
	lsn := w.nextLSN.Add(1) - 1
	rec.LSN = lsn
	buf := Encode(rec)

	w.tailMu.Lock()
	if len(w.tailBuf) == 0 {
		w.tailMinLSN = lsn
	}
	w.tailBuf = append(w.tailBuf, buf...)
	w.tailMaxLSN = lsn
	w.tailMu.Unlock()
	return lsn, nil
}

// Commit appends a Commit record for txid/commitTS and blocks (via group
// commit) until the WAL is durable to that record's LSN, per spec §4.5.
func (w *WAL) Commit(ctx context.Context, txid, commitTS uint64) (uint64, error) {
	lsn, err := w.Append(Record{Type: RecCommit, TxID: txid, CommitTS: commitTS})
	if err != nil {
		return 0, err
	}
	if err := w.gc.await(ctx, lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

// SyncUpto flushes the in-memory tail and fsyncs the active segment if
// durableLSN has not yet reached target. Satisfies bufpool.Durability.
func (w *WAL) SyncUpto(ctx context.Context, target uint64) error {
	if w.durableLSN.Load() >= target {
		return nil
	}
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	if w.durableLSN.Load() >= target {
		return nil
	}

	w.tailMu.Lock()
	buf := w.tailBuf
	first := w.tailMinLSN
	upto := w.tailMaxLSN
	w.tailBuf = nil
	w.tailMu.Unlock()

	if len(buf) == 0 {
		return nil
	}

	if err := w.writeToSegment(buf, first); err != nil {
		w.tailMu.Lock()
		if len(w.tailBuf) == 0 {
			w.tailMinLSN = first
		}
		w.tailBuf = append(buf, w.tailBuf...)
		w.tailMu.Unlock()
		return err
	}
	if err := w.cur.sync(); err != nil {
		return err
	}
	w.durableLSN.Store(upto)
	return nil
}

func (w *WAL) writeToSegment(buf []byte, firstLSN uint64) error {
	if w.cur.size+int64(len(buf)) > w.segmentBytes {
		if err := w.rotate(firstLSN); err != nil {
			return err
		}
	}
	return w.cur.append(buf)
}

// rotate closes the active segment and opens the next one, which will
// start at nextFirstLSN (the first LSN of the batch about to be
// written, since a single flush's bytes are never split across a
// segment boundary).
func (w *WAL) rotate(nextFirstLSN uint64) error {
	if err := w.cur.sync(); err != nil {
		return err
	}
	w.segMu.Lock()
	w.segments = append(w.segments, segmentInfo{
		id:       w.cur.id,
		firstLSN: w.cur.firstLSN,
		lastLSN:  w.durableLSN.Load(),
		path:     w.cur.path,
	})
	w.segMu.Unlock()
	if err := w.cur.close(); err != nil {
		return err
	}

	next, err := openSegment(w.dir, w.cur.id+1, nextFirstLSN)
	if err != nil {
		return err
	}
	w.cur = next
	return nil
}

// Close flushes any buffered records to durable storage and closes the
// active segment.
func (w *WAL) Close() error {
	if err := w.SyncUpto(context.Background(), w.nextLSN.Load()-1); err != nil {
		return err
	}
	w.gc.stop()
	return w.cur.close()
}

// Dir reports the WAL's segment directory, used by bootstrap replay and
// Engine.Stats.
func (w *WAL) Dir() string { return w.dir }

// DurableLSN reports the highest LSN known to be durable.
func (w *WAL) DurableLSN() uint64 { return w.durableLSN.Load() }

func removeSegmentFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove reclaimed wal segment %s: %v", ferrors.IoError, filepath.Base(path), err)
	}
	return nil
}
