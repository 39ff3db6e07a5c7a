package wal

import (
	"context"
	"sync"
	"time"

	"github.com/lfkvdb/lfkv/internal/metrics"
)

// groupCommit batches concurrent commit waiters into a single sync_upto
// call, the same "collect, then dispatch in one shot" shape as the
// teacher's WorkerPool.dispatch select-loop (filodb_workers.go), here
// triggered by either a waiter-count threshold or a delay timer instead
// of a task queue.
type groupCommit struct {
	wal      *WAL
	maxCount int
	delay    time.Duration

	mu      sync.Mutex
	waiters []waiter

	trigger chan struct{}
	stopCh  chan struct{}
}

type waiter struct {
	lsn  uint64
	done chan error
}

func newGroupCommit(w *WAL, maxCount int, delay time.Duration) *groupCommit {
	if maxCount < 1 {
		maxCount = 1
	}
	gc := &groupCommit{
		wal:      w,
		maxCount: maxCount,
		delay:    delay,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	go gc.run()
	return gc
}

// await blocks until the WAL is durable at least up to lsn, joining
// whatever batch is currently forming.
func (gc *groupCommit) await(ctx context.Context, lsn uint64) error {
	done := make(chan error, 1)
	gc.mu.Lock()
	gc.waiters = append(gc.waiters, waiter{lsn: lsn, done: done})
	gc.mu.Unlock()

	select {
	case gc.trigger <- struct{}{}:
	default:
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (gc *groupCommit) run() {
	timer := time.NewTimer(gc.delay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-gc.stopCh:
			return
		case <-gc.trigger:
			gc.mu.Lock()
			n := len(gc.waiters)
			gc.mu.Unlock()
			if n == 0 {
				continue
			}
			if n >= gc.maxCount {
				if armed && !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				armed = false
				gc.flush()
				continue
			}
			if !armed {
				timer.Reset(gc.delay)
				armed = true
			}
		case <-timer.C:
			armed = false
			gc.flush()
		}
	}
}

func (gc *groupCommit) flush() {
	gc.mu.Lock()
	batch := gc.waiters
	gc.waiters = nil
	gc.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	var maxLSN uint64
	for _, w := range batch {
		if w.lsn > maxLSN {
			maxLSN = w.lsn
		}
	}

	timer := metrics.NewTimer()
	err := gc.wal.SyncUpto(context.Background(), maxLSN)
	timer.ObserveDuration(metrics.WALFsyncDuration)
	metrics.WALGroupCommitBatchSize.Observe(float64(len(batch)))

	for _, w := range batch {
		w.done <- err
	}
}

func (gc *groupCommit) stop() {
	close(gc.stopCh)
}
