// Package metrics exposes the engine's Prometheus instruments: buffer-pool
// hit/miss/eviction counters and a per-shard resident-page gauge
// (internal/bufpool), WAL fsync latency (internal/wal), GC reclaim counts
// (internal/cursor), and the active-transaction gauge (internal/txn).
//
// Grounded on cuemby/warren's pkg/metrics: package-level collectors built
// with prometheus.New*, registered once in init, plus a Timer helper for
// histogram observations. The engine has no HTTP surface of its own
// (spec's public embedding API is in-process only), so unlike warren this
// package does not export a Handler — callers who run an HTTP server wire
// promhttp.Handler() against prometheus.DefaultRegisterer themselves.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Buffer pool (internal/bufpool), spec §4.2.
	BufferPoolResidentPages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lfkv_bufpool_resident_pages",
			Help: "Number of pages resident in the buffer pool, by shard",
		},
		[]string{"shard"},
	)

	BufferPoolHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lfkv_bufpool_hits_total",
			Help: "Total number of buffer pool pins served from cache",
		},
	)

	BufferPoolMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lfkv_bufpool_misses_total",
			Help: "Total number of buffer pool pins that required a disk read",
		},
	)

	BufferPoolEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lfkv_bufpool_evictions_total",
			Help: "Total number of buffer pool frames evicted to make room",
		},
	)

	// Write-ahead log (internal/wal), spec §4.3.
	WALFsyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lfkv_wal_fsync_duration_seconds",
			Help:    "Time taken to fsync a WAL segment during group commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALGroupCommitBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lfkv_wal_group_commit_batch_size",
			Help:    "Number of transactions flushed together by one group commit fsync",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// Garbage collection (internal/cursor), spec §4.4.
	GCLeavesScannedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lfkv_gc_leaves_scanned_total",
			Help: "Total number of leaf pages visited by the GC sweep",
		},
	)

	GCVersionsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lfkv_gc_versions_pruned_total",
			Help: "Total number of superseded versions removed from version chains",
		},
	)

	GCEntriesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lfkv_gc_entries_dropped_total",
			Help: "Total number of entries dropped entirely (obsolete tombstones)",
		},
	)

	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lfkv_gc_sweep_duration_seconds",
			Help:    "Wall-clock time taken by one GC sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transaction orchestrator (internal/txn), spec §4.5.
	ActiveTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lfkv_active_transactions",
			Help: "Number of transactions currently in the Active or Committing state",
		},
	)

	WriteConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lfkv_write_conflicts_total",
			Help: "Total number of transactions auto-aborted by first-committer-wins conflict detection",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BufferPoolResidentPages,
		BufferPoolHitsTotal,
		BufferPoolMissesTotal,
		BufferPoolEvictionsTotal,
		WALFsyncDuration,
		WALGroupCommitBatchSize,
		GCLeavesScannedTotal,
		GCVersionsPrunedTotal,
		GCEntriesDroppedTotal,
		GCSweepDuration,
		ActiveTransactions,
		WriteConflictsTotal,
	)
}

// Timer times an in-flight operation for later observation against a
// histogram, mirroring the teacher's metrics.Timer.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
