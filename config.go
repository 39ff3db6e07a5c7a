// Package lfkv is LFKV-DB's public embedding surface: Bootstrap opens or
// creates a store at a base directory and returns an Engine; Engine.Begin
// starts a Tx with get/insert/remove/scan/commit/abort, spec §6.
//
// This is the generalization of the teacher's (sharvitKashikar-FiloDB)
// DB/DBTX layer (filodb_engine.go) down to the raw KV surface spec §6
// actually names — the teacher's schema'd, typed-value SQL layer built on
// top of that (tables, secondary indexes, a REPL) is an explicit Non-goal
// here and is not adapted; see DESIGN.md.
package lfkv

import (
	"time"

	"github.com/rs/zerolog"
)

// Config enumerates every bootstrap option named in spec §6. All fields
// but Path have defaults, applied by withDefaults the way the teacher's
// newDB/newKV constructors fill in zero-value fields before use.
type Config struct {
	// Path is the base directory holding the data file, meta page, and
	// wal/ subdirectory. Required.
	Path string

	// WALSegmentBytes bounds WAL segment rotation size.
	WALSegmentBytes int64

	// CheckpointInterval is how often the background checkpoint task
	// snapshots active transactions and flushes dirty pages.
	CheckpointInterval time.Duration

	// GroupCommitDelay/GroupCommitMax bound group-commit batching.
	GroupCommitDelay time.Duration
	GroupCommitMax   int

	// GCInterval is how often the garbage collector sweeps version
	// chains; GCCountThreshold is reserved for a future count-triggered
	// sweep in addition to the interval-triggered one.
	GCInterval       time.Duration
	GCCountThreshold int

	// BufferPoolShards is the buffer pool's shard count.
	BufferPoolShards int
	// BufferPoolCapacityPages is the total resident page budget across
	// all shards.
	BufferPoolCapacityPages int

	// DiskReadWorkers/DiskWriteWorkers size the disk controller's async
	// I/O pools.
	DiskReadWorkers  int
	DiskWriteWorkers int

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.WALSegmentBytes <= 0 {
		c.WALSegmentBytes = 64 << 20
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.GroupCommitDelay <= 0 {
		c.GroupCommitDelay = 2 * time.Millisecond
	}
	if c.GroupCommitMax < 1 {
		c.GroupCommitMax = 32
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Second
	}
	if c.GCCountThreshold < 1 {
		c.GCCountThreshold = 1000
	}
	if c.BufferPoolShards < 1 {
		c.BufferPoolShards = 8
	}
	if c.BufferPoolCapacityPages < c.BufferPoolShards {
		c.BufferPoolCapacityPages = 4096
	}
	if c.DiskReadWorkers < 1 {
		c.DiskReadWorkers = 4
	}
	if c.DiskWriteWorkers < 1 {
		c.DiskWriteWorkers = 4
	}
	return c
}
