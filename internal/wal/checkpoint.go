package wal

import "context"

// CheckpointData is the snapshot of engine state a Checkpoint record
// captures, per spec §4.3/§4.5: which transactions were active, which
// pages were dirty as of which LSN, and the oldest live snapshot.
type CheckpointData struct {
	ActiveTxIDs    []uint64
	DirtyPageTable map[uint64]uint64
	OldestSnapshot uint64
}

// Checkpoint appends and durably syncs a Checkpoint record, then hands
// any segment now fully subsumed by it to background removal. Per spec
// §4.3: "Replay may skip segments strictly older than the last
// checkpoint's first required LSN."
func (w *WAL) Checkpoint(ctx context.Context, data CheckpointData) (uint64, error) {
	lsn, err := w.Append(Record{
		Type:           RecCheckpoint,
		ActiveTxIDs:    data.ActiveTxIDs,
		DirtyPageTable: data.DirtyPageTable,
		OldestSnapshot: data.OldestSnapshot,
	})
	if err != nil {
		return 0, err
	}
	if err := w.SyncUpto(ctx, lsn); err != nil {
		return 0, err
	}

	requiredFrom := lsn
	for pageID, dirtLSN := range data.DirtyPageTable {
		_ = pageID
		if dirtLSN < requiredFrom {
			requiredFrom = dirtLSN
		}
	}

	go w.reclaimSegmentsBefore(requiredFrom)
	return lsn, nil
}

// reclaimSegmentsBefore removes closed segments whose entire LSN range
// sits below requiredFrom. Runs off the caller's goroutine since it's
// pure housekeeping, not required for the checkpoint call to return.
func (w *WAL) reclaimSegmentsBefore(requiredFrom uint64) {
	w.segMu.Lock()
	var keep []segmentInfo
	var toRemove []string
	for _, s := range w.segments {
		if s.lastLSN < requiredFrom {
			toRemove = append(toRemove, s.path)
			continue
		}
		keep = append(keep, s)
	}
	w.segments = keep
	w.segMu.Unlock()

	for _, path := range toRemove {
		if err := removeSegmentFile(path); err != nil {
			w.log.Warn().Err(err).Str("segment", path).Msg("checkpoint reclaim failed")
		}
	}
}
