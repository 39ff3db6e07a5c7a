package cursor

// Visible returns the version in versions (newest first) visible to a
// reader whose snapshot timestamp is snapshotTS, or nil if the key has
// no committed version visible at that snapshot (including the case
// where the only visible version is a tombstone). Per spec §4.5's
// snapshot-isolation rule: a version is visible iff it committed at or
// before snapshotTS.
func Visible(versions []Version, snapshotTS uint64) *Version {
	for i := range versions {
		v := &versions[i]
		if v.CommitTS != 0 && v.CommitTS <= snapshotTS {
			if v.Tombstone {
				return nil
			}
			return v
		}
	}
	return nil
}

// Snapshot is the visibility watermark a transaction reads against (spec
// §4.5): a commit-timestamp ceiling plus the set of transactions that
// were in-flight (and therefore invisible even if they later commit at a
// timestamp <= Watermark) when the snapshot was taken. Owned logically by
// the transaction orchestrator; defined here so the cursor layer's
// version-chain filter can depend on it without an import cycle back to
// internal/txn.
type Snapshot struct {
	Watermark  uint64
	Concurrent map[uint64]bool
}

// VisibleTo returns the version in versions (newest first) visible to
// readingTxID under snap: its own pending write if it has one, otherwise
// the newest version committed at or before snap.Watermark by a
// transaction that was not concurrent with snap, per spec §4.5's
// visibility rule.
func VisibleTo(versions []Version, snap Snapshot, readingTxID uint64) *Version {
	for i := range versions {
		v := &versions[i]
		if v.CreatedBy == readingTxID && v.CommitTS == 0 {
			if v.Tombstone {
				return nil
			}
			return v
		}
		if v.CommitTS != 0 && v.CommitTS <= snap.Watermark && !snap.Concurrent[v.CreatedBy] {
			if v.Tombstone {
				return nil
			}
			return v
		}
	}
	return nil
}

// LatestCommitted returns the newest committed version regardless of any
// snapshot, used by first-committer-wins conflict detection: a writer's
// update is rejected if the key's latest committed version changed after
// the writer's snapshot was taken.
func LatestCommitted(versions []Version) *Version {
	for i := range versions {
		if versions[i].CommitTS != 0 {
			return &versions[i]
		}
	}
	return nil
}

// pruneBelow drops tombstone/superseded versions no longer reachable by
// any reader whose snapshot is >= safeTS, keeping at least one version
// (the newest) so the chain is never left empty. Used by the GC
// pipeline's version-pruning stage.
func pruneBelow(versions []Version, safeTS uint64) []Version {
	if len(versions) <= 1 {
		return versions
	}
	keep := make([]Version, 0, len(versions))
	for i, v := range versions {
		keep = append(keep, v)
		if v.CommitTS != 0 && v.CommitTS <= safeTS {
			// Every version after this one is superseded for every
			// reader whose snapshot could still be >= safeTS; an
			// exception is a trailing tombstone, which must stay as
			// the chain's floor until dropped together with the key.
			_ = i
			break
		}
	}
	return keep
}
