package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"blockstore/index"
	"blockstore/journal"
)

// doSync implements spec.md §4.4. op is nil when called from the autosync
// ticker or from shutdown; when non-nil, its Done callback fires once this
// pass has moved every WRITTEN entry to SYNCED, made a STABLE marker
// durable for every SYNCED entry the journal had room for (an entry whose
// marker did not fit stays SYNCED for the next pass), and persisted the
// checkpoint.
func (e *Engine) doSync(op *Op) {
	timer := prometheus.NewTimer(e.metrics.syncDuration)
	defer timer.ObserveDuration()

	if err := e.journal.Sync(); err != nil {
		e.fatal("sync: journal fsync failed: %v", err)
		return
	}
	if err := e.dataFile.Sync(); err != nil {
		e.fatal("sync: data fsync failed: %v", err)
		return
	}

	// WRITTEN -> SYNCED: every write/delete whose journal entry (and, for
	// BIG_WRITE, data block) has now survived an fsync is durable against a
	// crash, even though it isn't yet reachable by a recovery scan that
	// starts from used_start without replaying the dirty log (spec.md §4.4
	// step 1).
	var justSynced []*index.DirtyEntry
	e.dirty.ForEachState(index.Written, func(de *index.DirtyEntry) bool {
		justSynced = append(justSynced, de)
		return true
	})
	for _, de := range justSynced {
		de.State = index.Synced
		// General-case mirror of finishSubmission's IMMEDIATE_ALL branch:
		// a BIG_WRITE reaching SYNCED here, via the normal autosync path,
		// is the other place blockstore_write.cpp:647-658 unblocks
		// same-object SMALL_WRITEs parked in WAIT_BIG.
		if de.Kind == index.KindBigWrite {
			e.promoteWaitBig(de.OID, de.Version)
		}
		if !de.Instant {
			e.completeWrite(de, Result{Version: de.Version})
		}
	}

	// SYNCED -> STABLE: write a STABLE marker entry for every synced, not
	// yet instant-stable entry, then fsync the journal once more so the
	// markers themselves are durable before the sync completes (spec.md
	// §4.4 step 2). A non-instant entry was already acked when it reached
	// SYNCED, so this step does not ack it again.
	var toStabilize []*index.DirtyEntry
	e.dirty.ForEachState(index.Synced, func(de *index.DirtyEntry) bool {
		if !de.Instant {
			toStabilize = append(toStabilize, de)
		} else {
			de.State = index.Stable
			e.completeWrite(de, Result{Version: de.Version})
		}
		return true
	})

	if len(toStabilize) > 0 {
		var stabilized []*index.DirtyEntry
		for _, de := range toStabilize {
			stableEntry := &journal.Entry{Type: journal.TypeStable, OID: de.OID, Version: de.Version}
			if _, err := e.journal.Append(stableEntry); err != nil {
				// The ring is full of live entries; the flusher needs to run
				// before STABLE markers for these can be written. Leave them
				// SYNCED and retry on the next sync pass.
				continue
			}
			stabilized = append(stabilized, de)
		}
		if err := e.journal.Sync(); err != nil {
			e.fatal("sync: stable-marker fsync failed: %v", err)
			return
		}
		for _, de := range stabilized {
			de.State = index.Stable
		}
	}

	e.nextVersionHint = e.highestKnownVersion()
	e.persistCheckpoint()

	if op != nil {
		op.complete(Result{})
	}
}

// highestKnownVersion scans the dirty index for the largest version seen
// across all objects, feeding the checkpoint's monotonic version hint
// (spec.md §4.4 "persist the next version to hand out").
func (e *Engine) highestKnownVersion() uint64 {
	max := e.nextVersionHint
	e.dirty.ForEachState(index.Stable, func(de *index.DirtyEntry) bool {
		if de.Version+1 > max {
			max = de.Version + 1
		}
		return true
	})
	return max
}
