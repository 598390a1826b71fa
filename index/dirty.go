// Package index implements the clean metadata index (on-disk flat array +
// in-memory hash-shard lookup for each object's currently flushed version)
// and the dirty index (an in-memory ordered map of not-yet-flushed writes
// and deletes), per spec.md §3 and §9.
package index

import (
	"sort"
	"sync"

	"blockstore/journal"
	"blockstore/layout"
)

// WorkflowState is a dirty entry's position in the submission pipeline,
// spec.md §3's WAIT_DEL -> WAIT_BIG -> IN_FLIGHT -> SUBMITTED -> WRITTEN ->
// SYNCED -> STABLE chain.
type WorkflowState uint8

const (
	WaitDel WorkflowState = iota
	WaitBig
	InFlight
	Submitted
	Written
	Synced
	Stable
)

func (s WorkflowState) String() string {
	switch s {
	case WaitDel:
		return "WAIT_DEL"
	case WaitBig:
		return "WAIT_BIG"
	case InFlight:
		return "IN_FLIGHT"
	case Submitted:
		return "SUBMITTED"
	case Written:
		return "WRITTEN"
	case Synced:
		return "SYNCED"
	case Stable:
		return "STABLE"
	default:
		return "UNKNOWN"
	}
}

// WriteKind distinguishes the three dirty-entry shapes of spec.md §3.
type WriteKind uint8

const (
	KindBigWrite WriteKind = iota
	KindSmallWrite
	KindDelete
)

// DirtyEntry is one not-yet-flushed write or delete, keyed by (OID,
// Version).
type DirtyEntry struct {
	OID     journal.OID
	Version uint64
	Kind    WriteKind
	State   WorkflowState
	Instant bool // INSTANT flag: stable immediately on sync (spec.md §3)

	Offset uint64
	Len    uint64

	Block uint64 // KindBigWrite: allocator block index already written to.

	JournalOffset uint64 // every kind: offset of the journal entry itself.
	DataOffset    uint64 // KindSmallWrite: offset of the payload following the entry.

	Bitmap    layout.Bitmap
	Checksums []uint32

	// RealVersion is nonzero while this entry is temporarily keyed under a
	// smaller placeholder version pending the version-restore check of
	// spec.md §4.2 step 3 / §4.3 "Version restore".
	RealVersion uint64
}

func less(a, b *DirtyEntry) bool {
	if a.OID != b.OID {
		return a.OID.Less(b.OID)
	}
	return a.Version < b.Version
}

// DirtyIndex is a single sorted slice ordered by (OID, Version), matching
// spec.md §9's explicit guidance to avoid per-object sub-maps ("inter-
// object ordering helps batching") and grounded on store.go's own
// checkpoints []Checkpoint + sort.Search (FindOffsetForLogSeq) idiom for
// exactly this shape of problem: one global ordered sequence, searched by
// key rather than split into a map of maps.
type DirtyIndex struct {
	mu      sync.RWMutex
	entries []*DirtyEntry
}

// NewDirtyIndex returns an empty dirty index.
func NewDirtyIndex() *DirtyIndex {
	return &DirtyIndex{}
}

// searchLocked returns the insertion point for (oid, version): the index
// of the first entry not less than it.
func (d *DirtyIndex) searchLocked(oid journal.OID, version uint64) int {
	key := &DirtyEntry{OID: oid, Version: version}
	return sort.Search(len(d.entries), func(i int) bool {
		return !less(d.entries[i], key)
	})
}

// Insert adds e to the index. It panics if an entry for (e.OID, e.Version)
// already exists, matching invariant 1 of spec.md §3 ("no two entries
// share a version").
func (d *DirtyIndex) Insert(e *DirtyEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.searchLocked(e.OID, e.Version)
	if i < len(d.entries) && d.entries[i].OID == e.OID && d.entries[i].Version == e.Version {
		panic("index: duplicate dirty entry for " + e.OID.String())
	}
	d.entries = append(d.entries, nil)
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = e
}

// Remove deletes the entry for (oid, version), reporting whether one was
// found.
func (d *DirtyIndex) Remove(oid journal.OID, version uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.searchLocked(oid, version)
	if i >= len(d.entries) || d.entries[i].OID != oid || d.entries[i].Version != version {
		return false
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	return true
}

// Get returns the entry for (oid, version), if any.
func (d *DirtyIndex) Get(oid journal.OID, version uint64) (*DirtyEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.searchLocked(oid, version)
	if i >= len(d.entries) || d.entries[i].OID != oid || d.entries[i].Version != version {
		return nil, false
	}
	return d.entries[i], true
}

// LatestForOID returns the highest-versioned dirty entry for oid, the
// "find latest version for oid" reverse-range lookup spec.md §9 requires.
func (d *DirtyIndex) LatestForOID(oid journal.OID) (*DirtyEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	// First entry strictly greater than (oid, maxVersion); the one before
	// it, if it shares oid, is the latest version for oid.
	i := d.searchLocked(oid, ^uint64(0))
	if i == 0 || d.entries[i-1].OID != oid {
		return nil, false
	}
	return d.entries[i-1], true
}

// AllForOID returns every dirty entry for oid in ascending version order,
// the "iterate all versions of oid" forward range spec.md §9 requires.
func (d *DirtyIndex) AllForOID(oid journal.OID) []*DirtyEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	start := d.searchLocked(oid, 0)
	var out []*DirtyEntry
	for i := start; i < len(d.entries) && d.entries[i].OID == oid; i++ {
		out = append(out, d.entries[i])
	}
	return out
}

// Len returns the total number of dirty entries across all objects.
func (d *DirtyIndex) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// ForEachState calls fn for every entry currently in state, in (OID,
// Version) order, stopping early if fn returns false. It is how the sync
// engine collects every SYNCED entry into a batch (spec.md §4.4) and how
// the flusher selects STABLE entries to drain (spec.md §4.5).
func (d *DirtyIndex) ForEachState(state WorkflowState, fn func(*DirtyEntry) bool) {
	d.mu.RLock()
	snapshot := make([]*DirtyEntry, len(d.entries))
	copy(snapshot, d.entries)
	d.mu.RUnlock()
	for _, e := range snapshot {
		if e.State == state {
			if !fn(e) {
				return
			}
		}
	}
}

// CountUnsynced returns the number of dirty entries not yet at Synced or
// Stable, the counter spec.md §4.2 step 8 compares against
// autosync_writes.
func (d *DirtyIndex) CountUnsynced() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, e := range d.entries {
		if e.State != Synced && e.State != Stable {
			n++
		}
	}
	return n
}

// Rekey moves the entry found at (oid, oldVersion) to (oid, newVersion),
// used by the version-restore step of spec.md §4.3 ("delete the
// temporary-keyed dirty entry and re-insert under real_version").
func (d *DirtyIndex) Rekey(oid journal.OID, oldVersion, newVersion uint64) bool {
	d.mu.Lock()
	i := d.searchLocked(oid, oldVersion)
	if i >= len(d.entries) || d.entries[i].OID != oid || d.entries[i].Version != oldVersion {
		d.mu.Unlock()
		return false
	}
	e := d.entries[i]
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	d.mu.Unlock()

	e.Version = newVersion
	e.RealVersion = 0
	d.Insert(e)
	return true
}
