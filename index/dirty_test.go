package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"blockstore/journal"
)

func TestDirtyIndexOrderingAndLookup(t *testing.T) {
	d := NewDirtyIndex()
	oidA := journal.OID{Inode: 1, Stripe: 0}
	oidB := journal.OID{Inode: 2, Stripe: 0}

	d.Insert(&DirtyEntry{OID: oidA, Version: 1, State: Stable})
	d.Insert(&DirtyEntry{OID: oidA, Version: 3, State: InFlight})
	d.Insert(&DirtyEntry{OID: oidA, Version: 2, State: Synced})
	d.Insert(&DirtyEntry{OID: oidB, Version: 1, State: InFlight})

	require.Equal(t, 4, d.Len())

	latest, ok := d.LatestForOID(oidA)
	require.True(t, ok)
	require.EqualValues(t, 3, latest.Version)

	all := d.AllForOID(oidA)
	require.Len(t, all, 3)
	require.EqualValues(t, 1, all[0].Version)
	require.EqualValues(t, 2, all[1].Version)
	require.EqualValues(t, 3, all[2].Version)

	_, ok = d.LatestForOID(journal.OID{Inode: 99})
	require.False(t, ok)
}

func TestDirtyIndexInsertDuplicatePanics(t *testing.T) {
	d := NewDirtyIndex()
	oid := journal.OID{Inode: 1}
	d.Insert(&DirtyEntry{OID: oid, Version: 1})
	require.Panics(t, func() {
		d.Insert(&DirtyEntry{OID: oid, Version: 1})
	})
}

func TestDirtyIndexRemove(t *testing.T) {
	d := NewDirtyIndex()
	oid := journal.OID{Inode: 1}
	d.Insert(&DirtyEntry{OID: oid, Version: 1})

	require.True(t, d.Remove(oid, 1))
	require.False(t, d.Remove(oid, 1))
	_, ok := d.Get(oid, 1)
	require.False(t, ok)
}

func TestDirtyIndexForEachStateAndCountUnsynced(t *testing.T) {
	d := NewDirtyIndex()
	oid := journal.OID{Inode: 1}
	d.Insert(&DirtyEntry{OID: oid, Version: 1, State: Synced})
	d.Insert(&DirtyEntry{OID: oid, Version: 2, State: Synced})
	d.Insert(&DirtyEntry{OID: oid, Version: 3, State: InFlight})
	d.Insert(&DirtyEntry{OID: oid, Version: 4, State: Stable})

	var synced []uint64
	d.ForEachState(Synced, func(e *DirtyEntry) bool {
		synced = append(synced, e.Version)
		return true
	})
	require.Equal(t, []uint64{1, 2}, synced)
	require.Equal(t, 1, d.CountUnsynced()) // only the InFlight one
}

func TestDirtyIndexRekey(t *testing.T) {
	d := NewDirtyIndex()
	oid := journal.OID{Inode: 1}
	d.Insert(&DirtyEntry{OID: oid, Version: 1, RealVersion: 5})

	require.True(t, d.Rekey(oid, 1, 5))
	_, ok := d.Get(oid, 1)
	require.False(t, ok)
	e, ok := d.Get(oid, 5)
	require.True(t, ok)
	require.EqualValues(t, 0, e.RealVersion)
}
