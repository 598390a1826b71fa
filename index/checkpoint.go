package index

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Checkpoint persists the small amount of recovery state that lets Open
// skip a full journal replay: the next version counter, the journal ring
// pointers, and the allocator high-water mark. This is grounded directly
// on the teacher's index.go LevelDBIndex.PutState/GetState, which exists
// for exactly the same reason (fast-forwarding WAL recovery instead of
// scanning from byte zero).
type Checkpoint struct {
	db *leveldb.DB
}

var checkpointKey = []byte("state")

// OpenCheckpoint opens (or creates) the LevelDB-backed checkpoint store at
// dir.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}
	db, err := leveldb.OpenFile(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("index: open checkpoint leveldb at %s: %w", dir, err)
	}
	return &Checkpoint{db: db}, nil
}

// Put persists the recovery state after a sync/flush wave.
func (c *Checkpoint) Put(nextVersion, journalUsedStart, journalNextFree uint64, journalChainCRC uint32, allocHighWater uint64) error {
	val := make([]byte, 8+8+8+4+8)
	binary.BigEndian.PutUint64(val[0:8], nextVersion)
	binary.BigEndian.PutUint64(val[8:16], journalUsedStart)
	binary.BigEndian.PutUint64(val[16:24], journalNextFree)
	binary.BigEndian.PutUint32(val[24:28], journalChainCRC)
	binary.BigEndian.PutUint64(val[28:36], allocHighWater)
	return c.db.Put(checkpointKey, val, nil)
}

// Get retrieves the persisted recovery state. It returns leveldb's
// ErrNotFound on a fresh store, which callers treat as "perform
// a full recovery scan", matching store.go's recover() handling of a
// failed GetState call.
func (c *Checkpoint) Get() (nextVersion, journalUsedStart, journalNextFree uint64, journalChainCRC uint32, allocHighWater uint64, err error) {
	val, err := c.db.Get(checkpointKey, nil)
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}
	if len(val) != 36 {
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: checkpoint record has length %d, want 36", ErrCorrupt, len(val))
	}
	nextVersion = binary.BigEndian.Uint64(val[0:8])
	journalUsedStart = binary.BigEndian.Uint64(val[8:16])
	journalNextFree = binary.BigEndian.Uint64(val[16:24])
	journalChainCRC = binary.BigEndian.Uint32(val[24:28])
	allocHighWater = binary.BigEndian.Uint64(val[28:36])
	return
}

func (c *Checkpoint) Close() error {
	return c.db.Close()
}
