package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointPutGetRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt.ldb")
	c, err := OpenCheckpoint(dir)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(42, 100, 4096, 0xdeadbeef, 17))

	nextVersion, usedStart, nextFree, chainCRC, highWater, err := c.Get()
	require.NoError(t, err)
	require.EqualValues(t, 42, nextVersion)
	require.EqualValues(t, 100, usedStart)
	require.EqualValues(t, 4096, nextFree)
	require.EqualValues(t, 0xdeadbeef, chainCRC)
	require.EqualValues(t, 17, highWater)
}

func TestCheckpointGetOnFreshStoreErrors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt.ldb")
	c, err := OpenCheckpoint(dir)
	require.NoError(t, err)
	defer c.Close()

	_, _, _, _, _, err = c.Get()
	require.Error(t, err)
}
