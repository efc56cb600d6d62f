package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gfs"
)

var testActive = []gfs.ServerAddress{"cs1:1", "cs2:2", "cs3:3", "cs4:4"}

func TestChunkManagerAddChunkPicksReplicas(t *testing.T) {
	cm := newChunkManager(newTestOpLog(t))

	handle, replicas, err := cm.AddChunk("/a", 0, testActive)
	require.NoError(t, err)
	assert.Len(t, replicas, gfs.DefaultNumReplicas)

	_, _, err = cm.AddChunk("/a", 0, testActive)
	assert.Equal(t, gfs.ChunkAlreadyExists, gfs.Code(err))

	locs, h, err := cm.FindLocations("/a", 0)
	require.NoError(t, err)
	assert.Equal(t, handle, h)
	assert.ElementsMatch(t, replicas, locs)
}

func TestChunkManagerAddChunkNoServersAlive(t *testing.T) {
	cm := newChunkManager(newTestOpLog(t))

	_, _, err := cm.AddChunk("/a", 0, nil)
	assert.Equal(t, gfs.NoChunkServerAlive, gfs.Code(err))
}

func TestChunkManagerFindLeaseHolderGrantsAndReuses(t *testing.T) {
	cm := newChunkManager(newTestOpLog(t))
	handle, _, err := cm.AddChunk("/a", 0, testActive)
	require.NoError(t, err)

	primary1, secondaries1, expire1, err := cm.FindLeaseHolder(handle)
	require.NoError(t, err)
	assert.Len(t, secondaries1, gfs.DefaultNumReplicas-1)
	assert.WithinDuration(t, time.Now().Add(gfs.LeaseTimeout), expire1, time.Second)

	primary2, _, expire2, err := cm.FindLeaseHolder(handle)
	require.NoError(t, err)
	assert.Equal(t, primary1, primary2)
	assert.Equal(t, expire1, expire2)
}

func TestChunkManagerExtendLeaseOnlyExtendsCurrentPrimary(t *testing.T) {
	cm := newChunkManager(newTestOpLog(t))
	handle, _, err := cm.AddChunk("/a", 0, testActive)
	require.NoError(t, err)

	primary, _, expire, err := cm.FindLeaseHolder(handle)
	require.NoError(t, err)

	cm.ExtendLease(handle, "not-the-primary:0")
	_, _, unchanged, err := cm.FindLeaseHolder(handle)
	require.NoError(t, err)
	assert.Equal(t, expire, unchanged)

	cm.ExtendLease(handle, primary)
	_, _, extended, err := cm.FindLeaseHolder(handle)
	require.NoError(t, err)
	assert.True(t, !extended.Before(expire))
}

func TestChunkManagerReportChunkUsesReverseMap(t *testing.T) {
	cm := newChunkManager(newTestOpLog(t))
	handle, _, err := cm.AddChunk("/a", 2, testActive)
	require.NoError(t, err)

	path, index, err := cm.GetPathIndexFromHandle(handle)
	require.NoError(t, err)
	assert.EqualValues(t, "/a", path)
	assert.EqualValues(t, 2, index)
}

func TestChunkManagerRemoveAndRegisterReplica(t *testing.T) {
	cm := newChunkManager(newTestOpLog(t))
	handle, replicas, err := cm.AddChunk("/a", 0, testActive)
	require.NoError(t, err)

	cm.RemoveReplica(handle, replicas[0])
	assert.Equal(t, gfs.DefaultNumReplicas-1, cm.ReplicaCount(handle))

	cm.RegisterReplica(handle, replicas[0])
	assert.Equal(t, gfs.DefaultNumReplicas, cm.ReplicaCount(handle))

	// idempotent
	cm.RegisterReplica(handle, replicas[0])
	assert.Equal(t, gfs.DefaultNumReplicas, cm.ReplicaCount(handle))
}

func TestChunkManagerReplayDropsReplicasButKeepsMapping(t *testing.T) {
	cm := newChunkManager(newTestOpLog(t))
	cm.replayAddChunk("/a", 0, 7, testActive, 7)

	assert.Empty(t, cm.Replicas(7))
	path, index, err := cm.GetPathIndexFromHandle(7)
	require.NoError(t, err)
	assert.EqualValues(t, "/a", path)
	assert.EqualValues(t, 0, index)
}
