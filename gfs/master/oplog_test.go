package master

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gfs"
)

func TestEncodeDecodeAddChunkRoundTrip(t *testing.T) {
	replicas := []gfs.ServerAddress{"cs1:1", "cs2:2", "cs3:3"}
	payload := encodeAddChunk("/a/b", 3, 42, replicas, 42)

	path, index, handle, decoded, counter, err := decodeAddChunk(payload)
	require.NoError(t, err)
	assert.EqualValues(t, "/a/b", path)
	assert.EqualValues(t, 3, index)
	assert.EqualValues(t, 42, handle)
	assert.EqualValues(t, 42, counter)
	assert.Equal(t, replicas, decoded)
}

func TestEncodeDecodeAddChunkEmptyReplicas(t *testing.T) {
	payload := encodeAddChunk("/a", 0, 1, nil, 1)
	_, _, _, replicas, _, err := decodeAddChunk(payload)
	require.NoError(t, err)
	assert.Empty(t, replicas)
}

func TestDecodeAddChunkRejectsMalformedPayload(t *testing.T) {
	_, _, _, _, _, err := decodeAddChunk("not;enough;fields")
	assert.Error(t, err)
}

func TestOpLogAppendIsLineOriented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.oplog")
	l, err := newOpLog(path)
	require.NoError(t, err)

	require.NoError(t, l.Append(opCreateFile, "/a"))
	require.NoError(t, l.Append(opCreateDir, "/b"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2|||/a\n3|||/b\n", string(data))
}

func TestReplayOpLogSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	oplogPath := filepath.Join(dir, "master.oplog")
	require.NoError(t, os.WriteFile(oplogPath, []byte("not-a-number|||garbage\n2|||/ok\n"), 0644))

	log, err := newOpLog(oplogPath)
	require.NoError(t, err)
	defer log.Close()

	m := &Master{
		oplogPath: oplogPath,
		log:       log,
		nm:        newNamespaceManager(log),
		cm:        newChunkManager(log),
		csm:       newChunkServerManager(),
	}
	require.NoError(t, m.replayOpLog())
	assert.True(t, m.nm.existsLocked("/ok"))
}
