package master

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gfs"
)

func newTestOpLog(t *testing.T) *opLog {
	t.Helper()
	dir := t.TempDir()
	log, err := newOpLog(filepath.Join(dir, "master.oplog"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestNamespaceManagerCreate(t *testing.T) {
	nm := newNamespaceManager(newTestOpLog(t))

	require.NoError(t, nm.Create("/a"))
	assert.True(t, nm.existsLocked("/a"))

	err := nm.Create("/a")
	assert.Equal(t, gfs.FileAlreadyExists, gfs.Code(err))

	err = nm.Create("/missing/b")
	assert.Equal(t, gfs.PathNotFound, gfs.Code(err))
}

func TestNamespaceManagerCreateDirParentMustBeDir(t *testing.T) {
	nm := newNamespaceManager(newTestOpLog(t))
	require.NoError(t, nm.Create("/a"))

	err := nm.CreateDir("/a/b")
	assert.Equal(t, gfs.ParentIsNotDir, gfs.Code(err))
}

func TestNamespaceManagerList(t *testing.T) {
	nm := newNamespaceManager(newTestOpLog(t))
	require.NoError(t, nm.CreateDir("/dir"))
	require.NoError(t, nm.Create("/dir/a"))
	require.NoError(t, nm.Create("/dir/b"))
	require.NoError(t, nm.Create("/other"))

	files, err := nm.List("/dir")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestNamespaceManagerDelete(t *testing.T) {
	nm := newNamespaceManager(newTestOpLog(t))
	require.NoError(t, nm.CreateDir("/dir"))
	require.NoError(t, nm.Create("/dir/a"))

	_, err := nm.Delete("/dir")
	assert.Equal(t, gfs.DirIsNotEmpty, gfs.Code(err))

	wasFile, err := nm.Delete("/dir/a")
	require.NoError(t, err)
	assert.True(t, wasFile)

	wasFile, err = nm.Delete("/dir")
	require.NoError(t, err)
	assert.False(t, wasFile)
}

func TestNamespaceManagerSetFileLengthIsMonotonic(t *testing.T) {
	nm := newNamespaceManager(newTestOpLog(t))
	require.NoError(t, nm.Create("/a"))

	nm.SetFileLength("/a", 100)
	nm.SetFileLength("/a", 50)

	length, err := nm.GetFileLength("/a")
	require.NoError(t, err)
	assert.EqualValues(t, 100, length)
}

func TestNamespaceManagerRestartsFromOpLog(t *testing.T) {
	dir := t.TempDir()
	oplogPath := filepath.Join(dir, "master.oplog")

	log1, err := newOpLog(oplogPath)
	require.NoError(t, err)
	nm1 := newNamespaceManager(log1)
	require.NoError(t, nm1.CreateDir("/dir"))
	require.NoError(t, nm1.Create("/dir/a"))
	require.NoError(t, log1.Close())

	_, err = os.Stat(oplogPath)
	require.NoError(t, err)

	log2, err := newOpLog(oplogPath)
	require.NoError(t, err)
	defer log2.Close()

	m := &Master{
		oplogPath: oplogPath,
		log:       log2,
		nm:        newNamespaceManager(log2),
		cm:        newChunkManager(log2),
		csm:       newChunkServerManager(),
	}
	require.NoError(t, m.replayOpLog())

	assert.True(t, m.nm.existsLocked("/dir"))
	assert.True(t, m.nm.existsLocked("/dir/a"))
}
