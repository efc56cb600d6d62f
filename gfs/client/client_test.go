package client_test

import (
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gfs"
	"gfs/chunkserver"
	"gfs/client"
	"gfs/master"
)

func freeAddr(t *testing.T) gfs.ServerAddress {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return gfs.ServerAddress(addr)
}

// startCluster brings up a real master and gfs.DefaultNumReplicas
// chunkservers against temp directories, and waits for every
// chunkserver to have registered with the master before returning.
func startCluster(t *testing.T) (gfs.ServerAddress, []*chunkserver.ChunkServer) {
	t.Helper()
	masterAddr := freeAddr(t)
	m := master.NewAndServe(masterAddr, filepath.Join(t.TempDir(), "master"))
	t.Cleanup(m.Shutdown)

	var servers []*chunkserver.ChunkServer
	for i := 0; i < gfs.DefaultNumReplicas; i++ {
		addr := freeAddr(t)
		cs := chunkserver.NewAndServe(addr, masterAddr, filepath.Join(t.TempDir(), "cs"))
		t.Cleanup(cs.Shutdown)
		servers = append(servers, cs)
	}

	// NewAndServe registers synchronously (RPCNotifyMaster adds the
	// server to the master's active set before it returns); the short
	// sleep is only a safety margin before a client asks for active
	// addresses.
	time.Sleep(50 * time.Millisecond)
	return masterAddr, servers
}

func TestClientCreateWriteReadRoundTrip(t *testing.T) {
	masterAddr, _ := startCluster(t)
	c := client.NewClient(masterAddr)

	require.NoError(t, c.Create("/a"))
	require.NoError(t, c.Write("/a", 0, []byte("hello, gfs")))

	buf := make([]byte, 10)
	n, err := c.Read("/a", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello, gfs", string(buf[:n]))

	length, err := c.GetFileLength("/a")
	require.NoError(t, err)
	assert.EqualValues(t, 10, length)
}

func TestClientAppendIsAtomicAndSequential(t *testing.T) {
	masterAddr, _ := startCluster(t)
	c := client.NewClient(masterAddr)
	require.NoError(t, c.Create("/log"))

	off1, err := c.Append("/log", []byte("aaa"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, off1)

	off2, err := c.Append("/log", []byte("bb"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, off2)

	buf := make([]byte, 5)
	n, err := c.Read("/log", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "aaabb", string(buf[:n]))
}

func TestClientReadPastEndOfFileReturnsEOF(t *testing.T) {
	masterAddr, _ := startCluster(t)
	c := client.NewClient(masterAddr)
	require.NoError(t, c.Create("/a"))
	require.NoError(t, c.Write("/a", 0, []byte("short")))

	buf := make([]byte, 100)
	n, err := c.Read("/a", 0, buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "short", string(buf[:n]))
}

func TestClientMkdirAndList(t *testing.T) {
	masterAddr, _ := startCluster(t)
	c := client.NewClient(masterAddr)

	require.NoError(t, c.Mkdir("/dir"))
	require.NoError(t, c.Create("/dir/a"))
	require.NoError(t, c.Create("/dir/b"))

	files, err := c.List("/dir")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestClientDelete(t *testing.T) {
	masterAddr, _ := startCluster(t)
	c := client.NewClient(masterAddr)

	require.NoError(t, c.Create("/a"))
	require.NoError(t, c.Delete("/a"))

	_, err := c.GetFileLength("/a")
	assert.Error(t, err)
}

func TestClientWriteAtNonZeroOffsetOverwritesInPlace(t *testing.T) {
	masterAddr, _ := startCluster(t)
	c := client.NewClient(masterAddr)
	require.NoError(t, c.Create("/a"))

	require.NoError(t, c.Write("/a", 0, []byte("xxxxxxxxxx")))
	require.NoError(t, c.Write("/a", 3, []byte("YYY")))

	buf := make([]byte, 10)
	n, err := c.Read("/a", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "xxxYYYxxxx", string(buf[:n]))
}
