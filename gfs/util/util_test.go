package util

import (
	"context"
	"net"
	"net/rpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gfs"
)

type echoService struct{}

func (echoService) Echo(arg string, reply *string) error {
	*reply = arg
	return nil
}

func startEchoServer(t *testing.T) gfs.ServerAddress {
	t.Helper()
	rpcs := rpc.NewServer()
	require.NoError(t, rpcs.RegisterName("echoService", echoService{}))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go rpcs.ServeConn(conn)
		}
	}()
	return gfs.ServerAddress(l.Addr().String())
}

func TestCallWithTimeoutSucceeds(t *testing.T) {
	addr := startEchoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var reply string
	require.NoError(t, CallWithTimeout(ctx, addr, "echoService.Echo", "hi", &reply))
	assert.Equal(t, "hi", reply)
}

func TestCallWithTimeoutExpires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	var reply string
	err := CallWithTimeout(ctx, "127.0.0.1:1", "echoService.Echo", "hi", &reply)
	assert.Error(t, err)
}

func TestSampleDistinctWithinRange(t *testing.T) {
	idx, err := Sample(10, 4)
	assert.NoError(t, err)
	assert.Len(t, idx, 4)

	seen := make(map[int]bool)
	for _, v := range idx {
		assert.False(t, seen[v])
		assert.True(t, v >= 0 && v < 10)
		seen[v] = true
	}
}

func TestSamplePopulationTooSmall(t *testing.T) {
	_, err := Sample(2, 5)
	assert.Error(t, err)
}

func TestSampleAddressesTruncatesToPoolSize(t *testing.T) {
	pool := []gfs.ServerAddress{"a:1", "b:2"}
	got := SampleAddresses(pool, 5)
	assert.Len(t, got, 2)
	assert.ElementsMatch(t, pool, got)
}

func TestSampleAddressesZero(t *testing.T) {
	pool := []gfs.ServerAddress{"a:1", "b:2"}
	assert.Nil(t, SampleAddresses(pool, 0))
}

func TestSampleAddressesDistinct(t *testing.T) {
	pool := []gfs.ServerAddress{"a:1", "b:2", "c:3", "d:4"}
	got := SampleAddresses(pool, 3)
	assert.Len(t, got, 3)

	seen := make(map[gfs.ServerAddress]bool)
	for _, a := range got {
		assert.False(t, seen[a])
		seen[a] = true
	}
}
