package util

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/rpc"
	"time"

	"gfs"
)

// Call is RPC call helper
func Call(srv gfs.ServerAddress, rpcname string, args interface{}, reply interface{}) error {
	c, errx := rpc.Dial("tcp", string(srv))
	if errx != nil {
		return errx
	}
	defer c.Close()

	err := c.Call(rpcname, args, reply)
	if err != nil {
		return err
	}

	return nil
}

// CallWithTimeout is Call, but the dial and the RPC round-trip together
// must complete before ctx is done — used on the peer-to-peer copy path
// during re-replication, where a stalled source must not block the
// destination's copy goroutine indefinitely.
func CallWithTimeout(ctx context.Context, srv gfs.ServerAddress, rpcname string, args interface{}, reply interface{}) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", string(srv))
	if err != nil {
		return err
	}
	c := rpc.NewClient(conn)
	defer c.Close()

	call := c.Go(rpcname, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		return res.Error
	}
}

// CallAll applies the rpc call to all destinations.
func CallAll(dst []gfs.ServerAddress, rpcname string, args interface{}) (err error) {
	ch := make(chan error)
	for _, d := range dst {
		go func(addr gfs.ServerAddress) {
			ch <- Call(addr, rpcname, args, nil)
		}(d)
	}
	for range dst {
		if e := <-ch; e != nil {
			err = e
		}
	}
	return
}

// Sample randomly chooses k elements from {0, 1, ..., n-1}. n should not
// be less than k. Each call uses its own PRNG seeded off the current
// time, so repeated calls with the same (n, k) do not produce the same
// permutation — placement and re-replication decisions must not share
// state across calls.
func Sample(n, k int) ([]int, error) {
	if n < k {
		return nil, fmt.Errorf("population is not enough for sampling (n = %d, k = %d)", n, k)
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return r.Perm(n)[:k], nil
}

// SampleAddresses returns k distinct addresses drawn uniformly at random
// from pool, or fewer if len(pool) < k (the caller must tolerate a short
// replica set, per spec).
func SampleAddresses(pool []gfs.ServerAddress, k int) []gfs.ServerAddress {
	if k > len(pool) {
		k = len(pool)
	}
	if k == 0 {
		return nil
	}
	idx, err := Sample(len(pool), k)
	if err != nil {
		return nil
	}
	ret := make([]gfs.ServerAddress, k)
	for i, v := range idx {
		ret[i] = pool[v]
	}
	return ret
}
