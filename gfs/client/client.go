package client

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gfs"
	"gfs/util"
)

// Client is the GFS client-side driver. It never talks to chunkservers
// on behalf of metadata operations, and file data never flows through
// the master: data operations ask the master only for file info, chunk
// handles, replica locations and lease holders (§4.6). The split is what
// lets chunkservers absorb the read/write bandwidth instead of the master.
type Client struct {
	master   gfs.ServerAddress
	clientID gfs.ClientID

	locMu    sync.RWMutex
	locCache map[pathIndex]locationCacheEntry

	leaseMu    sync.RWMutex
	leaseCache map[gfs.ChunkHandle]leaseCacheEntry
}

type pathIndex struct {
	path  gfs.Path
	index gfs.ChunkIndex
}

type locationCacheEntry struct {
	handle   gfs.ChunkHandle
	replicas []gfs.ServerAddress
	expire   time.Time
}

type leaseCacheEntry struct {
	primary     gfs.ServerAddress
	secondaries []gfs.ServerAddress
	expire      time.Time
}

// NewClient returns a new gfs client, registered with the master under
// a freshly granted client ID.
func NewClient(master gfs.ServerAddress) *Client {
	c := &Client{
		master:     master,
		locCache:   make(map[pathIndex]locationCacheEntry),
		leaseCache: make(map[gfs.ChunkHandle]leaseCacheEntry),
	}

	var reply gfs.UniqueClientIDReply
	if err := util.Call(master, "Master.RPCUniqueClientID", struct{}{}, &reply); err != nil {
		log.Fatalf("client: could not obtain a client id: %v", err)
	}
	c.clientID = reply.ClientID
	return c
}

// Create creates a file.
func (c *Client) Create(path gfs.Path) error {
	var reply gfs.CreateFileReply
	return util.Call(c.master, "Master.RPCCreateFile", gfs.CreateFileArg{Path: path}, &reply)
}

// Mkdir creates a directory.
func (c *Client) Mkdir(path gfs.Path) error {
	var reply gfs.CreateDirReply
	return util.Call(c.master, "Master.RPCCreateDir", gfs.CreateDirArg{Path: path}, &reply)
}

// Delete deletes a file.
func (c *Client) Delete(path gfs.Path) error {
	var reply gfs.DeleteFileReply
	return util.Call(c.master, "Master.RPCDeleteFile", gfs.DeleteFileArg{Path: path}, &reply)
}

// List lists every entry directly under path.
func (c *Client) List(path gfs.Path) ([]gfs.PathInfo, error) {
	var reply gfs.ListReply
	err := util.Call(c.master, "Master.RPCList", gfs.ListArg{Path: path}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Files, nil
}

// GetFileLength returns the current length of path.
func (c *Client) GetFileLength(path gfs.Path) (int64, error) {
	var reply gfs.GetFileInfoReply
	err := util.Call(c.master, "Master.RPCGetFileInfo", gfs.GetFileInfoArg{Path: path}, &reply)
	if err != nil {
		return 0, err
	}
	return reply.Length, nil
}

// Read reads up to len(data) bytes from path starting at offset. It
// returns io.EOF once it reaches the end of the file, same as io.Reader.
func (c *Client) Read(path gfs.Path, offset gfs.Offset, data []byte) (n int, err error) {
	var info gfs.GetFileInfoReply
	if err = util.Call(c.master, "Master.RPCGetFileInfo", gfs.GetFileInfoArg{Path: path}, &info); err != nil {
		return 0, err
	}
	if int64(offset)/gfs.MaxChunkSize > info.Chunks {
		return 0, fmt.Errorf("read offset %v exceeds file size", offset)
	}

	pos := 0
	for pos < len(data) {
		index := gfs.ChunkIndex(int64(offset) / gfs.MaxChunkSize)
		chunkOffset := offset % gfs.MaxChunkSize

		handle, _, err := c.getChunkHandle(path, index)
		if err != nil {
			return pos, err
		}

		n, err := c.readChunkRetry(handle, chunkOffset, data[pos:])
		pos += n
		offset += gfs.Offset(n)
		if err != nil {
			if gfs.Code(err) == gfs.ReadEOF {
				return pos, io.EOF
			}
			return pos, err
		}
		if n == 0 {
			break
		}
	}
	return pos, nil
}

// Write writes data to path starting at offset, spanning as many chunks
// as necessary.
func (c *Client) Write(path gfs.Path, offset gfs.Offset, data []byte) error {
	begin := 0
	for begin < len(data) {
		index := gfs.ChunkIndex(int64(offset) / gfs.MaxChunkSize)
		chunkOffset := offset % gfs.MaxChunkSize

		handle, _, err := c.getChunkHandle(path, index)
		if err != nil {
			return err
		}

		writeMax := int(gfs.MaxChunkSize - chunkOffset)
		writeLen := len(data) - begin
		if writeLen > writeMax {
			writeLen = writeMax
		}

		if err := c.writeChunkRetry(path, index, handle, chunkOffset, data[begin:begin+writeLen]); err != nil {
			return err
		}

		offset += gfs.Offset(writeLen)
		begin += writeLen
	}
	return nil
}

// Append atomically appends data to path and returns the offset at
// which it landed. If a chunk cannot fit the append, the client retries
// on the next chunk (§4.6, §7).
func (c *Client) Append(path gfs.Path, data []byte) (offset gfs.Offset, err error) {
	if len(data) > gfs.MaxAppendSize {
		return 0, fmt.Errorf("len(data) = %v exceeds max append size %v", len(data), gfs.MaxAppendSize)
	}

	var info gfs.GetFileInfoReply
	if err = util.Call(c.master, "Master.RPCGetFileInfo", gfs.GetFileInfoArg{Path: path}, &info); err != nil {
		return 0, err
	}

	var index gfs.ChunkIndex
	if info.Chunks > 0 {
		index = gfs.ChunkIndex(info.Chunks - 1)
	}

	for {
		handle, _, gerr := c.getChunkHandle(path, index)
		if gerr != nil {
			return 0, gerr
		}

		var chunkOffset gfs.Offset
		chunkOffset, err = c.appendChunkRetry(path, index, handle, data)
		if err == nil {
			offset = gfs.Offset(index)*gfs.MaxChunkSize + chunkOffset
			return offset, nil
		}
		if gfs.Code(err) != gfs.AppendExceedChunkSize {
			return 0, err
		}

		log.Infof("client: chunk %v full, retrying append on next chunk", handle)
		index++
	}
}

// getChunkHandle resolves (path, index) to a handle and its replica
// set, consulting the client's location cache first (§4.6).
func (c *Client) getChunkHandle(path gfs.Path, index gfs.ChunkIndex) (gfs.ChunkHandle, []gfs.ServerAddress, error) {
	key := pathIndex{path, index}

	c.locMu.RLock()
	entry, ok := c.locCache[key]
	c.locMu.RUnlock()
	if ok && time.Now().Before(entry.expire) {
		return entry.handle, entry.replicas, nil
	}

	var hr gfs.GetChunkHandleReply
	if err := util.Call(c.master, "Master.RPCGetChunkHandle", gfs.GetChunkHandleArg{Path: path, Index: index}, &hr); err != nil {
		return 0, nil, err
	}

	var rr gfs.GetReplicasReply
	if err := util.Call(c.master, "Master.RPCGetReplicas", gfs.GetReplicasArg{Handle: hr.Handle}, &rr); err != nil {
		return 0, nil, err
	}

	c.locMu.Lock()
	c.locCache[key] = locationCacheEntry{
		handle:   hr.Handle,
		replicas: rr.Locations,
		expire:   time.Now().Add(gfs.LocationCacheExpire),
	}
	c.locMu.Unlock()

	return hr.Handle, rr.Locations, nil
}

// findLeaseHolder resolves handle to its current primary and
// secondaries, consulting the client's lease cache first.
func (c *Client) findLeaseHolder(handle gfs.ChunkHandle) (primary gfs.ServerAddress, secondaries []gfs.ServerAddress, err error) {
	c.leaseMu.RLock()
	entry, ok := c.leaseCache[handle]
	c.leaseMu.RUnlock()
	if ok && time.Now().Before(entry.expire) {
		return entry.primary, entry.secondaries, nil
	}

	var reply gfs.GetPrimaryAndSecondariesReply
	if err := util.Call(c.master, "Master.RPCGetPrimaryAndSecondaries", gfs.GetPrimaryAndSecondariesArg{Handle: handle}, &reply); err != nil {
		return "", nil, err
	}

	c.leaseMu.Lock()
	c.leaseCache[handle] = leaseCacheEntry{
		primary:     reply.Primary,
		secondaries: reply.Secondaries,
		expire:      reply.Expire,
	}
	c.leaseMu.Unlock()

	return reply.Primary, reply.Secondaries, nil
}

// readChunk reads data at offset from handle, picking a replica at
// random (any replica, not just the primary, can serve a read).
func (c *Client) readChunk(handle gfs.ChunkHandle, offset gfs.Offset, data []byte) (int, error) {
	readLen := len(data)
	if gfs.Offset(readLen) > gfs.MaxChunkSize-offset {
		readLen = int(gfs.MaxChunkSize - offset)
	}

	var rr gfs.GetReplicasReply
	if err := util.Call(c.master, "Master.RPCGetReplicas", gfs.GetReplicasArg{Handle: handle}, &rr); err != nil {
		return 0, err
	}
	if len(rr.Locations) == 0 {
		return 0, gfs.NewError(gfs.NoChunkServerAlive, "")
	}
	loc := rr.Locations[rand.Intn(len(rr.Locations))]

	var reply gfs.ReadChunkReply
	args := gfs.ReadChunkArg{Handle: handle, Offset: offset, Length: readLen}
	if err := util.Call(loc, "ChunkServer.RPCReadChunk", args, &reply); err != nil {
		return 0, err
	}
	copy(data, reply.Data)
	if reply.ErrorCode == gfs.ReadEOF {
		return reply.Length, gfs.NewError(gfs.ReadEOF, "read EOF")
	}
	return reply.Length, nil
}

func (c *Client) readChunkRetry(handle gfs.ChunkHandle, offset gfs.Offset, data []byte) (n int, err error) {
	for attempt := 0; attempt < gfs.ClientRetryLimit; attempt++ {
		n, err = c.readChunk(handle, offset, data)
		if err == nil || gfs.Code(err) == gfs.ReadEOF {
			return n, err
		}
		log.Warningf("client: read chunk %v failed, retrying: %v", handle, err)
	}
	return n, err
}

// newDataID stamps a pending-data entry with the current time, so
// concurrent pushes by this client for the same chunk never collide.
func (c *Client) newDataID(handle gfs.ChunkHandle) gfs.DataBufferID {
	return gfs.DataBufferID{Handle: handle, ClientID: c.clientID, Timestamp: time.Now().UnixNano()}
}

// pushDataAll stages data on every replica directly (§4.6 step 3): the
// client never relies on the primary to forward bytes onward.
func (c *Client) pushDataAll(id gfs.DataBufferID, data []byte, replicas []gfs.ServerAddress) error {
	return util.CallAll(replicas, "ChunkServer.RPCPushData", gfs.PushDataArg{ID: id, Data: data})
}

func (c *Client) writeChunk(path gfs.Path, index gfs.ChunkIndex, handle gfs.ChunkHandle, offset gfs.Offset, data []byte) error {
	if int64(offset)+int64(len(data)) > gfs.MaxChunkSize {
		return fmt.Errorf("len(data)+offset = %v exceeds max chunk size %v", int64(offset)+int64(len(data)), gfs.MaxChunkSize)
	}

	primary, secondaries, err := c.findLeaseHolder(handle)
	if err != nil {
		return err
	}

	id := c.newDataID(handle)
	all := append([]gfs.ServerAddress{primary}, secondaries...)
	if err := c.pushDataAll(id, data, all); err != nil {
		return err
	}

	args := gfs.WriteChunkArg{
		DataID:      id,
		Path:        path,
		ChunkIndex:  index,
		Offset:      offset,
		Secondaries: secondaries,
	}
	var reply gfs.WriteChunkReply
	return util.Call(primary, "ChunkServer.RPCWriteChunk", args, &reply)
}

func (c *Client) writeChunkRetry(path gfs.Path, index gfs.ChunkIndex, handle gfs.ChunkHandle, offset gfs.Offset, data []byte) (err error) {
	for attempt := 0; attempt < gfs.ClientRetryLimit; attempt++ {
		if err = c.writeChunk(path, index, handle, offset, data); err == nil {
			return nil
		}
		log.Warningf("client: write chunk %v failed, retrying: %v", handle, err)
	}
	return err
}

func (c *Client) appendChunk(path gfs.Path, index gfs.ChunkIndex, handle gfs.ChunkHandle, data []byte) (gfs.Offset, error) {
	primary, secondaries, err := c.findLeaseHolder(handle)
	if err != nil {
		return 0, err
	}

	id := c.newDataID(handle)
	all := append([]gfs.ServerAddress{primary}, secondaries...)
	if err := c.pushDataAll(id, data, all); err != nil {
		return 0, err
	}

	args := gfs.AppendChunkArg{
		DataID:      id,
		Path:        path,
		ChunkIndex:  index,
		Secondaries: secondaries,
	}
	var reply gfs.AppendChunkReply
	if err := util.Call(primary, "ChunkServer.RPCAppendChunk", args, &reply); err != nil {
		return 0, err
	}
	if reply.ErrorCode == gfs.AppendExceedChunkSize {
		return reply.Offset, gfs.NewError(gfs.AppendExceedChunkSize, "append exceeds chunk size")
	}
	return reply.Offset, nil
}

func (c *Client) appendChunkRetry(path gfs.Path, index gfs.ChunkIndex, handle gfs.ChunkHandle, data []byte) (offset gfs.Offset, err error) {
	for attempt := 0; attempt < gfs.ClientRetryLimit; attempt++ {
		offset, err = c.appendChunk(path, index, handle, data)
		if err == nil || gfs.Code(err) == gfs.AppendExceedChunkSize {
			return offset, err
		}
		log.Warningf("client: append chunk %v failed, retrying: %v", handle, err)
	}
	return offset, err
}
