package chunkserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"gfs"
	"gfs/util"
)

// ChunkServer holds a subset of the chunks in the system, identified by
// handle. It never knows a chunk's owning path or index itself; the
// master's reverse map is authoritative for that (§9), so this only
// ever reports handle, address and observed length.
type ChunkServer struct {
	address    gfs.ServerAddress
	master     gfs.ServerAddress
	serverRoot string
	l          net.Listener
	shutdown   chan struct{}

	dl                     *downloadBuffer
	pendingLeaseExtensions *util.ArraySet

	mu    sync.Mutex // serializes every mutating chunk operation (§5)
	chunk map[gfs.ChunkHandle]*chunkInfo
	dead  bool
}

type chunkInfo struct {
	length gfs.Offset
}

const chunkIndexFile = "CHUNKS.idx"

// NewAndServe starts a chunkserver and returns a pointer to it.
func NewAndServe(addr, masterAddr gfs.ServerAddress, serverRoot string) *ChunkServer {
	cs := &ChunkServer{
		address:                addr,
		master:                 masterAddr,
		serverRoot:             serverRoot,
		shutdown:               make(chan struct{}),
		dl:                     newDownloadBuffer(gfs.DownloadBufferExpire, gfs.DownloadBufferTick),
		pendingLeaseExtensions: new(util.ArraySet),
		chunk:                  make(map[gfs.ChunkHandle]*chunkInfo),
	}

	if err := os.MkdirAll(serverRoot, 0755); err != nil {
		log.Fatalf("chunkserver: mkdir %v: %v", serverRoot, err)
	}
	cs.loadChunkIndex()

	rpcs := rpc.NewServer()
	rpcs.Register(cs)
	l, err := net.Listen("tcp", string(addr))
	if err != nil {
		log.Fatalf("chunkserver: listen error: %v", err)
	}
	cs.l = l

	if err := util.Call(masterAddr, "Master.RPCNotifyMaster", gfs.NotifyMasterArg{Address: addr}, nil); err != nil {
		log.Warningf("chunkserver: notify master failed: %v", err)
	}

	go cs.serveLoop(rpcs)

	log.Infof("chunkserver is now running. addr = %v, root = %v, master = %v", addr, serverRoot, masterAddr)
	return cs
}

func (cs *ChunkServer) serveLoop(rpcs *rpc.Server) {
	for {
		select {
		case <-cs.shutdown:
			return
		default:
		}
		conn, err := cs.l.Accept()
		if err != nil {
			select {
			case <-cs.shutdown:
				return
			default:
				continue
			}
		}
		go func() {
			rpcs.ServeConn(conn)
			conn.Close()
		}()
	}
}

// Shutdown shuts the chunkserver down.
func (cs *ChunkServer) Shutdown() {
	log.Warning(cs.address, " shutdown")
	close(cs.shutdown)
	cs.l.Close()
	cs.dead = true
}

// ---- pending-data staging ----

// RPCPushData stages bytes a client will later commit with write or
// append. The client calls this on every replica directly, not just the
// primary (§4.6).
func (cs *ChunkServer) RPCPushData(args gfs.PushDataArg, reply *gfs.PushDataReply) error {
	if len(args.Data) > gfs.MaxChunkSize {
		return fmt.Errorf("data too large: %v > %v", len(args.Data), gfs.MaxChunkSize)
	}
	cs.dl.Set(args.ID, args.Data)
	return nil
}

// ---- chunk lifecycle ----

// RPCCreateChunk is called by the master when a new chunk is allocated.
func (cs *ChunkServer) RPCCreateChunk(args gfs.CreateChunkArg, reply *gfs.CreateChunkReply) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.chunk[args.Handle]; ok {
		return nil
	}
	cs.chunk[args.Handle] = &chunkInfo{}

	f, err := os.OpenFile(cs.chunkFilename(args.Handle), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	f.Close()

	cs.persistChunkIndexLocked()
	log.Infof("%v: created chunk %v", cs.address, args.Handle)
	return nil
}

// RPCReadChunk returns up to args.Length bytes starting at args.Offset.
func (cs *ChunkServer) RPCReadChunk(args gfs.ReadChunkArg, reply *gfs.ReadChunkReply) error {
	cs.mu.Lock()
	_, ok := cs.chunk[args.Handle]
	cs.mu.Unlock()
	if !ok {
		return gfs.NewError(gfs.ChunkHandleNotFound, fmt.Sprintf("%v", args.Handle))
	}

	buf := make([]byte, args.Length)
	n, err := cs.readChunkFile(args.Handle, args.Offset, buf)
	if err == io.EOF {
		reply.Data = buf[:n]
		reply.Length = n
		reply.ErrorCode = gfs.ReadEOF
		return nil
	}
	if err != nil {
		return err
	}
	reply.Data = buf[:n]
	reply.Length = n
	return nil
}

// RPCWriteChunk is called on the primary by the client. The primary
// applies the mutation at the client-supplied offset locally, then fans
// the same offset out to every secondary.
func (cs *ChunkServer) RPCWriteChunk(args gfs.WriteChunkArg, reply *gfs.WriteChunkReply) error {
	data, err := cs.takeStaged(args.DataID)
	if err != nil {
		return err
	}

	newLen := args.Offset + gfs.Offset(len(data))
	if newLen > gfs.MaxChunkSize {
		return gfs.NewError(gfs.AppendExceedChunkSize, "write exceeds chunk size")
	}

	handle := args.DataID.Handle
	if err := cs.applyLocally(handle, data, args.Offset); err != nil {
		return err
	}

	mutArgs := gfs.ApplyMutationArg{
		Mtype:      gfs.MutationWrite,
		DataID:     args.DataID,
		Path:       args.Path,
		ChunkIndex: args.ChunkIndex,
		Offset:     args.Offset,
	}
	if err := util.CallAll(args.Secondaries, "ChunkServer.RPCApplyMutation", mutArgs); err != nil {
		return err
	}

	cs.pendingLeaseExtensions.Add(handle)
	cs.reportChunk(handle)
	return nil
}

// RPCAppendChunk is called on the primary by the client to perform an
// atomic record append (§4.6). The primary, not the client, decides the
// offset: the current chunk length. If the append would overflow the
// chunk, the primary pads the chunk to MaxChunkSize instead and reports
// AppendExceedChunkSize so the client retries on the next chunk.
func (cs *ChunkServer) RPCAppendChunk(args gfs.AppendChunkArg, reply *gfs.AppendChunkReply) error {
	data, err := cs.takeStaged(args.DataID)
	if err != nil {
		return err
	}
	if len(data) > gfs.MaxAppendSize {
		return fmt.Errorf("append size %v exceeds max append size %v", len(data), gfs.MaxAppendSize)
	}

	handle := args.DataID.Handle

	cs.mu.Lock()
	ck, ok := cs.chunk[handle]
	if !ok {
		cs.mu.Unlock()
		return gfs.NewError(gfs.ChunkHandleNotFound, fmt.Sprintf("%v", handle))
	}
	offset := ck.length
	mtype := gfs.MutationAppend
	if offset+gfs.Offset(len(data)) > gfs.MaxChunkSize {
		mtype = gfs.MutationPad
		ck.length = gfs.MaxChunkSize
		reply.ErrorCode = gfs.AppendExceedChunkSize
	} else {
		ck.length = offset + gfs.Offset(len(data))
	}
	cs.mu.Unlock()

	if mtype == gfs.MutationPad {
		if err := cs.padLocally(handle); err != nil {
			return err
		}
		data = nil
	} else if err := cs.applyLocally(handle, data, offset); err != nil {
		return err
	}

	reply.Offset = offset
	mutArgs := gfs.ApplyMutationArg{
		Mtype:      mtype,
		DataID:     args.DataID,
		Path:       args.Path,
		ChunkIndex: args.ChunkIndex,
		Offset:     offset,
	}
	if err := util.CallAll(args.Secondaries, "ChunkServer.RPCApplyMutation", mutArgs); err != nil {
		return err
	}

	cs.pendingLeaseExtensions.Add(handle)
	cs.reportChunk(handle)
	return nil
}

// RPCApplyMutation is called on a secondary by the primary, once the
// primary has already decided the offset for a write or append.
func (cs *ChunkServer) RPCApplyMutation(args gfs.ApplyMutationArg, reply *gfs.ApplyMutationReply) error {
	handle := args.DataID.Handle

	if args.Mtype == gfs.MutationPad {
		if err := cs.padLocally(handle); err != nil {
			return err
		}
	} else {
		data, err := cs.takeStaged(args.DataID)
		if err != nil {
			return err
		}
		if err := cs.applyLocally(handle, data, args.Offset); err != nil {
			return err
		}
	}

	cs.reportChunk(handle)
	return nil
}

func (cs *ChunkServer) takeStaged(id gfs.DataBufferID) ([]byte, error) {
	data, ok := cs.dl.Get(id)
	if !ok {
		return nil, gfs.NewError(gfs.DataNotInMemory, fmt.Sprintf("%v", id))
	}
	cs.dl.Delete(id)
	return data, nil
}

func (cs *ChunkServer) applyLocally(handle gfs.ChunkHandle, data []byte, offset gfs.Offset) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ck, ok := cs.chunk[handle]
	if !ok {
		return gfs.NewError(gfs.ChunkHandleNotFound, fmt.Sprintf("%v", handle))
	}
	newLen := offset + gfs.Offset(len(data))
	if newLen > ck.length {
		ck.length = newLen
	}

	if err := cs.writeChunkFile(handle, data, offset); err != nil {
		return err
	}
	cs.persistChunkIndexLocked()
	return nil
}

func (cs *ChunkServer) padLocally(handle gfs.ChunkHandle) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ck, ok := cs.chunk[handle]
	if !ok {
		return gfs.NewError(gfs.ChunkHandleNotFound, fmt.Sprintf("%v", handle))
	}
	ck.length = gfs.MaxChunkSize

	if err := cs.writeChunkFile(handle, []byte{0}, gfs.MaxChunkSize-1); err != nil {
		return err
	}
	cs.persistChunkIndexLocked()
	return nil
}

// reportChunk tells the master about this chunkserver's observed length
// for handle; best-effort, logged on failure rather than propagated,
// since the client already has what it needs from the RPC reply.
func (cs *ChunkServer) reportChunk(handle gfs.ChunkHandle) {
	cs.mu.Lock()
	ck, ok := cs.chunk[handle]
	cs.mu.Unlock()
	if !ok {
		return
	}
	args := gfs.ReportChunkArg{Address: cs.address, Handle: handle, Length: int64(ck.length)}
	if err := util.Call(cs.master, "Master.RPCReportChunk", args, nil); err != nil {
		log.Warningf("%v: report chunk %v failed: %v", cs.address, handle, err)
	}
}

// ---- re-replication ----

// RPCOrderChunkCopyFromPeer is called by the master on the destination
// of a re-replication: this chunkserver pulls handle's bytes from peer,
// persists them locally, and reports the new replica to the master
// itself (§4.5, §9).
func (cs *ChunkServer) RPCOrderChunkCopyFromPeer(args gfs.OrderChunkCopyFromPeerArg, reply *gfs.OrderChunkCopyFromPeerReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), gfs.ChunkCopyTimeout)
	defer cancel()

	var info gfs.GetChunkInfoFromPeerReply
	if err := util.CallWithTimeout(ctx, args.Peer, "ChunkServer.RPCGetChunkInfoFromPeer", gfs.GetChunkInfoFromPeerArg{Handle: args.Handle}, &info); err != nil {
		return err
	}

	var rd gfs.ReadChunkReply
	readArgs := gfs.ReadChunkArg{Handle: args.Handle, Offset: 0, Length: int(info.Length)}
	if err := util.CallWithTimeout(ctx, args.Peer, "ChunkServer.RPCReadChunk", readArgs, &rd); err != nil {
		return err
	}

	if err := cs.stageCopy(args.Handle, rd.Data); err != nil {
		return err
	}

	cs.mu.Lock()
	if _, ok := cs.chunk[args.Handle]; !ok {
		cs.chunk[args.Handle] = &chunkInfo{}
	}
	cs.chunk[args.Handle].length = gfs.Offset(rd.Length)
	cs.mu.Unlock()
	cs.persistChunkIndex()

	log.Infof("%v: copied chunk %v from %v", cs.address, args.Handle, args.Peer)
	cs.reportChunk(args.Handle)
	return nil
}

// stageCopy writes a fetched chunk's bytes to a uniquely named temp file
// under serverRoot and renames it into place, so a reader never
// observes a chunk file that is only partially written by a concurrent
// re-replication copy.
func (cs *ChunkServer) stageCopy(handle gfs.ChunkHandle, data []byte) error {
	tmp := filepath.Join(cs.serverRoot, fmt.Sprintf("tmp-%s", uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, cs.chunkFilename(handle))
}

// RPCGetChunkInfoFromPeer is called by the destination of a
// re-replication copy to learn how many bytes to fetch.
func (cs *ChunkServer) RPCGetChunkInfoFromPeer(args gfs.GetChunkInfoFromPeerArg, reply *gfs.GetChunkInfoFromPeerReply) error {
	cs.mu.Lock()
	ck, ok := cs.chunk[args.Handle]
	cs.mu.Unlock()
	if !ok {
		return gfs.NewError(gfs.ChunkHandleNotFound, fmt.Sprintf("%v", args.Handle))
	}
	reply.Length = int64(ck.length)
	return nil
}

// ---- master-initiated probe (§4.7) ----

// RPCProbe answers the master's heartbeat probe: it deletes any chunks
// the master has garbage-collected and reports every lease extension
// this chunkserver has accumulated as a primary since the last probe.
func (cs *ChunkServer) RPCProbe(args gfs.ProbeArg, reply *gfs.ProbeReply) error {
	for _, handle := range args.ChunksToDelete {
		cs.deleteChunk(handle)
	}

	pending := cs.pendingLeaseExtensions.GetAllAndClear()
	extensions := make([]gfs.ChunkHandle, 0, len(pending))
	for _, v := range pending {
		extensions = append(extensions, v.(gfs.ChunkHandle))
	}
	reply.LeaseExtensions = extensions
	return nil
}

// RPCDeleteBadChunk removes a chunk the master has explicitly condemned,
// e.g. one left behind on a server that missed mutations while
// partitioned.
func (cs *ChunkServer) RPCDeleteBadChunk(args gfs.DeleteBadChunkArg, reply *gfs.DeleteBadChunkReply) error {
	cs.deleteChunk(args.Handle)
	return nil
}

func (cs *ChunkServer) deleteChunk(handle gfs.ChunkHandle) {
	cs.mu.Lock()
	delete(cs.chunk, handle)
	cs.persistChunkIndexLocked()
	cs.mu.Unlock()

	if err := os.Remove(cs.chunkFilename(handle)); err != nil && !os.IsNotExist(err) {
		log.Warningf("%v: delete chunk %v: %v", cs.address, handle, err)
	}
}

// RPCGetChunkHandles returns every handle this chunkserver currently
// holds, used by administrative tooling.
func (cs *ChunkServer) RPCGetChunkHandles(args gfs.GetChunkHandlesArg, reply *gfs.GetChunkHandlesReply) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	handles := make([]gfs.ChunkHandle, 0, len(cs.chunk))
	for h := range cs.chunk {
		handles = append(handles, h)
	}
	reply.Handles = handles
	return nil
}

// ---- disk I/O ----

func (cs *ChunkServer) chunkFilename(handle gfs.ChunkHandle) string {
	return filepath.Join(cs.serverRoot, fmt.Sprintf("chunk_%v.data", handle))
}

// writeChunkFile writes data at offset without ever truncating the
// file: a chunk can only grow or be overwritten in place.
func (cs *ChunkServer) writeChunkFile(handle gfs.ChunkHandle, data []byte, offset gfs.Offset) error {
	f, err := os.OpenFile(cs.chunkFilename(handle), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(data, int64(offset))
	return err
}

func (cs *ChunkServer) readChunkFile(handle gfs.ChunkHandle, offset gfs.Offset, data []byte) (int, error) {
	f, err := os.Open(cs.chunkFilename(handle))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(data, int64(offset))
}

// ---- CHUNKS.idx persistence (supplements §4 with crash recovery for
// the chunkserver's own chunk set, mirroring the master's oplog) ----

func (cs *ChunkServer) loadChunkIndex() {
	f, err := os.Open(filepath.Join(cs.serverRoot, chunkIndexFile))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warningf("chunkserver: load %v: %v", chunkIndexFile, err)
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		n, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			log.Warningf("chunkserver: skip malformed chunk index line %q", line)
			continue
		}
		handle := gfs.ChunkHandle(n)
		info, statErr := os.Stat(cs.chunkFilename(handle))
		length := gfs.Offset(0)
		if statErr == nil {
			length = gfs.Offset(info.Size())
		}
		cs.chunk[handle] = &chunkInfo{length: length}
	}
}

func (cs *ChunkServer) persistChunkIndex() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.persistChunkIndexLocked()
}

func (cs *ChunkServer) persistChunkIndexLocked() {
	f, err := os.Create(filepath.Join(cs.serverRoot, chunkIndexFile))
	if err != nil {
		log.Warningf("chunkserver: persist %v: %v", chunkIndexFile, err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for h := range cs.chunk {
		fmt.Fprintf(w, "%d\n", h)
	}
	w.Flush()
	f.Sync()
}
