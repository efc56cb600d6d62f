// Package master implements the GFS-style master: namespace and chunk
// metadata, the operation log that makes it crash-recoverable, lease
// issuance, and the heartbeat-driven re-replication loop.
package master

import (
	"context"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gfs"
	"gfs/util"
)

// probeRateLimit caps how many outbound RPCProbe calls the master issues
// per second, so a large active chunkserver set cannot monopolize the
// master's outbound connections at the expense of client RPCs.
const probeRateLimit = 50

// Master is the single metadata authority for the namespace. There is
// exactly one per deployment; it is created at startup and passed to the
// RPC dispatcher, never held as package-level state (§9).
type Master struct {
	address    gfs.ServerAddress
	serverRoot string
	oplogPath  string
	l          net.Listener
	shutdown   chan struct{}

	nm  *namespaceManager
	cm  *chunkManager
	csm *chunkServerManager
	log *opLog

	probeLimiter *rate.Limiter

	mu              sync.Mutex
	clientIDCounter gfs.ClientID
	deleteQueue     map[gfs.ChunkHandle]bool // chunks pending chunkserver GC
}

// NewAndServe starts a master listening at address, persisting its
// operation log under serverRoot, and returns the running instance. It
// exits the process on a bind failure, matching spec §6's "exit non-zero
// on bind failure".
func NewAndServe(address gfs.ServerAddress, serverRoot string) *Master {
	if err := os.MkdirAll(serverRoot, 0755); err != nil {
		log.Fatalf("master: cannot create server root %v: %v", serverRoot, err)
	}

	m := &Master{
		address:      address,
		serverRoot:   serverRoot,
		oplogPath:    filepath.Join(serverRoot, "master.oplog"),
		shutdown:     make(chan struct{}),
		deleteQueue:  make(map[gfs.ChunkHandle]bool),
		probeLimiter: rate.NewLimiter(rate.Limit(probeRateLimit), probeRateLimit),
	}

	oplog, err := newOpLog(m.oplogPath)
	if err != nil {
		log.Fatalf("master: cannot open operation log: %v", err)
	}
	m.log = oplog
	m.nm = newNamespaceManager(oplog)
	m.cm = newChunkManager(oplog)
	m.csm = newChunkServerManager()

	if err := m.replayOpLog(); err != nil {
		log.Errorf("master: operation log replay encountered an error: %v", err)
	}

	rpcs := rpc.NewServer()
	if err := rpcs.Register(m); err != nil {
		log.Fatalf("master: rpc register failed: %v", err)
	}

	l, err := net.Listen("tcp", string(address))
	if err != nil {
		log.Fatalf("master: listen error: %v", err)
	}
	m.l = l

	go m.serveLoop(rpcs)
	go m.backgroundLoop()

	log.Infof("master: running at %v, root=%v", address, serverRoot)
	return m
}

func (m *Master) serveLoop(rpcs *rpc.Server) {
	for {
		select {
		case <-m.shutdown:
			return
		default:
		}
		conn, err := m.l.Accept()
		if err != nil {
			select {
			case <-m.shutdown:
				return
			default:
				log.Warning("master: accept error: ", err)
				continue
			}
		}
		go func() {
			rpcs.ServeConn(conn)
			conn.Close()
		}()
	}
}

// Shutdown stops the master's RPC listener and background loop.
func (m *Master) Shutdown() {
	close(m.shutdown)
	m.l.Close()
	m.log.Close()
}

// backgroundLoop drives the heartbeat probe and re-replication sweep
// (§4.7) on a fixed tick.
func (m *Master) backgroundLoop() {
	ticker := time.NewTicker(gfs.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.heartbeatTick()
		}
	}
}

// heartbeatTick implements §4.7 steps 1-4. Addresses are snapshotted
// under the chunkserver manager's lock and probed after release, so the
// manager mutex is never held across an outbound RPC (§9).
func (m *Master) heartbeatTick() {
	active := m.csm.ActiveAddresses()
	toDelete := m.drainDeleteQueue()

	for _, addr := range active {
		if err := m.probeLimiter.Wait(context.Background()); err != nil {
			log.Warningf("master: probe limiter: %v", err)
			continue
		}
		m.probeOne(addr, toDelete)
	}

	dead := m.csm.DetectDeadServers()
	for _, addr := range dead {
		log.Warningf("master: chunk server %v timed out, removing", addr)
		handles := m.csm.RemoveServer(addr)
		for _, h := range handles {
			m.cm.RemoveReplica(h, addr)
		}
	}

	m.reReplicate()
}

// probeOne performs the actual liveness probe against a single
// chunkserver and folds any lease-extension requests it returns back
// into the chunk manager.
func (m *Master) probeOne(addr gfs.ServerAddress, toDelete []gfs.ChunkHandle) {
	var reply gfs.ProbeReply
	err := util.Call(addr, "ChunkServer.RPCProbe", gfs.ProbeArg{ChunksToDelete: toDelete}, &reply)
	if err != nil {
		// A failed probe here does not immediately declare the server
		// dead; DetectDeadServers uses the heartbeat clock, which this
		// call also refreshes on success below. A transient failure is
		// simply absorbed until ServerTimeout elapses.
		return
	}
	m.csm.Heartbeat(addr)
	for _, h := range reply.LeaseExtensions {
		m.cm.ExtendLease(h, addr)
	}
}

// reReplicate implements §4.7 step 3: for each chunk short of
// REPLICATION_FACTOR replicas, with enough active servers to pick a
// destination, order a copy from a surviving replica.
func (m *Master) reReplicate() {
	active := m.csm.ActiveAddresses()
	if len(active) < gfs.DefaultNumReplicas {
		return
	}

	for _, handle := range m.cm.AllHandles() {
		replicas := m.cm.Replicas(handle)
		if len(replicas) == 0 || len(replicas) >= gfs.DefaultNumReplicas {
			continue
		}
		dest := pickReReplicationDestination(active, replicas)
		if dest == "" {
			continue
		}
		src := replicas[0]

		var cr gfs.OrderChunkCopyFromPeerReply
		if err := util.Call(dest, "ChunkServer.RPCOrderChunkCopyFromPeer", gfs.OrderChunkCopyFromPeerArg{Peer: src, Handle: handle}, &cr); err != nil {
			log.Warningf("master: re-replication copy %v -> %v failed: %v", src, dest, err)
			continue
		}

		// The destination itself calls RPCReportChunk once the copy
		// lands, which records the replica and the chunkserver's chunk
		// list; this just logs the outcome.
		log.Infof("master: re-replicated chunk %v from %v to %v", handle, src, dest)
	}
}

func pickReReplicationDestination(active, current []gfs.ServerAddress) gfs.ServerAddress {
	inCurrent := make(map[gfs.ServerAddress]bool, len(current))
	for _, a := range current {
		inCurrent[a] = true
	}
	var pool []gfs.ServerAddress
	for _, a := range active {
		if !inCurrent[a] {
			pool = append(pool, a)
		}
	}
	picked := util.SampleAddresses(pool, 1)
	if len(picked) == 0 {
		return ""
	}
	return picked[0]
}

func (m *Master) drainDeleteQueue() []gfs.ChunkHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gfs.ChunkHandle, 0, len(m.deleteQueue))
	for h := range m.deleteQueue {
		out = append(out, h)
	}
	return out
}

func (m *Master) queueForDeletion(handles []gfs.ChunkHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range handles {
		m.deleteQueue[h] = true
	}
}

// ---- RPC handlers ----

// RPCUniqueClientID hands out the next client id, durably, so a restart
// never reissues one already in use.
func (m *Master) RPCUniqueClientID(args struct{}, reply *gfs.UniqueClientIDReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clientIDCounter++
	id := m.clientIDCounter
	if err := m.log.Append(opGrantClientID, strconv.FormatInt(int64(id), 10)); err != nil {
		m.clientIDCounter--
		return err
	}
	reply.ClientID = id
	return nil
}

func (m *Master) RPCCreateFile(args gfs.CreateFileArg, reply *gfs.CreateFileReply) error {
	return m.nm.Create(args.Path)
}

func (m *Master) RPCCreateDir(args gfs.CreateDirArg, reply *gfs.CreateDirReply) error {
	return m.nm.CreateDir(args.Path)
}

func (m *Master) RPCDeleteFile(args gfs.DeleteFileArg, reply *gfs.DeleteFileReply) error {
	wasFile, err := m.nm.Delete(args.Path)
	if err != nil {
		return err
	}
	if wasFile {
		handles := m.cm.HandlesForPath(args.Path)
		m.queueForDeletion(handles)
	}
	return nil
}

func (m *Master) RPCList(args gfs.ListArg, reply *gfs.ListReply) error {
	files, err := m.nm.List(args.Path)
	reply.Files = files
	return err
}

func (m *Master) RPCGetFileInfo(args gfs.GetFileInfoArg, reply *gfs.GetFileInfoReply) error {
	isDir, length, err := m.nm.GetInfo(args.Path)
	if err != nil {
		return err
	}
	reply.IsDir = isDir
	reply.Length = length
	if length > 0 {
		reply.Chunks = (length + gfs.MaxChunkSize - 1) / gfs.MaxChunkSize
	}
	return nil
}

// RPCGetChunkHandle implements both add_chunk and find_locations: when
// Index is exactly the file's current chunk count, a new chunk is
// allocated; otherwise the existing handle is looked up.
func (m *Master) RPCGetChunkHandle(args gfs.GetChunkHandleArg, reply *gfs.GetChunkHandleReply) error {
	length, err := m.nm.GetFileLength(args.Path)
	if err != nil {
		return err
	}
	currentChunks := gfs.ChunkIndex((length + gfs.MaxChunkSize - 1) / gfs.MaxChunkSize)
	if length == 0 {
		currentChunks = 0
	}

	if args.Index == currentChunks {
		active := m.csm.ActiveAddresses()
		handle, replicas, err := m.cm.AddChunk(args.Path, args.Index, active)
		if err != nil {
			if gfs.Code(err) == gfs.ChunkAlreadyExists {
				// Another client's add_chunk beat us; fall through to a
				// plain lookup rather than propagating the race (§7).
				_, existing, lookupErr := m.cm.FindLocations(args.Path, args.Index)
				reply.Handle = existing
				return lookupErr
			}
			return err
		}
		for _, addr := range replicas {
			var cr gfs.CreateChunkReply
			if callErr := util.Call(addr, "ChunkServer.RPCCreateChunk", gfs.CreateChunkArg{Handle: handle}, &cr); callErr != nil {
				log.Warningf("master: create chunk %v on %v failed: %v", handle, addr, callErr)
				continue
			}
			m.csm.AddChunkToServer(addr, handle)
		}
		reply.Handle = handle
		return nil
	}

	_, handle, err := m.cm.FindLocations(args.Path, args.Index)
	reply.Handle = handle
	return err
}

func (m *Master) RPCGetReplicas(args gfs.GetReplicasArg, reply *gfs.GetReplicasReply) error {
	reply.Locations = m.cm.Replicas(args.Handle)
	if len(reply.Locations) == 0 {
		return gfs.NewError(gfs.NoChunkServerAlive, "")
	}
	return nil
}

func (m *Master) RPCGetPrimaryAndSecondaries(args gfs.GetPrimaryAndSecondariesArg, reply *gfs.GetPrimaryAndSecondariesReply) error {
	primary, secondaries, expire, err := m.cm.FindLeaseHolder(args.Handle)
	if err != nil {
		return err
	}
	reply.Primary = primary
	reply.Secondaries = secondaries
	reply.Expire = expire
	return nil
}

// RPCReportChunk is called by a chunkserver after every mutation it
// applies to a chunk and after a re-replication copy lands. The reverse (handle -> path/index) map is
// authoritative, never the path the chunkserver supplies (§9).
func (m *Master) RPCReportChunk(args gfs.ReportChunkArg, reply *gfs.ReportChunkReply) error {
	m.cm.SetChunkLocation(args.Handle, args.Address)
	m.csm.AddChunkToServer(args.Address, args.Handle)

	path, index, err := m.cm.GetPathIndexFromHandle(args.Handle)
	if err != nil {
		return err
	}
	computed := int64(index)*gfs.MaxChunkSize + args.Length
	m.nm.SetFileLength(path, computed)
	return nil
}

// RPCNotifyMaster is the chunkserver's registration call, made once at
// startup (§4.2 update_chunkserver_list).
func (m *Master) RPCNotifyMaster(args gfs.NotifyMasterArg, reply *gfs.NotifyMasterReply) error {
	if err := m.log.Append(opNotifyMaster, string(args.Address)); err != nil {
		return err
	}
	m.csm.Heartbeat(args.Address)
	return nil
}
