package master

import (
	"sync"
	"time"

	"gfs"
	"gfs/util"
)

// lease is the master's grant of primary status to one replica (§4.4).
type lease struct {
	primary    gfs.ServerAddress
	expiration time.Time
}

func (l *lease) expired(now time.Time) bool {
	return l == nil || now.After(l.expiration)
}

// chunkManager owns the chunk-index -> handle map, its inverse, the
// handle -> replica-set map, and the lease table (§3, §4.2). A single
// mutex protects all four, grounded on commons/chunk_manager.py's
// single-lock design.
type chunkManager struct {
	mu sync.Mutex

	counter gfs.ChunkHandle // next handle to allocate

	// (path, index) -> handle
	chunks map[gfs.Path]map[gfs.ChunkIndex]gfs.ChunkHandle
	// handle -> (path, index), the inverse of chunks
	handles map[gfs.ChunkHandle]pathIndex
	// handle -> current replica set
	locations map[gfs.ChunkHandle][]gfs.ServerAddress
	// handle -> lease, only present once find_lease_holder has granted one
	leases map[gfs.ChunkHandle]*lease

	log *opLog
}

type pathIndex struct {
	path  gfs.Path
	index gfs.ChunkIndex
}

func newChunkManager(log *opLog) *chunkManager {
	return &chunkManager{
		chunks:    make(map[gfs.Path]map[gfs.ChunkIndex]gfs.ChunkHandle),
		handles:   make(map[gfs.ChunkHandle]pathIndex),
		locations: make(map[gfs.ChunkHandle][]gfs.ServerAddress),
		leases:    make(map[gfs.ChunkHandle]*lease),
		log:       log,
	}
}

// AddChunk allocates a new chunk for (path, index), picking up to
// REPLICATION_FACTOR distinct replicas uniformly at random from active.
// Fails with ChunkAlreadyExists if (path, index) is already mapped — the
// caller (another concurrent client) already won the race and should
// retry via FindLocations.
func (cm *chunkManager) AddChunk(path gfs.Path, index gfs.ChunkIndex, active []gfs.ServerAddress) (gfs.ChunkHandle, []gfs.ServerAddress, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if byIdx, ok := cm.chunks[path]; ok {
		if _, ok := byIdx[index]; ok {
			return 0, nil, gfs.NewError(gfs.ChunkAlreadyExists, string(path))
		}
	}

	replicas := util.SampleAddresses(active, gfs.DefaultNumReplicas)
	if len(replicas) == 0 {
		return 0, nil, gfs.NewError(gfs.NoChunkServerAlive, string(path))
	}

	cm.counter++
	handle := cm.counter

	if err := cm.log.Append(opAddChunk, encodeAddChunk(path, index, handle, replicas, cm.counter)); err != nil {
		cm.counter--
		return 0, nil, err
	}

	if cm.chunks[path] == nil {
		cm.chunks[path] = make(map[gfs.ChunkIndex]gfs.ChunkHandle)
	}
	cm.chunks[path][index] = handle
	cm.handles[handle] = pathIndex{path: path, index: index}
	cm.locations[handle] = replicas

	return handle, replicas, nil
}

// FindLocations is a pure lookup of the replica set for (path, index).
func (cm *chunkManager) FindLocations(path gfs.Path, index gfs.ChunkIndex) ([]gfs.ServerAddress, gfs.ChunkHandle, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	byIdx, ok := cm.chunks[path]
	if !ok {
		return nil, 0, gfs.NewError(gfs.FileNotFound, string(path))
	}
	handle, ok := byIdx[index]
	if !ok {
		return nil, 0, gfs.NewError(gfs.ChunkIndexNotFound, string(path))
	}
	locs, ok := cm.locations[handle]
	if !ok || len(locs) == 0 {
		return nil, handle, gfs.NewError(gfs.NoChunkServerAlive, string(path))
	}
	out := make([]gfs.ServerAddress, len(locs))
	copy(out, locs)
	return out, handle, nil
}

// FindLeaseHolder returns the current lease for handle, granting a fresh
// one if absent or expired (§4.4).
func (cm *chunkManager) FindLeaseHolder(handle gfs.ChunkHandle) (primary gfs.ServerAddress, secondaries []gfs.ServerAddress, expire time.Time, err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	locs, ok := cm.locations[handle]
	if !ok || len(locs) == 0 {
		return "", nil, time.Time{}, gfs.NewError(gfs.NoChunkServerAlive, "")
	}

	now := time.Now()
	l := cm.leases[handle]
	if l.expired(now) {
		idx, sampleErr := util.Sample(len(locs), 1)
		if sampleErr != nil {
			return "", nil, time.Time{}, gfs.NewError(gfs.NoChunkServerAlive, sampleErr.Error())
		}
		l = &lease{primary: locs[idx[0]], expiration: now.Add(gfs.LeaseTimeout)}
		cm.leases[handle] = l
	}

	for _, addr := range locs {
		if addr != l.primary {
			secondaries = append(secondaries, addr)
		}
	}
	return l.primary, secondaries, l.expiration, nil
}

// ExtendLease renews handle's lease for addr if addr is (still) the
// current, unexpired primary — called from heartbeat-piggybacked lease
// extension requests.
func (cm *chunkManager) ExtendLease(handle gfs.ChunkHandle, addr gfs.ServerAddress) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	l, ok := cm.leases[handle]
	if !ok || l.primary != addr || l.expired(time.Now()) {
		return
	}
	l.expiration = time.Now().Add(gfs.LeaseTimeout)
}

// SetChunkLocation idempotently records that addr holds handle — called
// from report_chunk.
func (cm *chunkManager) SetChunkLocation(handle gfs.ChunkHandle, addr gfs.ServerAddress) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, a := range cm.locations[handle] {
		if a == addr {
			return
		}
	}
	cm.locations[handle] = append(cm.locations[handle], addr)
}

// GetPathIndexFromHandle is the reverse lookup used by report_chunk; the
// reverse map is authoritative (§9: don't trust a path propagated from
// the chunkserver).
func (cm *chunkManager) GetPathIndexFromHandle(handle gfs.ChunkHandle) (gfs.Path, gfs.ChunkIndex, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	pi, ok := cm.handles[handle]
	if !ok {
		return "", 0, gfs.NewError(gfs.ChunkHandleNotFound, "")
	}
	return pi.path, pi.index, nil
}

// ReplicaCount reports how many replicas handle currently has, used by
// the heartbeat loop to decide whether re-replication is needed.
func (cm *chunkManager) ReplicaCount(handle gfs.ChunkHandle) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.locations[handle])
}

// Replicas returns a copy of handle's current replica set.
func (cm *chunkManager) Replicas(handle gfs.ChunkHandle) []gfs.ServerAddress {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]gfs.ServerAddress, len(cm.locations[handle]))
	copy(out, cm.locations[handle])
	return out
}

// RemoveReplica drops addr from handle's replica set, e.g. after addr is
// declared dead.
func (cm *chunkManager) RemoveReplica(handle gfs.ChunkHandle, addr gfs.ServerAddress) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	locs := cm.locations[handle]
	for i, a := range locs {
		if a == addr {
			cm.locations[handle] = append(locs[:i], locs[i+1:]...)
			return
		}
	}
}

// RegisterReplica adds addr to handle's replica set (idempotent), used
// after a re-replication copy completes.
func (cm *chunkManager) RegisterReplica(handle gfs.ChunkHandle, addr gfs.ServerAddress) {
	cm.SetChunkLocation(handle, addr)
}

// AllHandles returns every chunk handle currently known to the manager.
func (cm *chunkManager) AllHandles() []gfs.ChunkHandle {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]gfs.ChunkHandle, 0, len(cm.handles))
	for h := range cm.handles {
		out = append(out, h)
	}
	return out
}

// HandlesForPath returns every chunk handle belonging to path, in no
// particular order, used when a file is deleted.
func (cm *chunkManager) HandlesForPath(path gfs.Path) []gfs.ChunkHandle {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	byIdx, ok := cm.chunks[path]
	if !ok {
		return nil
	}
	out := make([]gfs.ChunkHandle, 0, len(byIdx))
	for _, h := range byIdx {
		out = append(out, h)
	}
	return out
}

// replayAddChunk applies an ADD_CHUNK oplog entry at startup without
// re-appending it or contacting any chunkserver.
func (cm *chunkManager) replayAddChunk(path gfs.Path, index gfs.ChunkIndex, handle gfs.ChunkHandle, replicas []gfs.ServerAddress, counter gfs.ChunkHandle) {
	if cm.chunks[path] == nil {
		cm.chunks[path] = make(map[gfs.ChunkIndex]gfs.ChunkHandle)
	}
	cm.chunks[path][index] = handle
	cm.handles[handle] = pathIndex{path: path, index: index}
	// The replica list is not restored from the log (§4.3 rationale) —
	// we record the handle mapping but clear locations so
	// set_chunk_location starts fresh. It is refilled only as
	// chunkservers send RPCReportChunk after later mutations or copies of
	// this chunk; no chunkserver re-sends its full chunk list after a
	// master restart.
	cm.locations[handle] = nil
	_ = replicas
	cm.counter = counter
}
