package master

import (
	"sync"
	"time"

	"gfs"
)

// chunkServerManager owns the active chunk-server set and, per server,
// the set of chunk handles it is known to hold (§3: "Active chunk-server
// set" / "Per-chunk-server chunk list"). Adapted from the teacher's
// chunkServerManager: RPC fan-out for chunk creation moved out to the
// master so this type stays a pure metadata store, matching how
// chunkManager and namespaceManager are structured.
type chunkServerManager struct {
	mu      sync.RWMutex
	servers map[gfs.ServerAddress]*chunkServerInfo
}

type chunkServerInfo struct {
	lastHeartbeat time.Time
	chunks        map[gfs.ChunkHandle]bool
}

func newChunkServerManager() *chunkServerManager {
	return &chunkServerManager{
		servers: make(map[gfs.ServerAddress]*chunkServerInfo),
	}
}

// RegisterLocked adds addr to the active set without touching the
// operation log — used during oplog replay, where NOTIFY_MASTER entries
// are applied directly.
func (csm *chunkServerManager) RegisterLocked(addr gfs.ServerAddress) {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	csm.addLocked(addr)
}

func (csm *chunkServerManager) addLocked(addr gfs.ServerAddress) {
	if _, ok := csm.servers[addr]; !ok {
		csm.servers[addr] = &chunkServerInfo{
			lastHeartbeat: time.Now(),
			chunks:        make(map[gfs.ChunkHandle]bool),
		}
	}
}

// Heartbeat records that addr is alive and, on first contact, adds it to
// the active set.
func (csm *chunkServerManager) Heartbeat(addr gfs.ServerAddress) {
	csm.mu.Lock()
	defer csm.mu.Unlock()

	csm.addLocked(addr)
	csm.servers[addr].lastHeartbeat = time.Now()
}

// AddChunkToServer records that addr is now known to hold handle.
func (csm *chunkServerManager) AddChunkToServer(addr gfs.ServerAddress, handle gfs.ChunkHandle) {
	csm.mu.Lock()
	defer csm.mu.Unlock()

	csm.addLocked(addr)
	csm.servers[addr].chunks[handle] = true
}

// ActiveAddresses snapshots the active set. The heartbeat loop must call
// this, release the lock, and only then make outbound RPCs (§9).
func (csm *chunkServerManager) ActiveAddresses() []gfs.ServerAddress {
	csm.mu.RLock()
	defer csm.mu.RUnlock()

	out := make([]gfs.ServerAddress, 0, len(csm.servers))
	for a := range csm.servers {
		out = append(out, a)
	}
	return out
}

// DetectDeadServers returns active addresses whose last heartbeat is
// older than ServerTimeout.
func (csm *chunkServerManager) DetectDeadServers() []gfs.ServerAddress {
	csm.mu.RLock()
	defer csm.mu.RUnlock()

	var dead []gfs.ServerAddress
	now := time.Now()
	for addr, info := range csm.servers {
		if info.lastHeartbeat.Add(gfs.ServerTimeout).Before(now) {
			dead = append(dead, addr)
		}
	}
	return dead
}

// RemoveServer drops addr's per-server chunk list (§4.7 step 4) and
// returns the handles it used to hold, so the caller can update the
// chunk manager's replica sets.
func (csm *chunkServerManager) RemoveServer(addr gfs.ServerAddress) []gfs.ChunkHandle {
	csm.mu.Lock()
	defer csm.mu.Unlock()

	info, ok := csm.servers[addr]
	if !ok {
		return nil
	}
	handles := make([]gfs.ChunkHandle, 0, len(info.chunks))
	for h := range info.chunks {
		handles = append(handles, h)
	}
	delete(csm.servers, addr)
	return handles
}

// RemoveChunkFromServer removes the record that addr holds handle,
// without removing addr from the active set.
func (csm *chunkServerManager) RemoveChunkFromServer(addr gfs.ServerAddress, handle gfs.ChunkHandle) {
	csm.mu.Lock()
	defer csm.mu.Unlock()

	if info, ok := csm.servers[addr]; ok {
		delete(info.chunks, handle)
	}
}

// Count returns the number of active chunk servers.
func (csm *chunkServerManager) Count() int {
	csm.mu.RLock()
	defer csm.mu.RUnlock()
	return len(csm.servers)
}
