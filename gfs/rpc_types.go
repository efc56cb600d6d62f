package gfs

import "time"

// ---- master-side RPC shapes ----

type UniqueClientIDReply struct {
	ClientID ClientID
}

type CreateFileArg struct{ Path Path }
type CreateFileReply struct{}

type CreateDirArg struct{ Path Path }
type CreateDirReply struct{}

type DeleteFileArg struct{ Path Path }
type DeleteFileReply struct{}

type ListArg struct{ Path Path }
type PathInfo struct {
	Path   Path
	IsDir  bool
	Length int64
}
type ListReply struct{ Files []PathInfo }

type GetFileInfoArg struct{ Path Path }
type GetFileInfoReply struct {
	IsDir  bool
	Length int64
	Chunks int64
}

// GetChunkHandleArg/Reply implements add_chunk when Index equals the
// current chunk count of the file, and find_locations otherwise.
type GetChunkHandleArg struct {
	Path  Path
	Index ChunkIndex
}
type GetChunkHandleReply struct {
	Handle ChunkHandle
}

type GetReplicasArg struct{ Handle ChunkHandle }
type GetReplicasReply struct{ Locations []ServerAddress }

// GetPrimaryAndSecondariesArg/Reply is find_lease_holder: it returns the
// current (possibly freshly granted) primary plus the rest of the
// replica set as secondaries.
type GetPrimaryAndSecondariesArg struct{ Handle ChunkHandle }
type GetPrimaryAndSecondariesReply struct {
	Primary     ServerAddress
	Secondaries []ServerAddress
	Expire      time.Time
}

type ReportChunkArg struct {
	Address ServerAddress
	Handle  ChunkHandle
	Length  int64
}
type ReportChunkReply struct{}

type NotifyMasterArg struct{ Address ServerAddress }
type NotifyMasterReply struct{}

// ProbeArg/Reply is the master-initiated heartbeat probe (§4.7): the
// master calls every active chunkserver once per HEARTBEAT_INTERVAL,
// piggy-backing the garbage-collection queue on the request and
// collecting pending lease-extension requests on the reply.
type ProbeArg struct {
	ChunksToDelete []ChunkHandle
}
type ProbeReply struct {
	LeaseExtensions []ChunkHandle
}

// ---- chunkserver-side RPC shapes ----

// PushDataArg/Reply is push_data: the client calls this once per replica
// (not just the primary) to stage bytes before committing a write or
// append.
type PushDataArg struct {
	ID   DataBufferID
	Data []byte
}
type PushDataReply struct{}

type CreateChunkArg struct{ Handle ChunkHandle }
type CreateChunkReply struct{}

type ReadChunkArg struct {
	Handle ChunkHandle
	Offset Offset
	Length int
}
type ReadChunkReply struct {
	Data      []byte
	Length    int
	ErrorCode ErrorCode
}

type WriteChunkArg struct {
	DataID      DataBufferID
	Path        Path
	ChunkIndex  ChunkIndex
	Offset      Offset
	Secondaries []ServerAddress
}
type WriteChunkReply struct{}

type AppendChunkArg struct {
	DataID      DataBufferID
	Path        Path
	ChunkIndex  ChunkIndex
	Secondaries []ServerAddress
}
type AppendChunkReply struct {
	Offset    Offset
	ErrorCode ErrorCode
}

// ApplyMutationArg is how a primary fans a committed write or append out
// to each secondary, once it has decided the offset.
type ApplyMutationArg struct {
	Mtype      MutationType
	DataID     DataBufferID
	Path       Path
	ChunkIndex ChunkIndex
	Offset     Offset
}
type ApplyMutationReply struct{}

// OrderChunkCopyFromPeerArg/Reply is order_chunk_copy_from_peer: the
// master tells the destination chunkserver (the RPC target) to pull
// Handle from Peer, persist it locally, and report the result to the
// master itself.
type OrderChunkCopyFromPeerArg struct {
	Peer   ServerAddress
	Handle ChunkHandle
}
type OrderChunkCopyFromPeerReply struct{}

// GetChunkInfoFromPeerArg/Reply is get_chunk_info_from_peer: used by the
// destination of a re-replication copy to learn the length of a chunk
// before fetching its bytes. Only Length is filled in; a chunkserver
// does not track a chunk's path or index, so Path and Index are left at
// their zero values.
type GetChunkInfoFromPeerArg struct{ Handle ChunkHandle }
type GetChunkInfoFromPeerReply struct {
	Path   Path
	Index  ChunkIndex
	Length int64
}

type GetChunkHandlesArg struct{}
type GetChunkHandlesReply struct{ Handles []ChunkHandle }

type DeleteBadChunkArg struct{ Handle ChunkHandle }
type DeleteBadChunkReply struct{}
