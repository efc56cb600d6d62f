package gfs

import "fmt"

// ErrorCode enumerates the error kinds in spec §7. net/rpc only carries
// an error's string across the wire, so a gfs.Error returned by a local
// call (master/chunkserver to their own managers) keeps its Code, but
// one returned by a remote RPC arrives back as a plain string and reads
// as Transport; RPCReadChunk and RPCAppendChunk sidestep this for the
// two codes callers need to branch on by carrying ErrorCode in the
// reply struct instead of in the returned error.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	PathNotFound
	ParentIsNotDir
	FileAlreadyExists
	FileNotFound
	DirAlreadyExists
	DirIsNotEmpty
	ChunkAlreadyExists
	ChunkIndexNotFound
	ChunkHandleNotFound
	NoChunkServerAlive
	DataNotInMemory
	AppendExceedChunkSize
	ReadEOF
	Transport
)

var errorCodeNames = map[ErrorCode]string{
	Unknown:               "Unknown",
	PathNotFound:          "PathNotFound",
	ParentIsNotDir:        "ParentIsNotDir",
	FileAlreadyExists:     "FileAlreadyExists",
	FileNotFound:          "FileNotFound",
	DirAlreadyExists:      "DirAlreadyExists",
	DirIsNotEmpty:         "DirIsNotEmpty",
	ChunkAlreadyExists:    "ChunkAlreadyExists",
	ChunkIndexNotFound:    "ChunkIndexNotFound",
	ChunkHandleNotFound:   "ChunkHandleNotFound",
	NoChunkServerAlive:    "NoChunkServerAlive",
	DataNotInMemory:       "DataNotInMemory",
	AppendExceedChunkSize: "AppendExceedChunkSize",
	ReadEOF:               "ReadEOF",
	Transport:             "Transport",
}

// Error is the error value returned by every gfs operation that can fail
// in a way the caller is expected to branch on (e.g. the master falling
// back to a lookup on ChunkAlreadyExists, or the client retrying on
// AppendExceedChunkSize).
type Error struct {
	Code ErrorCode
	Err  string
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", errorCodeNames[e.Code], e.Err)
}

// NewError builds a gfs.Error with the given code and message.
func NewError(code ErrorCode, err string) Error {
	return Error{Code: code, Err: err}
}

// Code extracts the ErrorCode carried by err, if any; plain errors (e.g.
// a raw net/rpc transport failure) are reported as Transport.
func Code(err error) ErrorCode {
	if err == nil {
		return Unknown
	}
	if gerr, ok := err.(Error); ok {
		return gerr.Code
	}
	return Transport
}
