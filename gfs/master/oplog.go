package master

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"gfs"
)

// opCode mirrors commons/metadata_manager.py's OplogActions: one action
// code per physical line of the operation log.
type opCode int

const (
	opGrantClientID opCode = iota
	opNotifyMaster
	opCreateFile
	opCreateDir
	opDeleteFile
	opAddChunk
	opReportChunk
	opDelBadChunk
)

// oplogSeparator matches the original Python implementation's line format
// exactly: "<action_code>|||<payload>\n".
const oplogSeparator = "|||"

// tupleSeparator joins the fields of a structured (tuple) payload, e.g.
// ADD_CHUNK's (path, index, handle, replicas, counter).
const tupleSeparator = ";"

// listSeparator joins the elements of a list-valued tuple field, e.g.
// ADD_CHUNK's replica list.
const listSeparator = ","

// opLog is the master's append-only, single-writer operation log (§4.3).
// Every mutation that changes durable state appends one line before the
// in-memory mutation is considered committed for the client-visible
// reply.
type opLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func newOpLog(path string) (*opLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &opLog{file: f, path: path}, nil
}

// Append writes one oplog line. The write is synchronous: the call does
// not return until the line is durable, so the caller's in-memory
// mutation can proceed immediately after.
func (l *opLog) Append(code opCode, payload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%d%s%s\n", code, oplogSeparator, payload)
	if _, err := l.file.WriteString(line); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *opLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// encodeAddChunk builds the ADD_CHUNK tuple payload.
func encodeAddChunk(path gfs.Path, index gfs.ChunkIndex, handle gfs.ChunkHandle, replicas []gfs.ServerAddress, counter gfs.ChunkHandle) string {
	strs := make([]string, len(replicas))
	for i, r := range replicas {
		strs[i] = string(r)
	}
	fields := []string{
		string(path),
		strconv.FormatUint(uint64(index), 10),
		strconv.FormatUint(uint64(handle), 10),
		strings.Join(strs, listSeparator),
		strconv.FormatUint(uint64(counter), 10),
	}
	return strings.Join(fields, tupleSeparator)
}

func decodeAddChunk(payload string) (path gfs.Path, index gfs.ChunkIndex, handle gfs.ChunkHandle, replicas []gfs.ServerAddress, counter gfs.ChunkHandle, err error) {
	fields := strings.SplitN(payload, tupleSeparator, 5)
	if len(fields) != 5 {
		err = fmt.Errorf("malformed ADD_CHUNK payload: %q", payload)
		return
	}
	path = gfs.Path(fields[0])
	idx, e1 := strconv.ParseUint(fields[1], 10, 64)
	h, e2 := strconv.ParseUint(fields[2], 10, 64)
	c, e3 := strconv.ParseUint(fields[4], 10, 64)
	if e1 != nil || e2 != nil || e3 != nil {
		err = fmt.Errorf("malformed ADD_CHUNK payload: %q", payload)
		return
	}
	index = gfs.ChunkIndex(idx)
	handle = gfs.ChunkHandle(h)
	counter = gfs.ChunkHandle(c)
	if fields[3] != "" {
		for _, r := range strings.Split(fields[3], listSeparator) {
			replicas = append(replicas, gfs.ServerAddress(r))
		}
	}
	return
}

// replay reads the log line by line, applying each entry in file order.
// A missing file is treated as empty state; unreadable or corrupt lines
// are logged and skipped rather than aborting recovery (§7, open
// question resolved: prefer availability over all-or-nothing replay).
func (m *Master) replayOpLog() error {
	f, err := os.Open(m.oplogPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, oplogSeparator, 2)
		if len(parts) != 2 {
			log.Errorf("oplog: skipping malformed line %q", line)
			continue
		}
		codeNum, err := strconv.Atoi(parts[0])
		if err != nil {
			log.Errorf("oplog: skipping malformed line %q", line)
			continue
		}
		if err := m.applyOpLogEntry(opCode(codeNum), parts[1]); err != nil {
			log.Errorf("oplog: skipping entry %q: %v", line, err)
		}
	}
	return scanner.Err()
}

func (m *Master) applyOpLogEntry(code opCode, payload string) error {
	switch code {
	case opGrantClientID:
		id, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return err
		}
		m.clientIDCounter = gfs.ClientID(id)

	case opNotifyMaster:
		m.csm.RegisterLocked(gfs.ServerAddress(payload))

	case opCreateFile:
		m.nm.replayCreateFile(gfs.Path(payload))

	case opCreateDir:
		m.nm.replayCreateDir(gfs.Path(payload))

	case opDeleteFile:
		m.nm.replayDeleteFile(gfs.Path(payload))

	case opAddChunk:
		path, index, handle, replicas, counter, err := decodeAddChunk(payload)
		if err != nil {
			return err
		}
		m.cm.replayAddChunk(path, index, handle, replicas, counter)

	case opReportChunk, opDelBadChunk:
		// Chunk-server-local replay only; the master's operation log
		// never carries these (§4.3).

	default:
		return fmt.Errorf("unknown oplog action code %d", code)
	}
	return nil
}
