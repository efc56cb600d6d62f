package chunkserver

import (
	"sync"
	"time"

	"gfs"
)

// downloadBuffer is the pending-data buffer of §3: a mapping
// (client_id, timestamp) -> bytes, the staging area push_data fills and
// write/serialized_write/append drain. Entries that are never claimed
// expire after DownloadBufferExpire so a crashed or abandoned client
// doesn't leak memory.
type downloadBuffer struct {
	mu      sync.Mutex
	entries map[gfs.DataBufferID]bufferedData
	expire  time.Duration
}

type bufferedData struct {
	data     []byte
	insertAt time.Time
}

func newDownloadBuffer(expire, tick time.Duration) *downloadBuffer {
	b := &downloadBuffer{
		entries: make(map[gfs.DataBufferID]bufferedData),
		expire:  expire,
	}
	go b.sweepLoop(tick)
	return b
}

// Set stages data under id. Idempotent: a second Set for the same id is
// silently ignored, leaving the first push in place (§8: "push_data...
// idempotent first-wins").
func (b *downloadBuffer) Set(id gfs.DataBufferID, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[id]; ok {
		return
	}
	b.entries[id] = bufferedData{data: data, insertAt: time.Now()}
}

// Get returns the staged bytes for id, if present.
func (b *downloadBuffer) Get(id gfs.DataBufferID) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	return e.data, ok
}

// Delete removes id from the buffer, e.g. once a write/append has
// consumed it.
func (b *downloadBuffer) Delete(id gfs.DataBufferID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}

func (b *downloadBuffer) sweepLoop(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for range ticker.C {
		b.sweep()
	}
}

func (b *downloadBuffer) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-b.expire)
	for id, e := range b.entries {
		if e.insertAt.Before(cutoff) {
			delete(b.entries, id)
		}
	}
}
