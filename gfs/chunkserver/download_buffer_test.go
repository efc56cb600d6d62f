package chunkserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gfs"
)

func TestDownloadBufferSetGetDelete(t *testing.T) {
	b := newDownloadBuffer(time.Minute, time.Hour)
	id := gfs.DataBufferID{Handle: 1, ClientID: 1, Timestamp: 1}

	_, ok := b.Get(id)
	assert.False(t, ok)

	b.Set(id, []byte("hello"))
	data, ok := b.Get(id)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), data)

	b.Delete(id)
	_, ok = b.Get(id)
	assert.False(t, ok)
}

func TestDownloadBufferSetIsFirstWins(t *testing.T) {
	b := newDownloadBuffer(time.Minute, time.Hour)
	id := gfs.DataBufferID{Handle: 1, ClientID: 1, Timestamp: 1}

	b.Set(id, []byte("first"))
	b.Set(id, []byte("second"))

	data, ok := b.Get(id)
	assert.True(t, ok)
	assert.Equal(t, []byte("first"), data)
}

func TestDownloadBufferSweepExpiresOldEntries(t *testing.T) {
	b := newDownloadBuffer(10*time.Millisecond, 5*time.Millisecond)
	id := gfs.DataBufferID{Handle: 1, ClientID: 1, Timestamp: 1}
	b.Set(id, []byte("data"))

	assert.Eventually(t, func() bool {
		_, ok := b.Get(id)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
