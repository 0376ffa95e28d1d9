package remote

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	ch := NewMemChannel()
	c, err := NewClient(ch, "", 0, 0)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, 1024)
	ids, err := c.Upload(context.Background(), 7, "f.txt", payload)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	got, err := c.Download(context.Background(), 7, ids)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUploadChunksAtFileMaxSize(t *testing.T) {
	ch := NewMemChannel()
	c, err := NewClient(ch, "", 0, 10) // tiny chunk size to exercise chunking
	require.NoError(t, err)

	payload := make([]byte, 25)
	for i := range payload {
		payload[i] = byte(i)
	}
	ids, err := c.Upload(context.Background(), 1, "big.txt", payload)
	require.NoError(t, err)
	assert.Len(t, ids, 3) // ceil(25/10) == 3

	got, err := c.Download(context.Background(), 1, ids)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUploadEvictsExistingCacheEntry(t *testing.T) {
	ch := NewMemChannel()
	c, err := NewClient(ch, "", 0, 0)
	require.NoError(t, err)

	ids, err := c.Upload(context.Background(), 3, "a.txt", []byte("first"))
	require.NoError(t, err)
	_, err = c.Download(context.Background(), 3, ids)
	require.NoError(t, err)

	_, ok := c.CacheLookup(3)
	assert.True(t, ok)

	// a second upload for the same inode must evict the stale cache entry
	_, err = c.Upload(context.Background(), 3, "a.txt", []byte("second"))
	require.NoError(t, err)
	_, ok = c.CacheLookup(3)
	assert.False(t, ok)
}

func TestEncryptedRoundTripAndTamperDetection(t *testing.T) {
	ch := NewMemChannel()
	c, err := NewClient(ch, "correct horse battery staple", 0, 0)
	require.NoError(t, err)

	ids, err := c.Upload(context.Background(), 9, "secret.txt", []byte("secret"))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	got, err := c.Download(context.Background(), 9, ids)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	ch.CorruptFirstObject()

	c.cache.evict(9) // force a re-download instead of serving the prior cache hit
	_, err = c.Download(context.Background(), 9, ids)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestCacheLookupMissOnEmptyEntry(t *testing.T) {
	cache := newContentCache(1024)
	cache.put(1, nil)
	_, ok := cache.get(1)
	assert.False(t, ok, "an empty cached entry must be treated as a miss")
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := newContentCache(10)
	cache.put(1, bytes.Repeat([]byte{1}, 6))
	cache.put(2, bytes.Repeat([]byte{2}, 6))
	// inserting 2 must have evicted 1, since 6+6 > 10
	_, ok := cache.get(1)
	assert.False(t, ok)
	_, ok = cache.get(2)
	assert.True(t, ok)
	assert.LessOrEqual(t, cache.totalBytes(), int64(10))
}

func TestDeleteIsNoopOnEmptyList(t *testing.T) {
	ch := NewMemChannel()
	c, err := NewClient(ch, "", 0, 0)
	require.NoError(t, err)
	assert.NoError(t, c.Delete(context.Background(), nil))
}
