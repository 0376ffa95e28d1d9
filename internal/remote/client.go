package remote

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// DefaultFileMaxSize is the per-object chunk size cap (FILE_MAX_SIZE).
const DefaultFileMaxSize int64 = 2_000_000_000

// DefaultCacheMaxBytes is the default content cache budget.
const DefaultCacheMaxBytes int64 = 5_000_000_000

// netWriteChunkSize is the wire write size per Post call - distinct from
// FileMaxSize, which bounds how large a single remote object may be.
const netWriteChunkSize = 512 * 1024

// Client is the Remote Object Store Client (ROC): it owns all interaction
// with the remote Channel and presents a simple inode-keyed content API to
// the filesystem operations layer.
type Client struct {
	channel     Channel
	cache       *contentCache
	key         *[keySize]byte
	fileMaxSize int64
}

// NewClient builds a ROC around channel. passphrase may be empty, meaning
// content is stored in clear (matching spec's "if ENCRYPTION_KEY absent,
// content is stored in clear").
func NewClient(channel Channel, passphrase string, cacheMaxBytes, fileMaxSize int64) (*Client, error) {
	var key *[keySize]byte
	if passphrase != "" {
		var err error
		key, err = deriveKey(passphrase)
		if err != nil {
			return nil, fmt.Errorf("remote: deriving key: %w", err)
		}
	}
	if cacheMaxBytes <= 0 {
		cacheMaxBytes = DefaultCacheMaxBytes
	}
	if fileMaxSize <= 0 {
		fileMaxSize = DefaultFileMaxSize
	}
	return &Client{
		channel:     channel,
		cache:       newContentCache(cacheMaxBytes),
		key:         key,
		fileMaxSize: fileMaxSize,
	}, nil
}

// CacheLookup is a non-blocking read of the content cache. Returns
// (nil, false) on miss or an empty cached entry.
func (c *Client) CacheLookup(inode uint64) ([]byte, bool) {
	return c.cache.get(inode)
}

// Upload evicts inode from the cache, optionally encrypts payload, splits
// it into fileMaxSize chunks, uploads each chunk under
// "{fileName}_part{i}.txt", and returns the resulting message ids in order.
func (c *Client) Upload(ctx context.Context, inode uint64, fileName string, payload []byte) ([]int64, error) {
	c.cache.evict(inode)

	data := payload
	if c.key != nil {
		enc, err := encrypt(payload, c.key)
		if err != nil {
			return nil, fmt.Errorf("remote: encrypting payload: %w", err)
		}
		data = enc
	}

	nchunks := 1
	if len(data) > 0 {
		nchunks = (len(data) + int(c.fileMaxSize) - 1) / int(c.fileMaxSize)
	}

	ids := make([]int64, 0, nchunks)
	for i := 0; i < nchunks; i++ {
		start := i * int(c.fileMaxSize)
		end := start + int(c.fileMaxSize)
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		objectName := fmt.Sprintf("%s_part%d.txt", fileName, i)

		id, err := c.uploadChunk(ctx, objectName, chunk)
		if err != nil {
			return nil, fmt.Errorf("remote: uploading chunk %d/%d: %w", i+1, nchunks, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Client) uploadChunk(ctx context.Context, objectName string, chunk []byte) (int64, error) {
	total := int64(len(chunk))
	progress := func(sent, total int64) {
		pct := 0
		if total > 0 {
			pct = int(sent * 100 / total)
		}
		log.Info().Str("object", objectName).Int64("sent", sent).Int64("total", total).
			Msgf("uploading %s: %d%%", objectName, pct)
	}
	return c.channel.Post(ctx, objectName, bytes.NewReader(chunk), total, progress)
}

// Download returns inode's full logical content, given the ordered list of
// message ids that make it up. Serves from cache when possible.
func (c *Client) Download(ctx context.Context, inode uint64, messageIDs []int64) ([]byte, error) {
	if cached, ok := c.cache.get(inode); ok {
		return cached, nil
	}

	var buf bytes.Buffer
	for _, id := range messageIDs {
		chunk, err := c.channel.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("remote: downloading message %d: %w", id, err)
		}
		buf.Write(chunk)
	}

	data := buf.Bytes()
	if c.key != nil && len(data) > 0 {
		plain, err := decrypt(data, c.key)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	c.cache.put(inode, data)
	return data, nil
}

// Delete removes the given messages from the remote channel. Best-effort;
// see Channel.Delete.
func (c *Client) Delete(ctx context.Context, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.channel.Delete(ctx, messageIDs)
}

// CacheBytes reports current content-cache occupancy (testable property:
// content cache total bytes <= configured max).
func (c *Client) CacheBytes() int64 {
	return c.cache.totalBytes()
}
