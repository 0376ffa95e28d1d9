// Package remote implements the Remote Object Store Client (ROC): chunking,
// optional authenticated encryption, upload/download against an opaque
// Channel, and a byte-bounded content cache keyed by inode.
package remote

import (
	"context"
	"io"
)

// Channel is the opaque remote object store boundary. Nothing outside this
// package knows about its transport; swapping in a real chat-API-backed
// store means implementing this interface.
type Channel interface {
	// Post uploads r (exactly size bytes) as a new object named objectName
	// and returns the id the channel assigned it. progress, if non-nil, is
	// invoked with cumulative bytes sent as the upload proceeds.
	Post(ctx context.Context, objectName string, r io.Reader, size int64, progress func(sent, total int64)) (messageID int64, err error)

	// Get fetches the full payload previously stored under messageID.
	Get(ctx context.Context, messageID int64) ([]byte, error)

	// Delete removes the given messages from the channel. Best-effort: a
	// failure here is logged, not propagated, matching the "orphan
	// messages are an accepted leak" failure semantics of the ROC.
	Delete(ctx context.Context, messageIDs []int64) error
}
