package tgfs

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgfusefs/tgfusefs/internal/remote"
	"github.com/tgfusefs/tgfusefs/internal/store"
)

const (
	testUID = 1000
	testGID = 1000
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rc, err := remote.NewClient(remote.NewMemChannel(), "", 0, 0)
	require.NoError(t, err)
	return New(st, rc)
}

func createFile(t *testing.T, f *Filesystem, parent uint64, name string) uint64 {
	t.Helper()
	row, err := f.Create(parent, name, 0644, testUID, testGID)
	require.NoError(t, err)
	return row.ID
}

// Law: write -> read round-trip.
func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newTestFilesystem(t)
	ino := createFile(t, f, store.RootID, "hello.txt")

	body := []byte("hello\n")
	n, err := f.Write(ctx, ino, 0, body)
	require.NoError(t, err)
	assert.Equal(t, len(body), n)

	require.NoError(t, f.Release(ctx, ino))

	got, err := f.Read(ctx, ino, 0, len(body))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	row, _, err := f.Getattr(ino)
	require.NoError(t, err)
	assert.EqualValues(t, len(body), row.Size)
}

// Law: truncate idempotence.
func TestTruncateIdempotence(t *testing.T) {
	ctx := context.Background()
	f := newTestFilesystem(t)
	ino := createFile(t, f, store.RootID, "f")

	_, err := f.Write(ctx, ino, 0, []byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Release(ctx, ino))

	size := uint64(4)
	for i := 0; i < 2; i++ {
		_, _, err := f.Setattr(ctx, ino, SetAttrReq{Size: &size})
		require.NoError(t, err)
	}

	row, _, err := f.Getattr(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 4, row.Size)

	got, err := f.Read(ctx, ino, 0, 100)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 4)
	assert.Equal(t, []byte("0123"), got)
}

// Law: rename preserves content; old path resolves ENOENT.
func TestRenamePreservesContent(t *testing.T) {
	ctx := context.Background()
	f := newTestFilesystem(t)
	ino := createFile(t, f, store.RootID, "x")
	_, err := f.Write(ctx, ino, 0, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Release(ctx, ino))

	require.NoError(t, f.Rename(ctx, store.RootID, "x", store.RootID, "y", 0))

	_, _, err = f.Lookup(store.RootID, "x")
	assert.ErrorIs(t, err, store.ErrNoSuchRow)

	row, _, err := f.Lookup(store.RootID, "y")
	require.NoError(t, err)
	assert.Equal(t, ino, row.ID)

	got, err := f.Read(ctx, ino, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

// rename over an existing file deletes the overwritten target's messages.
func TestRenameOverExistingDeletesOldMessages(t *testing.T) {
	ctx := context.Background()
	f := newTestFilesystem(t)

	src := createFile(t, f, store.RootID, "src")
	_, err := f.Write(ctx, src, 0, []byte("new"))
	require.NoError(t, err)
	require.NoError(t, f.Release(ctx, src))

	dst := createFile(t, f, store.RootID, "dst")
	_, err = f.Write(ctx, dst, 0, []byte("old"))
	require.NoError(t, err)
	require.NoError(t, f.Release(ctx, dst))

	require.NoError(t, f.Rename(ctx, store.RootID, "src", store.RootID, "dst", 0))

	_, _, err = f.Getattr(dst)
	assert.ErrorIs(t, err, store.ErrNoSuchRow, "overwritten target inode must be deleted")

	err = f.Store.View(func(tx *store.Tx) error {
		_, err := tx.GetMessageIDsForInode(dst)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNoSuchRow, "overwritten target's message rows must be deleted")

	row, _, err := f.Lookup(store.RootID, "dst")
	require.NoError(t, err)
	assert.Equal(t, src, row.ID)
}

// Law: hard-link nlink.
func TestHardLinkNlink(t *testing.T) {
	ctx := context.Background()
	f := newTestFilesystem(t)
	ino := createFile(t, f, store.RootID, "a")

	_, nlink, err := f.Link(ino, store.RootID, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, nlink)

	require.NoError(t, f.Unlink(ctx, store.RootID, "a"))

	_, nlink, err = f.Getattr(ino)
	require.NoError(t, err)
	assert.Equal(t, 1, nlink)

	_, _, err = f.Lookup(store.RootID, "b")
	assert.NoError(t, err)
}

// Scenario: mkdir + create files + readdir lists ./.. + entries; rm removes one.
func TestMkdirCreateReaddirUnlink(t *testing.T) {
	ctx := context.Background()
	f := newTestFilesystem(t)

	dirRow, err := f.Mkdir(store.RootID, "d", 0755, testUID, testGID)
	require.NoError(t, err)

	for _, name := range []string{"one", "two", "three"} {
		createFile(t, f, dirRow.ID, name)
	}

	entries, err := f.Readdir(dirRow.ID)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	assert.True(t, names["."])
	assert.True(t, names[".."])
	assert.True(t, names["one"])
	assert.True(t, names["two"])
	assert.True(t, names["three"])
	assert.Len(t, entries, 5)

	require.NoError(t, f.Unlink(ctx, dirRow.ID, "one"))
	entries, err = f.Readdir(dirRow.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "one", e.Name)
	}
}

// rmdir fails on a non-empty directory.
func TestRmdirNonEmptyFails(t *testing.T) {
	ctx := context.Background()
	f := newTestFilesystem(t)
	dirRow, err := f.Mkdir(store.RootID, "d", 0755, testUID, testGID)
	require.NoError(t, err)
	createFile(t, f, dirRow.ID, "child")

	err = f.Rmdir(ctx, store.RootID, "d")
	assert.ErrorIs(t, err, errNotEmpty)
	assert.Equal(t, syscall.ENOTEMPTY, toErrno(err))
}

// unlink on a directory fails EISDIR, rmdir on a file fails ENOTDIR.
func TestUnlinkRmdirTypeMismatch(t *testing.T) {
	ctx := context.Background()
	f := newTestFilesystem(t)
	dirRow, err := f.Mkdir(store.RootID, "d", 0755, testUID, testGID)
	require.NoError(t, err)
	createFile(t, f, store.RootID, "f")

	err = f.Unlink(ctx, store.RootID, "d")
	assert.ErrorIs(t, err, errIsDir)

	err = f.Rmdir(ctx, store.RootID, "f")
	assert.ErrorIs(t, err, errNotDir)

	_ = dirRow
}

// Root's ".." always resolves to itself.
func TestRootDotDotSelfReference(t *testing.T) {
	f := newTestFilesystem(t)
	row, _, err := f.Lookup(store.RootID, "..")
	require.NoError(t, err)
	assert.Equal(t, store.RootID, row.ID)
}

// Scenario 5 (scaled down): content split across multiple chunks reassembles
// identically. FileMaxSize is set small here instead of the literal 2GB cap
// so the test exercises the same code path cheaply.
func TestLargeFileChunksAcrossMultipleObjects(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	rc, err := remote.NewClient(remote.NewMemChannel(), "", 0, 64) // tiny FileMaxSize
	require.NoError(t, err)
	f := New(st, rc)

	ino := createFile(t, f, store.RootID, "big")
	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err = f.Write(ctx, ino, 0, payload)
	require.NoError(t, err)
	require.NoError(t, f.Release(ctx, ino))

	got, err := f.Read(ctx, ino, 0, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// Scenario 6: corrupting a byte of the remote payload surfaces EIO on read.
func TestCorruptedEncryptedPayloadSurfacesEIO(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	ch := remote.NewMemChannel()
	rc, err := remote.NewClient(ch, "a secret passphrase", 0, 0)
	require.NoError(t, err)
	f := New(st, rc)

	ino := createFile(t, f, store.RootID, "secret")
	_, err = f.Write(ctx, ino, 0, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, f.Release(ctx, ino))

	ch.CorruptFirstObject()

	_, err = f.Read(ctx, ino, 0, 100)
	require.Error(t, err)
	assert.Equal(t, syscall.EIO, toErrno(err))
}

// Deferred inode deletion: unlinking an open file keeps the inode row alive
// until release.
func TestDeferredDeletionWhileOpen(t *testing.T) {
	ctx := context.Background()
	f := newTestFilesystem(t)
	ino := createFile(t, f, store.RootID, "open-me") // Create already calls Open once

	require.NoError(t, f.Unlink(ctx, store.RootID, "open-me"))

	_, _, err := f.Getattr(ino)
	assert.NoError(t, err, "inode must still exist while open-count > 0")

	require.NoError(t, f.Release(ctx, ino))
	_, _, err = f.Getattr(ino)
	assert.ErrorIs(t, err, store.ErrNoSuchRow, "inode must be deleted once the last release happens")
}

func TestStatfs(t *testing.T) {
	f := newTestFilesystem(t)
	res, err := f.Statfs()
	require.NoError(t, err)
	assert.EqualValues(t, 512, res.Bsize)
	assert.EqualValues(t, 512, res.Frsize)
	assert.GreaterOrEqual(t, res.Ffree, uint64(100))
}
