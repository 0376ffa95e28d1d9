// Package tgfs implements the Filesystem Operations (FSO): the upcall
// handlers that answer kernel filesystem requests on top of the metadata
// store and the remote object store client.
package tgfs

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tgfusefs/tgfusefs/internal/remote"
	"github.com/tgfusefs/tgfusefs/internal/store"
)

// Filesystem owns the store, the remote object store client, and two pieces
// of deliberately process-global state: the single write buffer and the
// open-count map. At most one file is ever mid-write at a time. go-fuse
// dispatches each upcall on its own goroutine, so mu serializes access to
// that shared state (see DESIGN.md).
type Filesystem struct {
	Store  *store.Store
	Remote *remote.Client

	mu         sync.Mutex
	writeBuf   []byte
	writeBufOf uint64 // inode the buffer currently belongs to; 0 == empty
	openCount  map[uint64]int
}

// New builds an FSO layer over st and rc.
func New(st *store.Store, rc *remote.Client) *Filesystem {
	return &Filesystem{
		Store:     st,
		Remote:    rc,
		openCount: make(map[uint64]int),
	}
}

func nowNS() int64 {
	return time.Now().UnixNano()
}

// --- lookup / getattr / readlink ------------------------------------------

// Lookup resolves name within parent, including the synthesized "." and
// ".." entries, and returns the resolved inode row and its link count.
func (f *Filesystem) Lookup(parent uint64, name string) (*store.Inode, int, error) {
	var row *store.Inode
	var nlink int
	err := f.Store.View(func(tx *store.Tx) error {
		var id uint64
		switch name {
		case ".":
			id = parent
		case "..":
			dotdot, err := tx.GetAnyContentsRowByInode(parent)
			if err != nil {
				return err
			}
			id = dotdot.ParentInode
		default:
			entry, err := tx.GetContentsByNameParent([]byte(name), parent)
			if err != nil {
				return err
			}
			id = entry.Inode
		}
		var err error
		row, err = tx.GetInode(id)
		if err != nil {
			return err
		}
		nlink, err = tx.CountContentsByInode(id)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return row, nlink, nil
}

// Getattr returns inode's attributes and nlink.
func (f *Filesystem) Getattr(inode uint64) (*store.Inode, int, error) {
	var row *store.Inode
	var nlink int
	err := f.Store.View(func(tx *store.Tx) error {
		var err error
		row, err = tx.GetInode(inode)
		if err != nil {
			return err
		}
		nlink, err = tx.CountContentsByInode(inode)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return row, nlink, nil
}

// Readlink returns inode's symlink target.
func (f *Filesystem) Readlink(inode uint64) ([]byte, error) {
	var target []byte
	err := f.Store.View(func(tx *store.Tx) error {
		row, err := tx.GetInode(inode)
		if err != nil {
			return err
		}
		target = row.Target
		return nil
	})
	return target, err
}

// DirEntry is one emitted readdir row.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode uint32
}

// Readdir lists inode's children plus synthetic "." and "..", in ascending
// rowid order for the real entries. The root's fabricated self-referential
// ".." contents row (inserted at store.Open) is filtered out of the
// ordinary listing since "." and ".." are always synthesized here instead.
func (f *Filesystem) Readdir(inode uint64) ([]DirEntry, error) {
	var entries []DirEntry
	err := f.Store.View(func(tx *store.Tx) error {
		selfRow, err := tx.GetInode(inode)
		if err != nil {
			return err
		}
		entries = append(entries, DirEntry{Name: ".", Ino: inode, Mode: selfRow.Mode})

		dotdot, err := tx.GetAnyContentsRowByInode(inode)
		if err != nil {
			return err
		}
		parentRow, err := tx.GetInode(dotdot.ParentInode)
		if err != nil {
			return err
		}
		entries = append(entries, DirEntry{Name: "..", Ino: dotdot.ParentInode, Mode: parentRow.Mode})

		children, err := tx.ListContentsByParent(inode, 0)
		if err != nil {
			return err
		}
		for _, child := range children {
			name := string(child.Name)
			if name == ".." {
				continue // the fabricated self-reference row, not a real child
			}
			childRow, err := tx.GetInode(child.Inode)
			if err != nil {
				return err
			}
			entries = append(entries, DirEntry{Name: name, Ino: child.Inode, Mode: childRow.Mode})
		}
		return nil
	})
	return entries, err
}

// --- remove / unlink / rmdir ----------------------------------------------

func (f *Filesystem) isOpen(inode uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCount[inode] > 0
}

// removeEntry implements unlink/rmdir as one operation: resolve the child,
// enforce the type check the caller asked for, drop the directory entry, and
// delete the underlying inode (and queue its remote messages for deletion)
// once its link count reaches zero and it is not held open.
func (f *Filesystem) removeEntry(ctx context.Context, parent uint64, name string, wantDir bool) error {
	var idsToDelete []int64
	err := f.Store.Update(func(tx *store.Tx) error {
		entry, err := tx.GetContentsByNameParent([]byte(name), parent)
		if err != nil {
			return err
		}
		childRow, err := tx.GetInode(entry.Inode)
		if err != nil {
			return err
		}
		isDir := childRow.Mode&syscall.S_IFMT == syscall.S_IFDIR
		if wantDir && !isDir {
			return errNotDir
		}
		if !wantDir && isDir {
			return errIsDir
		}

		childCount, err := tx.CountContentsByParent(entry.Inode)
		if err != nil {
			return err
		}
		if childCount > 0 {
			return errNotEmpty
		}

		nlink, err := tx.CountContentsByInode(entry.Inode)
		if err != nil {
			return err
		}
		open := f.isOpen(entry.Inode)

		if err := tx.DeleteContentsRow(entry.RowID); err != nil {
			return err
		}

		if nlink == 1 && !open {
			ids, err := tx.DeleteMessagesForInode(entry.Inode)
			if err != nil {
				return err
			}
			if err := tx.DeleteInode(entry.Inode); err != nil {
				return err
			}
			idsToDelete = ids
		}
		return nil
	})
	if err != nil {
		return err
	}
	f.deleteRemoteMessages(ctx, idsToDelete)
	return nil
}

// Unlink removes a non-directory entry.
func (f *Filesystem) Unlink(ctx context.Context, parent uint64, name string) error {
	return f.removeEntry(ctx, parent, name, false)
}

// Rmdir removes a directory entry.
func (f *Filesystem) Rmdir(ctx context.Context, parent uint64, name string) error {
	return f.removeEntry(ctx, parent, name, true)
}

// deleteRemoteMessages is a best-effort cleanup after a commit; failures are
// logged, not propagated. A failed delete just leaves an orphaned remote
// object, which is an accepted, non-fatal leak.
func (f *Filesystem) deleteRemoteMessages(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	if err := f.Remote.Delete(ctx, ids); err != nil {
		log.Error().Err(err).Ints64("ids", ids).Msg("failed to delete remote messages, leaving orphans")
	}
}

// --- rename / link ----------------------------------------------------------

// Rename moves/renames a directory entry, overwriting and deleting the
// destination inode (once unreferenced and closed) if one already exists.
func (f *Filesystem) Rename(ctx context.Context, parentOld uint64, nameOld string, parentNew uint64, nameNew string, flags uint32) error {
	if flags != 0 {
		return errInvalid
	}
	var idsToDelete []int64
	err := f.Store.Update(func(tx *store.Tx) error {
		src, err := tx.GetContentsByNameParent([]byte(nameOld), parentOld)
		if err != nil {
			return err
		}

		dst, err := tx.GetContentsByNameParent([]byte(nameNew), parentNew)
		if err == store.ErrNoSuchRow {
			return tx.RenameContents(src.RowID, []byte(nameNew), parentNew)
		}
		if err != nil {
			return err
		}

		childCount, err := tx.CountContentsByParent(dst.Inode)
		if err != nil {
			return err
		}
		if childCount > 0 {
			return errNotEmpty
		}

		oldDestInode := dst.Inode
		nlinkBefore, err := tx.CountContentsByInode(oldDestInode)
		if err != nil {
			return err
		}
		open := f.isOpen(oldDestInode)

		if err := tx.RetargetContents(dst.RowID, src.Inode); err != nil {
			return err
		}
		if err := tx.DeleteContentsRow(src.RowID); err != nil {
			return err
		}

		if nlinkBefore-1 == 0 && !open {
			ids, err := tx.DeleteMessagesForInode(oldDestInode)
			if err != nil {
				return err
			}
			if err := tx.DeleteInode(oldDestInode); err != nil {
				return err
			}
			idsToDelete = ids
		}
		return nil
	})
	if err != nil {
		return err
	}
	f.deleteRemoteMessages(ctx, idsToDelete)
	return nil
}

// Link implements link(): insert a new contents row aliasing inode under
// (newParent, newName).
func (f *Filesystem) Link(inode, newParent uint64, newName string) (*store.Inode, int, error) {
	var row *store.Inode
	var nlink int
	err := f.Store.Update(func(tx *store.Tx) error {
		parentNlink, err := tx.CountContentsByInode(newParent)
		if err != nil {
			return err
		}
		if parentNlink == 0 {
			return errInvalid
		}
		name, err := tx.GetContentsByNameParent([]byte(newName), newParent)
		if err == nil {
			_ = name
			return errExists
		}
		if err != store.ErrNoSuchRow {
			return err
		}
		if _, err := tx.InsertContents([]byte(newName), inode, newParent); err != nil {
			return err
		}
		row, err = tx.GetInode(inode)
		if err != nil {
			return err
		}
		nlink, err = tx.CountContentsByInode(inode)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return row, nlink, nil
}

// --- create family -----------------------------------------------------------

// createEntry implements _create(): validate parent is still linked, insert
// a fresh inode row, bind it into parent under name.
func (f *Filesystem) createEntry(parent uint64, name string, mode, rdev uint32, target []byte, uid, gid uint32) (*store.Inode, error) {
	var row *store.Inode
	err := f.Store.Update(func(tx *store.Tx) error {
		parentNlink, err := tx.CountContentsByInode(parent)
		if err != nil {
			return err
		}
		if parentNlink == 0 {
			return errInvalid
		}
		if _, err := tx.GetContentsByNameParent([]byte(name), parent); err == nil {
			return errExists
		} else if err != store.ErrNoSuchRow {
			return err
		}

		now := nowNS()
		newRow := store.Inode{
			UID: uid, GID: gid, Mode: mode,
			MtimeNS: now, AtimeNS: now, CtimeNS: now,
			Rdev: rdev, Target: target,
		}
		id, err := tx.InsertInode(newRow)
		if err != nil {
			return err
		}
		if _, err := tx.InsertContents([]byte(name), id, parent); err != nil {
			return err
		}
		newRow.ID = id
		row = &newRow
		return nil
	})
	return row, err
}

// Mknod creates a device/regular/fifo node via _create.
func (f *Filesystem) Mknod(parent uint64, name string, mode, rdev uint32, uid, gid uint32) (*store.Inode, error) {
	return f.createEntry(parent, name, mode, rdev, nil, uid, gid)
}

// Mkdir creates a directory via _create.
func (f *Filesystem) Mkdir(parent uint64, name string, mode uint32, uid, gid uint32) (*store.Inode, error) {
	return f.createEntry(parent, name, mode|syscall.S_IFDIR, 0, nil, uid, gid)
}

// Symlink creates a symlink via _create with mode S_IFLNK|0777.
func (f *Filesystem) Symlink(parent uint64, name string, target []byte, uid, gid uint32) (*store.Inode, error) {
	return f.createEntry(parent, name, syscall.S_IFLNK|0777, 0, target, uid, gid)
}

// Create creates a regular file via _create and opens it, matching
// create()'s combined _create+open contract.
func (f *Filesystem) Create(parent uint64, name string, mode, uid, gid uint32) (*store.Inode, error) {
	row, err := f.createEntry(parent, name, mode|syscall.S_IFREG, 0, nil, uid, gid)
	if err != nil {
		return nil, err
	}
	f.Open(row.ID)
	return row, nil
}

// --- setattr -----------------------------------------------------------------

// SetAttrReq carries only the fields the caller asked to change.
type SetAttrReq struct {
	Mode         *uint32
	UID          *uint32
	GID          *uint32
	Size         *uint64
	AtimeNS      *int64
	MtimeNS      *int64
	CtimeNS      *int64 // explicit ctime request; nil means "stamp automatically"
}

// Setattr applies req to inode. If Size is set, the truncated/padded content
// is flushed back through the same upload path Release uses, so size and
// subsequent reads never disagree (see DESIGN.md for why this reuploads
// instead of only updating the stored size).
func (f *Filesystem) Setattr(ctx context.Context, inode uint64, req SetAttrReq) (*store.Inode, int, error) {
	if req.Size != nil {
		content, err := f.readRemoteContent(ctx, inode)
		if err != nil {
			return nil, 0, err
		}
		content = resizeContent(content, *req.Size)
		if err := f.flushContent(ctx, inode, content); err != nil {
			return nil, 0, err
		}
	}

	var row *store.Inode
	var nlink int
	err := f.Store.Update(func(tx *store.Tx) error {
		anyOther := req.Mode != nil || req.UID != nil || req.GID != nil ||
			req.Size != nil || req.AtimeNS != nil || req.MtimeNS != nil
		err := tx.UpdateInode(inode, func(r *store.Inode) {
			if req.Mode != nil {
				r.Mode = *req.Mode
			}
			if req.UID != nil {
				r.UID = *req.UID
			}
			if req.GID != nil {
				r.GID = *req.GID
			}
			if req.Size != nil {
				r.Size = *req.Size
			}
			if req.AtimeNS != nil {
				r.AtimeNS = *req.AtimeNS
			}
			if req.MtimeNS != nil {
				r.MtimeNS = *req.MtimeNS
			}
			if req.CtimeNS != nil {
				r.CtimeNS = *req.CtimeNS
			} else if anyOther {
				r.CtimeNS = nowNS()
			}
		})
		if err != nil {
			return err
		}
		row, err = tx.GetInode(inode)
		if err != nil {
			return err
		}
		nlink, err = tx.CountContentsByInode(inode)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return row, nlink, nil
}

func resizeContent(content []byte, size uint64) []byte {
	if uint64(len(content)) == size {
		return content
	}
	if uint64(len(content)) > size {
		return content[:size]
	}
	out := make([]byte, size)
	copy(out, content)
	return out
}

// --- statfs / open / access ---------------------------------------------------

// StatfsResult reports aggregate block/inode usage, synthesized from the
// sum of stored inode sizes since there is no underlying block device.
type StatfsResult struct {
	Blocks, Bfree, Bavail uint64
	Files, Ffree, Favail  uint64
	Bsize, Frsize         uint32
}

// Statfs sums inode sizes and counts inodes.
func (f *Filesystem) Statfs() (StatfsResult, error) {
	var res StatfsResult
	err := f.Store.View(func(tx *store.Tx) error {
		totalSize, count, err := tx.Stats()
		if err != nil {
			return err
		}
		res.Blocks = totalSize / 512
		if res.Blocks < 1024 {
			res.Bfree = 1024
		} else {
			res.Bfree = res.Blocks
		}
		res.Bavail = res.Bfree
		res.Files = count
		if res.Files < 100 {
			res.Ffree = 100
		} else {
			res.Ffree = res.Files
		}
		res.Favail = res.Ffree
		res.Bsize = 512
		res.Frsize = 512
		return nil
	})
	return res, err
}

// Open increments the open-count for inode and returns the handle (the
// inode id itself - fh and inode are the same thing in this design).
func (f *Filesystem) Open(inode uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCount[inode]++
	return inode
}

// Access always succeeds. No permission check is made here, and since the
// mount does not pass default_permissions the kernel does not check mode
// bits on the filesystem's behalf either.
func (f *Filesystem) Access() error {
	return nil
}

// --- read / write / release --------------------------------------------------

// readRemoteContent resolves an inode's current bytes: cache lookup, then
// message-mapping lookup, then download. A download error propagates to the
// caller rather than silently returning an empty read.
func (f *Filesystem) readRemoteContent(ctx context.Context, inode uint64) ([]byte, error) {
	if data, ok := f.Remote.CacheLookup(inode); ok {
		return data, nil
	}
	var ids []int64
	err := f.Store.View(func(tx *store.Tx) error {
		var err error
		ids, err = tx.GetMessageIDsForInode(inode)
		return err
	})
	if err == store.ErrNoSuchRow {
		return []byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	return f.Remote.Download(ctx, inode, ids)
}

// Read returns content[offset:offset+length], clamped to the available
// length. Returns an empty slice (not an error) if no inode row exists for
// fh.
func (f *Filesystem) Read(ctx context.Context, fh uint64, offset int64, length int) ([]byte, error) {
	exists, err := f.inodeExists(fh)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []byte{}, nil
	}
	content, err := f.readRemoteContent(ctx, fh)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= int64(len(content)) {
		return []byte{}, nil
	}
	end := offset + int64(length)
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[offset:end], nil
}

func (f *Filesystem) inodeExists(inode uint64) (bool, error) {
	err := f.Store.View(func(tx *store.Tx) error {
		_, err := tx.GetInode(inode)
		return err
	})
	if err == store.ErrNoSuchRow {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Write accumulates buf into the single process-global write buffer. At
// most one file is mid-write at a time; the buffer is simply reseated onto
// whichever fh last called Write.
func (f *Filesystem) Write(ctx context.Context, fh uint64, offset int64, buf []byte) (int, error) {
	f.mu.Lock()
	seedNeeded := f.writeBufOf != fh
	f.mu.Unlock()

	if seedNeeded {
		exists, err := f.inodeExists(fh)
		if err != nil {
			return 0, err
		}
		var seed []byte
		if exists {
			seed, err = f.readRemoteContent(ctx, fh)
			if err != nil {
				return 0, err
			}
		}
		f.mu.Lock()
		f.writeBuf = seed
		f.writeBufOf = fh
		f.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if offset == int64(len(f.writeBuf)) {
		f.writeBuf = append(f.writeBuf, buf...)
	} else {
		needed := offset + int64(len(buf))
		if needed > int64(len(f.writeBuf)) {
			grown := make([]byte, needed)
			copy(grown, f.writeBuf)
			f.writeBuf = grown
		}
		copy(f.writeBuf[offset:], buf)
	}
	return len(buf), nil
}

// Close/Fsync are no-ops: content is only durably flushed on Release.
func (f *Filesystem) Close() error { return nil }
func (f *Filesystem) Fsync() error { return nil }

// flushContent uploads content for inode, swaps the message-mapping rows
// inside one store transaction, and deletes the old remote messages only
// after that transaction commits - shared by both Setattr and Release so
// both apply the identical upload-then-commit-then-cleanup ordering (see
// DESIGN.md).
func (f *Filesystem) flushContent(ctx context.Context, inode uint64, content []byte) error {
	name, err := f.anyName(inode)
	if err != nil {
		return err
	}

	ids, err := f.Remote.Upload(ctx, inode, name, content)
	if err != nil {
		return err
	}

	var oldIDs []int64
	err = f.Store.Update(func(tx *store.Tx) error {
		old, err := tx.DeleteMessagesForInode(inode)
		if err != nil {
			return err
		}
		oldIDs = old
		if err := tx.InsertMessages(inode, ids); err != nil {
			return err
		}
		return tx.UpdateInode(inode, func(r *store.Inode) {
			r.Size = uint64(len(content))
		})
	})
	if err != nil {
		return err
	}
	f.deleteRemoteMessages(ctx, oldIDs)
	return nil
}

func (f *Filesystem) anyName(inode uint64) (string, error) {
	var name string
	err := f.Store.View(func(tx *store.Tx) error {
		row, err := tx.GetAnyContentsRowByInode(inode)
		if err != nil {
			return err
		}
		name = string(row.Name)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("tgfs: resolving name for inode %d: %w", inode, err)
	}
	return name, nil
}

// Release flushes any pending write buffer for fh and deletes the inode row
// if it was unlinked while still open. If the flush fails, the error is
// returned and the unflushed bytes stay in the write buffer for fh (unless
// another file has taken the buffer meanwhile).
func (f *Filesystem) Release(ctx context.Context, fh uint64) error {
	f.mu.Lock()
	var toFlush []byte
	if f.writeBufOf == fh && len(f.writeBuf) > 0 {
		toFlush = f.writeBuf
		f.writeBuf = nil
		f.writeBufOf = 0
	}
	f.openCount[fh]--
	reachedZero := f.openCount[fh] <= 0
	if reachedZero {
		delete(f.openCount, fh)
	}
	f.mu.Unlock()

	if toFlush != nil {
		if err := f.flushContent(ctx, fh, toFlush); err != nil {
			f.mu.Lock()
			if f.writeBufOf == 0 {
				f.writeBuf = toFlush
				f.writeBufOf = fh
			}
			f.mu.Unlock()
			return err
		}
	}

	if reachedZero {
		return f.Store.Update(func(tx *store.Tx) error {
			nlink, err := tx.CountContentsByInode(fh)
			if err != nil {
				return err
			}
			if nlink == 0 {
				return tx.DeleteInode(fh)
			}
			return nil
		})
	}
	return nil
}
