package tgfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Node is the thin go-fuse glue: it carries no state of its own beyond the
// inode id go-fuse assigns it (via StableAttr.Ino) and a pointer back to the
// shared Filesystem, which does all the real work keyed by that bare id
// rather than by a node object.
type Node struct {
	fs.Inode
	fsys *Filesystem
}

var (
	_ fs.NodeLookuper    = (*Node)(nil)
	_ fs.NodeGetattrer   = (*Node)(nil)
	_ fs.NodeSetattrer   = (*Node)(nil)
	_ fs.NodeReaddirer   = (*Node)(nil)
	_ fs.NodeOpener      = (*Node)(nil)
	_ fs.NodeReader      = (*Node)(nil)
	_ fs.NodeWriter      = (*Node)(nil)
	_ fs.NodeFlusher     = (*Node)(nil)
	_ fs.NodeFsyncer     = (*Node)(nil)
	_ fs.NodeReleaser    = (*Node)(nil)
	_ fs.NodeCreater     = (*Node)(nil)
	_ fs.NodeMkdirer     = (*Node)(nil)
	_ fs.NodeMknoder     = (*Node)(nil)
	_ fs.NodeUnlinker    = (*Node)(nil)
	_ fs.NodeRmdirer     = (*Node)(nil)
	_ fs.NodeRenamer     = (*Node)(nil)
	_ fs.NodeSymlinker   = (*Node)(nil)
	_ fs.NodeLinker      = (*Node)(nil)
	_ fs.NodeReadlinker  = (*Node)(nil)
	_ fs.NodeStatfser    = (*Node)(nil)
	_ fs.NodeAccesser    = (*Node)(nil)
)

// Root builds the node that go-fuse mounts as the filesystem root.
func Root(fsys *Filesystem) *Node {
	return &Node{fsys: fsys}
}

func (n *Node) ino() uint64 {
	return n.StableAttr().Ino
}

// newChild wraps childID in a Node and registers it with go-fuse, reusing
// any already-live *fs.Inode for the same id - go-fuse's own NewInode
// performs the dedup.
func (n *Node) newChild(ctx context.Context, childID uint64, mode uint32) *fs.Inode {
	child := &Node{fsys: n.fsys}
	stable := fs.StableAttr{
		Mode: mode & syscall.S_IFMT,
		Ino:  childID,
	}
	return n.NewInode(ctx, child, stable)
}

// --- lookup / getattr / readlink --------------------------------------------

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	row, nlink, err := n.fsys.Lookup(n.ino(), name)
	if err != nil {
		return nil, toErrno(err)
	}
	fillEntryOut(out, row, uint32(nlink))
	return n.newChild(ctx, row.ID, row.Mode), 0
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	row, nlink, err := n.fsys.Getattr(n.ino())
	if err != nil {
		return toErrno(err)
	}
	fillAttrOut(out, row, uint32(nlink))
	return 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.Readlink(n.ino())
	if err != nil {
		return nil, toErrno(err)
	}
	return target, 0
}

// --- readdir -----------------------------------------------------------------

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.Readdir(n.ino())
	if err != nil {
		return nil, toErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode})
	}
	return fs.NewListDirStream(out), 0
}

// --- unlink / rmdir / rename / link ------------------------------------------

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.Unlink(ctx, n.ino(), name))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.Rmdir(ctx, n.ino(), name))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	return toErrno(n.fsys.Rename(ctx, n.ino(), name, np.ino(), newName, flags))
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	t, ok := target.(*Node)
	if !ok {
		return nil, syscall.EINVAL
	}
	row, nlink, err := n.fsys.Link(t.ino(), n.ino(), name)
	if err != nil {
		return nil, toErrno(err)
	}
	fillEntryOut(out, row, uint32(nlink))
	return n.newChild(ctx, row.ID, row.Mode), 0
}

// --- create family -----------------------------------------------------------

func callerIDs(ctx context.Context) (uid, gid uint32) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid, caller.Gid
	}
	return 0, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	row, err := n.fsys.Mkdir(n.ino(), name, mode, uid, gid)
	if err != nil {
		return nil, toErrno(err)
	}
	fillEntryOut(out, row, 1)
	return n.newChild(ctx, row.ID, row.Mode), 0
}

func (n *Node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	row, err := n.fsys.Mknod(n.ino(), name, mode, rdev, uid, gid)
	if err != nil {
		return nil, toErrno(err)
	}
	fillEntryOut(out, row, 1)
	return n.newChild(ctx, row.ID, row.Mode), 0
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	row, err := n.fsys.Symlink(n.ino(), name, []byte(target), uid, gid)
	if err != nil {
		return nil, toErrno(err)
	}
	fillEntryOut(out, row, 1)
	return n.newChild(ctx, row.ID, row.Mode), 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	row, err := n.fsys.Create(n.ino(), name, mode, uid, gid)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fillEntryOut(out, row, 1)
	return n.newChild(ctx, row.ID, row.Mode), fileHandle(row.ID), 0, 0
}

// --- statfs / open / access ---------------------------------------------------

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	res, err := n.fsys.Statfs()
	if err != nil {
		return toErrno(err)
	}
	out.Blocks = res.Blocks
	out.Bfree = res.Bfree
	out.Bavail = res.Bavail
	out.Files = res.Files
	out.Ffree = res.Ffree
	out.Bsize = res.Bsize
	out.Frsize = res.Frsize
	return 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return fileHandle(n.fsys.Open(n.ino())), 0, 0
}

func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return toErrno(n.fsys.Access())
}

// --- read / write / flush / fsync / release ----------------------------------

// fileHandle threads the inode id through go-fuse's opaque FileHandle type -
// Open and Create both return the inode id itself as the handle, so fh and
// inode are the same number in this design.
type fileHandle uint64

func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.fsys.Read(ctx, uint64(n.ino()), off, len(dest))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *Node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.fsys.Write(ctx, n.ino(), off, data)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(written), 0
}

func (n *Node) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	return toErrno(n.fsys.Close())
}

func (n *Node) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	return toErrno(n.fsys.Fsync())
}

func (n *Node) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	return toErrno(n.fsys.Release(ctx, n.ino()))
}

// --- setattr -----------------------------------------------------------------

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var req SetAttrReq
	if in.Valid&fuse.FATTR_MODE != 0 {
		m := in.Mode
		req.Mode = &m
	}
	if in.Valid&fuse.FATTR_UID != 0 {
		u := in.Owner.Uid
		req.UID = &u
	}
	if in.Valid&fuse.FATTR_GID != 0 {
		g := in.Owner.Gid
		req.GID = &g
	}
	if in.Valid&fuse.FATTR_SIZE != 0 {
		s := in.Size
		req.Size = &s
	}
	if in.Valid&fuse.FATTR_ATIME != 0 {
		ns := int64(in.Atime)*1e9 + int64(in.Atimensec)
		req.AtimeNS = &ns
	}
	if in.Valid&fuse.FATTR_MTIME != 0 {
		ns := int64(in.Mtime)*1e9 + int64(in.Mtimensec)
		req.MtimeNS = &ns
	}

	row, nlink, err := n.fsys.Setattr(ctx, n.ino(), req)
	if err != nil {
		return toErrno(err)
	}
	fillAttrOut(out, row, uint32(nlink))
	return 0
}
