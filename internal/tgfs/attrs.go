package tgfs

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tgfusefs/tgfusefs/internal/store"
)

// timeoutSeconds is how long the kernel may cache entry and attribute
// lookups before revalidating them with another upcall.
const timeoutSeconds = 300

func fillAttr(out *fuse.Attr, row *store.Inode, nlink uint32) {
	out.Ino = row.ID
	out.Size = row.Size
	out.Blocks = 1
	out.Atime = uint64(row.AtimeNS / int64(time.Second))
	out.Atimensec = uint32(row.AtimeNS % int64(time.Second))
	out.Mtime = uint64(row.MtimeNS / int64(time.Second))
	out.Mtimensec = uint32(row.MtimeNS % int64(time.Second))
	out.Ctime = uint64(row.CtimeNS / int64(time.Second))
	out.Ctimensec = uint32(row.CtimeNS % int64(time.Second))
	out.Mode = row.Mode
	out.Nlink = nlink
	out.Uid = row.UID
	out.Gid = row.GID
	out.Rdev = row.Rdev
	out.Blksize = 512
}

func fillEntryOut(out *fuse.EntryOut, row *store.Inode, nlink uint32) {
	out.NodeId = row.ID
	out.Generation = 0
	out.EntryValid = timeoutSeconds
	out.AttrValid = timeoutSeconds
	fillAttr(&out.Attr, row, nlink)
}

func fillAttrOut(out *fuse.AttrOut, row *store.Inode, nlink uint32) {
	out.AttrValid = timeoutSeconds
	fillAttr(&out.Attr, row, nlink)
}
