package tgfs

import (
	"errors"
	"syscall"

	"github.com/tgfusefs/tgfusefs/internal/remote"
	"github.com/tgfusefs/tgfusefs/internal/store"
)

// Sentinel errors for filesystem-level failure modes that don't originate
// in the metadata store or the remote object store client.
var (
	errIsDir    = errors.New("tgfs: is a directory")
	errNotDir   = errors.New("tgfs: not a directory")
	errNotEmpty = errors.New("tgfs: directory not empty")
	errInvalid  = errors.New("tgfs: invalid argument or unlinked parent")
	errExists   = errors.New("tgfs: entry already exists")
)

// toErrno translates an internal error into the syscall.Errno FSO upcalls
// hand back to go-fuse. Nothing else is allowed to cross that boundary.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, store.ErrNoSuchRow):
		return syscall.ENOENT
	case errors.Is(err, store.ErrNoUniqueValue):
		// internal invariant violation: too many rows where one was
		// expected surfaces as EIO, not ENOENT.
		return syscall.EIO
	case errors.Is(err, errIsDir):
		return syscall.EISDIR
	case errors.Is(err, errNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, errNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, errInvalid):
		return syscall.EINVAL
	case errors.Is(err, errExists):
		return syscall.EEXIST
	case errors.Is(err, remote.ErrIntegrity):
		return syscall.EIO
	default:
		// remote I/O errors and anything unanticipated surface as EIO.
		return syscall.EIO
	}
}
