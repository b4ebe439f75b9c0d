package clipfs

import (
	"errors"
	"syscall"
)

var (
	ErrNotFound          = errors.New("clipfs: no such node")
	ErrNotDirectory      = errors.New("clipfs: not a directory")
	ErrIsDirectory       = errors.New("clipfs: is a directory")
	ErrAccessDenied      = errors.New("clipfs: read-only filesystem access")
	ErrInvalidArgument   = errors.New("clipfs: invalid argument")
	ErrResourceExhausted = errors.New("clipfs: resource exhausted")
	ErrRemoteFailure     = errors.New("clipfs: remote failure")
	ErrClosed            = errors.New("clipfs: session closed")

	// Tree construction errors abort the whole generation build.
	ErrInvalidPath   = errors.New("clipfs: invalid remote path")
	ErrMissingParent = errors.New("clipfs: parent directory not announced before child")
)

// Errno maps an error to the errno returned to the kernel. Remote failures
// and resource exhaustion both surface as EIO.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrAccessDenied):
		return syscall.EACCES
	case errors.Is(err, ErrInvalidArgument):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}
