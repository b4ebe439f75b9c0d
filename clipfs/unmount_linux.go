package clipfs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ForceUnmount lazily detaches whatever is mounted at mountPoint, such as
// a mount left behind by a crashed process. Nothing mounted is not an
// error.
func ForceUnmount(mountPoint string) error {
	err := unix.Unmount(mountPoint, unix.MNT_DETACH)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}
