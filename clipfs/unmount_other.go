//go:build !linux

package clipfs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ForceUnmount forcibly unmounts whatever is mounted at mountPoint.
// Nothing mounted is not an error.
func ForceUnmount(mountPoint string) error {
	err := unix.Unmount(mountPoint, unix.MNT_FORCE)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}
