package clipfs

import (
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions configures the kernel mount.
type MountOptions struct {
	FsName     string
	AllowOther bool
	Debug      bool
}

// Mount serves b at mountPoint and returns once the kernel has finished
// the mount handshake. Callers stop it with Unmount.
func Mount(mountPoint string, b *Bridge, opts MountOptions) (*fuse.Server, error) {
	fsName := opts.FsName
	if fsName == "" {
		fsName = "cliprdr"
	}
	srv, err := fuse.NewServer(NewRawFileSystem(b), mountPoint, &fuse.MountOptions{
		FsName:             fsName,
		Name:               "cliprdr",
		AllowOther:         opts.AllowOther,
		Debug:              opts.Debug,
		Options:            []string{"ro"},
		DisableReadDirPlus: true,
		DisableXAttrs:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", mountPoint, err)
	}
	go srv.Serve()
	if err := srv.WaitMount(); err != nil {
		_ = srv.Unmount()
		return nil, fmt.Errorf("wait for mount %s: %w", mountPoint, err)
	}
	return srv, nil
}
