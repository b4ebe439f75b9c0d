// Package testutil mounts a bridge in-process for integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"cliprdr-fuse/clipfs"
	"cliprdr-fuse/cliprdr"
)

// SkipWithoutFUSE skips t on hosts that cannot mount FUSE filesystems.
func SkipWithoutFUSE(t testing.TB) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("/dev/fuse not available, skipping FUSE test")
	}
	if _, err := exec.LookPath("fusermount3"); err == nil {
		return
	}
	if _, err := exec.LookPath("fusermount"); err != nil {
		t.Skip("fusermount not found, skipping FUSE test")
	}
}

// attacher is a peer that delivers responses to a sink set after the
// bridge exists.
type attacher interface {
	Attach(sink cliprdr.ResponseSink)
}

// MountConfig configures an in-process mount.
type MountConfig struct {
	Peer    cliprdr.Peer
	Options clipfs.Options
	Debug   bool
	// Timeout bounds the mount handshake. Default 10s.
	Timeout time.Duration
}

// MountedBridge is a bridge served at a temporary mount point.
type MountedBridge struct {
	Bridge     *clipfs.Bridge
	Server     *fuse.Server
	MountPoint string

	errorsMu sync.Mutex
	errors   []error
	stopOnce sync.Once
}

// Mount creates a bridge over cfg.Peer and mounts it under t.TempDir. The
// mount is torn down when the test ends.
func Mount(t testing.TB, cfg MountConfig) *MountedBridge {
	t.Helper()
	SkipWithoutFUSE(t)

	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Options.Logger == nil {
		cfg.Options.Logger = zap.NewNop()
	}
	b := clipfs.NewBridge(cfg.Peer, cfg.Options)
	if a, ok := cfg.Peer.(attacher); ok {
		a.Attach(b)
	}

	mountPoint := filepath.Join(t.TempDir(), "mnt")
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		t.Fatalf("create mount point: %v", err)
	}

	type mounted struct {
		srv *fuse.Server
		err error
	}
	done := make(chan mounted, 1)
	go func() {
		srv, err := clipfs.Mount(mountPoint, b, clipfs.MountOptions{Debug: cfg.Debug})
		done <- mounted{srv, err}
	}()

	var srv *fuse.Server
	select {
	case m := <-done:
		if m.err != nil {
			t.Skipf("cannot mount FUSE filesystem: %v", m.err)
		}
		srv = m.srv
	case <-time.After(cfg.Timeout):
		t.Fatalf("timeout waiting for FUSE mount at %s", mountPoint)
	}

	mb := &MountedBridge{Bridge: b, Server: srv, MountPoint: mountPoint}
	t.Cleanup(func() {
		if err := mb.Stop(); err != nil {
			t.Logf("stop mount: %v", err)
		}
	})
	return mb
}

// Path joins elem onto the mount point.
func (m *MountedBridge) Path(elem ...string) string {
	return filepath.Join(append([]string{m.MountPoint}, elem...)...)
}

// WaitForPath polls until path exists under the mount.
func (m *MountedBridge) WaitForPath(rel string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(m.Path(rel)); err == nil {
			return nil
		} else if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s: %w", rel, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Stop tears the bridge down and unmounts. Unmount is retried while the
// kernel still reports the mount busy.
func (m *MountedBridge) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.Bridge.Teardown(context.Background())
		for i := 0; i < 10; i++ {
			if err = m.Server.Unmount(); err == nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		m.recordError(fmt.Errorf("failed to unmount FUSE filesystem: %w", err))
		clipfs.ForceUnmount(m.MountPoint)
	})
	return err
}

func (m *MountedBridge) recordError(err error) {
	m.errorsMu.Lock()
	defer m.errorsMu.Unlock()
	m.errors = append(m.errors, err)
}

// Errors returns the errors collected while stopping.
func (m *MountedBridge) Errors() []error {
	m.errorsMu.Lock()
	defer m.errorsMu.Unlock()
	return append([]error(nil), m.errors...)
}
