package testutil

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"cliprdr-fuse/clipfs"
	"cliprdr-fuse/localstream"
)

func publish(t *testing.T, srv *localstream.Server, b *clipfs.Bridge, paths ...string) {
	t.Helper()
	id, err := srv.Announce(paths)
	if err != nil {
		t.Fatal(err)
	}
	files, err := srv.Descriptors(id)
	if err != nil {
		t.Fatal(err)
	}
	for i := range files {
		files[i].HasSize = false
	}
	if err := b.OnNewRemoteSelection(context.Background(), files); err != nil {
		t.Fatal(err)
	}
}

func TestMountedBridgeServesFiles(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "docs", "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	content := []byte("clipboard contents\n")
	if err := os.WriteFile(filepath.Join(src, "docs", "a.txt"), content, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "docs", "sub", "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}

	srv := localstream.NewServer(zap.NewNop())
	defer srv.Close()
	peer := localstream.NewLoopback(srv, false)
	m := Mount(t, MountConfig{Peer: peer})
	publish(t, srv, m.Bridge, filepath.Join(src, "docs"))

	if err := m.WaitForPath(clipfs.UnpinnedDirName+"/docs", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(m.Path(clipfs.UnpinnedDirName, "docs", "a.txt"))
	if err != nil {
		t.Fatalf("read through mount: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("read %q, want %q", got, content)
	}

	entries, err := os.ReadDir(m.Path(clipfs.UnpinnedDirName, "docs"))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "sub" {
		t.Errorf("listing = %v", names)
	}

	info, err := os.Stat(m.Path(clipfs.UnpinnedDirName, "docs", "sub", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 1 || info.Mode().Perm() != 0600 {
		t.Errorf("stat = size %d mode %v", info.Size(), info.Mode())
	}

	if err := os.WriteFile(m.Path(clipfs.UnpinnedDirName, "docs", "a.txt"), []byte("x"), 0644); err == nil {
		t.Error("write through the mount succeeded")
	}
}

func TestMountedBridgeDropsOldSelection(t *testing.T) {
	src := t.TempDir()
	first := filepath.Join(src, "first.txt")
	second := filepath.Join(src, "second.txt")
	os.WriteFile(first, []byte("1"), 0644)
	os.WriteFile(second, []byte("22"), 0644)

	srv := localstream.NewServer(zap.NewNop())
	defer srv.Close()
	peer := localstream.NewLoopback(srv, false)
	m := Mount(t, MountConfig{Peer: peer})

	publish(t, srv, m.Bridge, first)
	if err := m.WaitForPath(clipfs.UnpinnedDirName+"/first.txt", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	publish(t, srv, m.Bridge, second)

	if _, err := os.Stat(m.Path(clipfs.UnpinnedDirName, "first.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("old entry still visible: %v", err)
	}
	got, err := os.ReadFile(m.Path(clipfs.UnpinnedDirName, "second.txt"))
	if err != nil || string(got) != "22" {
		t.Errorf("read = %q, %v", got, err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	srv := localstream.NewServer(zap.NewNop())
	defer srv.Close()
	m := Mount(t, MountConfig{Peer: localstream.NewLoopback(srv, true)})
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if !m.Bridge.Closed() {
		t.Error("bridge not torn down")
	}
}
