package localstream

import (
	"context"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"cliprdr-fuse/clipfs"
	"cliprdr-fuse/cliprdr"
)

type result struct {
	entry *fuse.EntryOut
	attr  *fuse.AttrOut
	data  []byte
	errno syscall.Errno
}

// chanReply hands the bridge's answer to the test goroutine.
type chanReply chan result

func (c chanReply) Entry(out *fuse.EntryOut) { c <- result{entry: out} }
func (c chanReply) Attr(out *fuse.AttrOut)   { c <- result{attr: out} }
func (c chanReply) Data(data []byte)         { c <- result{data: data} }
func (c chanReply) Fail(errno syscall.Errno) { c <- result{errno: errno} }

func await(t *testing.T, issue func(clipfs.Reply)) result {
	t.Helper()
	c := make(chanReply, 1)
	issue(c)
	select {
	case r := <-c:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from the bridge")
		return result{}
	}
}

func lookup(t *testing.T, b *clipfs.Bridge, p string) *fuse.EntryOut {
	t.Helper()
	ino := uint64(fuse.FUSE_ROOT_ID)
	var out *fuse.EntryOut
	for _, name := range strings.Split(p, "/") {
		r := await(t, func(reply clipfs.Reply) { b.Lookup(ino, name, reply) })
		if r.errno != 0 {
			t.Fatalf("lookup %q in %q: %v", name, p, r.errno)
		}
		out = r.entry
		ino = out.NodeId
	}
	return out
}

// stripSizes drops declared sizes so the bridge has to ask for them.
func stripSizes(files []cliprdr.FileDescriptor) []cliprdr.FileDescriptor {
	out := append([]cliprdr.FileDescriptor(nil), files...)
	for i := range out {
		out[i].Size, out[i].HasSize = 0, false
	}
	return out
}

func TestLoopbackServesBridge(t *testing.T) {
	root := t.TempDir()
	content := strings.Repeat("a", 42)
	writeFile(t, filepath.Join(root, "docs", "a.txt"), content)

	srv := newTestServer(t)
	id, err := srv.Announce([]string{filepath.Join(root, "docs")})
	if err != nil {
		t.Fatal(err)
	}
	files, err := srv.Descriptors(id)
	if err != nil {
		t.Fatal(err)
	}

	peer := NewLoopback(srv, true)
	b := clipfs.NewBridge(peer, clipfs.Options{Logger: zap.NewNop(), MaxReadSize: 16})
	peer.Attach(b)
	ctx := context.Background()
	defer func() {
		b.Teardown(ctx)
		peer.Wait()
	}()

	if err := b.OnNewRemoteSelection(ctx, stripSizes(files)); err != nil {
		t.Fatal(err)
	}
	entry := lookup(t, b, "00000001/docs/a.txt")
	if entry.Attr.Size != 42 {
		t.Fatalf("size = %d, want 42", entry.Attr.Size)
	}

	var got []byte
	for {
		r := await(t, func(reply clipfs.Reply) { b.Read(entry.NodeId, uint64(len(got)), 100, reply) })
		if r.errno != 0 {
			t.Fatalf("read at %d: %v", len(got), r.errno)
		}
		if len(r.data) == 0 {
			break
		}
		got = append(got, r.data...)
	}
	if string(got) != content {
		t.Errorf("read %q", got)
	}
}

func TestLoopbackPinnedGenerationSurvivesNewAnnouncement(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "old.txt"), "old")
	writeFile(t, filepath.Join(root, "new.txt"), "newer")

	srv := newTestServer(t)
	peer := NewLoopback(srv, true)
	b := clipfs.NewBridge(peer, clipfs.Options{Logger: zap.NewNop(), RetainGenerations: 2})
	peer.Attach(b)
	ctx := context.Background()
	defer func() {
		b.Teardown(ctx)
		peer.Wait()
	}()

	publish := func(path string) {
		id, err := srv.Announce([]string{path})
		if err != nil {
			t.Fatal(err)
		}
		files, err := srv.Descriptors(id)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.OnNewRemoteSelection(ctx, stripSizes(files)); err != nil {
			t.Fatal(err)
		}
	}
	publish(filepath.Join(root, "old.txt"))
	publish(filepath.Join(root, "new.txt"))

	if got := lookup(t, b, "00000001/old.txt").Attr.Size; got != 3 {
		t.Errorf("pinned old size = %d, want 3", got)
	}
	if got := lookup(t, b, "00000002/new.txt").Attr.Size; got != 5 {
		t.Errorf("new size = %d, want 5", got)
	}
}

func TestLoopbackUnpinnedFollowsCurrentSelection(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "f"), "12345")

	srv := newTestServer(t)
	peer := NewLoopback(srv, false)
	b := clipfs.NewBridge(peer, clipfs.Options{Logger: zap.NewNop()})
	peer.Attach(b)
	ctx := context.Background()
	defer func() {
		b.Teardown(ctx)
		peer.Wait()
	}()

	id, err := srv.Announce([]string{filepath.Join(root, "f")})
	if err != nil {
		t.Fatal(err)
	}
	data, err := srv.Describe(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.OnRemoteFileList(ctx, data); err != nil {
		t.Fatal(err)
	}
	entry := lookup(t, b, clipfs.UnpinnedDirName+"/f")
	if entry.Attr.Size != 5 {
		t.Errorf("size = %d", entry.Attr.Size)
	}
	r := await(t, func(reply clipfs.Reply) { b.Read(entry.NodeId, 1, 3, reply) })
	if string(r.data) != "234" {
		t.Errorf("read = %q errno=%v", r.data, r.errno)
	}
}

func TestLoopbackWithoutSink(t *testing.T) {
	peer := NewLoopback(newTestServer(t), false)
	if err := peer.RequestFileContents(context.Background(), cliprdr.ContentsRequest{}); err != ErrNotAttached {
		t.Errorf("err = %v, want ErrNotAttached", err)
	}
}
