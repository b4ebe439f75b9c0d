package clipfs

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"cliprdr-fuse/cliprdr"
	"cliprdr-fuse/mockpeer"
)

// recorder is a Reply that remembers every completion.
type recorder struct {
	mu    sync.Mutex
	done  chan struct{}
	n     int
	entry *fuse.EntryOut
	attr  *fuse.AttrOut
	data  []byte
	errno syscall.Errno
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) complete(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	r.n++
	if r.n == 1 {
		close(r.done)
	}
}

func (r *recorder) Entry(out *fuse.EntryOut) { r.complete(func() { r.entry = out }) }
func (r *recorder) Attr(out *fuse.AttrOut)   { r.complete(func() { r.attr = out }) }
func (r *recorder) Data(data []byte)         { r.complete(func() { r.data = append([]byte{}, data...) }) }
func (r *recorder) Fail(errno syscall.Errno) { r.complete(func() { r.errno = errno }) }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *recorder) replied() bool {
	return r.count() > 0
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func (r *recorder) result() (entry *fuse.EntryOut, attr *fuse.AttrOut, data []byte, errno syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry, r.attr, r.data, r.errno
}

func (r *recorder) mustEntry(t *testing.T) *fuse.EntryOut {
	t.Helper()
	entry, _, _, errno := r.result()
	if errno != 0 {
		t.Fatalf("reply failed: %v", errno)
	}
	if entry == nil {
		t.Fatal("expected an entry reply")
	}
	return entry
}

func (r *recorder) mustAttr(t *testing.T) *fuse.AttrOut {
	t.Helper()
	_, attr, _, errno := r.result()
	if errno != 0 {
		t.Fatalf("reply failed: %v", errno)
	}
	if attr == nil {
		t.Fatal("expected an attr reply")
	}
	return attr
}

func (r *recorder) mustFail(t *testing.T, want syscall.Errno) {
	t.Helper()
	_, _, _, errno := r.result()
	if errno != want {
		t.Fatalf("errno = %v, want %v", errno, want)
	}
}

// fakeNotifier records kernel notifications.
type fakeNotifier struct {
	mu       sync.Mutex
	deletes  []deleteCall
	inodes   []uint64
	onDelete func(parent, child uint64, name string)
}

type deleteCall struct {
	parent, child uint64
	name          string
}

func (n *fakeNotifier) DeleteNotify(parent, child uint64, name string) fuse.Status {
	n.mu.Lock()
	n.deletes = append(n.deletes, deleteCall{parent, child, name})
	hook := n.onDelete
	n.mu.Unlock()
	if hook != nil {
		hook(parent, child, name)
	}
	return fuse.OK
}

func (n *fakeNotifier) InodeNotify(node uint64, off, length int64) fuse.Status {
	n.mu.Lock()
	n.inodes = append(n.inodes, node)
	n.mu.Unlock()
	return fuse.ENOENT
}

func (n *fakeNotifier) deleteCalls() []deleteCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]deleteCall(nil), n.deletes...)
}

func newTestBridge(t *testing.T, opts Options, peerOpts ...mockpeer.Option) (*Bridge, *mockpeer.Peer) {
	t.Helper()
	peer := mockpeer.New(peerOpts...)
	opts.Logger = zap.NewNop()
	b := NewBridge(peer, opts)
	t.Cleanup(func() { b.Teardown(context.Background()) })
	return b, peer
}

func announce(t *testing.T, b *Bridge, files ...cliprdr.FileDescriptor) {
	t.Helper()
	if err := b.OnNewRemoteSelection(context.Background(), files); err != nil {
		t.Fatalf("OnNewRemoteSelection: %v", err)
	}
}

// nodeAt walks a slash-separated path from the root.
func nodeAt(b *Bridge, p string) *Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nodes.root
	for _, seg := range strings.Split(p, "/") {
		if n = b.nodes.child(n, seg); n == nil {
			return nil
		}
	}
	return n
}

func mustNode(t *testing.T, b *Bridge, p string) *Node {
	t.Helper()
	n := nodeAt(b, p)
	if n == nil {
		t.Fatalf("no node at %q", p)
	}
	return n
}

func dir(path string) cliprdr.FileDescriptor {
	return cliprdr.FileDescriptor{Path: path, Dir: true}
}

func file(path string) cliprdr.FileDescriptor {
	return cliprdr.FileDescriptor{Path: path}
}

func sizedFile(path string, size uint64) cliprdr.FileDescriptor {
	return cliprdr.FileDescriptor{Path: path, Size: size, HasSize: true}
}
