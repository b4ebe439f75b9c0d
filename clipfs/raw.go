package clipfs

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// rawFS adapts a Bridge to go-fuse's raw protocol interface. Kernel inode
// numbers are the bridge's inode numbers.
type rawFS struct {
	fuse.RawFileSystem
	bridge *Bridge
}

var _ fuse.RawFileSystem = (*rawFS)(nil)

// NewRawFileSystem returns the FUSE filesystem serving b.
func NewRawFileSystem(b *Bridge) fuse.RawFileSystem {
	return &rawFS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		bridge:        b,
	}
}

func (fs *rawFS) String() string {
	return "cliprdr-fuse"
}

func (fs *rawFS) Init(s *fuse.Server) {
	fs.bridge.SetNotifier(s)
}

// waiter is the Reply of one go-fuse request. go-fuse serves each request
// on its own goroutine, which blocks here until the bridge answers.
type waiter struct {
	ch chan waitResult
}

type waitResult struct {
	entry *fuse.EntryOut
	attr  *fuse.AttrOut
	data  []byte
	errno syscall.Errno
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan waitResult, 1)}
}

func (w *waiter) Entry(out *fuse.EntryOut) { w.ch <- waitResult{entry: out} }
func (w *waiter) Attr(out *fuse.AttrOut)   { w.ch <- waitResult{attr: out} }
func (w *waiter) Data(data []byte)         { w.ch <- waitResult{data: data} }
func (w *waiter) Fail(errno syscall.Errno) { w.ch <- waitResult{errno: errno} }

// wait returns the bridge's answer, or EINTR if the kernel interrupts the
// request first. A late answer lands in the buffered channel and is
// dropped.
func (w *waiter) wait(cancel <-chan struct{}) (waitResult, fuse.Status) {
	select {
	case r := <-w.ch:
		if r.errno != 0 {
			return r, fuse.Status(r.errno)
		}
		return r, fuse.OK
	case <-cancel:
		return waitResult{}, fuse.EINTR
	}
}

func (fs *rawFS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	w := newWaiter()
	fs.bridge.Lookup(header.NodeId, name, w)
	r, st := w.wait(cancel)
	if !st.Ok() {
		return st
	}
	*out = *r.entry
	return fuse.OK
}

// Forget is ignored: inode numbers are never reused, so a stale kernel
// reference can only resolve to ENOENT.
func (fs *rawFS) Forget(nodeid, nlookup uint64) {}

func (fs *rawFS) GetAttr(cancel <-chan struct{}, in *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	w := newWaiter()
	fs.bridge.GetAttr(in.NodeId, w)
	r, st := w.wait(cancel)
	if !st.Ok() {
		return st
	}
	*out = *r.attr
	return fuse.OK
}

func (fs *rawFS) Access(cancel <-chan struct{}, in *fuse.AccessIn) fuse.Status {
	if in.Mask&2 != 0 { // W_OK
		return fuse.EROFS
	}
	return fuse.OK
}

func (fs *rawFS) Open(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	flags, errno := fs.bridge.Open(in.NodeId, in.Flags)
	if errno != 0 {
		return fuse.Status(errno)
	}
	out.OpenFlags = flags
	return fuse.OK
}

func (fs *rawFS) Read(cancel <-chan struct{}, in *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	w := newWaiter()
	fs.bridge.Read(in.NodeId, in.Offset, in.Size, w)
	r, st := w.wait(cancel)
	if !st.Ok() {
		return nil, st
	}
	return fuse.ReadResultData(r.data), fuse.OK
}

func (fs *rawFS) OpenDir(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	return fuse.Status(fs.bridge.OpenDir(in.NodeId))
}

func (fs *rawFS) ReadDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	return fuse.Status(fs.bridge.ReadDir(in.NodeId, in.Offset, out.AddDirEntry))
}

func (fs *rawFS) StatFs(cancel <-chan struct{}, in *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	nodes, _ := fs.bridge.Stats()
	out.Bsize = 4096
	out.Frsize = 4096
	out.Files = uint64(nodes)
	out.NameLen = 255
	return fuse.OK
}
