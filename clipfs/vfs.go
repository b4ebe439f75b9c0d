package clipfs

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

func (b *Bridge) entryOut(n *Node) *fuse.EntryOut {
	out := &fuse.EntryOut{NodeId: n.Ino}
	n.fillAttr(&out.Attr, b.opts.Owner)
	out.SetEntryTimeout(b.opts.EntryTimeout)
	out.SetAttrTimeout(b.opts.AttrTimeout)
	return out
}

func (b *Bridge) attrOut(n *Node) *fuse.AttrOut {
	out := &fuse.AttrOut{}
	n.fillAttr(&out.Attr, b.opts.Owner)
	out.SetTimeout(b.opts.AttrTimeout)
	return out
}

func needsSize(n *Node) bool {
	_, known := n.Size()
	return !n.Dir && !known
}

// Lookup resolves name in directory parent. A file whose size is not yet
// known is answered once the remote has reported it.
func (b *Bridge) Lookup(parent uint64, name string, reply Reply) {
	b.mu.Lock()
	dir := b.nodes.find(parent)
	if dir == nil {
		b.mu.Unlock()
		reply.Fail(syscall.ENOENT)
		return
	}
	if !dir.Dir {
		b.mu.Unlock()
		reply.Fail(syscall.ENOTDIR)
		return
	}
	n := b.nodes.child(dir, name)
	if n == nil {
		b.mu.Unlock()
		reply.Fail(syscall.ENOENT)
		return
	}
	if needsSize(n) {
		b.fetchAndUnlock(n, heldCall{kind: callLookup, reply: reply})
		return
	}
	out := b.entryOut(n)
	b.mu.Unlock()
	reply.Entry(out)
}

// GetAttr returns the attributes of ino, fetching the size first if it is
// not yet known.
func (b *Bridge) GetAttr(ino uint64, reply Reply) {
	b.mu.Lock()
	n := b.nodes.find(ino)
	if n == nil {
		b.mu.Unlock()
		reply.Fail(syscall.ENOENT)
		return
	}
	if needsSize(n) {
		b.fetchAndUnlock(n, heldCall{kind: callGetattr, reply: reply})
		return
	}
	out := b.attrOut(n)
	b.mu.Unlock()
	reply.Attr(out)
}

// Open admits read-only opens of files. It never contacts the remote.
func (b *Bridge) Open(ino uint64, flags uint32) (openFlags uint32, errno syscall.Errno) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nodes.find(ino)
	switch {
	case n == nil:
		return 0, syscall.ENOENT
	case n.Dir:
		return 0, syscall.EISDIR
	case flags&syscall.O_ACCMODE != syscall.O_RDONLY,
		flags&(syscall.O_TRUNC|syscall.O_APPEND|syscall.O_CREAT) != 0:
		return 0, syscall.EACCES
	}
	return fuse.FOPEN_DIRECT_IO, 0
}

// OpenDir admits opening directories.
func (b *Bridge) OpenDir(ino uint64) syscall.Errno {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nodes.find(ino)
	switch {
	case n == nil:
		return syscall.ENOENT
	case !n.Dir:
		return syscall.ENOTDIR
	}
	return 0
}

// ReadDir lists ".", ".." and the children of ino in creation order,
// starting at cursor. Each entry's offset is its position plus one, so a
// listing can resume from the last offset the caller consumed. add returns
// false when the caller's buffer is full.
func (b *Bridge) ReadDir(ino uint64, cursor uint64, add func(fuse.DirEntry) bool) syscall.Errno {
	b.mu.Lock()
	n := b.nodes.find(ino)
	if n == nil {
		b.mu.Unlock()
		return syscall.ENOENT
	}
	if !n.Dir {
		b.mu.Unlock()
		return syscall.ENOTDIR
	}
	parentIno := n.Ino
	if n.parent != nil {
		parentIno = n.parent.Ino
	}
	entries := make([]fuse.DirEntry, 0, len(n.children)+2)
	entries = append(entries,
		fuse.DirEntry{Name: ".", Ino: n.Ino, Mode: fuse.S_IFDIR},
		fuse.DirEntry{Name: "..", Ino: parentIno, Mode: fuse.S_IFDIR},
	)
	for _, c := range n.children {
		entries = append(entries, fuse.DirEntry{Name: c.Name, Ino: c.Ino, Mode: c.mode()})
	}
	b.mu.Unlock()

	for i := cursor; i < uint64(len(entries)); i++ {
		e := entries[i]
		e.Off = i + 1
		if !add(e) {
			break
		}
	}
	return 0
}

// Read fetches up to size bytes at offset. Reads past the cached size are
// invalid, reads at the end return no data, and long reads are shortened
// to MaxReadSize.
func (b *Bridge) Read(ino uint64, offset uint64, size uint32, reply Reply) {
	b.mu.Lock()
	n := b.nodes.find(ino)
	if n == nil {
		b.mu.Unlock()
		reply.Fail(syscall.ENOENT)
		return
	}
	if n.Dir {
		b.mu.Unlock()
		reply.Fail(syscall.EISDIR)
		return
	}
	fileSize, known := n.Size()
	if !known || offset > fileSize {
		b.mu.Unlock()
		reply.Fail(syscall.EINVAL)
		return
	}
	if offset == fileSize || size == 0 {
		b.mu.Unlock()
		reply.Data(nil)
		return
	}
	length := uint64(size)
	if ceiling := uint64(b.opts.MaxReadSize); length > ceiling {
		length = ceiling
	}
	if rest := fileSize - offset; length > rest {
		length = rest
	}
	b.fetchAndUnlock(n, heldCall{kind: callRead, reply: reply, offset: offset, length: uint32(length)})
}
