package clipfs

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"cliprdr-fuse/cliprdr"
	"cliprdr-fuse/metadata"
)

// noListIndex marks nodes that do not correspond to a remote descriptor:
// the root and the per-generation top directories.
const noListIndex = -1

// Node is a file or directory of the virtual tree. All fields are guarded
// by the bridge lock.
type Node struct {
	Ino      uint64
	Name     string
	Path     string // relative to the mount root
	Dir      bool
	ReadOnly bool
	// ListIndex addresses the remote descriptor this node was built from.
	ListIndex int
	Created   time.Time

	size       uint64
	sizeKnown  bool
	mtime      time.Time
	mtimeKnown bool

	gen      *generation
	parent   *Node
	children []*Node
	detached bool
}

// Size returns the cached size and whether it has been fetched.
func (n *Node) Size() (uint64, bool) {
	return n.size, n.sizeKnown
}

// Mtime returns the cached last-write time and whether the remote declared it.
func (n *Node) Mtime() (time.Time, bool) {
	return n.mtime, n.mtimeKnown
}

// recordSize fills the write-once size cache. A second call with a
// different value is refused.
func (n *Node) recordSize(size uint64) error {
	if n.sizeKnown && n.size != size {
		return fmt.Errorf("size of %q already recorded as %d, refusing %d", n.Path, n.size, size)
	}
	n.size, n.sizeKnown = size, true
	return nil
}

// recordMtime fills the write-once last-write time cache.
func (n *Node) recordMtime(t time.Time) error {
	if n.mtimeKnown && !n.mtime.Equal(t) {
		return fmt.Errorf("mtime of %q already recorded as %v, refusing %v", n.Path, n.mtime, t)
	}
	n.mtime, n.mtimeKnown = t, true
	return nil
}

func (n *Node) mode() uint32 {
	switch {
	case n.Dir && n.ReadOnly:
		return fuse.S_IFDIR | 0500
	case n.Dir:
		return fuse.S_IFDIR | 0700
	case n.ReadOnly:
		return fuse.S_IFREG | 0400
	default:
		return fuse.S_IFREG | 0600
	}
}

func (n *Node) fillAttr(out *fuse.Attr, owner fuse.Owner) {
	out.Ino = n.Ino
	out.Mode = n.mode()
	out.Nlink = 1
	if n.Dir {
		out.Nlink = 2
	}
	out.Owner = owner
	if size, ok := n.Size(); ok && !n.Dir {
		out.Size = size
		out.Blocks = (size + 511) / 512
	}
	out.Blksize = 4096

	var ts metadata.Timestamps
	if mtime, ok := n.Mtime(); ok {
		ts.Mtime = mtime
	}
	ts.ApplyWithFallback(out, n.Created)
}

// nodeStore owns the tree and the inode map.
type nodeStore struct {
	root  *Node
	byIno map[uint64]*Node
	next  uint64
	max   int
}

func newNodeStore(maxNodes int, now time.Time) *nodeStore {
	root := &Node{
		Ino:       fuse.FUSE_ROOT_ID,
		Dir:       true,
		ListIndex: noListIndex,
		Created:   now,
	}
	return &nodeStore{
		root:  root,
		byIno: map[uint64]*Node{root.Ino: root},
		next:  fuse.FUSE_ROOT_ID,
		max:   maxNodes,
	}
}

// allocIno returns the next inode number that is neither the root nor in
// use.
func (s *nodeStore) allocIno() (uint64, error) {
	if s.max > 0 && len(s.byIno) >= s.max {
		return 0, fmt.Errorf("%w: %d nodes", ErrResourceExhausted, len(s.byIno))
	}
	for {
		s.next++
		if s.next <= fuse.FUSE_ROOT_ID {
			s.next = fuse.FUSE_ROOT_ID + 1
		}
		if _, used := s.byIno[s.next]; !used {
			return s.next, nil
		}
	}
}

// create allocates and links a new node under parent. Nothing is linked
// when it fails.
func (s *nodeStore) create(parent *Node, name string, dir, readOnly bool, gen *generation, listIndex int, now time.Time) (*Node, error) {
	if !parent.Dir {
		return nil, fmt.Errorf("%w: %q", ErrNotDirectory, parent.Path)
	}
	if s.child(parent, name) != nil {
		return nil, fmt.Errorf("%w: duplicate entry %q in %q", ErrInvalidPath, name, parent.Path)
	}
	ino, err := s.allocIno()
	if err != nil {
		return nil, err
	}
	n := &Node{
		Ino:       ino,
		Name:      name,
		Path:      path.Join(parent.Path, name),
		Dir:       dir,
		ReadOnly:  readOnly,
		ListIndex: listIndex,
		Created:   now,
		gen:       gen,
		parent:    parent,
	}
	parent.children = append(parent.children, n)
	s.byIno[ino] = n
	return n, nil
}

func (s *nodeStore) find(ino uint64) *Node {
	return s.byIno[ino]
}

// child scans parent's children for name.
func (s *nodeStore) child(parent *Node, name string) *Node {
	for _, c := range parent.children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// dirByPath resolves a mount-relative directory path one segment at a time.
func (s *nodeStore) dirByPath(p string) *Node {
	n := s.root
	if p == "" {
		return n
	}
	for _, seg := range strings.Split(p, "/") {
		n = s.child(n, seg)
		if n == nil || !n.Dir {
			return nil
		}
	}
	return n
}

// build materializes files under top. Entries must name their parent
// directory before any child. The first bad entry aborts the build; the
// caller detaches top to discard what was created.
func (s *nodeStore) build(top *Node, files []cliprdr.FileDescriptor, now time.Time) error {
	for i, fd := range files {
		rel, err := localPath(fd.Path)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		dir, base := path.Split(rel)
		parent := top
		if dir != "" {
			parent = s.dirByPath(path.Join(top.Path, dir))
			if parent == nil {
				return fmt.Errorf("entry %d %q: %w", i, fd.Path, ErrMissingParent)
			}
		}
		n, err := s.create(parent, base, fd.Dir, fd.ReadOnly, top.gen, i, now)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if fd.HasSize && !fd.Dir {
			if err := n.recordSize(fd.Size); err != nil {
				return err
			}
		}
		if fd.HasMtime {
			if err := n.recordMtime(fd.Mtime); err != nil {
				return err
			}
		}
	}
	return nil
}

// localPath converts a remote relative path to a slash-separated one,
// rejecting components the local filesystem cannot represent.
func localPath(remote string) (string, error) {
	if strings.ContainsAny(remote, "/\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, remote)
	}
	segs := strings.Split(remote, `\`)
	for _, seg := range segs {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, remote)
		}
	}
	return strings.Join(segs, "/"), nil
}

// detach unlinks n and its subtree from the tree and the inode map and
// returns the detached nodes, n first. The nodes stay intact until release.
func (s *nodeStore) detach(n *Node) []*Node {
	if p := n.parent; p != nil {
		for i, c := range p.children {
			if c == n {
				p.children = append(p.children[:i:i], p.children[i+1:]...)
				break
			}
		}
	}
	var out []*Node
	var walk func(*Node)
	walk = func(m *Node) {
		out = append(out, m)
		delete(s.byIno, m.Ino)
		m.detached = true
		for _, c := range m.children {
			walk(c)
		}
	}
	walk(n)
	return out
}

// release drops the links held by detached nodes.
func release(nodes []*Node) {
	for _, n := range nodes {
		n.parent = nil
		n.children = nil
		n.gen = nil
	}
}

// count returns the number of live nodes, the root included.
func (s *nodeStore) count() int {
	return len(s.byIno)
}
