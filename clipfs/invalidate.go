package clipfs

import (
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"cliprdr-fuse/logging"
	"cliprdr-fuse/metrics"
)

// sweep tears down the trees of gens. With all set, every pending request
// is drained, not only those of the swept nodes.
//
// The steps run in a fixed order: detach the nodes and drain their
// requests under the lock, drop the lock, notify the kernel, and only then
// release the nodes. Notifications can trigger new kernel calls into the
// bridge, which must find the lock free and the nodes already gone.
func (b *Bridge) sweep(gens []*generation, all bool) {
	start := time.Now()

	b.mu.Lock()
	var tops, detached []*Node
	for _, g := range gens {
		if g.top == nil {
			continue
		}
		tops = append(tops, g.top)
		detached = append(detached, b.nodes.detach(g.top)...)
		g.top = nil
	}
	gone := make(map[*Node]struct{}, len(detached))
	for _, n := range detached {
		gone[n] = struct{}{}
	}
	drained := b.pending.drainFor(func(r *request) bool {
		if all {
			return true
		}
		_, ok := gone[r.node]
		return ok
	})
	for _, r := range drained {
		r.retire()
		metrics.RecordRequest(r.pdu.Kind.String(), false, time.Since(r.issued))
		r.call.reply.Fail(syscall.EIO)
	}
	notifier := b.notifier
	nodes := b.nodes.count()
	metrics.SetPending(b.pending.len())
	b.mu.Unlock()

	if notifier != nil {
		b.notify(notifier, tops, detached)
	}
	release(detached)

	metrics.SetNodes(nodes)
	metrics.RecordSweep(len(drained), time.Since(start))
	b.log.Debug("invalidation sweep done",
		zap.Int("generations", len(gens)),
		zap.Int("nodes", len(detached)),
		zap.Int("drained", len(drained)))
}

// notify removes the generation directories from the kernel's dentry cache
// and drops cached attributes of everything below them.
func (b *Bridge) notify(n Notifier, tops, detached []*Node) {
	for _, top := range tops {
		st := n.DeleteNotify(fuse.FUSE_ROOT_ID, top.Ino, top.Name)
		b.logNotify("delete", top, st)
	}
	for _, node := range detached {
		if node.parent == nil || node.parent.Ino == fuse.FUSE_ROOT_ID {
			continue
		}
		st := n.InodeNotify(node.Ino, 0, 0)
		b.logNotify("inode", node, st)
	}
}

func (b *Bridge) logNotify(kind string, n *Node, st fuse.Status) {
	// ENOENT: the kernel never looked the node up. ENOSYS: the kernel
	// predates the notification.
	if st.Ok() || st == fuse.ENOENT || st == fuse.ENOSYS {
		return
	}
	b.log.Debug("kernel notification failed",
		zap.String("notify", kind), logging.Ino(n.Ino), logging.Path(n.Path),
		zap.String("status", st.String()))
}
