// Package clipfs exposes the files offered by a remote clipboard as a
// read-only FUSE filesystem.
//
// A Bridge is shared by two actors. The kernel side calls Lookup, GetAttr,
// Open, OpenDir, ReadDir and Read. The protocol side announces new file
// lists, delivers file contents responses and tears the session down. Data
// the bridge does not have is fetched from the remote with a file contents
// request; the kernel call is held by its Reply until the response arrives
// or the generation it belongs to is invalidated.
//
// One mutex guards the node store, the selection registry and the pending
// request table together. It is never held across a call into the Peer or
// a kernel notification.
package clipfs

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"cliprdr-fuse/cliprdr"
	"cliprdr-fuse/clipfs/diag"
	"cliprdr-fuse/logging"
	"cliprdr-fuse/metrics"
)

// DefaultMaxReadSize caps the length of one range request.
const DefaultMaxReadSize = 4 << 20

// Options configures a Bridge. Zero values select defaults where noted.
type Options struct {
	Logger *zap.Logger
	Diag   *diag.Tracker

	// MaxReadSize caps one range request. Default DefaultMaxReadSize.
	MaxReadSize uint32
	// RequestTimeout fails a held call with EIO when the remote has not
	// answered in time. Zero waits until the generation is invalidated.
	RequestTimeout time.Duration
	// RetainGenerations is how many pinned generations stay mounted.
	// Default 1.
	RetainGenerations int
	// MaxNodes and MaxPending bound the node store and the request
	// table. Zero means unbounded.
	MaxNodes   int
	MaxPending int

	// Kernel cache lifetimes for entries and attributes.
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	Owner fuse.Owner
}

// Notifier tells the kernel that cached entries and inodes are stale.
// *fuse.Server implements it.
type Notifier interface {
	DeleteNotify(parent uint64, child uint64, name string) fuse.Status
	InodeNotify(node uint64, off int64, length int64) fuse.Status
}

var _ Notifier = (*fuse.Server)(nil)

// Bridge is the state of one clipboard channel session.
type Bridge struct {
	peer cliprdr.Peer
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// proto serializes generation rollover and teardown, which drop mu
	// while talking to the peer.
	proto sync.Mutex

	mu       sync.Mutex
	nodes    *nodeStore
	sel      *registry
	pending  *pendingTable
	notifier Notifier
	closed   bool
}

// NewBridge creates a bridge that fetches through peer.
func NewBridge(peer cliprdr.Peer, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.MaxReadSize == 0 {
		opts.MaxReadSize = DefaultMaxReadSize
	}
	if opts.RetainGenerations <= 0 {
		opts.RetainGenerations = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		peer:    peer,
		opts:    opts,
		log:     opts.Logger.Named("clipfs"),
		ctx:     ctx,
		cancel:  cancel,
		nodes:   newNodeStore(opts.MaxNodes, time.Now()),
		sel:     newRegistry(),
		pending: newPendingTable(opts.MaxPending),
	}
}

// SetNotifier installs the kernel notification target. Until it is set,
// invalidation skips the notification step.
func (b *Bridge) SetNotifier(n Notifier) {
	b.mu.Lock()
	b.notifier = n
	b.mu.Unlock()
}

// OnNewRemoteSelection replaces the remote generation with one built from
// files. The peer is asked to pin it when it supports clip data locking.
func (b *Bridge) OnNewRemoteSelection(ctx context.Context, files []cliprdr.FileDescriptor) error {
	b.proto.Lock()
	defer b.proto.Unlock()
	return b.rollover(ctx, files, nil)
}

// OnRemoteFileList decodes a packed file list and rolls over to it. A list
// identical to the one backing the newest generation is ignored.
func (b *Bridge) OnRemoteFileList(ctx context.Context, data []byte) error {
	digest := blake3.Sum256(data)

	b.proto.Lock()
	defer b.proto.Unlock()

	b.mu.Lock()
	latest := b.sel.latest()
	unchanged := latest != nil && latest.hasDigest && latest.digest == digest
	b.mu.Unlock()
	if unchanged {
		b.log.Debug("file list unchanged, keeping current generation",
			logging.Generation(latest.seq))
		metrics.RecordUnchangedList()
		return nil
	}

	files, err := cliprdr.ParseFileList(data)
	if err != nil {
		return err
	}
	return b.rollover(ctx, files, &digest)
}

// OnNewLocalSelection ends every remote generation: the local side now
// owns the clipboard.
func (b *Bridge) OnNewLocalSelection(ctx context.Context) {
	b.proto.Lock()
	defer b.proto.Unlock()

	b.mu.Lock()
	gens := b.sel.live()
	b.mu.Unlock()
	for _, g := range gens {
		b.endGeneration(ctx, g)
	}
}

// Teardown invalidates everything, fails every held call and refuses new
// fetches. The mount root stays valid and empty.
func (b *Bridge) Teardown(ctx context.Context) {
	b.proto.Lock()
	defer b.proto.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	gens := b.sel.live()
	for _, g := range gens {
		b.sel.remove(g)
	}
	b.mu.Unlock()

	b.sweep(gens, true)
	for _, g := range gens {
		b.unlock(ctx, g)
	}
	b.cancel()
	metrics.SetGenerationsLive(0)
	b.log.Info("session torn down", zap.Int("generations", len(gens)))
}

func (b *Bridge) rollover(ctx context.Context, files []cliprdr.FileDescriptor, digest *[32]byte) error {
	pin := b.peer.CanLockClipData()

	// An unpinned generation reads from whatever list the remote holds now,
	// so it ends on every rollover whether or not the next one is pinned.
	b.mu.Lock()
	old := b.sel.unpinned()
	b.mu.Unlock()
	if old != nil {
		b.endGeneration(ctx, old)
	}

	g, err := b.beginGeneration(ctx, pin)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if digest != nil {
		g.digest, g.hasDigest = *digest, true
	}
	err = b.materializeLocked(g, files)
	live := len(b.sel.gens)
	nodes := b.nodes.count()
	b.mu.Unlock()
	if err != nil {
		b.log.Error("building generation failed",
			logging.Generation(g.seq), zap.Int("entries", len(files)), zap.Error(err))
		b.endGeneration(ctx, g)
		return fmt.Errorf("build generation %d: %w", g.seq, err)
	}
	metrics.SetNodes(nodes)
	metrics.SetGenerationsLive(live)
	b.log.Info("generation ready",
		logging.Generation(g.seq), zap.String("dir", g.dirName()),
		zap.Bool("pinned", g.pinned), zap.Int("entries", len(files)))

	b.mu.Lock()
	stale := b.sel.excessPinned(b.opts.RetainGenerations)
	b.mu.Unlock()
	for _, old := range stale {
		b.endGeneration(ctx, old)
	}
	return nil
}

// beginGeneration reserves a generation and, if pin is set, locks it with
// the peer before it becomes active. A failed lock discards it.
func (b *Bridge) beginGeneration(ctx context.Context, pin bool) (*generation, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	g, err := b.sel.reserve(pin, time.Now())
	b.mu.Unlock()
	if err != nil {
		metrics.RecordGeneration(pin, false)
		return nil, err
	}

	if pin {
		if err := b.peer.LockClipData(ctx, g.lockID); err != nil {
			b.mu.Lock()
			b.sel.releaseLock(g)
			b.mu.Unlock()
			metrics.RecordGeneration(pin, false)
			return nil, fmt.Errorf("lock clip data %08x: %w", g.lockID, err)
		}
	}

	b.mu.Lock()
	b.sel.activate(g)
	b.mu.Unlock()
	metrics.RecordGeneration(pin, true)
	return g, nil
}

// materializeLocked creates g's top directory and its tree. On failure the
// partial tree is discarded before any other caller can observe it.
func (b *Bridge) materializeLocked(g *generation, files []cliprdr.FileDescriptor) error {
	now := time.Now()
	top, err := b.nodes.create(b.nodes.root, g.dirName(), true, true, g, noListIndex, now)
	if err != nil {
		return err
	}
	g.top = top
	if err := b.nodes.build(top, files, now); err != nil {
		release(b.nodes.detach(top))
		g.top = nil
		return err
	}
	return nil
}

// endGeneration invalidates g and then releases its lock with the peer.
func (b *Bridge) endGeneration(ctx context.Context, g *generation) {
	b.mu.Lock()
	removed := b.sel.remove(g)
	live := len(b.sel.gens)
	b.mu.Unlock()
	if !removed {
		return
	}
	b.sweep([]*generation{g}, false)
	b.unlock(ctx, g)
	metrics.SetGenerationsLive(live)
	b.log.Debug("generation ended", logging.Generation(g.seq), zap.String("dir", g.dirName()))
}

// unlock is best effort: the channel may already be closing.
func (b *Bridge) unlock(ctx context.Context, g *generation) {
	if !g.pinned {
		return
	}
	if err := b.peer.UnlockClipData(ctx, g.lockID); err != nil {
		b.log.Warn("unlock clip data failed",
			logging.ClipDataID(g.lockID), logging.Generation(g.seq), zap.Error(err))
		metrics.RecordUnlockFailure()
	}
	b.mu.Lock()
	b.sel.releaseLock(g)
	b.mu.Unlock()
}

// OnResponse completes the held call waiting on resp.StreamID. Responses
// for stream ids that are no longer pending are dropped.
func (b *Bridge) OnResponse(resp cliprdr.ContentsResponse) {
	b.mu.Lock()
	r := b.pending.take(resp.StreamID)
	if r == nil {
		b.mu.Unlock()
		b.log.Debug("dropping response for unknown stream", logging.StreamID(resp.StreamID))
		metrics.RecordLateResponse()
		return
	}
	deliver := b.resolveLocked(r, resp)
	metrics.SetPending(b.pending.len())
	b.mu.Unlock()
	deliver()
}

var _ cliprdr.ResponseSink = (*Bridge)(nil)

// resolveLocked builds the reply for a completed request. The returned
// func delivers it and runs without the lock.
func (b *Bridge) resolveLocked(r *request, resp cliprdr.ContentsResponse) func() {
	r.retire()
	kind := r.pdu.Kind.String()
	reply := r.call.reply
	fail := func(err error) func() {
		b.log.Warn("file contents request failed",
			logging.StreamID(r.token), logging.Path(r.node.Path), logging.Kind(kind), zap.Error(err))
		metrics.RecordRequest(kind, false, time.Since(r.issued))
		return func() { reply.Fail(syscall.EIO) }
	}

	if !resp.OK {
		return fail(ErrRemoteFailure)
	}

	switch r.call.kind {
	case callRead:
		data := resp.Data
		if uint32(len(data)) > r.call.length {
			data = data[:r.call.length]
		}
		metrics.RecordRequest(kind, true, time.Since(r.issued))
		metrics.RecordBytesRead(len(data))
		return func() { reply.Data(data) }

	default:
		size, err := cliprdr.DecodeSize(resp.Data)
		if err != nil {
			return fail(fmt.Errorf("%w: %v", ErrRemoteFailure, err))
		}
		if err := r.node.recordSize(size); err != nil {
			b.log.Error("remote changed the size of a pinned file", zap.Error(err))
			return fail(err)
		}
		metrics.RecordRequest(kind, true, time.Since(r.issued))
		if r.call.kind == callLookup {
			out := b.entryOut(r.node)
			return func() { reply.Entry(out) }
		}
		out := b.attrOut(r.node)
		return func() { reply.Attr(out) }
	}
}

// fetchAndUnlock registers a request for n, drops the lock and sends it.
// Must be called with mu held.
func (b *Bridge) fetchAndUnlock(n *Node, call heldCall) {
	r, err := b.registerLocked(n, call)
	b.mu.Unlock()
	if err != nil {
		call.reply.Fail(Errno(err))
		return
	}
	b.send(r)
}

func (b *Bridge) registerLocked(n *Node, call heldCall) (*request, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if n.ListIndex < 0 {
		return nil, fmt.Errorf("%w: %q has no remote file", ErrInvalidArgument, n.Path)
	}
	r, err := b.pending.add(n, call)
	if err != nil {
		return nil, err
	}
	r.pdu = cliprdr.ContentsRequest{
		StreamID:  r.token,
		ListIndex: uint32(n.ListIndex),
		Kind:      call.contentsKind(),
		Offset:    call.offset,
		Length:    call.length,
	}
	if r.pdu.Kind == cliprdr.ContentsSize {
		r.pdu.Length = cliprdr.SizeLength
	}
	if g := n.gen; g != nil && g.pinned {
		r.pdu.ClipDataID, r.pdu.HaveClipDataID = g.lockID, true
	}
	r.issued = time.Now()
	r.op = diag.Track(b.opts.Diag, call.kind.String(), n.Ino, n.Path)
	r.op.SetStreamID(r.token)
	r.op.SetPhase("awaiting " + r.pdu.Kind.String() + " response")
	if b.opts.RequestTimeout > 0 {
		r.timer = time.AfterFunc(b.opts.RequestTimeout, func() { b.expire(r) })
	}
	metrics.SetPending(b.pending.len())
	return r, nil
}

// send issues r outside the lock. A synchronous send failure withdraws the
// request unless it was already completed by someone else.
func (b *Bridge) send(r *request) {
	err := b.peer.RequestFileContents(b.ctx, r.pdu)
	if err == nil {
		return
	}
	b.mu.Lock()
	owned := b.pending.takeExact(r)
	metrics.SetPending(b.pending.len())
	b.mu.Unlock()
	if !owned {
		return
	}
	r.retire()
	b.log.Warn("sending file contents request failed",
		logging.StreamID(r.token), logging.Path(r.node.Path), zap.Error(err))
	metrics.RecordRequest(r.pdu.Kind.String(), false, time.Since(r.issued))
	r.call.reply.Fail(syscall.EIO)
}

func (b *Bridge) expire(r *request) {
	b.mu.Lock()
	owned := b.pending.takeExact(r)
	metrics.SetPending(b.pending.len())
	b.mu.Unlock()
	if !owned {
		return
	}
	r.retire()
	b.log.Warn("file contents request timed out",
		logging.StreamID(r.token), logging.Path(r.node.Path),
		logging.Duration(b.opts.RequestTimeout))
	metrics.RecordRequest(r.pdu.Kind.String(), false, time.Since(r.issued))
	r.call.reply.Fail(syscall.EIO)
}

// GenerationInfo describes one live generation.
type GenerationInfo struct {
	Seq    uint64
	Dir    string
	Pinned bool
	LockID uint32
	Ino    uint64
}

// Generations lists the live generations, oldest first.
func (b *Bridge) Generations() []GenerationInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []GenerationInfo
	for _, g := range b.sel.gens {
		info := GenerationInfo{Seq: g.seq, Dir: g.dirName(), Pinned: g.pinned, LockID: g.lockID}
		if g.top != nil {
			info.Ino = g.top.Ino
		}
		out = append(out, info)
	}
	return out
}

// Stats reports the sizes of the bridge's tables.
func (b *Bridge) Stats() (nodes, pending int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodes.count(), b.pending.len()
}

// Closed reports whether Teardown has run.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
