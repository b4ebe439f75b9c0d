package localstream

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"cliprdr-fuse/cliprdr"
)

// ErrNotAttached is returned when a request is sent before a sink is
// attached.
var ErrNotAttached = errors.New("localstream: loopback has no response sink")

// Loopback is an in-process cliprdr.Peer backed by a Server. Responses are
// delivered to the attached sink on their own goroutine, as a channel
// thread would deliver them.
type Loopback struct {
	srv     *Server
	pinning bool
	log     *zap.Logger

	mu   sync.Mutex
	sink cliprdr.ResponseSink
	wg   sync.WaitGroup
}

var _ cliprdr.Peer = (*Loopback)(nil)

// NewLoopback connects a peer to srv. With pinning set the peer advertises
// clip data locking.
func NewLoopback(srv *Server, pinning bool) *Loopback {
	return &Loopback{srv: srv, pinning: pinning, log: srv.log.Named("loopback")}
}

// Attach sets where responses go.
func (l *Loopback) Attach(sink cliprdr.ResponseSink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

func (l *Loopback) CanLockClipData() bool {
	return l.pinning
}

func (l *Loopback) LockClipData(ctx context.Context, clipDataID uint32) error {
	return l.srv.Lock(clipDataID)
}

func (l *Loopback) UnlockClipData(ctx context.Context, clipDataID uint32) error {
	return l.srv.Unlock(clipDataID)
}

func (l *Loopback) RequestFileContents(ctx context.Context, req cliprdr.ContentsRequest) error {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	if sink == nil {
		return ErrNotAttached
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		resp := l.srv.HandleRequest(ctx, req)
		l.log.Debug("delivering response",
			zap.Uint32("stream_id", resp.StreamID), zap.Bool("ok", resp.OK), zap.Int("bytes", len(resp.Data)))
		sink.OnResponse(resp)
	}()
	return nil
}

// Wait blocks until every response in flight has been delivered.
func (l *Loopback) Wait() {
	l.wg.Wait()
}
