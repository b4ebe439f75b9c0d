// Package mockpeer provides a scriptable remote clipboard owner for tests.
//
// The peer records every PDU the bridge sends and answers nothing on its
// own unless an auto-responder is configured. Tests deliver responses
// explicitly, which lets them hold kernel calls open for as long as they
// need:
//
//	p := mockpeer.New(mockpeer.WithPinning(true))
//	b := clipfs.NewBridge(p, clipfs.Options{})
//	...
//	req := p.LastRequest()
//	b.OnResponse(cliprdr.SizeResponse(req.StreamID, 42))
package mockpeer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cliprdr-fuse/cliprdr"
)

// Call is one recorded PDU.
type Call struct {
	Op         string // "lock", "unlock" or "contents"
	ClipDataID uint32
	Request    cliprdr.ContentsRequest
}

// Peer is a fake cliprdr.Peer.
type Peer struct {
	pinning atomic.Bool

	lockErr   error
	unlockErr error
	sendErr   error

	onLock    func(clipDataID uint32)
	onUnlock  func(clipDataID uint32)
	responder func(req cliprdr.ContentsRequest) (cliprdr.ContentsResponse, bool)
	sink      cliprdr.ResponseSink

	locks         int32
	unlocks       int32
	sizeRequests  int32
	rangeRequests int32

	mu      sync.Mutex
	calls   []Call
	changed chan struct{}
}

var _ cliprdr.Peer = (*Peer)(nil)

// Option configures a mock peer.
type Option func(*Peer)

// WithPinning sets whether the peer advertises CB_CAN_LOCK_CLIPDATA.
func WithPinning(enabled bool) Option {
	return func(p *Peer) {
		p.pinning.Store(enabled)
	}
}

// WithLockError makes every lock fail with err.
func WithLockError(err error) Option {
	return func(p *Peer) {
		p.lockErr = err
	}
}

// WithUnlockError makes every unlock fail with err.
func WithUnlockError(err error) Option {
	return func(p *Peer) {
		p.unlockErr = err
	}
}

// WithSendError makes every file contents request fail synchronously.
func WithSendError(err error) Option {
	return func(p *Peer) {
		p.sendErr = err
	}
}

// WithLockHook sets a callback invoked on every lock, before it succeeds.
func WithLockHook(h func(clipDataID uint32)) Option {
	return func(p *Peer) {
		p.onLock = h
	}
}

// WithUnlockHook sets a callback invoked on every unlock.
func WithUnlockHook(h func(clipDataID uint32)) Option {
	return func(p *Peer) {
		p.onUnlock = h
	}
}

// WithResponder answers requests on a new goroutine through sink whenever
// fn returns true.
func WithResponder(sink cliprdr.ResponseSink, fn func(req cliprdr.ContentsRequest) (cliprdr.ContentsResponse, bool)) Option {
	return func(p *Peer) {
		p.sink = sink
		p.responder = fn
	}
}

// New creates a mock peer.
func New(opts ...Option) *Peer {
	p := &Peer{changed: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetResponder installs an auto-responder after construction, for sinks
// that need the peer to exist first.
func (p *Peer) SetResponder(sink cliprdr.ResponseSink, fn func(req cliprdr.ContentsRequest) (cliprdr.ContentsResponse, bool)) {
	p.mu.Lock()
	p.sink, p.responder = sink, fn
	p.mu.Unlock()
}

// SetPinning changes the advertised capability, as when the remote
// renegotiates CB_CAN_LOCK_CLIPDATA.
func (p *Peer) SetPinning(enabled bool) {
	p.pinning.Store(enabled)
}

func (p *Peer) CanLockClipData() bool {
	return p.pinning.Load()
}

func (p *Peer) LockClipData(ctx context.Context, clipDataID uint32) error {
	atomic.AddInt32(&p.locks, 1)
	p.record(Call{Op: "lock", ClipDataID: clipDataID})
	if p.onLock != nil {
		p.onLock(clipDataID)
	}
	return p.lockErr
}

func (p *Peer) UnlockClipData(ctx context.Context, clipDataID uint32) error {
	atomic.AddInt32(&p.unlocks, 1)
	p.record(Call{Op: "unlock", ClipDataID: clipDataID})
	if p.onUnlock != nil {
		p.onUnlock(clipDataID)
	}
	return p.unlockErr
}

func (p *Peer) RequestFileContents(ctx context.Context, req cliprdr.ContentsRequest) error {
	switch req.Kind {
	case cliprdr.ContentsSize:
		atomic.AddInt32(&p.sizeRequests, 1)
	case cliprdr.ContentsRange:
		atomic.AddInt32(&p.rangeRequests, 1)
	}
	p.record(Call{Op: "contents", ClipDataID: req.ClipDataID, Request: req})
	if p.sendErr != nil {
		return p.sendErr
	}

	p.mu.Lock()
	sink, responder := p.sink, p.responder
	p.mu.Unlock()
	if responder != nil {
		if resp, ok := responder(req); ok {
			go sink.OnResponse(resp)
		}
	}
	return nil
}

func (p *Peer) record(c Call) {
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// LockCount returns the number of lock PDUs sent.
func (p *Peer) LockCount() int { return int(atomic.LoadInt32(&p.locks)) }

// UnlockCount returns the number of unlock PDUs sent.
func (p *Peer) UnlockCount() int { return int(atomic.LoadInt32(&p.unlocks)) }

// SizeRequests returns the number of size requests sent.
func (p *Peer) SizeRequests() int { return int(atomic.LoadInt32(&p.sizeRequests)) }

// RangeRequests returns the number of range requests sent.
func (p *Peer) RangeRequests() int { return int(atomic.LoadInt32(&p.rangeRequests)) }

// Calls returns every recorded PDU in order.
func (p *Peer) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Requests returns the recorded file contents requests in order.
func (p *Peer) Requests() []cliprdr.ContentsRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []cliprdr.ContentsRequest
	for _, c := range p.calls {
		if c.Op == "contents" {
			out = append(out, c.Request)
		}
	}
	return out
}

// LastRequest returns the most recent file contents request. It panics if
// there is none.
func (p *Peer) LastRequest() cliprdr.ContentsRequest {
	reqs := p.Requests()
	if len(reqs) == 0 {
		panic("mockpeer: no file contents request recorded")
	}
	return reqs[len(reqs)-1]
}

// WaitForRequests blocks until at least n file contents requests have been
// recorded.
func (p *Peer) WaitForRequests(n int, timeout time.Duration) ([]cliprdr.ContentsRequest, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if reqs := p.Requests(); len(reqs) >= n {
			return reqs, nil
		}
		select {
		case <-p.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return p.Requests(), fmt.Errorf("mockpeer: %d requests after %v, want %d", len(p.Requests()), timeout, n)
		}
	}
}
