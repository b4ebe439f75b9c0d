package clipfs

import (
	"fmt"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"cliprdr-fuse/cliprdr"
	"cliprdr-fuse/clipfs/diag"
)

// Reply completes one kernel call. Exactly one method is invoked per call.
// Methods may run with the bridge lock held, so they must not block or
// call back into the Bridge.
type Reply interface {
	Entry(out *fuse.EntryOut)
	Attr(out *fuse.AttrOut)
	Data(data []byte)
	Fail(errno syscall.Errno)
}

type callKind int

const (
	callLookup callKind = iota
	callGetattr
	callRead
)

func (k callKind) String() string {
	switch k {
	case callLookup:
		return "Lookup"
	case callGetattr:
		return "GetAttr"
	case callRead:
		return "Read"
	default:
		return fmt.Sprintf("callKind(%d)", int(k))
	}
}

// heldCall captures what is needed to answer a kernel call once the remote
// has responded.
type heldCall struct {
	kind  callKind
	reply Reply

	offset uint64
	length uint32
}

func (c heldCall) contentsKind() cliprdr.ContentsKind {
	if c.kind == callRead {
		return cliprdr.ContentsRange
	}
	return cliprdr.ContentsSize
}

// request is one in-flight file contents request.
type request struct {
	token  uint32
	node   *Node
	call   heldCall
	pdu    cliprdr.ContentsRequest
	issued time.Time

	timer *time.Timer
	op    *diag.OpHandle
}

// pendingTable correlates stream ids with held kernel calls.
type pendingTable struct {
	byToken map[uint32]*request
	next    uint32
	max     int
}

func newPendingTable(maxPending int) *pendingTable {
	return &pendingTable{byToken: make(map[uint32]*request), max: maxPending}
}

// add allocates a token that is not zero and not in use and stores the
// request under it.
func (t *pendingTable) add(node *Node, call heldCall) (*request, error) {
	if t.max > 0 && len(t.byToken) >= t.max {
		return nil, fmt.Errorf("%w: %d requests in flight", ErrResourceExhausted, len(t.byToken))
	}
	for {
		t.next++
		if t.next == 0 {
			continue
		}
		if _, used := t.byToken[t.next]; !used {
			break
		}
	}
	r := &request{token: t.next, node: node, call: call}
	t.byToken[r.token] = r
	return r, nil
}

// take removes and returns the request for token, or nil if it has
// already been resolved or drained.
func (t *pendingTable) take(token uint32) *request {
	r, ok := t.byToken[token]
	if !ok {
		return nil
	}
	delete(t.byToken, token)
	return r
}

// takeExact removes r only if it still owns its token.
func (t *pendingTable) takeExact(r *request) bool {
	if t.byToken[r.token] != r {
		return false
	}
	delete(t.byToken, r.token)
	return true
}

// drainFor removes every request matching pred and returns them.
func (t *pendingTable) drainFor(pred func(*request) bool) []*request {
	var out []*request
	for token, r := range t.byToken {
		if pred(r) {
			delete(t.byToken, token)
			out = append(out, r)
		}
	}
	return out
}

func (t *pendingTable) len() int {
	return len(t.byToken)
}

// retire stops the request's bookkeeping once it has left the table.
func (r *request) retire() {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.op != nil {
		r.op.Done()
	}
}
