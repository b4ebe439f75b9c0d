// Package diag tracks kernel calls that are held open while the bridge
// waits for the remote clipboard owner to answer a file contents request.
package diag

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Op is one held kernel call.
type Op struct {
	ID       uint64
	Session  string `json:",omitempty"`
	Method   string // kernel call, e.g. "GetAttr" or "Read"
	Ino      uint64
	Path     string
	StreamID uint32 `json:",omitempty"`
	Phase    string `json:",omitempty"` // e.g. "awaiting size response"
	Started  time.Time
}

// OpHandle annotates and completes one tracked call. The zero value is a
// no-op.
type OpHandle struct {
	tracker *Tracker
	id      uint64
}

// SetPhase updates the phase annotation.
func (h *OpHandle) SetPhase(phase string) {
	h.update(func(op *Op) { op.Phase = phase })
}

// SetStreamID records the stream id the call is waiting on.
func (h *OpHandle) SetStreamID(id uint32) {
	h.update(func(op *Op) { op.StreamID = id })
}

func (h *OpHandle) update(fn func(*Op)) {
	if h.tracker == nil {
		return
	}
	h.tracker.mu.Lock()
	if op, ok := h.tracker.ops[h.id]; ok {
		fn(&op)
		h.tracker.ops[h.id] = op
	}
	h.tracker.mu.Unlock()
}

// Done removes the call from the tracker. It is safe to call twice.
func (h *OpHandle) Done() {
	if h.tracker == nil {
		return
	}
	h.tracker.mu.Lock()
	delete(h.tracker.ops, h.id)
	h.tracker.mu.Unlock()
}

// Tracker records held kernel calls.
type Tracker struct {
	session string
	nextID  atomic.Uint64
	mu      sync.Mutex
	ops     map[uint64]Op
}

// NewTracker creates a tracker whose ops are labelled with session.
func NewTracker(session string) *Tracker {
	return &Tracker{
		session: session,
		ops:     make(map[uint64]Op),
	}
}

// Track records a held call and returns its handle.
func (t *Tracker) Track(method string, ino uint64, path string) *OpHandle {
	id := t.nextID.Add(1)
	op := Op{
		ID:      id,
		Session: t.session,
		Method:  method,
		Ino:     ino,
		Path:    path,
		Started: time.Now(),
	}
	t.mu.Lock()
	t.ops[id] = op
	t.mu.Unlock()
	return &OpHandle{tracker: t, id: id}
}

// Track is the nil-safe form of Tracker.Track.
func Track(t *Tracker, method string, ino uint64, path string) *OpHandle {
	if t == nil {
		return &OpHandle{}
	}
	return t.Track(method, ino, path)
}

// InFlight returns a snapshot of held calls, oldest first.
func (t *Tracker) InFlight() []Op {
	t.mu.Lock()
	ops := slices.Collect(maps.Values(t.ops))
	t.mu.Unlock()
	slices.SortFunc(ops, func(a, b Op) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ops
}

// Dump renders the held calls one per line.
func (t *Tracker) Dump() string {
	ops := t.InFlight()
	if len(ops) == 0 {
		return "no held calls\n"
	}
	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "%d held call(s):\n", len(ops))
	for _, op := range ops {
		fmt.Fprintf(&b, "  [%d] %s ino=%d", op.ID, op.Method, op.Ino)
		if op.Path != "" {
			fmt.Fprintf(&b, " %s", op.Path)
		}
		if op.StreamID != 0 {
			fmt.Fprintf(&b, " stream=%d", op.StreamID)
		}
		if op.Phase != "" {
			fmt.Fprintf(&b, " [%s]", op.Phase)
		}
		fmt.Fprintf(&b, " (%s)\n", now.Sub(op.Started).Truncate(time.Millisecond))
	}
	return b.String()
}

// Handler serves the dump as text, as JSON with ?json, or appends all
// goroutine stacks with ?stacks.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if _, ok := q["json"]; ok {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(t.InFlight()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, t.Dump())
		if _, ok := q["stacks"]; ok {
			fmt.Fprintf(w, "\n%s", GoroutineStacks())
		}
	})
}

const maxGoroutineStackSize = 64 * 1024

// GoroutineStacks returns the stacks of all goroutines, truncated to 64KB.
func GoroutineStacks() string {
	buf := make([]byte, maxGoroutineStackSize)
	n := runtime.Stack(buf, true)
	s := string(buf[:n])
	if n >= maxGoroutineStackSize {
		s += "\n... truncated at 64KB ...\n"
	}
	return s
}
