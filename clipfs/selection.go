package clipfs

import (
	"fmt"
	"time"
)

// UnpinnedDirName is the directory of the generation that could not be
// pinned with the remote.
const UnpinnedDirName = "current"

// maxLockIDs bounds the number of clip data ids held at once.
const maxLockIDs = 1 << 16

// generation is one announced remote file list.
type generation struct {
	seq    uint64
	lockID uint32
	pinned bool
	top    *Node

	digest    [32]byte
	hasDigest bool
	started   time.Time
}

func (g *generation) dirName() string {
	if g.pinned {
		return fmt.Sprintf("%08x", g.lockID)
	}
	return UnpinnedDirName
}

// registry tracks live generations and the clip data ids they hold.
type registry struct {
	gens     []*generation // active, oldest first
	locks    map[uint32]*generation
	nextLock uint32
	seq      uint64
}

func newRegistry() *registry {
	return &registry{locks: make(map[uint32]*generation)}
}

// reserve creates an inactive generation. A pinned one gets a clip data id
// that is not zero and not held by any other generation.
func (r *registry) reserve(pinned bool, now time.Time) (*generation, error) {
	r.seq++
	g := &generation{seq: r.seq, pinned: pinned, started: now}
	if !pinned {
		return g, nil
	}
	if len(r.locks) >= maxLockIDs {
		return nil, fmt.Errorf("%w: %d clip data ids held", ErrResourceExhausted, len(r.locks))
	}
	for {
		r.nextLock++
		if r.nextLock == 0 {
			continue
		}
		if _, used := r.locks[r.nextLock]; !used {
			break
		}
	}
	g.lockID = r.nextLock
	r.locks[g.lockID] = g
	return g, nil
}

func (r *registry) activate(g *generation) {
	r.gens = append(r.gens, g)
}

// remove deactivates g. It reports false when g was not active.
func (r *registry) remove(g *generation) bool {
	for i, cur := range r.gens {
		if cur == g {
			r.gens = append(r.gens[:i:i], r.gens[i+1:]...)
			return true
		}
	}
	return false
}

// releaseLock frees g's clip data id for reuse.
func (r *registry) releaseLock(g *generation) {
	if g.pinned && r.locks[g.lockID] == g {
		delete(r.locks, g.lockID)
	}
}

func (r *registry) unpinned() *generation {
	for _, g := range r.gens {
		if !g.pinned {
			return g
		}
	}
	return nil
}

func (r *registry) latest() *generation {
	if len(r.gens) == 0 {
		return nil
	}
	return r.gens[len(r.gens)-1]
}

// excessPinned returns the oldest pinned generations beyond keep.
func (r *registry) excessPinned(keep int) []*generation {
	var pinned []*generation
	for _, g := range r.gens {
		if g.pinned {
			pinned = append(pinned, g)
		}
	}
	if len(pinned) <= keep {
		return nil
	}
	return pinned[:len(pinned)-keep]
}

func (r *registry) live() []*generation {
	return append([]*generation(nil), r.gens...)
}
