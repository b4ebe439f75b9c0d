// Package metadata converts remote clipboard timestamps into filesystem
// stat attributes.
//
// Remote file descriptors carry Windows FILETIME values (100ns ticks since
// 1601-01-01 UTC). Nodes keep them as time.Time and apply them to the
// attributes returned from Lookup and GetAttr:
//
//	ts := metadata.Timestamps{Mtime: metadata.FromFiletime(ft)}
//	ts.ApplyWithFallback(&out.Attr, created)
package metadata

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// filetimeUnixOffset is the number of 100ns ticks between 1601-01-01 and
// 1970-01-01.
const filetimeUnixOffset = 116444736000000000

// FromFiletime converts a FILETIME tick count to a UTC time. Values before
// the Unix epoch clamp to the epoch.
func FromFiletime(ft uint64) time.Time {
	if ft <= filetimeUnixOffset {
		return time.Unix(0, 0).UTC()
	}
	ticks := ft - filetimeUnixOffset
	return time.Unix(int64(ticks/10000000), int64(ticks%10000000)*100).UTC()
}

// ToFiletime converts t to a FILETIME tick count. Times before the Unix
// epoch map to the epoch.
func ToFiletime(t time.Time) uint64 {
	if t.Before(time.Unix(0, 0)) {
		return filetimeUnixOffset
	}
	return uint64(t.Unix())*10000000 + uint64(t.Nanosecond()/100) + filetimeUnixOffset
}

// Timestamps holds the filesystem timestamps of one node.
type Timestamps struct {
	Ctime time.Time
	Mtime time.Time
	Atime time.Time
}

// IsZero returns true if all timestamps are zero.
func (t Timestamps) IsZero() bool {
	return t.Ctime.IsZero() && t.Mtime.IsZero() && t.Atime.IsZero()
}

// Apply sets the non-zero timestamps on attr.
func (t Timestamps) Apply(attr *fuse.Attr) {
	if !t.Ctime.IsZero() {
		setCtime(attr, t.Ctime)
	}
	if !t.Mtime.IsZero() {
		setMtime(attr, t.Mtime)
	}
	if !t.Atime.IsZero() {
		setAtime(attr, t.Atime)
	}
}

// ApplyWithFallback sets all timestamps on attr, using fallback for any
// timestamp that is zero.
func (t Timestamps) ApplyWithFallback(attr *fuse.Attr, fallback time.Time) {
	setCtime(attr, orElse(t.Ctime, fallback))
	setMtime(attr, orElse(t.Mtime, fallback))
	setAtime(attr, orElse(t.Atime, fallback))
}

func orElse(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func setCtime(attr *fuse.Attr, t time.Time) {
	attr.Ctime = uint64(t.Unix())
	attr.Ctimensec = uint32(t.Nanosecond())
}

func setMtime(attr *fuse.Attr, t time.Time) {
	attr.Mtime = uint64(t.Unix())
	attr.Mtimensec = uint32(t.Nanosecond())
}

func setAtime(attr *fuse.Attr, t time.Time) {
	attr.Atime = uint64(t.Unix())
	attr.Atimensec = uint32(t.Nanosecond())
}
