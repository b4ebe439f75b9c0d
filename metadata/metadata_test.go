package metadata

import (
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

func TestFromFiletime(t *testing.T) {
	tests := []struct {
		name string
		ft   uint64
		want time.Time
	}{
		{"epoch", filetimeUnixOffset, time.Unix(0, 0).UTC()},
		{"before epoch clamps", 42, time.Unix(0, 0).UTC()},
		{"zero clamps", 0, time.Unix(0, 0).UTC()},
		{"one second", filetimeUnixOffset + 10000000, time.Unix(1, 0).UTC()},
		{"sub-second ticks", filetimeUnixOffset + 10000000 + 5, time.Unix(1, 500).UTC()},
		{
			"2024-01-15T10:30:00Z",
			133497882000000000,
			time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromFiletime(tt.ft)
			if !got.Equal(tt.want) {
				t.Errorf("FromFiletime(%d) = %v, want %v", tt.ft, got, tt.want)
			}
		})
	}
}

func TestToFiletimeRoundTrip(t *testing.T) {
	ts := time.Date(2023, 6, 1, 12, 0, 0, 123456700, time.UTC)
	ft := ToFiletime(ts)
	if got := FromFiletime(ft); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
	if got := ToFiletime(time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)); got != filetimeUnixOffset {
		t.Errorf("pre-epoch ToFiletime = %d, want %d", got, uint64(filetimeUnixOffset))
	}
}

func TestTimestampsApply(t *testing.T) {
	mtime := time.Date(2024, 1, 16, 14, 20, 0, 500, time.UTC)
	var attr fuse.Attr
	Timestamps{Mtime: mtime}.Apply(&attr)

	if attr.Mtime != uint64(mtime.Unix()) || attr.Mtimensec != 500 {
		t.Errorf("Mtime = %d.%d, want %d.500", attr.Mtime, attr.Mtimensec, mtime.Unix())
	}
	if attr.Ctime != 0 || attr.Atime != 0 {
		t.Errorf("zero timestamps should not be applied: ctime=%d atime=%d", attr.Ctime, attr.Atime)
	}
}

func TestTimestampsApplyWithFallback(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mtime := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	var attr fuse.Attr
	Timestamps{Mtime: mtime}.ApplyWithFallback(&attr, fallback)

	if attr.Mtime != uint64(mtime.Unix()) {
		t.Errorf("Mtime = %d, want %d", attr.Mtime, mtime.Unix())
	}
	if attr.Ctime != uint64(fallback.Unix()) {
		t.Errorf("Ctime = %d, want fallback %d", attr.Ctime, fallback.Unix())
	}
	if attr.Atime != uint64(fallback.Unix()) {
		t.Errorf("Atime = %d, want fallback %d", attr.Atime, fallback.Unix())
	}
}

func TestTimestampsIsZero(t *testing.T) {
	if !(Timestamps{}).IsZero() {
		t.Error("empty Timestamps should be zero")
	}
	if (Timestamps{Atime: time.Now()}).IsZero() {
		t.Error("Timestamps with Atime should not be zero")
	}
}
