// Package localstream serves local files to a remote clipboard peer.
//
// It is the data-source half of clipboard file transfer: the local side
// announces a selection of paths, the remote asks for sizes and byte
// ranges of entries in the announced list, and may pin a selection with
// lock/unlock so it outlives newer announcements.
package localstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cliprdr-fuse/cliprdr"
	"cliprdr-fuse/logging"
	"cliprdr-fuse/metrics"
)

var (
	ErrNoSelection  = errors.New("localstream: nothing announced")
	ErrUnknownIndex = errors.New("localstream: list index out of range")
	ErrBadRequest   = errors.New("localstream: malformed file contents request")
	ErrIsDirectory  = errors.New("localstream: entry is a directory")
	ErrDuplicate    = errors.New("localstream: duplicate top-level name")
)

// entry is one announced file or directory.
type entry struct {
	local  string
	remote string // relative, '\' separated
	dir    bool
	info   fs.FileInfo

	size      int64
	sizeKnown bool
}

// stream is one announced selection and its lazily opened files.
type stream struct {
	id      uint32
	entries []*entry

	mu     sync.Mutex
	files  map[uint32]*os.File
	closed bool
}

// DefaultMaxRange caps the bytes returned for one range request.
const DefaultMaxRange = 4 << 20

// Option configures a Server.
type Option func(*Server)

// WithMaxRange caps the bytes returned for one range request. Zero keeps
// DefaultMaxRange.
func WithMaxRange(n uint32) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxRange = n
		}
	}
}

// Server answers file contents requests from local files.
type Server struct {
	log      *zap.Logger
	sf       singleflight.Group
	maxRange uint32

	mu      sync.RWMutex
	current *stream
	locked  map[uint32]*stream // by clip data id
	nextID  uint32
}

// NewServer creates a server with nothing announced. A nil logger uses the
// global one.
func NewServer(log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.L()
	}
	s := &Server{
		log:      log.Named("localstream"),
		maxRange: DefaultMaxRange,
		locked:   make(map[uint32]*stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseURIList splits a text/uri-list style selection into local paths.
// Blank lines and comments are skipped and a file:// prefix is optional.
func ParseURIList(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "file://"); ok {
			if p, err := url.PathUnescape(rest); err == nil {
				rest = p
			}
			line = rest
		}
		out = append(out, line)
	}
	return out
}

// Announce makes paths the current selection and returns its stream id.
// Directories are listed recursively, parents before children. The
// previous selection is dropped unless the remote has locked it.
func (s *Server) Announce(paths []string) (uint32, error) {
	entries, err := expand(paths)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.nextID++
	if s.nextID == 0 {
		s.nextID++
	}
	st := &stream{id: s.nextID, entries: entries, files: make(map[uint32]*os.File)}
	prev := s.current
	s.current = st
	discard := prev != nil && !s.isLockedLocked(prev)
	s.mu.Unlock()

	if discard {
		prev.close()
	}
	s.log.Info("local selection announced",
		zap.Uint32("stream", st.id), zap.Int("entries", len(entries)))
	return st.id, nil
}

func expand(paths []string) ([]*entry, error) {
	var out []*entry
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		base := filepath.Base(abs)
		if seen[base] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, base)
		}
		seen[base] = true
		out = append(out, newEntry(abs, base, info))
		if !info.IsDir() {
			continue
		}
		err = filepath.WalkDir(abs, func(local string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if local == abs {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() && !info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(abs, local)
			if err != nil {
				return err
			}
			remote := base + `\` + strings.ReplaceAll(filepath.ToSlash(rel), "/", `\`)
			out = append(out, newEntry(local, remote, info))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func newEntry(local, remote string, info fs.FileInfo) *entry {
	return &entry{local: local, remote: remote, dir: info.IsDir(), info: info}
}

// Lock pins the current selection under clipDataID.
func (s *Server) Lock(clipDataID uint32) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoSelection
	}
	prev := s.locked[clipDataID]
	s.locked[clipDataID] = s.current
	discard := prev != nil && prev != s.current && !s.isLockedLocked(prev)
	s.mu.Unlock()

	if discard {
		prev.close()
	}
	s.log.Debug("clip data locked", logging.ClipDataID(clipDataID))
	return nil
}

// Unlock releases clipDataID. A selection that is neither current nor
// locked under another id is discarded.
func (s *Server) Unlock(clipDataID uint32) error {
	s.mu.Lock()
	st, ok := s.locked[clipDataID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("localstream: clip data id %08x is not locked", clipDataID)
	}
	delete(s.locked, clipDataID)
	discard := st != s.current && !s.isLockedLocked(st)
	s.mu.Unlock()

	if discard {
		st.close()
	}
	s.log.Debug("clip data unlocked", logging.ClipDataID(clipDataID))
	return nil
}

func (s *Server) isLockedLocked(st *stream) bool {
	for _, cur := range s.locked {
		if cur == st {
			return true
		}
	}
	return false
}

func (s *Server) streamFor(req cliprdr.ContentsRequest) (*stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if req.HaveClipDataID {
		st, ok := s.locked[req.ClipDataID]
		if !ok {
			return nil, fmt.Errorf("localstream: clip data id %08x is not locked", req.ClipDataID)
		}
		return st, nil
	}
	if s.current == nil {
		return nil, ErrNoSelection
	}
	return s.current, nil
}

// HandleRequest answers one file contents request. Every failure becomes a
// failure response tagged with the request's stream id.
func (s *Server) HandleRequest(ctx context.Context, req cliprdr.ContentsRequest) cliprdr.ContentsResponse {
	data, err := s.handle(ctx, req)
	metrics.RecordLocalRequest(req.Kind.String(), err == nil, len(data))
	if err != nil {
		s.log.Debug("file contents request failed",
			logging.StreamID(req.StreamID), logging.ListIndex(int(req.ListIndex)),
			logging.Kind(req.Kind.String()), zap.Error(err))
		return cliprdr.FailResponse(req.StreamID)
	}
	return cliprdr.ContentsResponse{StreamID: req.StreamID, OK: true, Data: data}
}

func (s *Server) handle(ctx context.Context, req cliprdr.ContentsRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Kind != cliprdr.ContentsSize && req.Kind != cliprdr.ContentsRange {
		return nil, ErrBadRequest
	}
	st, err := s.streamFor(req)
	if err != nil {
		return nil, err
	}
	if int(req.ListIndex) >= len(st.entries) {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownIndex, req.ListIndex, len(st.entries))
	}
	if st.entries[req.ListIndex].dir {
		return nil, ErrIsDirectory
	}

	if req.Kind == cliprdr.ContentsSize {
		if req.Length != cliprdr.SizeLength {
			return nil, fmt.Errorf("%w: size request for %d bytes", ErrBadRequest, req.Length)
		}
		size, err := s.size(st, req.ListIndex)
		if err != nil {
			return nil, err
		}
		return cliprdr.EncodeSize(uint64(size)), nil
	}

	// Ranges are bounded by the size measured for this stream, so the
	// buffer never exceeds the file or maxRange.
	size, err := s.size(st, req.ListIndex)
	if err != nil {
		return nil, err
	}
	if req.Offset >= uint64(size) {
		return []byte{}, nil
	}
	length := min(uint64(req.Length), uint64(size)-req.Offset, uint64(s.maxRange))
	f, err := st.open(req.ListIndex)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(req.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// size reports the size of an entry, measured once per stream.
func (s *Server) size(st *stream, index uint32) (int64, error) {
	e := st.entries[index]
	st.mu.Lock()
	if e.sizeKnown {
		size := e.size
		st.mu.Unlock()
		return size, nil
	}
	st.mu.Unlock()

	v, err, _ := s.sf.Do(fmt.Sprintf("%d/%d", st.id, index), func() (interface{}, error) {
		f, err := st.open(index)
		if err != nil {
			return nil, err
		}
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, err
		}
		st.mu.Lock()
		e.size, e.sizeKnown = size, true
		st.mu.Unlock()
		return size, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// open returns the cached descriptor of an entry, opening it on first use.
func (st *stream) open(index uint32) (*os.File, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, os.ErrClosed
	}
	if f, ok := st.files[index]; ok {
		return f, nil
	}
	f, err := os.Open(st.entries[index].local)
	if err != nil {
		return nil, err
	}
	st.files[index] = f
	return f, nil
}

func (st *stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for i, f := range st.files {
		f.Close()
		delete(st.files, i)
	}
}

// Descriptors returns the file list of streamID as announced.
func (s *Server) Descriptors(streamID uint32) ([]cliprdr.FileDescriptor, error) {
	st := s.find(streamID)
	if st == nil {
		return nil, fmt.Errorf("localstream: unknown stream %d", streamID)
	}
	out := make([]cliprdr.FileDescriptor, len(st.entries))
	for i, e := range st.entries {
		fd := cliprdr.FileDescriptor{
			Path:     e.remote,
			Dir:      e.dir,
			ReadOnly: e.info.Mode().Perm()&0200 == 0,
			Mtime:    e.info.ModTime().UTC(),
			HasMtime: true,
		}
		if !e.dir {
			fd.Size, fd.HasSize = uint64(e.info.Size()), true
		}
		out[i] = fd
	}
	return out, nil
}

// Describe returns the packed file list of streamID.
func (s *Server) Describe(streamID uint32) ([]byte, error) {
	files, err := s.Descriptors(streamID)
	if err != nil {
		return nil, err
	}
	return cliprdr.MarshalFileList(files)
}

func (s *Server) find(streamID uint32) *stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil && s.current.id == streamID {
		return s.current
	}
	for _, st := range s.locked {
		if st.id == streamID {
			return st
		}
	}
	return nil
}

// Close drops every selection and closes all open files.
func (s *Server) Close() error {
	s.mu.Lock()
	streams := make(map[*stream]struct{})
	if s.current != nil {
		streams[s.current] = struct{}{}
	}
	for _, st := range s.locked {
		streams[st] = struct{}{}
	}
	s.current = nil
	s.locked = make(map[uint32]*stream)
	s.mu.Unlock()

	for st := range streams {
		st.close()
	}
	return nil
}

