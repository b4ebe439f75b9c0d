package cliprdr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"

	"cliprdr-fuse/metadata"
)

// FILEDESCRIPTORW flags and attributes used by the bridge.
const (
	FDAttributes     = 0x00000004
	FDWritesTime     = 0x00000020
	FDFileSize       = 0x00000040
	FDShowProgressUI = 0x00004000

	FileAttributeReadOnly  = 0x00000001
	FileAttributeDirectory = 0x00000010
	FileAttributeNormal    = 0x00000080
)

const (
	descriptorSize = 592
	nameOffset     = 72
	nameUnits      = 260
)

var (
	// ErrMalformedList reports a packed file list that cannot be decoded.
	ErrMalformedList = errors.New("cliprdr: malformed file list")
	// ErrNameTooLong reports a path that does not fit in cFileName.
	ErrNameTooLong = errors.New("cliprdr: file name too long")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ParseFileList decodes a CLIPRDR_FILELIST: a little-endian descriptor
// count followed by that many FILEDESCRIPTORW records.
func ParseFileList(data []byte) ([]FileDescriptor, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedList, len(data))
	}
	count := binary.LittleEndian.Uint32(data)
	payload := len(data) - 4
	if payload%descriptorSize != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after the last descriptor",
			ErrMalformedList, payload%descriptorSize)
	}
	available := payload / descriptorSize
	if uint64(count) != uint64(available) {
		return nil, fmt.Errorf("%w: header says %d descriptors, payload holds %d",
			ErrMalformedList, count, available)
	}

	files := make([]FileDescriptor, 0, count)
	dec := utf16le.NewDecoder()
	for i := 0; i < available; i++ {
		rec := data[4+i*descriptorSize : 4+(i+1)*descriptorSize]
		fd, err := parseDescriptor(rec, dec.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: descriptor %d: %v", ErrMalformedList, i, err)
		}
		files = append(files, fd)
	}
	return files, nil
}

func parseDescriptor(rec []byte, decode func([]byte) ([]byte, error)) (FileDescriptor, error) {
	var fd FileDescriptor
	flags := binary.LittleEndian.Uint32(rec[0:])
	attrs := binary.LittleEndian.Uint32(rec[36:])

	raw := rec[nameOffset : nameOffset+nameUnits*2]
	end := len(raw)
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i] == 0 && raw[i+1] == 0 {
			end = i
			break
		}
	}
	name, err := decode(raw[:end])
	if err != nil {
		return fd, err
	}
	if len(name) == 0 {
		return fd, errors.New("empty file name")
	}
	fd.Path = string(name)

	// The directory bit is honoured even without FD_ATTRIBUTES.
	fd.Dir = attrs&FileAttributeDirectory != 0
	fd.ReadOnly = attrs&FileAttributeReadOnly != 0

	if flags&FDFileSize != 0 && !fd.Dir {
		high := binary.LittleEndian.Uint32(rec[64:])
		low := binary.LittleEndian.Uint32(rec[68:])
		fd.Size = uint64(high)<<32 | uint64(low)
		fd.HasSize = true
	}
	if flags&FDWritesTime != 0 {
		fd.Mtime = metadata.FromFiletime(binary.LittleEndian.Uint64(rec[56:]))
		fd.HasMtime = true
	}
	return fd, nil
}

// MarshalFileList encodes files as a CLIPRDR_FILELIST.
func MarshalFileList(files []FileDescriptor) ([]byte, error) {
	buf := make([]byte, 4+len(files)*descriptorSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(files)))

	enc := utf16le.NewEncoder()
	for i, fd := range files {
		rec := buf[4+i*descriptorSize : 4+(i+1)*descriptorSize]

		name, err := enc.Bytes([]byte(fd.Path))
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", fd.Path, err)
		}
		if len(name) > (nameUnits-1)*2 {
			return nil, fmt.Errorf("%w: %q", ErrNameTooLong, fd.Path)
		}
		copy(rec[nameOffset:], name)

		flags := uint32(FDAttributes | FDShowProgressUI)
		attrs := uint32(FileAttributeNormal)
		if fd.Dir {
			attrs = FileAttributeDirectory
		}
		if fd.ReadOnly {
			attrs |= FileAttributeReadOnly
		}
		if fd.HasSize && !fd.Dir {
			flags |= FDFileSize
			binary.LittleEndian.PutUint32(rec[64:], uint32(fd.Size>>32))
			binary.LittleEndian.PutUint32(rec[68:], uint32(fd.Size))
		}
		if fd.HasMtime {
			flags |= FDWritesTime
			binary.LittleEndian.PutUint64(rec[56:], metadata.ToFiletime(fd.Mtime))
		}
		binary.LittleEndian.PutUint32(rec[0:], flags)
		binary.LittleEndian.PutUint32(rec[36:], attrs)
	}
	return buf, nil
}
