// Package cliprdr holds the clipboard redirection types shared by the
// file bridge and the protocol layer: remote file descriptors, file
// contents requests and responses, capability flags and the packed
// FILEDESCRIPTORW list format.
package cliprdr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// General capability flags (MS-RDPECLIP 2.2.2.1.1.1).
const (
	CapUseLongFormatNames     uint32 = 0x00000002
	CapStreamFileClipEnabled  uint32 = 0x00000004
	CapFileClipNoFilePaths    uint32 = 0x00000008
	CapCanLockClipData        uint32 = 0x00000010
	CapHugeFileSupportEnabled uint32 = 0x00000020
)

// Capabilities is the general capability set exchanged on the channel.
type Capabilities uint32

// Has reports whether all bits of flag are set.
func (c Capabilities) Has(flag uint32) bool {
	return uint32(c)&flag == flag
}

// CanLockClipData reports whether the peer supports pinning clip data.
func (c Capabilities) CanLockClipData() bool {
	return c.Has(CapCanLockClipData)
}

// FileDescriptor is one entry of a remote file list.
type FileDescriptor struct {
	// Path is relative to the selection, using the remote separator '\'.
	Path     string
	Dir      bool
	ReadOnly bool

	Size    uint64
	HasSize bool

	Mtime    time.Time
	HasMtime bool
}

// ContentsKind selects what a file contents request asks for.
type ContentsKind uint32

const (
	ContentsSize  ContentsKind = 0x00000001
	ContentsRange ContentsKind = 0x00000002
)

func (k ContentsKind) String() string {
	switch k {
	case ContentsSize:
		return "size"
	case ContentsRange:
		return "range"
	default:
		return fmt.Sprintf("ContentsKind(%#x)", uint32(k))
	}
}

// ContentsRequest is a File Contents Request PDU.
type ContentsRequest struct {
	StreamID  uint32
	ListIndex uint32
	Kind      ContentsKind
	Offset    uint64
	// Length is the number of bytes requested. Size requests always ask
	// for 8 bytes.
	Length uint32

	ClipDataID     uint32
	HaveClipDataID bool
}

// ContentsResponse is a File Contents Response PDU.
type ContentsResponse struct {
	StreamID uint32
	OK       bool
	Data     []byte
}

// SizeLength is the payload length of a successful size response.
const SizeLength = 8

// ErrBadSizeResponse is returned by DecodeSize for payloads that are not
// a single little-endian uint64.
var ErrBadSizeResponse = errors.New("cliprdr: size response is not 8 bytes")

// EncodeSize builds the payload of a size response.
func EncodeSize(size uint64) []byte {
	b := make([]byte, SizeLength)
	binary.LittleEndian.PutUint64(b, size)
	return b
}

// DecodeSize parses the payload of a size response.
func DecodeSize(data []byte) (uint64, error) {
	if len(data) != SizeLength {
		return 0, fmt.Errorf("%w: got %d", ErrBadSizeResponse, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// SizeResponse builds a successful size response for streamID.
func SizeResponse(streamID uint32, size uint64) ContentsResponse {
	return ContentsResponse{StreamID: streamID, OK: true, Data: EncodeSize(size)}
}

// FailResponse builds a CB_RESPONSE_FAIL response for streamID.
func FailResponse(streamID uint32) ContentsResponse {
	return ContentsResponse{StreamID: streamID}
}
